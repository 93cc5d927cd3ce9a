package beacon

import "time"

// Definition identifies one known beacon. Only sightings that resolve to a
// definition participate in position inference.
type Definition struct {
	MAC      string `json:"mac"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Type     string `json:"type"` // eye_beacon | eye_sensor
	Serial   string `json:"sn"`
}

// Sighting is one observation of a beacon inside one AVL record or scanner
// report. MAC is raw as observed; matching to a canonical MAC happens in
// the Matcher. Optional fields are nil when the wire format omitted them.
type Sighting struct {
	MAC          string
	RSSI         *int
	Battery      *int
	TemperatureC *float64
	Humidity     *int
	Magnet       *int
	DetectedAt   time.Time
	SourceIOID   uint16 // 0 for scanner-originated sightings
}
