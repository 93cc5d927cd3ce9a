package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fleet-beacon/avl-broker/internal/beacon"
)

// RUTX11 firmware versions emit two different webhook payloads. Format A is
// the stock data-to-server template; format B is the trimmed custom script.
// Both normalize to (scanner_id, coordinates?, sightings).
type webhookSighting struct {
	MAC     string `json:"mac"`
	RSSI    *int   `json:"rssi"`
	Battery *int   `json:"battery"`
}

type webhookPayload struct {
	// Format A.
	StreamingData *struct {
		Name string `json:"name"`
	} `json:"Streaming_Data"`
	GPSMonitoring *struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"GPS_Monitoring"`
	BluetoothMonitor []webhookSighting `json:"Bluetooth_Monitor"`

	// Format B.
	Host string            `json:"host"`
	Lat  *float64          `json:"lat"`
	Lng  *float64          `json:"lng"`
	Data []webhookSighting `json:"data"`
}

// normalize reduces either payload shape to one report.
func (p *webhookPayload) normalize() (scannerID string, lat, lng *float64, sightings []webhookSighting, err error) {
	switch {
	case p.StreamingData != nil || len(p.BluetoothMonitor) > 0:
		if p.StreamingData == nil || p.StreamingData.Name == "" {
			return "", nil, nil, nil, errors.New("missing Streaming_Data.name")
		}
		scannerID = p.StreamingData.Name
		if p.GPSMonitoring != nil {
			lat, lng = p.GPSMonitoring.Latitude, p.GPSMonitoring.Longitude
		}
		sightings = p.BluetoothMonitor
	case p.Host != "":
		scannerID = p.Host
		lat, lng = p.Lat, p.Lng
		sightings = p.Data
	default:
		return "", nil, nil, nil, errors.New("unrecognized webhook payload")
	}
	for i, s := range sightings {
		if s.MAC == "" {
			return "", nil, nil, nil, fmt.Errorf("sighting %d missing mac", i)
		}
	}
	return scannerID, lat, lng, sightings, nil
}

func (s *Server) handleScannerWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var payload webhookPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scannerID, lat, lng, raw, err := payload.normalize()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	sightings := make([]beacon.Sighting, 0, len(raw))
	for _, ws := range raw {
		sightings = append(sightings, beacon.Sighting{
			MAC:        ws.MAC,
			RSSI:       ws.RSSI,
			Battery:    ws.Battery,
			DetectedAt: now,
		})
	}

	eff := s.engine.HandleScannerReport(scannerID, lat, lng, sightings, now)
	s.committer.Commit(r.Context(), eff)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"scanner_id": scannerID,
		"sightings":  len(sightings),
		"matched":    len(eff.Beacons),
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
