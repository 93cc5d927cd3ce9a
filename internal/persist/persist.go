// Package persist writes broker state through to Postgres and loads it back
// at startup. The in-memory store stays authoritative; persistence failures
// are logged and never block ingest.
package persist

import (
	"context"
	"time"
)

// TrackerState is the write-through image of one tracker row.
type TrackerState struct {
	IMEI       string
	Lat        float64
	Lng        float64
	SpeedKmh   float64
	Heading    int
	Altitude   int
	Satellites int
	RecordedAt time.Time
}

// BeaconState is the write-through image of one ble_positions row. Lat/Lng
// are nil while the beacon has no inferred position yet.
type BeaconState struct {
	MAC                string
	Lat                *float64
	Lng                *float64
	TrackerIMEI        string
	IsPaired           bool
	PairingDurationSec int
	Battery            *int
	Magnet             *int
	Source             string
	UpdatedAt          time.Time
}

// ScanEvent is one append-only ble_scans row, logged for every sighting of
// a known beacon and for unknown MACs arriving via scanner webhooks.
// Lat/Lng are nil when the reporter had no usable position.
type ScanEvent struct {
	MAC          string
	TrackerIMEI  string
	Lat          *float64
	Lng          *float64
	RSSI         *int
	Battery      *int
	TemperatureC *float64
	Humidity     *int
	Magnet       *int
	SourceIOID   uint16
	Known        bool
	ScanTime     time.Time
}

// ScannerState is the write-through image of one registered fixed scanner.
type ScannerState struct {
	ID           string
	Name         string
	Lat          float64
	Lng          float64
	RegisteredAt time.Time
	LastSeen     time.Time
}

// RawFrame is one captured AVL frame body for offline protocol analysis.
type RawFrame struct {
	IMEI        string
	CodecID     byte
	RecordCount int
	Body        []byte
	ReceivedAt  time.Time
}

// Adapter is the persistence boundary. The Postgres implementation writes
// through; the noop implementation backs db-less deployments.
type Adapter interface {
	SaveTracker(ctx context.Context, t TrackerState) error
	SaveBeaconState(ctx context.Context, b BeaconState) error
	SaveScans(ctx context.Context, scans []ScanEvent) error
	SaveScanner(ctx context.Context, s ScannerState) error
	AppendRawFrame(ctx context.Context, f RawFrame) error

	LoadTrackers(ctx context.Context) ([]TrackerState, error)
	LoadBeaconStates(ctx context.Context) ([]BeaconState, error)
	LoadScanners(ctx context.Context) ([]ScannerState, error)

	Enabled() bool
	Close()
}
