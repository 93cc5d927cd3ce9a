package persist

import "context"

// Noop backs deployments without a database. All writes succeed and loads
// return nothing; the broker runs purely from memory.
type Noop struct{}

func NewNoop() Noop { return Noop{} }

func (Noop) SaveTracker(context.Context, TrackerState) error    { return nil }
func (Noop) SaveBeaconState(context.Context, BeaconState) error { return nil }
func (Noop) SaveScans(context.Context, []ScanEvent) error       { return nil }
func (Noop) SaveScanner(context.Context, ScannerState) error    { return nil }
func (Noop) AppendRawFrame(context.Context, RawFrame) error     { return nil }

func (Noop) LoadTrackers(context.Context) ([]TrackerState, error)    { return nil, nil }
func (Noop) LoadBeaconStates(context.Context) ([]BeaconState, error) { return nil, nil }
func (Noop) LoadScanners(context.Context) ([]ScannerState, error)    { return nil, nil }

func (Noop) Enabled() bool { return false }
func (Noop) Close()        {}
