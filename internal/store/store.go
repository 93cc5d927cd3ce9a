// Package store holds the live in-memory state of the broker: trackers,
// beacons and fixed scanners. It is the single source of truth for reads;
// the database is a write-through copy used to survive restarts.
package store

import (
	"hash/fnv"
	"sync"
	"time"
)

// Position is a WGS84 point. Beacons without an inferred position carry a
// nil *Position.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Tracker is the last known state of one GPS tracker, keyed by IMEI.
type Tracker struct {
	IMEI     string
	ID       uint32
	Position *Position
	SpeedKmh float64

	Heading    int
	Altitude   int
	Satellites int

	// LastRecord is the device-reported timestamp of the newest record;
	// LastSeen is the broker wall clock of the last frame or report.
	LastRecord time.Time
	LastSeen   time.Time

	Connected   bool
	RecordCount int64
}

// Beacon is the live state of one known BLE beacon, including its inferred
// position and pairing bookkeeping.
type Beacon struct {
	MAC      string
	Name     string
	Category string
	Type     string
	Serial   string

	Position          *Position
	PositionUpdatedAt time.Time
	PositionSource    string // inferred | manual | scanner

	CarrierID string

	IsPaired    bool
	PairStart   time.Time
	PairCarrier string

	LastSeen      time.Time
	SightingCount int64

	// Sticky sensor metadata, refreshed on every sighting that carries the
	// field and kept from the previous sighting otherwise.
	RSSI         *int
	Battery      *int
	TemperatureC *float64
	Humidity     *int
	Magnet       *int
}

// Scanner is a registered fixed BLE scanner (RUTX11 router or similar).
type Scanner struct {
	ID           string
	Name         string
	Position     Position
	LastSeen     time.Time
	RegisteredAt time.Time
}

// State is the mutable view handed to Do callbacks. Callers own the lock
// for the duration of the callback and must not retain the maps or the
// pointers they hold.
type State struct {
	Trackers map[string]*Tracker
	Beacons  map[string]*Beacon
	Scanners map[string]*Scanner
}

// Store guards all broker state behind one mutex. Contention is low, a
// handful of trackers and HTTP readers, so a single lock keeps the pairing
// logic free of ordering concerns.
type Store struct {
	mu    sync.Mutex
	state State
}

func New() *Store {
	return &Store{state: State{
		Trackers: make(map[string]*Tracker),
		Beacons:  make(map[string]*Beacon),
		Scanners: make(map[string]*Scanner),
	}}
}

// Do runs fn with exclusive access to the state. All mutation goes through
// here; side effects such as database writes belong after Do returns.
func (s *Store) Do(fn func(st *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// EnsureTracker returns the tracker for imei, creating it on first contact.
func (st *State) EnsureTracker(imei string, now time.Time) *Tracker {
	t, ok := st.Trackers[imei]
	if !ok {
		t = &Tracker{IMEI: imei, ID: TrackerID(imei)}
		st.Trackers[imei] = t
	}
	t.LastSeen = now
	return t
}

// EnsureBeacon returns the beacon for a canonical MAC, creating a bare
// entry on first sighting of a MAC that has no configured definition row.
func (st *State) EnsureBeacon(mac string) *Beacon {
	b, ok := st.Beacons[mac]
	if !ok {
		b = &Beacon{MAC: mac}
		st.Beacons[mac] = b
	}
	return b
}

// TrackerID derives the stable numeric id exposed on the JSON API from an
// IMEI. FNV-1a keeps it deterministic across restarts without a database
// sequence.
func TrackerID(imei string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(imei))
	return h.Sum32()
}

// Trackers returns a deep copy of all trackers for lock-free reading.
func (s *Store) Trackers() []Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tracker, 0, len(s.state.Trackers))
	for _, t := range s.state.Trackers {
		c := *t
		c.Position = clonePos(t.Position)
		out = append(out, c)
	}
	return out
}

// Beacons returns a deep copy of all beacons for lock-free reading.
func (s *Store) Beacons() []Beacon {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Beacon, 0, len(s.state.Beacons))
	for _, b := range s.state.Beacons {
		out = append(out, cloneBeacon(b))
	}
	return out
}

// Scanners returns a copy of all registered scanners.
func (s *Store) Scanners() []Scanner {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Scanner, 0, len(s.state.Scanners))
	for _, sc := range s.state.Scanners {
		out = append(out, *sc)
	}
	return out
}

func clonePos(p *Position) *Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneBeacon(b *Beacon) Beacon {
	c := *b
	c.Position = clonePos(b.Position)
	c.RSSI = cloneInt(b.RSSI)
	c.Battery = cloneInt(b.Battery)
	c.Humidity = cloneInt(b.Humidity)
	c.Magnet = cloneInt(b.Magnet)
	if b.TemperatureC != nil {
		t := *b.TemperatureC
		c.TemperatureC = &t
	}
	return c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
