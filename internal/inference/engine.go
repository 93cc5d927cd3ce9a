// Package inference turns beacon sightings into beacon positions. A beacon
// has no radio of its own that reports where it is; its position is inferred
// from the GPS position of whichever tracker or fixed scanner saw it,
// filtered against GPS drift, stale-gap jumps and towing.
package inference

import (
	"time"

	"go.uber.org/zap"

	"github.com/fleet-beacon/avl-broker/internal/avl"
	"github.com/fleet-beacon/avl-broker/internal/beacon"
	"github.com/fleet-beacon/avl-broker/internal/metrics"
	"github.com/fleet-beacon/avl-broker/internal/persist"
	"github.com/fleet-beacon/avl-broker/internal/store"
)

// Effects are the persistence writes produced by one state transition.
// They are collected under the store lock and executed by the caller after
// the lock is released, so a slow database never stalls ingest.
type Effects struct {
	Tracker *persist.TrackerState
	Scanner *persist.ScannerState
	Beacons []persist.BeaconState
	Scans   []persist.ScanEvent
}

type Engine struct {
	store   *store.Store
	matcher *beacon.Matcher
	params  Params
	logger  *zap.Logger
}

func New(st *store.Store, m *beacon.Matcher, p Params, logger *zap.Logger) *Engine {
	return &Engine{store: st, matcher: m, params: p, logger: logger}
}

// HandleRecord applies one AVL record: it updates the tracker's position
// and runs every beacon sighting the record carries through the position
// state machine.
func (e *Engine) HandleRecord(imei string, rec *avl.Record, now time.Time) Effects {
	sightings := e.extract(rec)

	var eff Effects
	e.store.Do(func(st *store.State) {
		t := st.EnsureTracker(imei, now)
		t.Position = &store.Position{Lat: rec.GPS.Lat, Lng: rec.GPS.Lng}
		t.SpeedKmh = float64(rec.GPS.SpeedKmh)
		t.Heading = int(rec.GPS.Heading)
		t.Altitude = int(rec.GPS.Altitude)
		t.Satellites = int(rec.GPS.Satellites)
		t.LastRecord = rec.Timestamp
		t.Connected = true
		t.RecordCount++

		eff.Tracker = &persist.TrackerState{
			IMEI:       imei,
			Lat:        rec.GPS.Lat,
			Lng:        rec.GPS.Lng,
			SpeedKmh:   float64(rec.GPS.SpeedKmh),
			Heading:    int(rec.GPS.Heading),
			Altitude:   int(rec.GPS.Altitude),
			Satellites: int(rec.GPS.Satellites),
			RecordedAt: rec.Timestamp,
		}

		stopped := float64(rec.GPS.SpeedKmh) < e.params.StopKmh
		for i := range sightings {
			e.applySighting(st, &eff, imei, rec.GPS.Lat, rec.GPS.Lng, stopped, &sightings[i], now)
		}
	})
	return eff
}

// MarkDisconnected flags a tracker's connection as closed. Its last known
// position stays on the map.
func (e *Engine) MarkDisconnected(imei string) {
	e.store.Do(func(st *store.State) {
		if t, ok := st.Trackers[imei]; ok {
			t.Connected = false
		}
	})
}

func (e *Engine) extract(rec *avl.Record) []beacon.Sighting {
	var out []beacon.Sighting
	for _, p := range rec.BeaconPayloads {
		var sightings []beacon.Sighting
		switch p.IOID {
		case avl.IOBeaconList:
			sightings = beacon.ExtractStandard(p.Data, rec.Timestamp)
			metrics.SightingsTotal.WithLabelValues("io385").Add(float64(len(sightings)))
		default:
			sightings = beacon.ExtractVendorBlob(p.IOID, p.Data, e.matcher.KnownMACs(), rec.Timestamp)
			metrics.SightingsTotal.WithLabelValues("vendor_blob").Add(float64(len(sightings)))
		}
		out = append(out, sightings...)
	}
	return out
}

// applySighting runs one matched sighting through the position state
// machine. Metadata and pairing bookkeeping are refreshed on every sighting;
// the position itself moves only when a case below decides it should.
func (e *Engine) applySighting(st *store.State, eff *Effects, imei string, lat, lng float64, stopped bool, s *beacon.Sighting, now time.Time) {
	mac, ok := e.matcher.Match(s.MAC)
	if !ok {
		metrics.UnmatchedMACsTotal.Inc()
		if e.matcher.NearMiss(s.MAC) {
			metrics.NearMissTotal.Inc()
			e.logger.Warn("unmatched mac shares fragment with known beacon",
				zap.String("mac", s.MAC), zap.String("imei", imei))
		}
		return
	}

	b := st.EnsureBeacon(mac)
	if def, defOK := e.matcher.Definition(mac); defOK && b.Name == "" {
		b.Name = def.Name
		b.Category = def.Category
		b.Type = def.Type
		b.Serial = def.Serial
	}

	first := b.SightingCount == 0
	gap := 0.0
	if !b.LastSeen.IsZero() {
		gap = now.Sub(b.LastSeen).Seconds()
	}

	refreshMetadata(b, s, imei, now)
	eff.Scans = append(eff.Scans, scanEvent(mac, s, imei, &store.Position{Lat: lat, Lng: lng}, now))

	if first {
		b.PairCarrier = imei
		b.PairStart = now
		b.IsPaired = false
		if stopped {
			e.setPosition(b, lat, lng, "inferred", now, "first")
			e.logger.Info("beacon first detection",
				zap.String("mac", mac), zap.String("name", b.Name),
				zap.Float64("lat", lat), zap.Float64("lng", lng))
		} else {
			e.logger.Info("beacon detected while moving, waiting for stop",
				zap.String("mac", mac), zap.String("name", b.Name))
		}
		eff.Beacons = append(eff.Beacons, beaconState(b, now))
		return
	}

	// Pairing bookkeeping runs regardless of what happens to the position.
	// A carrier change restarts the timer; the same carrier for PairSec
	// confirms pairing.
	if b.PairCarrier != imei {
		b.PairCarrier = imei
		b.PairStart = now
		b.IsPaired = false
		e.logger.Info("beacon carrier changed, restarting pairing timer",
			zap.String("mac", mac), zap.String("imei", imei))
	} else {
		// Recomputed, not latched: a restarted timer (gap relocation) must
		// drop the beacon back to unpaired until the duration matures again.
		b.IsPaired = now.Sub(b.PairStart).Seconds() >= float64(e.params.PairSec)
	}

	switch {
	case b.Position == nil:
		// Seen while moving earlier; the first stop anchors it.
		if stopped {
			e.setPosition(b, lat, lng, "inferred", now, "stop")
			e.logger.Info("beacon anchored after stop",
				zap.String("mac", mac), zap.Float64("lat", lat), zap.Float64("lng", lng))
		}

	case DistanceM(b.Position.Lat, b.Position.Lng, lat, lng) < e.params.DriftM:
		metrics.DriftSuppressedTotal.Inc()

	case gap > float64(e.params.GapSec) && DistanceM(b.Position.Lat, b.Position.Lng, lat, lng) > e.params.JumpM:
		// Not seen for a while and reappeared far away: it was relocated
		// out of radio range, trust the new placement immediately.
		e.setPosition(b, lat, lng, "inferred", now, "gap_jump")
		b.IsPaired = true
		b.PairCarrier = imei
		b.PairStart = now
		e.logger.Info("beacon relocated after gap",
			zap.String("mac", mac), zap.Float64("gap_sec", gap),
			zap.Float64("lat", lat), zap.Float64("lng", lng))

	case b.IsPaired:
		// Towing: the beacon moves with its confirmed carrier.
		e.setPosition(b, lat, lng, "inferred", now, "towing")
		e.logger.Info("beacon towed",
			zap.String("mac", mac), zap.String("imei", imei),
			zap.Float64("lat", lat), zap.Float64("lng", lng))
	}

	eff.Beacons = append(eff.Beacons, beaconState(b, now))
}

// HandleScannerReport applies a fixed-scanner sighting batch. A fixed
// scanner's position is ground truth: matched beacons take it directly and
// skip the state machine. Coordinates come from the report itself, falling
// back to the scanner's registered position; with neither, sightings are
// logged but move nothing. Unknown MACs are logged too, flagged unknown.
func (e *Engine) HandleScannerReport(scannerID string, lat, lng *float64, sightings []beacon.Sighting, now time.Time) Effects {
	var eff Effects
	e.store.Do(func(st *store.State) {
		var pos *store.Position
		if lat != nil && lng != nil {
			pos = &store.Position{Lat: *lat, Lng: *lng}
		}
		if sc, ok := st.Scanners[scannerID]; ok {
			sc.LastSeen = now
			if pos == nil {
				p := sc.Position
				pos = &p
			}
			eff.Scanner = &persist.ScannerState{
				ID: sc.ID, Name: sc.Name,
				Lat: sc.Position.Lat, Lng: sc.Position.Lng,
				RegisteredAt: sc.RegisteredAt, LastSeen: now,
			}
		}

		carrier := "rutx11:" + scannerID
		for i := range sightings {
			s := &sightings[i]
			mac, ok := e.matcher.Match(s.MAC)
			if !ok {
				metrics.UnmatchedMACsTotal.Inc()
				ev := scanEvent(beacon.Normalize(s.MAC), s, carrier, pos, now)
				ev.Known = false
				eff.Scans = append(eff.Scans, ev)
				continue
			}
			b := st.EnsureBeacon(mac)
			if def, defOK := e.matcher.Definition(mac); defOK && b.Name == "" {
				b.Name = def.Name
				b.Category = def.Category
				b.Type = def.Type
				b.Serial = def.Serial
			}
			refreshMetadata(b, s, carrier, now)
			if pos != nil {
				e.setPosition(b, pos.Lat, pos.Lng, "scanner", now, "scanner")
				b.IsPaired = true
				b.PairCarrier = carrier
				b.PairStart = now
			}
			eff.Scans = append(eff.Scans, scanEvent(mac, s, carrier, pos, now))
			eff.Beacons = append(eff.Beacons, beaconState(b, now))
		}
	})
	metrics.ScannerReportsTotal.Inc()
	metrics.SightingsTotal.WithLabelValues("scanner").Add(float64(len(sightings)))
	return eff
}

// RegisterScanner creates or updates a fixed scanner at a surveyed position.
func (e *Engine) RegisterScanner(id, name string, lat, lng float64, now time.Time) Effects {
	var eff Effects
	e.store.Do(func(st *store.State) {
		sc, ok := st.Scanners[id]
		if !ok {
			sc = &store.Scanner{ID: id, RegisteredAt: now}
			st.Scanners[id] = sc
		}
		if name != "" {
			sc.Name = name
		}
		sc.Position = store.Position{Lat: lat, Lng: lng}
		sc.LastSeen = now
		eff.Scanner = &persist.ScannerState{
			ID: sc.ID, Name: sc.Name, Lat: lat, Lng: lng,
			RegisteredAt: sc.RegisteredAt, LastSeen: now,
		}
	})
	return eff
}

// SetManualPosition overrides one beacon's position from the dashboard.
// The override moves the pin only; pairing continues from live sightings.
func (e *Engine) SetManualPosition(mac string, lat, lng float64, now time.Time) (Effects, bool) {
	mac = beacon.Normalize(mac)
	var eff Effects
	found := false
	e.store.Do(func(st *store.State) {
		b, ok := st.Beacons[mac]
		if !ok {
			return
		}
		found = true
		e.setPosition(b, lat, lng, "manual", now, "manual")
		b.CarrierID = "manual"
		b.IsPaired = false
		eff.Beacons = append(eff.Beacons, beaconState(b, now))
	})
	return eff, found
}

// SetAllHome parks every known beacon at the given home position, used
// after physically collecting the fleet.
func (e *Engine) SetAllHome(lat, lng float64, now time.Time) (Effects, int) {
	var eff Effects
	count := 0
	e.store.Do(func(st *store.State) {
		for _, b := range st.Beacons {
			e.setPosition(b, lat, lng, "manual", now, "home")
			b.CarrierID = "manual"
			b.IsPaired = false
			eff.Beacons = append(eff.Beacons, beaconState(b, now))
			count++
		}
	})
	return eff, count
}

func (e *Engine) setPosition(b *store.Beacon, lat, lng float64, source string, now time.Time, reason string) {
	b.Position = &store.Position{Lat: lat, Lng: lng}
	b.PositionUpdatedAt = now
	b.PositionSource = source
	metrics.PositionUpdatesTotal.WithLabelValues(reason).Inc()
}

// refreshMetadata applies the sticky-field rule: every sighting refreshes
// last seen and carrier, sensor fields only overwrite when present.
func refreshMetadata(b *store.Beacon, s *beacon.Sighting, carrier string, now time.Time) {
	b.LastSeen = now
	b.SightingCount++
	b.CarrierID = carrier
	if s.RSSI != nil {
		b.RSSI = s.RSSI
	}
	if s.Battery != nil {
		b.Battery = s.Battery
	}
	if s.TemperatureC != nil {
		b.TemperatureC = s.TemperatureC
	}
	if s.Humidity != nil {
		b.Humidity = s.Humidity
	}
	if s.Magnet != nil {
		b.Magnet = s.Magnet
	}
}

func beaconState(b *store.Beacon, now time.Time) persist.BeaconState {
	out := persist.BeaconState{
		MAC:         b.MAC,
		TrackerIMEI: b.CarrierID,
		IsPaired:    b.IsPaired,
		Battery:     b.Battery,
		Magnet:      b.Magnet,
		Source:      b.PositionSource,
		UpdatedAt:   now,
	}
	if b.Position != nil {
		lat, lng := b.Position.Lat, b.Position.Lng
		out.Lat, out.Lng = &lat, &lng
	}
	if !b.PairStart.IsZero() {
		out.PairingDurationSec = int(now.Sub(b.PairStart).Seconds())
	}
	return out
}

func scanEvent(mac string, s *beacon.Sighting, carrier string, pos *store.Position, now time.Time) persist.ScanEvent {
	ev := persist.ScanEvent{
		MAC:          mac,
		TrackerIMEI:  carrier,
		RSSI:         s.RSSI,
		Battery:      s.Battery,
		TemperatureC: s.TemperatureC,
		Humidity:     s.Humidity,
		Magnet:       s.Magnet,
		SourceIOID:   s.SourceIOID,
		Known:        true,
		ScanTime:     now,
	}
	if pos != nil {
		lat, lng := pos.Lat, pos.Lng
		ev.Lat, ev.Lng = &lat, &lng
	}
	return ev
}
