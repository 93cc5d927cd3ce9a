package httpapi

import (
	"net/http"
	"sort"
	"time"

	"github.com/fleet-beacon/avl-broker/internal/store"
)

// beaconView is the JSON shape of one beacon in /data and /ble/positions.
type beaconView struct {
	MAC             string   `json:"mac"`
	Name            string   `json:"name"`
	Category        string   `json:"category"`
	Type            string   `json:"type"`
	Serial          string   `json:"sn"`
	Lat             *float64 `json:"lat"`
	Lng             *float64 `json:"lng"`
	LastTrackerID   *string  `json:"last_tracker_id"`
	LastUpdate      *string  `json:"last_update"`
	LastSeen        *string  `json:"last_seen"`
	IsPaired        bool     `json:"is_paired"`
	PairingDuration int      `json:"pairing_duration"`
	Battery         *int     `json:"battery"`
	RSSI            *int     `json:"rssi"`
	TemperatureC    *float64 `json:"temperature_c"`
	Humidity        *int     `json:"humidity"`
	MagnetStatus    *int     `json:"magnet_status"`
	Source          string   `json:"source,omitempty"`
}

type trackerView struct {
	TrackerID        uint32       `json:"tracker_id"`
	Label            string       `json:"label"`
	IMEI             string       `json:"imei"`
	Lat              *float64     `json:"lat"`
	Lng              *float64     `json:"lng"`
	Speed            float64      `json:"speed"`
	Heading          int          `json:"heading"`
	Altitude         int          `json:"altitude"`
	Satellites       int          `json:"satellites"`
	LastUpdate       *string      `json:"last_update"`
	ConnectionStatus string       `json:"connection_status"`
	Beacons          []beaconView `json:"beacons"`
}

func beaconToView(b store.Beacon, now time.Time) beaconView {
	v := beaconView{
		MAC:          b.MAC,
		Name:         b.Name,
		Category:     b.Category,
		Type:         b.Type,
		Serial:       b.Serial,
		LastUpdate:   isoTime(b.PositionUpdatedAt),
		LastSeen:     isoTime(b.LastSeen),
		IsPaired:     b.IsPaired,
		Battery:      b.Battery,
		RSSI:         b.RSSI,
		TemperatureC: b.TemperatureC,
		Humidity:     b.Humidity,
		MagnetStatus: b.Magnet,
		Source:       b.PositionSource,
	}
	if b.Name == "" {
		v.Name = shortMAC(b.MAC)
	}
	if b.Position != nil {
		lat, lng := b.Position.Lat, b.Position.Lng
		v.Lat, v.Lng = &lat, &lng
	}
	if b.CarrierID != "" {
		carrier := b.CarrierID
		v.LastTrackerID = &carrier
	}
	if !b.PairStart.IsZero() && b.PairCarrier == b.CarrierID {
		v.PairingDuration = int(now.Sub(b.PairStart).Seconds())
	}
	return v
}

func trackerToView(t store.Tracker, beacons []beaconView) trackerView {
	v := trackerView{
		TrackerID:  t.ID,
		Label:      t.IMEI,
		IMEI:       t.IMEI,
		Speed:      t.SpeedKmh,
		Heading:    t.Heading,
		Altitude:   t.Altitude,
		Satellites: t.Satellites,
		LastUpdate: isoTime(t.LastSeen),
		Beacons:    beacons,
	}
	if t.Position != nil {
		lat, lng := t.Position.Lat, t.Position.Lng
		v.Lat, v.Lng = &lat, &lng
	}
	if t.Connected {
		v.ConnectionStatus = "active"
	} else {
		v.ConnectionStatus = "disconnected"
	}
	return v
}

func shortMAC(mac string) string {
	if len(mac) > 8 {
		return mac[:8]
	}
	return mac
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "avl-broker",
		"tcp_port":    s.tcpPort,
		"http_port":   s.httpPort,
		"trackers":    len(s.store.Trackers()),
		"ble_devices": len(s.store.Beacons()),
		"db_enabled":  s.db.Enabled(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"db_enabled": s.db.Enabled(),
	})
}

// handleData serves the fused snapshot the map view renders: every tracker
// with its attributed beacons, plus the full beacon map keyed by MAC.
// Beacons without a position appear with null coordinates so they never
// vanish from the dashboard.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	trackers := s.store.Trackers()
	beacons := s.store.Beacons()

	bleMap := make(map[string]beaconView, len(beacons))
	byCarrier := make(map[string][]beaconView)
	withPos := 0
	for _, b := range beacons {
		v := beaconToView(b, now)
		bleMap[b.MAC] = v
		if b.Position != nil {
			withPos++
		}
		if b.CarrierID != "" {
			byCarrier[b.CarrierID] = append(byCarrier[b.CarrierID], v)
		}
	}

	sort.Slice(trackers, func(i, j int) bool { return trackers[i].IMEI < trackers[j].IMEI })
	rows := make([]trackerView, 0, len(trackers))
	for _, t := range trackers {
		attributed := byCarrier[t.IMEI]
		if attributed == nil {
			attributed = []beaconView{}
		}
		rows = append(rows, trackerToView(t, attributed))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"rows":              rows,
		"ble_positions":     bleMap,
		"source":            "avl_broker",
		"db_enabled":        s.db.Enabled(),
		"ble_count":         len(bleMap),
		"ble_with_position": withPos,
	})
}

func (s *Server) handleBLEPositions(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	beacons := s.store.Beacons()
	positions := make(map[string]beaconView, len(beacons))
	for _, b := range beacons {
		positions[b.MAC] = beaconToView(b, now)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleTrackers(w http.ResponseWriter, r *http.Request) {
	trackers := s.store.Trackers()
	byIMEI := make(map[string]trackerView, len(trackers))
	for _, t := range trackers {
		byIMEI[t.IMEI] = trackerToView(t, nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"trackers": byIMEI,
		"count":    len(byIMEI),
	})
}

// handleBLEList is the flat debug view of every beacon, sorted by MAC.
func (s *Server) handleBLEList(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	beacons := s.store.Beacons()
	sort.Slice(beacons, func(i, j int) bool { return beacons[i].MAC < beacons[j].MAC })
	views := make([]beaconView, 0, len(beacons))
	for _, b := range beacons {
		views = append(views, beaconToView(b, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"beacons": views,
		"count":   len(views),
	})
}

func (s *Server) handleSetPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		MAC string   `json:"mac"`
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MAC == "" || req.Lat == nil || req.Lng == nil {
		writeError(w, http.StatusBadRequest, "mac, lat and lng are required")
		return
	}

	eff, ok := s.engine.SetManualPosition(req.MAC, *req.Lat, *req.Lng, time.Now())
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown beacon: "+req.MAC)
		return
	}
	s.committer.Commit(r.Context(), eff)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "position set",
	})
}

func (s *Server) handleSetAllHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Lat == nil || req.Lng == nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}

	eff, n := s.engine.SetAllHome(*req.Lat, *req.Lng, time.Now())
	s.committer.Commit(r.Context(), eff)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "beacons reset to home",
		"count":   n,
	})
}

func (s *Server) handleScanners(w http.ResponseWriter, r *http.Request) {
	scanners := s.store.Scanners()
	sort.Slice(scanners, func(i, j int) bool { return scanners[i].ID < scanners[j].ID })

	type scannerView struct {
		ID           string  `json:"scanner_id"`
		Name         string  `json:"name"`
		Lat          float64 `json:"lat"`
		Lng          float64 `json:"lng"`
		RegisteredAt *string `json:"registered_at"`
		LastSeen     *string `json:"last_seen"`
	}
	views := make([]scannerView, 0, len(scanners))
	for _, sc := range scanners {
		views = append(views, scannerView{
			ID:           sc.ID,
			Name:         sc.Name,
			Lat:          sc.Position.Lat,
			Lng:          sc.Position.Lng,
			RegisteredAt: isoTime(sc.RegisteredAt),
			LastSeen:     isoTime(sc.LastSeen),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"scanners": views,
		"count":    len(views),
	})
}

func (s *Server) handleScannerRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		ScannerID string   `json:"scanner_id"`
		Name      string   `json:"name"`
		Lat       *float64 `json:"lat"`
		Lng       *float64 `json:"lng"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ScannerID == "" || req.Lat == nil || req.Lng == nil {
		writeError(w, http.StatusBadRequest, "scanner_id, lat and lng are required")
		return
	}

	eff := s.engine.RegisterScanner(req.ScannerID, req.Name, *req.Lat, *req.Lng, time.Now())
	s.committer.Commit(r.Context(), eff)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"scanner_id": req.ScannerID,
	})
}
