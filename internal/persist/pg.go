package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/fleet-beacon/avl-broker/internal/metrics"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// PG writes broker state through to Postgres.
type PG struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	compressRaw bool
}

func NewPG(pool *pgxpool.Pool, logger *zap.Logger, compressRaw bool) *PG {
	return &PG{pool: pool, logger: logger, compressRaw: compressRaw}
}

func (p *PG) Enabled() bool { return true }

func (p *PG) Close() { p.pool.Close() }

func (p *PG) SaveTracker(ctx context.Context, t TrackerState) error {
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO trackers (imei, lat, lng, speed_kmh, heading, altitude, satellites, recorded_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (imei) DO UPDATE SET
			lat         = EXCLUDED.lat,
			lng         = EXCLUDED.lng,
			speed_kmh   = EXCLUDED.speed_kmh,
			heading     = EXCLUDED.heading,
			altitude    = EXCLUDED.altitude,
			satellites  = EXCLUDED.satellites,
			recorded_at = EXCLUDED.recorded_at,
			last_seen   = now()`,
		t.IMEI, t.Lat, t.Lng, t.SpeedKmh, t.Heading, t.Altitude, t.Satellites, t.RecordedAt,
	)
	if err != nil {
		metrics.DBErrorsTotal.WithLabelValues("save_tracker").Inc()
		return fmt.Errorf("persist: upsert tracker: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("trackers").Observe(time.Since(start).Seconds())
	return nil
}

func (p *PG) SaveBeaconState(ctx context.Context, b BeaconState) error {
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ble_positions (mac, lat, lng, tracker_imei, is_paired, pairing_duration_sec, battery_percent, magnet_status, source, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (mac) DO UPDATE SET
			lat                  = EXCLUDED.lat,
			lng                  = EXCLUDED.lng,
			tracker_imei         = EXCLUDED.tracker_imei,
			is_paired            = EXCLUDED.is_paired,
			pairing_duration_sec = EXCLUDED.pairing_duration_sec,
			battery_percent      = COALESCE(EXCLUDED.battery_percent, ble_positions.battery_percent),
			magnet_status        = COALESCE(EXCLUDED.magnet_status, ble_positions.magnet_status),
			source               = EXCLUDED.source,
			updated_at           = EXCLUDED.updated_at`,
		b.MAC, b.Lat, b.Lng, b.TrackerIMEI, b.IsPaired, b.PairingDurationSec,
		b.Battery, b.Magnet, b.Source, b.UpdatedAt,
	)
	if err != nil {
		metrics.DBErrorsTotal.WithLabelValues("save_beacon").Inc()
		return fmt.Errorf("persist: upsert beacon state: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("ble_positions").Observe(time.Since(start).Seconds())
	return nil
}

// SaveScans appends scan rows in one batch. ble_scans is partitioned by
// scan day; a missing partition surfaces here and is created by the
// maintenance job.
func (p *PG) SaveScans(ctx context.Context, scans []ScanEvent) error {
	if len(scans) == 0 {
		return nil
	}
	start := time.Now()

	batch := &pgx.Batch{}
	for _, s := range scans {
		batch.Queue(`
			INSERT INTO ble_scans (mac, tracker_imei, lat, lng, rssi, battery_percent, temperature_c, humidity, magnet_status, source_io, is_known, scan_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.MAC, s.TrackerIMEI, s.Lat, s.Lng, s.RSSI, s.Battery,
			s.TemperatureC, s.Humidity, s.Magnet, int(s.SourceIOID), s.Known, s.ScanTime,
		)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range scans {
		if _, err := br.Exec(); err != nil {
			metrics.DBErrorsTotal.WithLabelValues("save_scans").Inc()
			return fmt.Errorf("persist: insert scan: %w", err)
		}
	}
	metrics.DBWriteDuration.WithLabelValues("ble_scans").Observe(time.Since(start).Seconds())
	return nil
}

func (p *PG) SaveScanner(ctx context.Context, s ScannerState) error {
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO scanners (scanner_id, name, lat, lng, registered_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scanner_id) DO UPDATE SET
			name      = COALESCE(NULLIF(EXCLUDED.name, ''), scanners.name),
			lat       = EXCLUDED.lat,
			lng       = EXCLUDED.lng,
			last_seen = EXCLUDED.last_seen`,
		s.ID, s.Name, s.Lat, s.Lng, s.RegisteredAt, s.LastSeen,
	)
	if err != nil {
		metrics.DBErrorsTotal.WithLabelValues("save_scanner").Inc()
		return fmt.Errorf("persist: upsert scanner: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("scanners").Observe(time.Since(start).Seconds())
	return nil
}

func (p *PG) AppendRawFrame(ctx context.Context, f RawFrame) error {
	start := time.Now()
	body := f.Body
	compressed := false
	if p.compressRaw {
		body = zstdEncoder.EncodeAll(f.Body, nil)
		compressed = true
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO avl_frames (imei, codec_id, record_count, body, compressed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.IMEI, int(f.CodecID), f.RecordCount, body, compressed, f.ReceivedAt,
	)
	if err != nil {
		metrics.DBErrorsTotal.WithLabelValues("append_frame").Inc()
		return fmt.Errorf("persist: insert raw frame: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("avl_frames").Observe(time.Since(start).Seconds())
	return nil
}

// LoadTrackers warms the in-memory store from the last persisted state.
func (p *PG) LoadTrackers(ctx context.Context) ([]TrackerState, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT imei, lat, lng, speed_kmh, heading, altitude, satellites, recorded_at
		FROM trackers`)
	if err != nil {
		return nil, fmt.Errorf("persist: query trackers: %w", err)
	}
	defer rows.Close()

	var out []TrackerState
	for rows.Next() {
		var t TrackerState
		if err := rows.Scan(&t.IMEI, &t.Lat, &t.Lng, &t.SpeedKmh, &t.Heading, &t.Altitude, &t.Satellites, &t.RecordedAt); err != nil {
			return nil, fmt.Errorf("persist: scan tracker row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PG) LoadBeaconStates(ctx context.Context) ([]BeaconState, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT mac, lat, lng, tracker_imei, is_paired, pairing_duration_sec, battery_percent, magnet_status, source, updated_at
		FROM ble_positions`)
	if err != nil {
		return nil, fmt.Errorf("persist: query beacon states: %w", err)
	}
	defer rows.Close()

	var out []BeaconState
	for rows.Next() {
		var b BeaconState
		if err := rows.Scan(&b.MAC, &b.Lat, &b.Lng, &b.TrackerIMEI, &b.IsPaired, &b.PairingDurationSec, &b.Battery, &b.Magnet, &b.Source, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("persist: scan beacon row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PG) LoadScanners(ctx context.Context) ([]ScannerState, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT scanner_id, name, lat, lng, registered_at, last_seen
		FROM scanners`)
	if err != nil {
		return nil, fmt.Errorf("persist: query scanners: %w", err)
	}
	defer rows.Close()

	var out []ScannerState
	for rows.Next() {
		var s ScannerState
		if err := rows.Scan(&s.ID, &s.Name, &s.Lat, &s.Lng, &s.RegisteredAt, &s.LastSeen); err != nil {
			return nil, fmt.Errorf("persist: scan scanner row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
