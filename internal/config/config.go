package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Inference InferenceConfig `koanf:"inference"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Retention RetentionConfig `koanf:"retention"`
	Beacons   BeaconsConfig   `koanf:"beacons"`
}

type ServiceConfig struct {
	TCPListen              string `koanf:"tcp_listen"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	IdleTimeoutSeconds     int    `koanf:"idle_timeout_seconds"`
}

type PostgresConfig struct {
	// DSN empty means the broker runs memory-only: state is still served
	// over HTTP but nothing survives a restart.
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// InferenceConfig holds the position-inference tunables. The defaults were
// tuned against live fleets where aggressive position copying smeared
// stationary beacons across the carrier's path.
type InferenceConfig struct {
	PairSec int     `koanf:"pair_sec"`
	DriftM  float64 `koanf:"drift_m"`
	GapSec  int     `koanf:"gap_sec"`
	JumpM   float64 `koanf:"jump_m"`
	StopKmh float64 `koanf:"stop_kmh"`
}

type IngestConfig struct {
	ValidateCRC            bool `koanf:"validate_crc"`
	StoreRawFrames         bool `koanf:"store_raw_frames"`
	StoreRawFramesCompress bool `koanf:"store_raw_frames_compress"`
	MaxFrameBytes          int  `koanf:"max_frame_bytes"`
}

type KafkaConfig struct {
	// Brokers empty disables the scan-event fan-out entirely.
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`
	ClientID string   `koanf:"client_id"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// BeaconsConfig seeds the known-beacon table and the strict-match patterns.
// Definitions loaded from persistence are merged on top at startup.
type BeaconsConfig struct {
	Definitions map[string]DefinitionConfig `koanf:"definitions"`
	// Patterns maps a distinctive hex substring to the canonical MAC it
	// identifies. Last-chance matcher rule for vendor blobs that truncate
	// or mangle MACs.
	Patterns map[string]string `koanf:"patterns"`
}

type DefinitionConfig struct {
	Name     string `koanf:"name"`
	Category string `koanf:"category"`
	Type     string `koanf:"type"`
	Serial   string `koanf:"serial"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: AVL_BROKER_POSTGRES__DSN → postgres.dsn
	if err := k.Load(env.Provider("AVL_BROKER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "AVL_BROKER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			TCPListen:              ":15027",
			HTTPListen:             ":8768",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
			IdleTimeoutSeconds:     300,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		Inference: InferenceConfig{
			PairSec: 60,
			DriftM:  30,
			GapSec:  300,
			JumpM:   100,
			StopKmh: 5,
		},
		Ingest: IngestConfig{
			StoreRawFramesCompress: true,
			MaxFrameBytes:          65536,
		},
		Kafka: KafkaConfig{
			Topic:    "ble.scans",
			ClientID: "avl-broker",
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Service.TCPListen == "" {
		return fmt.Errorf("config: service.tcp_listen is required")
	}
	if c.Service.HTTPListen == "" {
		return fmt.Errorf("config: service.http_listen is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Service.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.idle_timeout_seconds must be > 0 (got %d)", c.Service.IdleTimeoutSeconds)
	}
	if c.Postgres.DSN != "" {
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
	}
	if c.Inference.PairSec <= 0 {
		return fmt.Errorf("config: inference.pair_sec must be > 0 (got %d)", c.Inference.PairSec)
	}
	if c.Inference.DriftM < 0 {
		return fmt.Errorf("config: inference.drift_m must be >= 0 (got %g)", c.Inference.DriftM)
	}
	if c.Inference.GapSec <= 0 {
		return fmt.Errorf("config: inference.gap_sec must be > 0 (got %d)", c.Inference.GapSec)
	}
	if c.Inference.JumpM <= 0 {
		return fmt.Errorf("config: inference.jump_m must be > 0 (got %g)", c.Inference.JumpM)
	}
	if c.Inference.StopKmh <= 0 {
		return fmt.Errorf("config: inference.stop_kmh must be > 0 (got %g)", c.Inference.StopKmh)
	}
	if c.Ingest.MaxFrameBytes <= 0 {
		return fmt.Errorf("config: ingest.max_frame_bytes must be > 0 (got %d)", c.Ingest.MaxFrameBytes)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required when kafka.brokers is set")
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	for mac, def := range c.Beacons.Definitions {
		if !isHexMAC(mac) {
			return fmt.Errorf("config: beacons.definitions key %q is not a 12-hex-char lowercase MAC", mac)
		}
		switch def.Type {
		case "", "eye_beacon", "eye_sensor":
		default:
			return fmt.Errorf("config: beacons.definitions[%s].type must be eye_beacon or eye_sensor (got %q)", mac, def.Type)
		}
	}
	for pattern, mac := range c.Beacons.Patterns {
		if pattern == "" {
			return fmt.Errorf("config: beacons.patterns contains an empty pattern")
		}
		if !isHexMAC(mac) {
			return fmt.Errorf("config: beacons.patterns[%q] target %q is not a 12-hex-char lowercase MAC", pattern, mac)
		}
	}
	return nil
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Service.IdleTimeoutSeconds) * time.Second
}

func isHexMAC(s string) bool {
	if len(s) != 12 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
