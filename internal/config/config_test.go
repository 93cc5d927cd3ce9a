package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			TCPListen:              ":15027",
			HTTPListen:             ":8768",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
			IdleTimeoutSeconds:     300,
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost/test",
			MaxConns: 10,
			MinConns: 2,
		},
		Inference: InferenceConfig{
			PairSec: 60,
			DriftM:  30,
			GapSec:  300,
			JumpM:   100,
			StopKmh: 5,
		},
		Ingest: IngestConfig{
			MaxFrameBytes: 65536,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoTCPListen(t *testing.T) {
	cfg := validConfig()
	cfg.Service.TCPListen = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty tcp_listen")
	}
}

func TestValidate_NoHTTPListen(t *testing.T) {
	cfg := validConfig()
	cfg.Service.HTTPListen = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty http_listen")
	}
}

func TestValidate_EmptyDSNIsAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	cfg.Postgres.MaxConns = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory-only config must validate, got error: %v", err)
	}
}

func TestValidate_MaxConnsZeroWithDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.MaxConns = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_conns = 0 with a DSN set")
	}
}

func TestValidate_PairSecZero(t *testing.T) {
	cfg := validConfig()
	cfg.Inference.PairSec = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for pair_sec = 0")
	}
}

func TestValidate_NegativeDriftM(t *testing.T) {
	cfg := validConfig()
	cfg.Inference.DriftM = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative drift_m")
	}
}

func TestValidate_DriftMZeroIsAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Inference.DriftM = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("drift_m = 0 disables the filter and must validate, got: %v", err)
	}
}

func TestValidate_StopKmhZero(t *testing.T) {
	cfg := validConfig()
	cfg.Inference.StopKmh = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for stop_kmh = 0")
	}
}

func TestValidate_MaxFrameBytesZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.MaxFrameBytes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_frame_bytes = 0")
	}
}

func TestValidate_BrokersWithoutTopic(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Topic = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for brokers set without topic")
	}
}

func TestValidate_RetentionDaysZero(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Days = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for retention.days = 0")
	}
}

func TestValidate_InvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Timezone = "Not/A/Real/Zone"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestValidate_BadDefinitionMAC(t *testing.T) {
	cfg := validConfig()
	cfg.Beacons.Definitions = map[string]DefinitionConfig{
		"7C:D9:F4:07:F9:5C": {Name: "pallet-1"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for separator-formatted definition MAC")
	}
}

func TestValidate_BadDefinitionType(t *testing.T) {
	cfg := validConfig()
	cfg.Beacons.Definitions = map[string]DefinitionConfig{
		"7cd9f407f95c": {Name: "pallet-1", Type: "unknown_type"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unrecognized beacon type")
	}
}

func TestValidate_BadPatternTarget(t *testing.T) {
	cfg := validConfig()
	cfg.Beacons.Patterns = map[string]string{"f95c": "not-a-mac"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-MAC pattern target")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.TCPListen != ":15027" {
		t.Errorf("default tcp_listen = %q, want :15027", cfg.Service.TCPListen)
	}
	if cfg.Service.HTTPListen != ":8768" {
		t.Errorf("default http_listen = %q, want :8768", cfg.Service.HTTPListen)
	}
	if cfg.Inference.PairSec != 60 || cfg.Inference.GapSec != 300 {
		t.Errorf("default inference thresholds = %d/%d, want 60/300",
			cfg.Inference.PairSec, cfg.Inference.GapSec)
	}
	if cfg.IdleTimeout() != 300*time.Second {
		t.Errorf("default idle timeout = %v, want 5m", cfg.IdleTimeout())
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
postgres:
  dsn: "postgres://localhost/test"
inference:
  drift_m: 50
beacons:
  definitions:
    7cd9f407f95c:
      name: "pallet-1"
      type: "eye_beacon"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeMinimalYAML(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Inference.DriftM != 50 {
		t.Errorf("drift_m = %g, want 50 from file", cfg.Inference.DriftM)
	}
	if cfg.Inference.PairSec != 60 {
		t.Errorf("pair_sec = %d, want default 60", cfg.Inference.PairSec)
	}
	def, ok := cfg.Beacons.Definitions["7cd9f407f95c"]
	if !ok || def.Name != "pallet-1" {
		t.Errorf("definition not loaded: %+v", cfg.Beacons.Definitions)
	}
}

func TestLoad_EnvOverrideDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("AVL_BROKER_POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("AVL_BROKER_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvCommaSeparatedBrokers(t *testing.T) {
	t.Setenv("AVL_BROKER_KAFKA__BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "k1:9092" {
		t.Errorf("brokers = %v, want split [k1:9092 k2:9092]", cfg.Kafka.Brokers)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
