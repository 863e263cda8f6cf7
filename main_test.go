package main

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("INGEST_CONFIG", "")
	t.Setenv("DATABASE_URL", "postgres://ingest@localhost/telemetry")
	t.Setenv("BATCH_MAX_SIZE", "500")
	t.Setenv("MQTT_NAMESPACE", "env_ns")

	cfg, err := loadConfig([]string{"--batch-size", "250", "--max-delay", "2s", "--failure-policy", "retry"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Batch.MaxSize != 250 || cfg.Batch.MaxDelay != 2*time.Second {
		t.Fatalf("flags must win: %+v", cfg.Batch)
	}
	if cfg.MQTT.Namespace != "env_ns" {
		t.Fatalf("unset flag must keep env value, got %s", cfg.MQTT.Namespace)
	}
	if cfg.Persist.FailurePolicy != "retry" {
		t.Fatalf("unexpected policy: %s", cfg.Persist.FailurePolicy)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv("INGEST_CONFIG", "")
	t.Setenv("DATABASE_URL", "postgres://ingest@localhost/telemetry")

	if _, err := loadConfig([]string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
	if _, err := loadConfig([]string{"--batch-size", "0"}); err == nil {
		t.Fatal("expected validation error for zero batch size")
	}
	if _, err := loadConfig([]string{"--unknown"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
