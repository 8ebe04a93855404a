package config

import (
	"testing"
	"time"
)

func TestParseAppliesFlagDefaults(t *testing.T) {
	cfg := Parse("collab-server", nil)
	if cfg.StreamNamespace != "collab" {
		t.Fatalf("StreamNamespace = %q, want default %q", cfg.StreamNamespace, "collab")
	}
	if cfg.PingInterval != 30*time.Second {
		t.Fatalf("PingInterval = %v, want 30s", cfg.PingInterval)
	}
	if cfg.DocIdleGrace != 0 {
		t.Fatalf("DocIdleGrace = %v, want 0 (eviction disabled by default)", cfg.DocIdleGrace)
	}
}

func TestParseFlagOverridesDefault(t *testing.T) {
	cfg := Parse("collab-server", []string{"-stream-namespace", "custom"})
	if cfg.StreamNamespace != "custom" {
		t.Fatalf("StreamNamespace = %q, want %q", cfg.StreamNamespace, "custom")
	}
}

func TestEnvOrDefaultFallsBackToEnv(t *testing.T) {
	t.Setenv("COLLAB_STREAM_NAMESPACE", "from-env")
	cfg := Parse("collab-server", nil)
	if cfg.StreamNamespace != "from-env" {
		t.Fatalf("StreamNamespace = %q, want %q", cfg.StreamNamespace, "from-env")
	}
}

func TestFlagWinsOverEnv(t *testing.T) {
	t.Setenv("COLLAB_STREAM_NAMESPACE", "from-env")
	cfg := Parse("collab-server", []string{"-stream-namespace", "from-flag"})
	if cfg.StreamNamespace != "from-flag" {
		t.Fatalf("StreamNamespace = %q, want %q", cfg.StreamNamespace, "from-flag")
	}
}
