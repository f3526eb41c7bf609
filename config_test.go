package txnd

import (
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.ListenProto != DefaultListenProto {
		t.Fatalf("listen proto = %q", cfg.ListenProto)
	}
	if cfg.DefaultTTL != DefaultDefaultTTL || cfg.MaxTTL != DefaultMaxTTL {
		t.Fatalf("ttl defaults = %v / %v", cfg.DefaultTTL, cfg.MaxTTL)
	}
	if cfg.FanoutMultiplier != DefaultFanoutMultiplier {
		t.Fatalf("fanout multiplier = %v", cfg.FanoutMultiplier)
	}
	if !cfg.StorageEncryptionEnabled() {
		t.Fatal("encryption should default on")
	}
}

func TestConfigValidateRejectsInvertedTTLs(t *testing.T) {
	cfg := Config{DefaultTTL: time.Minute, MaxTTL: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected max ttl error")
	}
}

func TestConfigValidateProfilingNeedsMetrics(t *testing.T) {
	cfg := Config{EnableProfilingMetrics: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected profiling metrics error")
	}
}
