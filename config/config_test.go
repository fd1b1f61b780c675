package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default configuration does not validate: %v", err)
	}
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"remotePort zero", func(c *Config) { c.RemotePort = 0 }},
		{"localPort negative", func(c *Config) { c.LocalPort = -1 }},
		{"maxOutstandingSegments zero", func(c *Config) { c.MaxOutstandingSegments = 0 }},
		{"maxOutstandingSegments over 255", func(c *Config) { c.MaxOutstandingSegments = 256 }},
		{"maxSegmentSize zero", func(c *Config) { c.MaxSegmentSize = 0 }},
		{"maxSegmentSize over 16 bits", func(c *Config) { c.MaxSegmentSize = 70000 }},
		{"maxRetransmissions over 255", func(c *Config) { c.MaxRetransmissions = 300 }},
		{"maxCumAck zero", func(c *Config) { c.MaxCumAck = 0 }},
		{"minusLog10TimeoutUnit over 15", func(c *Config) { c.MinusLog10TimeoutUnit = 16 }},
		{"negative timeout", func(c *Config) { c.RetransmissionTimeout = -0.1 }},
		{"timeout exceeds 16-bit machine units", func(c *Config) { c.NullTimeout = 70.0; c.MinusLog10TimeoutUnit = 3 }},
		{"pollIntervalMs zero", func(c *Config) { c.PollIntervalMs = 0 }},
		{"pool smaller than window", func(c *Config) { c.PayloadPoolSize = 4; c.MaxOutstandingSegments = 8 }},
	}
	for _, tc := range testCases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected a validation error", tc.name)
		}
	}
}

func TestLoadConfigAppliesOverridesOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("localPort: 9000\nmaxSegmentSize: 512\nnullTimeout: 2.5\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.LocalPort != 9000 || cfg.MaxSegmentSize != 512 || cfg.NullTimeout != 2.5 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	// untouched fields keep their defaults
	if cfg.RemotePort != DefaultRemotePort || cfg.MaxOutstandingSegments != 8 {
		t.Errorf("defaults not preserved: %+v", cfg)
	}
}

func TestLoadConfigFailsOnInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("maxCumAck: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("invalid configuration loaded without error")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file loaded without error")
	}
}

func TestMachineUnitConversion(t *testing.T) {
	cfg := DefaultConfig() // unit 10^-3 s
	if cfg.TimeoutUnit() != time.Millisecond {
		t.Errorf("timeout unit %v, expected 1ms", cfg.TimeoutUnit())
	}
	if got := cfg.RetransmissionUnits(); got != 100 {
		t.Errorf("retransmission timeout %d units, expected 100", got)
	}
	if got := cfg.CumAckUnits(); got != 50 {
		t.Errorf("cumulative-ack timeout %d units, expected 50", got)
	}
	if got := cfg.NullUnits(); got != 3000 {
		t.Errorf("null timeout %d units, expected 3000", got)
	}
}
