package config

import (
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// DefaultRemotePort is the UDP port the FPGA side listens on.
const DefaultRemotePort = 8192

// Config carries the RSSI synchronization parameters plus local transport
// settings. The three timeout values are real-world seconds; on the wire they
// are carried as integer machine units of 10^-MinusLog10TimeoutUnit seconds.
type Config struct {
	RemotePort int `yaml:"remotePort"` // UDP port of the remote device
	LocalPort  int `yaml:"localPort"`  // local UDP port, 0 picks an ephemeral one

	UseChecksum            bool    `yaml:"useChecksum"`            // verify checksums on received segments
	MaxOutstandingSegments int     `yaml:"maxOutstandingSegments"` // 1..255
	MaxSegmentSize         int     `yaml:"maxSegmentSize"`         // 1..65535 bytes
	MaxRetransmissions     int     `yaml:"maxRetransmissions"`     // 0..255, 0 means unlimited
	MaxCumAck              int     `yaml:"maxCumAck"`              // 1..255
	MaxOutOfSeqAck         int     `yaml:"maxOutOfSeqAck"`         // 0..255, advertised only
	MinusLog10TimeoutUnit  int     `yaml:"minusLog10TimeoutUnit"`  // 0..15, unit is 10^-n seconds
	RetransmissionTimeout  float64 `yaml:"retransmissionTimeout"`  // seconds
	CumAckTimeout          float64 `yaml:"cumAckTimeout"`          // seconds
	NullTimeout            float64 `yaml:"nullTimeout"`            // seconds

	PollIntervalMs  int `yaml:"pollIntervalMs"`  // control loop receive timeout in milliseconds
	PayloadPoolSize int `yaml:"payloadPoolSize"` // number of payload chunks in the ring pool
}

// DefaultConfig returns the stock parameter set used against the DAQ firmware.
func DefaultConfig() *Config {
	return &Config{
		RemotePort:             DefaultRemotePort,
		LocalPort:              0,
		UseChecksum:            true,
		MaxOutstandingSegments: 8,
		MaxSegmentSize:         1024,
		MaxRetransmissions:     15,
		MaxCumAck:              2,
		MaxOutOfSeqAck:         3,
		MinusLog10TimeoutUnit:  3, // milliseconds
		RetransmissionTimeout:  0.1,
		CumAckTimeout:          0.05,
		NullTimeout:            3.0,
		PollIntervalMs:         1,
		PayloadPoolSize:        2048,
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults and
// validates it. Validation failure aborts the load; nothing network-related
// has happened yet at that point.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: reading file")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "config: parsing yaml")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field range eagerly. Out-of-range values are local
// policy errors, not network errors, so the whole load fails.
func (c *Config) Validate() error {
	if c.RemotePort < 1 || c.RemotePort > 65535 {
		return errors.Errorf("config: remotePort %d out of range 1..65535", c.RemotePort)
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return errors.Errorf("config: localPort %d out of range 0..65535", c.LocalPort)
	}
	if c.MaxOutstandingSegments < 1 || c.MaxOutstandingSegments > 255 {
		return errors.Errorf("config: maxOutstandingSegments %d out of range 1..255", c.MaxOutstandingSegments)
	}
	if c.MaxSegmentSize < 1 || c.MaxSegmentSize > 65535 {
		return errors.Errorf("config: maxSegmentSize %d out of range 1..65535", c.MaxSegmentSize)
	}
	if c.MaxRetransmissions < 0 || c.MaxRetransmissions > 255 {
		return errors.Errorf("config: maxRetransmissions %d out of range 0..255", c.MaxRetransmissions)
	}
	if c.MaxCumAck < 1 || c.MaxCumAck > 255 {
		return errors.Errorf("config: maxCumAck %d out of range 1..255", c.MaxCumAck)
	}
	if c.MaxOutOfSeqAck < 0 || c.MaxOutOfSeqAck > 255 {
		return errors.Errorf("config: maxOutOfSeqAck %d out of range 0..255", c.MaxOutOfSeqAck)
	}
	if c.MinusLog10TimeoutUnit < 0 || c.MinusLog10TimeoutUnit > 15 {
		return errors.Errorf("config: minusLog10TimeoutUnit %d out of range 0..15", c.MinusLog10TimeoutUnit)
	}
	for _, t := range []struct {
		name  string
		value float64
	}{
		{"retransmissionTimeout", c.RetransmissionTimeout},
		{"cumAckTimeout", c.CumAckTimeout},
		{"nullTimeout", c.NullTimeout},
	} {
		if t.value <= 0 {
			return errors.Errorf("config: %s must be positive, got %g", t.name, t.value)
		}
		units := t.value * math.Pow10(c.MinusLog10TimeoutUnit)
		if units > 65535 {
			return errors.Errorf("config: %s (%g s) is %g machine units, exceeds 16 bits", t.name, t.value, units)
		}
	}
	if c.PollIntervalMs < 1 {
		return errors.Errorf("config: pollIntervalMs %d must be at least 1", c.PollIntervalMs)
	}
	if c.PayloadPoolSize < c.MaxOutstandingSegments {
		return errors.Errorf("config: payloadPoolSize %d smaller than maxOutstandingSegments %d", c.PayloadPoolSize, c.MaxOutstandingSegments)
	}
	return nil
}

// TimeoutUnit is the real-world duration of one machine unit.
func (c *Config) TimeoutUnit() time.Duration {
	return time.Duration(float64(time.Second) * math.Pow10(-c.MinusLog10TimeoutUnit))
}

// toUnits converts a timeout in seconds to machine units. Validate has
// already guaranteed the result fits in 16 bits.
func (c *Config) toUnits(seconds float64) uint16 {
	return uint16(math.Round(seconds * math.Pow10(c.MinusLog10TimeoutUnit)))
}

// RetransmissionUnits returns the retransmission timeout in machine units.
func (c *Config) RetransmissionUnits() uint16 { return c.toUnits(c.RetransmissionTimeout) }

// CumAckUnits returns the cumulative-ACK timeout in machine units.
func (c *Config) CumAckUnits() uint16 { return c.toUnits(c.CumAckTimeout) }

// NullUnits returns the keep-alive timeout in machine units.
func (c *Config) NullUnits() uint16 { return c.toUnits(c.NullTimeout) }

// PollInterval is the control loop's bounded socket receive timeout, which
// doubles as the protocol timer tick.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
