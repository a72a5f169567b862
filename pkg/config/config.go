// Package config holds the in-process configuration for the path builder
// and its selection manager. There is no file/CLI/env format — a caller
// constructs a Config in code, typically starting from DefaultConfig.
package config

import (
	"fmt"
	"time"

	"github.com/opd-ai/pathctl/pkg/selmgr"
)

// Config holds every knob the controller and its selection manager need.
type Config struct {
	// Selection manager knobs (spec §4.6).
	PathLen     int
	PercentSkip int
	PercentFast int
	MinBW       int64
	UseAllExits bool
	OrderExits  bool
	Uniform     bool
	UseGuards   bool
	ExitName    string // nickname, or "$idhex"
	GeoIP       *selmgr.GeoIPConfig

	// Controller knobs.
	NumCircuits    int
	ResolvePort    int
	ControlAddress string // host:port of the Tor control port
	AuthSecret     string // control-port password or cookie
	LogLevel       string // debug, info, warn, error

	// DialTimeout bounds how long Dial waits to reach the control port.
	DialTimeout time.Duration
}

// DefaultConfig returns a configuration with the same defaults the original
// path-selection tooling shipped: a 3-hop path, no percentile skip, no
// upper percentile cut (PercentFast 100), entry guards on, and a 4-circuit
// pool against a local control port.
func DefaultConfig() *Config {
	return &Config{
		PathLen:        3,
		PercentSkip:    0,
		PercentFast:    100,
		MinBW:          0,
		UseAllExits:    false,
		OrderExits:     false,
		Uniform:        false,
		UseGuards:      true,
		NumCircuits:    4,
		ResolvePort:    0,
		ControlAddress: "127.0.0.1:9051",
		LogLevel:       "info",
		DialTimeout:    30 * time.Second,
	}
}

// SelectionManagerConfig projects the selection-manager knobs out of Config,
// for handing straight to selmgr.New.
func (c *Config) SelectionManagerConfig() selmgr.Config {
	return selmgr.Config{
		PathLen:     c.PathLen,
		OrderExits:  c.OrderExits,
		PercentFast: c.PercentFast,
		PercentSkip: c.PercentSkip,
		MinBW:       c.MinBW,
		UseAllExits: c.UseAllExits,
		Uniform:     c.Uniform,
		ExitName:    c.ExitName,
		UseGuards:   c.UseGuards,
		GeoIP:       c.GeoIP,
	}
}

// Validate reports the first configuration error found, if any.
func (c *Config) Validate() error {
	if c.PathLen < 1 {
		return fmt.Errorf("PathLen must be at least 1")
	}
	if c.PercentSkip < 0 || c.PercentSkip > 100 {
		return fmt.Errorf("PercentSkip must be between 0 and 100")
	}
	if c.PercentFast < 0 || c.PercentFast > 100 {
		return fmt.Errorf("PercentFast must be between 0 and 100")
	}
	if c.NumCircuits < 1 {
		return fmt.Errorf("NumCircuits must be at least 1")
	}
	if c.ControlAddress == "" {
		return fmt.Errorf("ControlAddress is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	return nil
}

// Clone returns a deep copy, so a caller can tweak per-stream knobs (e.g.
// ExitName) without racing the original.
func (c *Config) Clone() *Config {
	clone := *c
	if c.GeoIP != nil {
		geoClone := *c.GeoIP
		geoClone.Excludes = append([]string{}, c.GeoIP.Excludes...)
		clone.GeoIP = &geoClone
	}
	return &clone
}
