package config

import (
	"testing"

	"github.com/opd-ai/pathctl/pkg/selmgr"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate(): %v", err)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero path len", func(c *Config) { c.PathLen = 0 }},
		{"negative percent skip", func(c *Config) { c.PercentSkip = -1 }},
		{"percent fast over 100", func(c *Config) { c.PercentFast = 101 }},
		{"zero num circuits", func(c *Config) { c.NumCircuits = 0 }},
		{"empty control address", func(c *Config) { c.ControlAddress = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mut(c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected Validate to reject %s", tt.name)
			}
		})
	}
}

func TestSelectionManagerConfigProjectsFields(t *testing.T) {
	c := DefaultConfig()
	c.PathLen = 4
	c.Uniform = true
	sc := c.SelectionManagerConfig()
	if sc.PathLen != 4 || !sc.Uniform {
		t.Fatalf("SelectionManagerConfig() = %+v, want PathLen=4 Uniform=true", sc)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	c := DefaultConfig()
	c.GeoIP = &selmgr.GeoIPConfig{Excludes: []string{"US"}}

	clone := c.Clone()
	clone.GeoIP.Excludes[0] = "DE"
	clone.ExitName = "changed"

	if c.GeoIP.Excludes[0] != "US" {
		t.Fatalf("mutating the clone's GeoIP.Excludes leaked into the original: %v", c.GeoIP.Excludes)
	}
	if c.ExitName == "changed" {
		t.Fatal("mutating the clone leaked into the original")
	}
}
