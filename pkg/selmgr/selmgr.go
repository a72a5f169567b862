// Package selmgr holds the selection-manager configuration and rebuilds the
// path selector's restriction lists and generators whenever that
// configuration changes. Grounded on
// original_source/lib-ext/PathSupport.py's SelectionManager.
package selmgr

import (
	"github.com/opd-ai/pathctl/pkg/generate"
	"github.com/opd-ai/pathctl/pkg/geoip"
	"github.com/opd-ai/pathctl/pkg/logger"
	"github.com/opd-ai/pathctl/pkg/restrict"
	"github.com/opd-ai/pathctl/pkg/router"
	"github.com/opd-ai/pathctl/pkg/selector"
)

// GeoIPConfig configures the optional country-aware restrictions.
// UniqueCountries distinguishes "unset" (nil) from "set false" — a nil
// value leaves the country-uniqueness path restriction untouched, matching
// Python's "unique_countries != None" guard.
type GeoIPConfig struct {
	EntryCountry       string
	MiddleCountry      string
	ExitCountry        string
	Excludes           []string
	UniqueCountries    *bool
	ContinentCrossings *int // nil means UniqueContinent; set means ContinentMax(n)
	OceanCrossings     *int
	Echelon            bool

	// Lookup resolves an IP to a country code; required when this config
	// is non-nil and any of the above fields are in use.
	Lookup geoip.CountryLookup
}

// Config holds the knobs a SelectionManager rebuilds its restriction lists
// and generators from.
type Config struct {
	PathLen      int
	OrderExits   bool
	PercentFast  int
	PercentSkip  int
	MinBW        int64
	UseAllExits  bool
	Uniform      bool
	ExitName     string // nickname, or "$idhex"
	UseGuards    bool
	GeoIP        *GeoIPConfig
}

// SelectionManager rebuilds a PathSelector from the current Config whenever
// the consensus changes (Reconfigure) or the stream's destination changes
// (SetTarget). Per the original, these methods are not safe for concurrent
// use; callers serialize access (the path builder's single event-loop
// goroutine does this).
type SelectionManager struct {
	cfg Config
	log *logger.Logger

	pathRestr *restrict.PathList
	exitRestr *restrict.NodeList

	orderedExitGen *generate.OrderedExit

	Selector *selector.PathSelector
}

// New builds a SelectionManager from cfg. log may be nil.
func New(cfg Config, log *logger.Logger) *SelectionManager {
	if log == nil {
		log = logger.NewDefault()
	}
	return &SelectionManager{cfg: cfg, log: log}
}

// GeoIPLookup returns the configured country oracle, or nil if this
// manager has no GeoIP config (or the config has no Lookup set). Callers
// use it to geo-tag the router table as routers are ingested, since the
// country/continent/ocean-group restrictions this package applies
// (applyGeoIP) only work against routers that already carry that data.
func (m *SelectionManager) GeoIPLookup() geoip.CountryLookup {
	if m.cfg.GeoIP == nil {
		return nil
	}
	return m.cfg.GeoIP.Lookup
}

// Reconfigure rebuilds every restriction list and generator from sortedR,
// the bandwidth-descending router table. Call after every consensus update
// and after any Config field changes.
func (m *SelectionManager) Reconfigure(sortedR []*router.Router) {
	cfg := m.cfg

	if cfg.UseAllExits {
		m.pathRestr = restrict.NewPathList(restrict.Unique{})
	} else {
		m.pathRestr = restrict.NewPathList(restrict.Subnet16{}, restrict.Unique{})
	}

	entryFlags := []string{"Valid", "Running"}
	if cfg.UseGuards {
		entryFlags = []string{"Guard", "Valid", "Running"}
	}

	entryRestr := restrict.NewNodeList(
		restrict.Percentile{PctSkip: cfg.PercentSkip, PctFast: cfg.PercentFast, Sorted: sortedR},
		restrict.ConserveExits{},
		restrict.Flags{Mandatory: entryFlags},
	)
	midRestr := restrict.NewNodeList(
		restrict.Percentile{PctSkip: cfg.PercentSkip, PctFast: cfg.PercentFast, Sorted: sortedR},
		restrict.ConserveExits{},
		restrict.Flags{Mandatory: []string{"Running"}},
	)

	if cfg.UseAllExits {
		m.exitRestr = restrict.NewNodeList(
			restrict.Flags{Mandatory: []string{"Valid", "Running"}, Forbidden: []string{"BadExit"}},
		)
	} else {
		m.exitRestr = restrict.NewNodeList(
			restrict.Percentile{PctSkip: cfg.PercentSkip, PctFast: cfg.PercentFast, Sorted: sortedR},
			restrict.Flags{Mandatory: []string{"Valid", "Running"}, Forbidden: []string{"BadExit"}},
		)
	}

	if cfg.ExitName != "" {
		m.exitRestr.RemoveByKind(restrict.IDHex{})
		m.exitRestr.RemoveByKind(restrict.Nick{})
		if cfg.ExitName[0] == '$' {
			m.exitRestr.Add(restrict.NewIDHex(cfg.ExitName))
		} else {
			m.exitRestr.Add(restrict.Nick{Nickname: cfg.ExitName})
		}
	}

	m.applyGeoIP(entryRestr, midRestr, cfg)

	var exitGen generate.NodeGenerator
	switch {
	case cfg.OrderExits:
		if m.orderedExitGen != nil {
			m.orderedExitGen.ResetRestriction(m.exitRestr)
		} else {
			m.orderedExitGen = generate.NewOrderedExit(80, sortedR, m.exitRestr)
		}
		exitGen = m.orderedExitGen
	case cfg.Uniform:
		m.exitRestr.Add(exitPolicyToBroadcast())
		exitGen = generate.NewUniform(sortedR, m.exitRestr)
	default:
		m.exitRestr.Add(exitPolicyToBroadcast())
		exitGen = generate.NewBwWeighted(sortedR, m.exitRestr, cfg.PathLen, true)
	}

	var entryGen, midGen generate.NodeGenerator
	if cfg.Uniform {
		entryGen = generate.NewUniform(sortedR, entryRestr)
		midGen = generate.NewUniform(sortedR, midRestr)
	} else {
		// Only the bandwidth-weighted, non-uniform path removes
		// ConserveExits from entry/mid: per the original, this is keyed
		// on `uniform` alone, not on `order_exits` — an OrderExits=true,
		// Uniform=false configuration still strips ConserveExits here.
		entryRestr.RemoveByKind(restrict.ConserveExits{})
		midRestr.RemoveByKind(restrict.ConserveExits{})
		entryGen = generate.NewBwWeighted(sortedR, entryRestr, cfg.PathLen, false)
		midGen = generate.NewBwWeighted(sortedR, midRestr, cfg.PathLen, false)
	}

	m.Selector = selector.New(entryGen, midGen, exitGen, m.pathRestr, m.log)
}

// exitPolicyToBroadcast is the "real exits also get chosen" sentinel query
// (255.255.255.255:80) added to the exit restriction list whenever the
// generator isn't OrderedExit, matching the original's odd but deliberate
// broadcast-address probe.
func exitPolicyToBroadcast() restrict.ExitPolicy {
	ip, _ := router.IPv4ToUint32("255.255.255.255")
	return restrict.ExitPolicy{ToIP: ip, ToPort: 80}
}

func (m *SelectionManager) applyGeoIP(entryRestr, midRestr *restrict.NodeList, cfg Config) {
	g := cfg.GeoIP
	if g == nil {
		return
	}

	entryRestr.Add(restrict.CountryCodeSet{})
	midRestr.Add(restrict.CountryCodeSet{})
	m.exitRestr.Add(restrict.CountryCodeSet{})

	if g.EntryCountry != "" {
		entryRestr.Add(restrict.Country{Code: g.EntryCountry})
	}
	if g.MiddleCountry != "" {
		midRestr.Add(restrict.Country{Code: g.MiddleCountry})
	}
	if g.ExitCountry != "" {
		m.exitRestr.Add(restrict.Country{Code: g.ExitCountry})
	}

	if len(g.Excludes) > 0 {
		m.log.Info("excluded countries", "countries", g.Excludes)
		excl := restrict.NewExcludeCountries(g.Excludes)
		entryRestr.Add(excl)
		midRestr.Add(excl)
		m.exitRestr.Add(excl)
	}

	if g.UniqueCountries != nil {
		if *g.UniqueCountries {
			m.pathRestr.Add(restrict.UniqueCountry{})
		} else {
			m.pathRestr.Add(restrict.SingleCountry{})
		}
	}

	if g.ContinentCrossings == nil {
		m.pathRestr.Add(restrict.UniqueContinent{})
	} else {
		m.pathRestr.Add(restrict.ContinentMax{N: *g.ContinentCrossings})
	}
	if g.OceanCrossings != nil {
		m.pathRestr.Add(restrict.OceanPhobic{N: *g.OceanCrossings})
	}
}

// SetTarget updates the exit restriction for a new stream destination,
// repins the ordered-exit cursor if one is in use, and — when Echelon is
// enabled — tries to steer the exit to the destination's own country,
// falling back to the configured ExitCountry if GeoIP can't resolve it.
func (m *SelectionManager) SetTarget(ip uint32, port int) {
	m.exitRestr.RemoveByKind(restrict.ExitPolicy{})
	m.exitRestr.Add(restrict.ExitPolicy{ToIP: ip, ToPort: port})
	if m.orderedExitGen != nil {
		m.orderedExitGen.SetPort(port)
	}

	g := m.cfg.GeoIP
	if g == nil || !g.Echelon || g.Lookup == nil {
		return
	}
	if code, ok := g.Lookup.CountryOf(ip); ok {
		m.log.Info("echelon pinning exit country", "ip", router.Uint32ToIPv4(ip), "country", code)
		m.exitRestr.RemoveByKind(restrict.Country{})
		m.exitRestr.Add(restrict.Country{Code: code})
		return
	}
	m.log.Info("echelon could not resolve destination country", "ip", router.Uint32ToIPv4(ip))
	if g.ExitCountry != "" {
		m.exitRestr.RemoveByKind(restrict.Country{})
		m.exitRestr.Add(restrict.Country{Code: g.ExitCountry})
	}
}
