package router

import (
	"sort"
	"sync"

	"github.com/opd-ai/pathctl/pkg/geoip"
	"github.com/opd-ai/pathctl/pkg/logger"
)

// Table owns the bandwidth-descending router table: routers keyed by
// idhex, a parallel sorted slice, and the name_to_key alias used to
// resolve a nickname to "$idhex". It is accessed only from the event-loop
// goroutine in the full controller, but guards its state with a mutex so
// diagnostics code and tests can read it safely.
type Table struct {
	mu        sync.RWMutex
	byIDHex   map[string]*Router
	sorted    []*Router
	nameToKey map[string]string
	lookup    geoip.CountryLookup
	log       *logger.Logger
}

// NewTable creates an empty router table.
func NewTable(log *logger.Logger) *Table {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Table{
		byIDHex:   make(map[string]*Router),
		nameToKey: make(map[string]string),
		log:       log.Component("router_table"),
	}
}

// SetLookup installs the GeoIP country oracle used to geo-tag routers as
// they're ingested by ReadRouters. A nil lookup (the default) leaves
// Country/Continent/OceanGroup unresolved, matching routers built before
// any GeoIPConfig was wired in.
func (t *Table) SetLookup(lookup geoip.CountryLookup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lookup = lookup
}

// ReadRouters merges fresh router records into the table: existing
// routers are updated in place (preserving pointer identity for anyone
// holding a reference), new ones are appended. After merging, the sorted
// slice is re-sorted by descending bandwidth and every ListRank is
// reassigned to match its new position.
func (t *Table) ReadRouters(fresh []*Router) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []*Router
	for _, r := range fresh {
		t.geoTag(r)
		t.nameToKey[r.Nickname] = "$" + r.IDHex
		if existing, ok := t.byIDHex[r.IDHex]; ok {
			if existing.Nickname != r.Nickname {
				t.log.Warn("router changed nickname",
					"idhex", r.IDHex, "old", existing.Nickname, "new", r.Nickname)
			}
			existing.UpdateTo(r)
		} else {
			t.byIDHex[r.IDHex] = r
			added = append(added, r)
		}
	}
	t.sorted = append(t.sorted, added...)
	sort.Slice(t.sorted, func(i, j int) bool { return t.sorted[i].BW > t.sorted[j].BW })
	for i, r := range t.sorted {
		r.ListRank = i
	}
}

// geoTag resolves r's Country/Continent/OceanGroup from the configured
// oracle. Called before a fresh record is merged in, so both the new-router
// and updated-router paths through ReadRouters see the same resolved data.
func (t *Table) geoTag(r *Router) {
	if t.lookup == nil {
		return
	}
	code, ok := t.lookup.CountryOf(r.IP)
	if !ok {
		return
	}
	r.Country = code
	r.Continent = geoip.ContinentOf(code)
	r.OceanGroup = geoip.OceanGroupOf(r.Continent)
}

// Sorted returns the current bandwidth-descending router slice. Callers
// must not mutate the returned slice.
func (t *Table) Sorted() []*Router {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sorted
}

// ByIDHex looks up a router by its normalized idhex.
func (t *Table) ByIDHex(idhex string) (*Router, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byIDHex[NormalizeIDHex(idhex)]
	return r, ok
}

// KeyForName resolves a nickname to its "$idhex" key, as recorded during
// the most recent ReadRouters call.
func (t *Table) KeyForName(nickname string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	k, ok := t.nameToKey[nickname]
	return k, ok
}

// Len returns the number of routers currently known.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sorted)
}
