// Package restrict implements the composable node and path predicates used
// by the path selector: percentile bands, flag/OS/version/bandwidth checks,
// GeoIP-aware country predicates, and the and/or/not/at-least-n combinators.
// Grounded on original_source/lib-ext/PathSupport.py's restriction classes.
package restrict

import (
	"reflect"
	"regexp"

	"github.com/opd-ai/pathctl/pkg/router"
)

// Node is a single node-acceptance predicate.
type Node interface {
	// Ok reports whether r is acceptable under this restriction.
	Ok(r *router.Router) bool
}

// NodeList is an ordered, mutable sequence of Node predicates, evaluated by
// short-circuit conjunction.
type NodeList struct {
	restrictions []Node
}

// NewNodeList builds a list from the given restrictions, in order.
func NewNodeList(restrictions ...Node) *NodeList {
	return &NodeList{restrictions: restrictions}
}

// Ok reports whether r passes every restriction in the list.
func (l *NodeList) Ok(r *router.Router) bool {
	for _, rs := range l.restrictions {
		if !rs.Ok(r) {
			return false
		}
	}
	return true
}

// Add appends a restriction to the list.
func (l *NodeList) Add(r Node) {
	l.restrictions = append(l.restrictions, r)
}

// RemoveByKind removes every top-level restriction whose dynamic type
// matches sample's. Composite restrictions (Or/Not/AtLeastN) are opaque to
// this operation — only the top-level list is inspected, never their
// contained sub-restrictions, mirroring PathSupport.py's del_restriction.
func (l *NodeList) RemoveByKind(sample Node) {
	kind := reflect.TypeOf(sample)
	kept := l.restrictions[:0]
	for _, rs := range l.restrictions {
		if reflect.TypeOf(rs) != kind {
			kept = append(kept, rs)
		}
	}
	l.restrictions = kept
}

// Percentile restricts to the inclusive [pctSkip, pctFast] percentile band
// of a bandwidth-descending router slice, by list_rank.
type Percentile struct {
	PctSkip, PctFast int
	Sorted           []*router.Router
}

func (p Percentile) Ok(r *router.Router) bool {
	n := len(p.Sorted)
	if r.ListRank < n*p.PctSkip/100 {
		return false
	}
	if r.ListRank > n*p.PctFast/100 {
		return false
	}
	return true
}

// OS accepts routers whose OS matches one of Allow, rejects those matching
// one of Deny. An empty Allow list with a non-empty Deny list accepts
// everything not denied (and vice versa), matching OSRestriction.
type OS struct {
	Allow, Deny []*regexp.Regexp
}

func (o OS) Ok(r *router.Router) bool {
	for _, re := range o.Allow {
		if re.MatchString(r.OS) {
			return true
		}
	}
	for _, re := range o.Deny {
		if re.MatchString(r.OS) {
			return false
		}
	}
	if len(o.Allow) > 0 {
		return false
	}
	return true
}

// ConserveExits rejects any router carrying the Exit flag.
type ConserveExits struct{}

func (ConserveExits) Ok(r *router.Router) bool { return !r.HasFlag("Exit") }

// Flags requires every flag in Mandatory to be present and none in
// Forbidden. An empty Mandatory list requires no flags; Forbidden is still
// checked.
type Flags struct {
	Mandatory, Forbidden []string
}

func (f Flags) Ok(r *router.Router) bool {
	for _, m := range f.Mandatory {
		if !r.HasFlag(m) {
			return false
		}
	}
	for _, fb := range f.Forbidden {
		if r.HasFlag(fb) {
			return false
		}
	}
	return true
}

// Nick requires an exact nickname match.
type Nick struct{ Nickname string }

func (n Nick) Ok(r *router.Router) bool { return r.Nickname == n.Nickname }

// IDHex requires an exact idhex match; IDHex is normalized at construction.
type IDHex struct{ idhex string }

// NewIDHex normalizes idhex (strips leading "$", upper-cases) as
// IdHexRestriction's constructor does.
func NewIDHex(idhex string) IDHex { return IDHex{idhex: router.NormalizeIDHex(idhex)} }

func (h IDHex) Ok(r *router.Router) bool { return r.IDHex == h.idhex }

// MinBW requires at least MinBW bytes/sec of observed bandwidth.
type MinBW struct{ MinBW int64 }

func (m MinBW) Ok(r *router.Router) bool { return r.BW >= m.MinBW }

// VersionInclude requires the router's version to equal one of Versions.
type VersionInclude struct{ Versions []router.Version }

func (v VersionInclude) Ok(r *router.Router) bool {
	for _, want := range v.Versions {
		if want.Encoded == r.Version.Encoded {
			return true
		}
	}
	return false
}

// VersionExclude requires the router's version to differ from every
// entry in Versions.
type VersionExclude struct{ Versions []router.Version }

func (v VersionExclude) Ok(r *router.Router) bool {
	for _, bad := range v.Versions {
		if bad.Encoded == r.Version.Encoded {
			return false
		}
	}
	return true
}

// VersionRange requires GrEq <= version <= LsEq. A nil LsEq means no
// upper bound.
type VersionRange struct {
	GrEq router.Version
	LsEq *router.Version
}

func (v VersionRange) Ok(r *router.Router) bool {
	if r.Version.Encoded < v.GrEq.Encoded {
		return false
	}
	if v.LsEq != nil && r.Version.Encoded > v.LsEq.Encoded {
		return false
	}
	return true
}

// ExitPolicy requires the router to permit exiting to ToIP:ToPort.
type ExitPolicy struct {
	ToIP   uint32
	ToPort int
}

func (e ExitPolicy) Ok(r *router.Router) bool {
	allow, _ := r.WillExitTo(e.ToIP, e.ToPort)
	return allow
}

// CountryCodeSet requires the router to have a resolved GeoIP country.
type CountryCodeSet struct{}

func (CountryCodeSet) Ok(r *router.Router) bool { return r.Country != "" }

// Country requires an exact country-code match.
type Country struct{ Code string }

func (c Country) Ok(r *router.Router) bool { return r.Country == c.Code }

// ExcludeCountries rejects routers whose country is in the set.
type ExcludeCountries struct{ Codes map[string]bool }

// NewExcludeCountries builds an ExcludeCountries from a slice of codes.
func NewExcludeCountries(codes []string) ExcludeCountries {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return ExcludeCountries{Codes: set}
}

func (e ExcludeCountries) Ok(r *router.Router) bool { return !e.Codes[r.Country] }

// Or is true if any sub-restriction is true (OrNodeRestriction).
type Or struct{ Of []Node }

func (o Or) Ok(r *router.Router) bool {
	for _, rs := range o.Of {
		if rs.Ok(r) {
			return true
		}
	}
	return false
}

// Not negates a single restriction (NotNodeRestriction).
type Not struct{ Of Node }

func (n Not) Ok(r *router.Router) bool { return !n.Of.Ok(r) }

// AtLeastN is true if at least N of the sub-restrictions are true
// (AtLeastNNodeRestriction).
type AtLeastN struct {
	Of []Node
	N  int
}

func (a AtLeastN) Ok(r *router.Router) bool {
	count := 0
	for _, rs := range a.Of {
		if rs.Ok(r) {
			count++
		}
	}
	return count >= a.N
}
