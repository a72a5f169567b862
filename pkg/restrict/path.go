package restrict

import (
	"reflect"

	"github.com/opd-ai/pathctl/pkg/router"
)

// Path is a predicate over an entire ordered hop sequence.
type Path interface {
	Ok(path []*router.Router) bool
}

// PathList is an ordered, mutable sequence of Path predicates, evaluated
// by short-circuit conjunction.
type PathList struct {
	restrictions []Path
}

// NewPathList builds a list from the given restrictions, in order.
func NewPathList(restrictions ...Path) *PathList {
	return &PathList{restrictions: restrictions}
}

// Ok reports whether path passes every restriction in the list.
func (l *PathList) Ok(path []*router.Router) bool {
	for _, rs := range l.restrictions {
		if !rs.Ok(path) {
			return false
		}
	}
	return true
}

// Add appends a restriction to the list.
func (l *PathList) Add(r Path) {
	l.restrictions = append(l.restrictions, r)
}

// RemoveByKind removes every restriction whose dynamic type matches
// sample's.
func (l *PathList) RemoveByKind(sample Path) {
	kind := reflect.TypeOf(sample)
	kept := l.restrictions[:0]
	for _, rs := range l.restrictions {
		if reflect.TypeOf(rs) != kind {
			kept = append(kept, rs)
		}
	}
	l.restrictions = kept
}

const ipv4Mask16 uint32 = 0xFFFF0000

// Subnet16 rejects paths where any two hops share the upper 16 bits of
// their IPv4 address.
type Subnet16 struct{}

func (Subnet16) Ok(path []*router.Router) bool {
	if len(path) == 0 {
		return true
	}
	base := path[0].IP & ipv4Mask16
	for _, r := range path[1:] {
		if r.IP&ipv4Mask16 == base {
			return false
		}
	}
	return true
}

// Unique rejects paths where the same router appears more than once.
type Unique struct{}

func (Unique) Ok(path []*router.Router) bool {
	for i := range path {
		for j := 0; j < i; j++ {
			if path[i] == path[j] {
				return false
			}
		}
	}
	return true
}

// UniqueCountry requires every hop to have a distinct country code.
type UniqueCountry struct{}

func (UniqueCountry) Ok(path []*router.Router) bool {
	for i := 0; i < len(path)-1; i++ {
		for j := i + 1; j < len(path); j++ {
			if path[i].Country == path[j].Country {
				return false
			}
		}
	}
	return true
}

// SingleCountry requires every hop to share the same country code.
type SingleCountry struct{}

func (SingleCountry) Ok(path []*router.Router) bool {
	if len(path) == 0 {
		return true
	}
	country := path[0].Country
	for _, r := range path {
		if r.Country != country {
			return false
		}
	}
	return true
}

// ContinentMax rejects paths with more than N continent transitions
// between adjacent hops.
type ContinentMax struct{ N int }

func (c ContinentMax) Ok(path []*router.Router) bool {
	crossings := 0
	for i := 1; i < len(path); i++ {
		if path[i].Continent != path[i-1].Continent {
			crossings++
		}
	}
	return crossings <= c.N
}

// ContinentJumper requires every adjacent pair of hops to differ in
// continent.
type ContinentJumper struct{}

func (ContinentJumper) Ok(path []*router.Router) bool {
	for i := 1; i < len(path); i++ {
		if path[i].Continent == path[i-1].Continent {
			return false
		}
	}
	return true
}

// UniqueContinent requires every hop to be on a distinct continent.
type UniqueContinent struct{}

func (UniqueContinent) Ok(path []*router.Router) bool {
	for i := 0; i < len(path)-1; i++ {
		for j := i + 1; j < len(path); j++ {
			if path[i].Continent == path[j].Continent {
				return false
			}
		}
	}
	return true
}

// OceanPhobic rejects paths with more than N ocean-group transitions
// between adjacent hops.
type OceanPhobic struct{ N int }

func (o OceanPhobic) Ok(path []*router.Router) bool {
	crossings := 0
	for i := 1; i < len(path); i++ {
		if path[i].OceanGroup != path[i-1].OceanGroup {
			crossings++
		}
	}
	return crossings <= o.N
}
