// Package generate implements the node generators that draw candidate
// routers for a circuit hop: uniform, ordered-by-exit-port, and
// bandwidth-weighted. Grounded on original_source/lib-ext/PathSupport.py's
// NodeGenerator hierarchy.
//
// Python's generators are coroutines: next_r() is called once to build a
// generator object, and .next() resumes it past its last yield. Go has no
// direct analogue, so each NextR call here returns a closure — a NextFunc —
// that plays the same role: repeated calls resume the search where the last
// one left off, and a false second return mirrors a raised StopIteration.
package generate

import (
	"math/rand"

	"github.com/opd-ai/pathctl/pkg/restrict"
	"github.com/opd-ai/pathctl/pkg/router"
)

// NextFunc draws the next candidate router satisfying the generator's
// restriction list. The second return is false when the generator is
// exhausted (StopIteration in the original).
type NextFunc func() (*router.Router, bool)

// NodeGenerator is the shared contract every generator implements.
type NodeGenerator interface {
	// Rewind resets the generator for a fresh path-build attempt.
	Rewind()
	// MarkChosen records that r was selected for the current path, so it
	// is not offered again until the next Rewind.
	MarkChosen(r *router.Router)
	// AllChosen reports whether every eligible router has been chosen.
	AllChosen() bool
	// NextR returns a closure that yields successive candidates.
	NextR() NextFunc
}

// base holds the bandwidth-sorted universe and restriction list shared by
// every generator, plus the shrinking working copy used by Rewind/MarkChosen.
type base struct {
	sortedR  []*router.Router
	rstrList *restrict.NodeList
	routers  []*router.Router
}

func newBase(sortedR []*router.Router, rstrList *restrict.NodeList) base {
	b := base{sortedR: sortedR, rstrList: rstrList}
	b.Rewind()
	return b
}

func (b *base) Rewind() {
	b.routers = append([]*router.Router(nil), b.sortedR...)
}

func (b *base) MarkChosen(r *router.Router) {
	for i, x := range b.routers {
		if x == r {
			b.routers = append(b.routers[:i], b.routers[i+1:]...)
			return
		}
	}
}

func (b *base) AllChosen() bool { return len(b.routers) == 0 }

// ResetRestriction swaps in a new restriction list without rebuilding the
// generator, used by SelectionManager.Reconfigure to update an existing
// OrderedExit generator's exit restrictions in place.
func (b *base) ResetRestriction(rstrList *restrict.NodeList) { b.rstrList = rstrList }

// Uniform draws candidates uniformly at random from the shrinking working
// set, until every eligible router has been chosen.
type Uniform struct {
	base
}

// NewUniform builds a Uniform generator over sortedR, filtered by rstrList.
func NewUniform(sortedR []*router.Router, rstrList *restrict.NodeList) *Uniform {
	return &Uniform{base: newBase(sortedR, rstrList)}
}

func (u *Uniform) NextR() NextFunc {
	return func() (*router.Router, bool) {
		for !u.AllChosen() {
			r := u.routers[rand.Intn(len(u.routers))]
			if u.rstrList.Ok(r) {
				return r, true
			}
		}
		return nil, false
	}
}

// OrderedExit draws exits in round-robin order for a specific destination
// port, remembering per-port position across Rewind calls so repeated
// build_path attempts for the same port continue where the last left off.
//
// rewind's port-position bookkeeping reproduces the original's behavior
// verbatim, including its first-use quirk: the very first Rewind for a port
// sets lastIdx to len(sortedR) rather than to the position one step behind
// the reset index 0, so the scan in NextR wraps fully around the table
// before recognizing exhaustion. This is flagged, not fixed, to preserve
// the reference implementation's circuit-building behavior exactly.
type OrderedExit struct {
	base
	toPort         int
	nextExitByPort map[int]int
	lastIdx        int
}

// NewOrderedExit builds an OrderedExit generator for the given destination
// port.
func NewOrderedExit(toPort int, sortedR []*router.Router, rstrList *restrict.NodeList) *OrderedExit {
	g := &OrderedExit{
		toPort:         toPort,
		nextExitByPort: make(map[int]int),
	}
	g.base = newBase(sortedR, rstrList)
	g.Rewind()
	return g
}

// Rewind resets the scan position for the current port.
func (g *OrderedExit) Rewind() {
	if idx, ok := g.nextExitByPort[g.toPort]; !ok || idx == 0 {
		g.nextExitByPort[g.toPort] = 0
		g.lastIdx = len(g.sortedR)
	} else {
		g.lastIdx = idx
	}
}

// SetPort switches the generator to a new destination port and rewinds.
func (g *OrderedExit) SetPort(port int) {
	g.toPort = port
	g.Rewind()
}

func (g *OrderedExit) MarkChosen(r *router.Router) {
	g.nextExitByPort[g.toPort]++
}

func (g *OrderedExit) AllChosen() bool {
	return g.lastIdx == g.nextExitByPort[g.toPort]
}

func (g *OrderedExit) NextR() NextFunc {
	resumed := false
	return func() (*router.Router, bool) {
		if resumed && g.lastIdx == g.nextExitByPort[g.toPort] {
			return nil, false
		}
		for {
			if len(g.sortedR) == 0 {
				return nil, false
			}
			if g.nextExitByPort[g.toPort] >= len(g.sortedR) {
				g.nextExitByPort[g.toPort] = 0
			}
			r := g.sortedR[g.nextExitByPort[g.toPort]]
			if g.rstrList.Ok(r) {
				resumed = true
				return r, true
			}
			g.nextExitByPort[g.toPort]++
			if g.lastIdx == g.nextExitByPort[g.toPort] {
				return nil, false
			}
		}
	}
}

// BwWeighted draws candidates with probability proportional to observed
// bandwidth. When exit is true, every admissible router counts at its full
// bandwidth (the destination-reachability filtering already happened via
// rstrList); otherwise Exit-flagged bandwidth is weighted down so that the
// non-exit hops of a path don't starve the exit position of capacity.
type BwWeighted struct {
	base
	exit         bool
	pathLen      int
	totalBW      int64
	totalExitBW  int64
	exitBWToDest int64
	weight       float64
}

// NewBwWeighted builds a bandwidth-weighted generator. Pass exit=true when
// generating the final hop of a path of length pathLen.
func NewBwWeighted(sortedR []*router.Router, rstrList *restrict.NodeList, pathLen int, exit bool) *BwWeighted {
	g := &BwWeighted{exit: exit, pathLen: pathLen}
	g.base = newBase(sortedR, rstrList)
	g.Rewind()
	return g
}

func (g *BwWeighted) Rewind() {
	g.base.Rewind()
	if g.exit {
		g.exitBWToDest = 0
		for _, r := range g.sortedR {
			if g.rstrList.Ok(r) {
				g.exitBWToDest += r.BW
			}
		}
		g.weight = 1.0
		return
	}

	g.totalExitBW = 0
	g.totalBW = 0
	for _, r := range g.sortedR {
		if g.rstrList.Ok(r) {
			g.totalBW += r.BW
			if r.HasFlag("Exit") {
				g.totalExitBW += r.BW
			}
		}
	}

	bwPerHop := float64(g.totalBW) / float64(g.pathLen)
	if g.totalExitBW > 0 && float64(g.totalExitBW) >= bwPerHop {
		g.weight = (float64(g.totalExitBW) - bwPerHop) / float64(g.totalExitBW)
	} else {
		g.weight = 0
	}
}

func (g *BwWeighted) NextR() NextFunc {
	return func() (*router.Router, bool) {
		if len(g.routers) == 0 {
			return nil, false
		}
		var i float64
		if g.exit {
			if g.exitBWToDest <= 0 {
				return nil, false
			}
			i = float64(rand.Int63n(g.exitBWToDest + 1))
		} else {
			span := (g.totalBW - g.totalExitBW) + int64(float64(g.totalExitBW)*g.weight)
			if span <= 0 {
				return nil, false
			}
			i = float64(rand.Int63n(span + 1))
		}
		for {
			for _, r := range g.routers {
				if i < 0 {
					break
				}
				if !g.rstrList.Ok(r) {
					continue
				}
				if r.HasFlag("Exit") {
					i -= g.weight * float64(r.BW)
				} else {
					i -= float64(r.BW)
				}
				if i < 0 {
					return r, true
				}
			}
		}
	}
}
