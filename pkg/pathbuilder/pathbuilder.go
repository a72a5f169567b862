// Package pathbuilder owns the live circuit pool and drives it from control
// connection events: building fresh circuits on demand, topping up the pool,
// and reacting to CIRC/STREAM/NS/NEWDESC events. Grounded on
// original_source/lib-ext/PathSupport.py's PathBuilder and CircuitHandler.
package pathbuilder

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/pathctl/pkg/errors"
	"github.com/opd-ai/pathctl/pkg/logger"
	"github.com/opd-ai/pathctl/pkg/router"
	"github.com/opd-ai/pathctl/pkg/selmgr"
	"github.com/opd-ai/pathctl/pkg/stream"
)

// controlConn is the subset of *control.Conn the builder depends on. Tests
// inject a fake; production code passes a real *control.Conn, which
// satisfies this interface.
type controlConn interface {
	GetNetworkStatus(who string) ([]router.NetworkStatus, error)
	ReadRouters(nslist []router.NetworkStatus) []*router.Router
	ExtendCircuit(circID uint32, hops []string) (uint32, error)
	AttachStream(streamID, circID uint32, hop int) error
	CloseCircuit(circID uint32, ifUnused bool) error
	SendSignal(sig string) error
}

// Circuit is a built or building path through the Tor network. It satisfies
// stream.Circuit.
type Circuit struct {
	mu sync.Mutex

	circID uint32
	path   []*router.Router
	exit   *router.Router

	built  bool
	dirty  bool
	closed bool

	lastExtendedAt time.Time
	extendTimes    []time.Duration
	setupDuration  time.Duration

	pending []*stream.Stream
}

// ID returns the circuit's control-port identifier.
func (c *Circuit) ID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.circID
}

// IsBuilt reports whether Tor has finished extending the circuit.
func (c *Circuit) IsBuilt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.built
}

// IsDirty reports whether the circuit has been retired from new-stream use
// (still usable by streams already attached to it).
func (c *Circuit) IsDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// SetDirty marks the circuit dirty or clean.
func (c *Circuit) SetDirty(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = v
}

// IsClosed reports whether Tor has torn the circuit down.
func (c *Circuit) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Exit returns the circuit's last-hop router, or nil before a path is set.
func (c *Circuit) Exit() *router.Router {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// Path returns the circuit's full hop list.
func (c *Circuit) Path() []*router.Router {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// AddPendingStream records a stream waiting on this circuit to finish
// building.
func (c *Circuit) AddPendingStream(s *stream.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, s)
}

// RemovePendingStream drops a stream from the pending list, e.g. once it
// has succeeded or detached.
func (c *Circuit) RemovePendingStream(s *stream.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == s {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// TakePendingStreams clears and returns the pending-stream list.
func (c *Circuit) TakePendingStreams() []*stream.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

// job is a unit of work queued from within an event handler and drained at
// the next heartbeat, matching PathBuilder's schedule_immediate/
// schedule_low_prio split.
type job func()

// Builder owns the circuit pool, the router table, and the job queues that
// the event loop drains on every heartbeat. It implements stream.Builder
// and stream.Dialer by delegating straight to the control connection, and
// composes a stream.Attacher to handle STREAM events.
type Builder struct {
	conn   controlConn
	selmgr *selmgr.SelectionManager
	table  *router.Table
	log    *logger.Logger

	pathLen     int
	numCircuits int
	resolvePort int

	mu       sync.Mutex
	circuits map[uint32]*Circuit

	// breaker trips after repeated EXTENDCIRCUIT failures so a dead or
	// overloaded control connection fails fast instead of retrying on
	// every CheckCircuitPool call.
	breaker *errors.CircuitBreaker

	Attacher *stream.Attacher

	jobMu         sync.Mutex
	immediateJobs []job
	lowPrioJobs   []job
	reconfigure   bool
}

// Config holds the knobs New needs beyond the selection manager itself.
type Config struct {
	PathLen     int
	NumCircuits int
	ResolvePort int
}

// New builds a Builder: it fetches and parses the current consensus via
// conn, seeds the router table, and reconfigures sm from it. Mirrors
// PathBuilder.__init__'s initial read_routers + selmgr.reconfigure.
func New(conn controlConn, sm *selmgr.SelectionManager, cfg Config, log *logger.Logger) (*Builder, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	b := &Builder{
		conn:        conn,
		selmgr:      sm,
		table:       router.NewTable(log),
		log:         log.Component("pathbuilder"),
		pathLen:     cfg.PathLen,
		numCircuits: cfg.NumCircuits,
		resolvePort: cfg.ResolvePort,
		circuits:    make(map[uint32]*Circuit),
		breaker:     errors.NewCircuitBreaker(errors.DefaultCircuitBreakerConfig()),
	}
	b.Attacher = stream.New(b, b, log)
	b.table.SetLookup(sm.GeoIPLookup())

	nslist, err := conn.GetNetworkStatus("all")
	if err != nil {
		return nil, errors.Wrap(errors.CategoryPath, errors.SeverityHigh, "initial network status fetch", err)
	}
	b.readRouters(nslist)
	sm.Reconfigure(b.table.Sorted())
	b.log.Info("initial router table loaded", "count", b.table.Len())
	return b, nil
}

func (b *Builder) readRouters(nslist []router.NetworkStatus) {
	fresh := b.conn.ReadRouters(nslist)
	b.table.ReadRouters(fresh)
}

// listCircuits adapts the circuit map to the []stream.Circuit slice
// AttachAny iterates over.
func (b *Builder) listCircuits() []stream.Circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]stream.Circuit, 0, len(b.circuits))
	for _, c := range b.circuits {
		out = append(out, c)
	}
	return out
}

// BuildCircuit picks a fresh path for host:port and issues one
// EXTENDCIRCUIT for the whole hop list, exactly as Connection.build_circuit
// does (never hop by hop). Implements stream.Builder.
func (b *Builder) BuildCircuit(host string, port int) (stream.Circuit, error) {
	ip, err := router.IPv4ToUint32(host)
	if err != nil {
		ip = 0
	}
	b.selmgr.SetTarget(ip, port)
	path, err := b.selmgr.Selector.BuildPath(b.pathLen)
	if err != nil {
		return nil, errors.Wrap(errors.CategoryCircuit, errors.SeverityMedium, "select path", err)
	}

	hops := make([]string, len(path))
	for i, r := range path {
		hops[i] = "$" + r.IDHex
	}
	var circID uint32
	err = b.breaker.ExecuteWithRetry(context.Background(), errors.DefaultRetryPolicy(), func() error {
		id, extendErr := b.conn.ExtendCircuit(0, hops)
		if extendErr != nil {
			return extendErr
		}
		circID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	c := &Circuit{
		circID:         circID,
		path:           path,
		exit:           path[len(path)-1],
		lastExtendedAt: time.Now(),
	}
	b.mu.Lock()
	b.circuits[circID] = c
	b.mu.Unlock()
	b.log.Info("building circuit", "circuit_id", circID, "hops", len(path), "exit", c.exit.Nickname)
	return c, nil
}

// AttachStream implements stream.Dialer by delegating to the control
// connection.
func (b *Builder) AttachStream(streamID, circID uint32, hop int) error {
	return b.conn.AttachStream(streamID, circID, hop)
}

// CheckCircuitPool tops the pool up to numCircuits by building
// general-purpose (port 80, unresolved-destination) circuits, mirroring
// CircuitHandler.check_circuit_pool. A failed build is logged, not
// propagated, and ends this top-up; the pool is topped up again only the
// next time CheckCircuitPool is called (at startup and after a circuit
// FAILED or CLOSED event), not on every heartbeat.
func (b *Builder) CheckCircuitPool() {
	b.mu.Lock()
	live := 0
	for _, c := range b.circuits {
		if !c.IsClosed() {
			live++
		}
	}
	b.mu.Unlock()

	for ; live < b.numCircuits; live++ {
		if _, err := b.BuildCircuit("255.255.255.255", 80); err != nil {
			b.log.Warn("error building pool circuit, will retry", "error", err)
			return
		}
	}
}

// ScheduleImmediate queues j to run before the next heartbeat's reconfigure
// check, matching PathBuilder.schedule_immediate.
func (b *Builder) ScheduleImmediate(j func()) {
	b.jobMu.Lock()
	defer b.jobMu.Unlock()
	b.immediateJobs = append(b.immediateJobs, j)
}

// ScheduleLowPrio queues j to run at most one-per-heartbeat, skipped
// entirely on latency-sensitive ticks, matching
// PathBuilder.schedule_low_prio.
func (b *Builder) ScheduleLowPrio(j func()) {
	b.jobMu.Lock()
	defer b.jobMu.Unlock()
	b.lowPrioJobs = append(b.lowPrioJobs, j)
}

// ScheduleSelMgr queues a SelectionManager mutation to run immediately and
// flags the selector for a Reconfigure on the next heartbeat, matching
// PathBuilder.schedule_selmgr.
func (b *Builder) ScheduleSelMgr(j func(*selmgr.SelectionManager)) {
	b.ScheduleImmediate(func() {
		j(b.selmgr)
		b.jobMu.Lock()
		b.reconfigure = true
		b.jobMu.Unlock()
	})
}

// isLatencySensitive reports whether ev should suppress this heartbeat's
// low-priority job, matching PathBuilder.heartbeat_event's guard on
// CIRC BUILT/FAILED and STREAM NEW/NEWRESOLVE/DETACHED.
func isLatencySensitive(status string) bool {
	switch status {
	case "BUILT", "FAILED", "NEW", "NEWRESOLVE", "DETACHED":
		return true
	default:
		return false
	}
}

// heartbeat drains queued immediate jobs, reconfigures the selector if any
// of them asked for it, and then runs at most one low-priority job unless
// ev is latency sensitive. Mirrors PathBuilder.heartbeat_event.
func (b *Builder) heartbeat(latencySensitive bool) {
	for {
		b.jobMu.Lock()
		if len(b.immediateJobs) == 0 {
			b.jobMu.Unlock()
			break
		}
		j := b.immediateJobs[0]
		b.immediateJobs = b.immediateJobs[1:]
		b.jobMu.Unlock()
		j()
	}

	b.jobMu.Lock()
	reconfigure := b.reconfigure
	b.reconfigure = false
	b.jobMu.Unlock()
	if reconfigure {
		b.selmgr.Reconfigure(b.table.Sorted())
	}

	if latencySensitive {
		return
	}

	b.jobMu.Lock()
	if len(b.lowPrioJobs) == 0 {
		b.jobMu.Unlock()
		return
	}
	j := b.lowPrioJobs[0]
	b.lowPrioJobs = b.lowPrioJobs[1:]
	b.jobMu.Unlock()
	j()
}

// HandleCircuitEvent applies a decoded CIRC event, mirroring
// CircuitHandler.circ_status_event: EXTENDED records hop timing, BUILT
// attaches every pending stream, FAILED/CLOSED retire the circuit and
// reroute its pending streams before topping the pool back up.
func (b *Builder) HandleCircuitEvent(circID uint32, status string, reason string) {
	b.mu.Lock()
	c, ok := b.circuits[circID]
	b.mu.Unlock()
	if !ok {
		b.log.Debug("ignoring circuit we did not build", "circuit_id", circID, "status", status)
		return
	}

	switch status {
	case "EXTENDED":
		now := time.Now()
		c.mu.Lock()
		c.extendTimes = append(c.extendTimes, now.Sub(c.lastExtendedAt))
		c.lastExtendedAt = now
		c.mu.Unlock()

	case "BUILT":
		c.mu.Lock()
		c.built = true
		var total time.Duration
		for _, d := range c.extendTimes {
			total += d
		}
		c.setupDuration = total
		pending := append([]*stream.Stream(nil), c.pending...)
		c.mu.Unlock()
		for _, s := range pending {
			if err := b.conn.AttachStream(s.ID, circID, 0); err != nil {
				b.log.Warn("error attaching pending stream", "stream_id", s.ID, "circuit_id", circID, "error", err)
			}
		}

	case "FAILED", "CLOSED":
		b.mu.Lock()
		delete(b.circuits, circID)
		b.mu.Unlock()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		b.log.Info("circuit torn down", "circuit_id", circID, "status", status, "reason", reason)

		pending := c.TakePendingStreams()
		circs := b.listCircuits()
		for _, s := range pending {
			s.DetachedFrom = append(s.DetachedFrom, circID)
			if err := b.Attacher.AttachAny(s, circs, s.DetachedFrom); err != nil {
				b.log.Warn("error rerouting pending stream", "stream_id", s.ID, "error", err)
			}
		}
		b.CheckCircuitPool()
	}
}

// HandleNetworkStatusEvent re-reads the consensus fragment an NS event
// carried, matching PathBuilder.ns_event.
func (b *Builder) HandleNetworkStatusEvent(entries []router.NetworkStatus) {
	b.readRouters(entries)
	b.ScheduleSelMgr(func(*selmgr.SelectionManager) {})
}

// HandleNewDescEvent re-fetches the network-status entry and descriptor for
// every idhex NEWDESC named, matching PathBuilder.new_desc_event.
func (b *Builder) HandleNewDescEvent(idhexes []string) {
	for _, id := range idhexes {
		nslist, err := b.conn.GetNetworkStatus("id/" + id)
		if err != nil {
			b.log.Warn("error fetching network status for new descriptor", "idhex", id, "error", err)
			continue
		}
		b.readRouters(nslist)
	}
	b.ScheduleSelMgr(func(*selmgr.SelectionManager) {})
}

// CloseCircuit marks circID closed and issues CLOSECIRCUIT. Pending streams
// are deliberately NOT migrated here — the CLOSED event Tor sends back
// drives that, via HandleCircuitEvent. Mirrors CircuitHandler.close_circuit.
func (b *Builder) CloseCircuit(circID uint32, ifUnused bool) error {
	b.mu.Lock()
	c, ok := b.circuits[circID]
	b.mu.Unlock()
	if ok {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}
	return b.conn.CloseCircuit(circID, ifUnused)
}

// NewNym marks every non-dirty circuit's pending streams for reattachment
// and issues SIGNAL NEWNYM, matching PathBuilder.new_nym.
func (b *Builder) NewNym() error {
	b.Attacher.SignalNewNym()
	return b.conn.SendSignal("NEWNYM")
}

// HandleStreamEvent applies a decoded STREAM event via the attacher, handing
// it the live circuit list to attach against. A zero resolvePort falls back
// to the configured ResolvePort.
func (b *Builder) HandleStreamEvent(streamID uint32, status string, circID uint32, host string, port, resolvePort int) error {
	if resolvePort == 0 {
		resolvePort = b.resolvePort
	}
	return b.Attacher.HandleStreamEvent(b.listCircuits, streamID, stream.Status(status), circID, host, port, resolvePort)
}

// Circuits returns a snapshot of the live circuit pool, for diagnostics.
func (b *Builder) Circuits() []*Circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Circuit, 0, len(b.circuits))
	for _, c := range b.circuits {
		out = append(out, c)
	}
	return out
}

// Heartbeat drains the job queues for one control-port event, matching
// PathBuilder.heartbeat_event's per-event bookkeeping. status is the
// event's STREAM/CIRC status field, or "" for event types that never
// suppress low-priority work.
func (b *Builder) Heartbeat(status string) {
	b.heartbeat(isLatencySensitive(status))
}
