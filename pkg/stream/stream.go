// Package stream implements the Tor stream data model and the
// attach_stream_any algorithm that routes a control-port stream onto a
// suitable pooled circuit, building a fresh one on demand.
package stream

import (
	"regexp"
	"sync"
	"time"

	"github.com/opd-ai/pathctl/pkg/logger"
	"github.com/opd-ai/pathctl/pkg/router"
)

// Status mirrors a STREAM event's status field.
type Status string

const (
	StatusNew         Status = "NEW"
	StatusNewResolve  Status = "NEWRESOLVE"
	StatusDetached    Status = "DETACHED"
	StatusSucceeded   Status = "SUCCEEDED"
	StatusFailed      Status = "FAILED"
	StatusClosed      Status = "CLOSED"
	StatusRemap       Status = "REMAP"
)

// sentinel is substituted for any non-IPv4 target host so exit-policy
// checks have something concrete to evaluate against.
const sentinelHost = "255.255.255.255"

var ipv4Literal = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// NormalizeHost returns host unchanged if it is a dotted-quad IPv4
// literal, or the sentinel address otherwise (DNS names can't be
// evaluated against an exit policy).
func NormalizeHost(host string) string {
	if ipv4Literal.MatchString(host) {
		return host
	}
	return sentinelHost
}

// Stream is a single application-level connection tunnelled through a
// circuit.
type Stream struct {
	ID             uint32
	Host           string
	Port           int
	Kind           Status // the status that created it: NEW or NEWRESOLVE
	DetachedFrom   []uint32
	PendingCircuit Circuit // set while waiting for ATTACHSTREAM/EXTENDCIRCUIT to land
	Circuit        Circuit // set once SUCCEEDED
	AttachedAt     time.Time
	BytesRead      uint64
	BytesWritten   uint64
	Failed         bool
}

// Circuit is the subset of circuit state the attacher needs. pkg/pathbuilder's
// Circuit type satisfies this interface; the indirection keeps pkg/stream
// free of any dependency on pkg/pathbuilder.
type Circuit interface {
	ID() uint32
	IsBuilt() bool
	IsDirty() bool
	SetDirty(bool)
	IsClosed() bool
	Exit() *router.Router
	AddPendingStream(*Stream)
	RemovePendingStream(*Stream)
	TakePendingStreams() []*Stream
}

// Builder builds a fresh circuit targeting host:port and registers it so
// subsequent lookups can find it, mirroring CircuitHandler.build_circuit.
type Builder interface {
	BuildCircuit(host string, port int) (Circuit, error)
}

// Dialer issues ATTACHSTREAM against the control connection.
type Dialer interface {
	AttachStream(streamID, circID uint32, hop int) error
}

// Attacher implements attach_stream_any: find a live circuit whose exit
// policy accepts the stream's destination, or build one. It owns the
// stream table exactly as PathBuilder/StreamHandler own it in the
// original — callers MUST only invoke Attacher from the single event
// loop goroutine.
type Attacher struct {
	mu      sync.Mutex
	streams map[uint32]*Stream

	dialer  Dialer
	builder Builder
	log     *logger.Logger

	newNym bool

	// SortedCircs, if set, overrides iteration order during AttachAny's
	// first-match scan (StreamHandler.sorted_circs).
	SortedCircs func([]Circuit) []Circuit

	// LastExit records the exit router of the most recently attached or
	// built circuit, for diagnostics.
	LastExit *router.Router
}

// New constructs an Attacher. log may be nil.
func New(dialer Dialer, builder Builder, log *logger.Logger) *Attacher {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Attacher{
		streams: make(map[uint32]*Stream),
		dialer:  dialer,
		builder: builder,
		log:     log.Component("stream"),
	}
}

// SignalNewNym marks the next AttachAny call to reclaim non-dirty
// circuits' pending streams, matching PathBuilder.new_nym.
func (a *Attacher) SignalNewNym() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.newNym = true
}

// Get returns the tracked stream by id, if any.
func (a *Attacher) Get(id uint32) (*Stream, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[id]
	return s, ok
}

// AttachAny attaches stream to the first live, matching circuit among
// circs, reclaiming new-nym'd circuits first; failing a match, it builds
// a fresh circuit and queues stream (and any reclaimed streams) onto it.
// Mirrors StreamHandler.attach_stream_any.
func (a *Attacher) AttachAny(stream *Stream, circs []Circuit, badcircs []uint32) error {
	unattached := []*Stream{stream}

	a.mu.Lock()
	newNym := a.newNym
	a.newNym = false
	a.mu.Unlock()

	if newNym {
		a.log.Debug("obeying new nym")
		for _, c := range circs {
			if !c.IsDirty() {
				pending := c.TakePendingStreams()
				if len(pending) > 0 {
					a.log.Warn("new nym called, destroying circuit with pending streams",
						"circuit_id", c.ID(), "pending", len(pending))
					unattached = append(unattached, pending...)
				}
			}
			c.SetDirty(true)
		}
	}

	ordered := circs
	if a.SortedCircs != nil {
		ordered = a.SortedCircs(circs)
	}

	for _, c := range ordered {
		if !c.IsBuilt() || c.IsClosed() || c.IsDirty() || containsUint32(badcircs, c.ID()) {
			continue
		}
		exit := c.Exit()
		if exit == nil {
			continue
		}
		allowed, _ := exit.WillExitTo(mustIPv4(stream.Host), stream.Port)
		if !allowed {
			continue
		}
		if err := a.dialer.AttachStream(stream.ID, c.ID(), 0); err != nil {
			a.log.Warn("error attaching stream", "stream_id", stream.ID, "error", err)
			return err
		}
		stream.PendingCircuit = c
		c.AddPendingStream(stream)
		a.LastExit = exit
		return nil
	}

	circ, err := a.builder.BuildCircuit(stream.Host, stream.Port)
	if err != nil {
		return err
	}
	for _, u := range unattached {
		a.log.Debug("attaching stream pending build", "stream_id", u.ID, "circuit_id", circ.ID())
		u.PendingCircuit = circ
		circ.AddPendingStream(u)
	}
	a.LastExit = circ.Exit()
	return nil
}

func mustIPv4(host string) uint32 {
	ip, err := router.IPv4ToUint32(host)
	if err != nil {
		return 0
	}
	return ip
}

func containsUint32(list []uint32, v uint32) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// HandleStreamEvent applies a decoded STREAM event to the stream table,
// invoking AttachAny where the original does, mirroring
// StreamHandler.stream_status_event.
func (a *Attacher) HandleStreamEvent(circs func() []Circuit, id uint32, status Status, circID uint32, host string, port, resolvePort int) error {
	rawHost := host
	host = NormalizeHost(host)

	switch status {
	case StatusNew, StatusNewResolve:
		if status == StatusNewResolve && port == 0 {
			port = resolvePort
		}
		s := &Stream{ID: id, Host: host, Port: port, Kind: status}
		a.mu.Lock()
		a.streams[id] = s
		a.mu.Unlock()
		return a.AttachAny(s, circs(), s.DetachedFrom)

	case StatusDetached:
		a.mu.Lock()
		s, ok := a.streams[id]
		if !ok {
			s = &Stream{ID: id, Host: host, Port: port, Kind: StatusNew}
			a.streams[id] = s
		}
		a.mu.Unlock()
		if circID != 0 {
			s.DetachedFrom = append(s.DetachedFrom, circID)
		} else {
			a.log.Warn("stream detached from no circuit", "stream_id", id)
		}
		if s.PendingCircuit != nil {
			s.PendingCircuit.RemovePendingStream(s)
		}
		s.PendingCircuit = nil
		return a.AttachAny(s, circs(), s.DetachedFrom)

	case StatusSucceeded:
		a.mu.Lock()
		s, ok := a.streams[id]
		a.mu.Unlock()
		if !ok {
			a.log.Info("succeeded stream not found", "stream_id", id)
			return nil
		}
		if s.PendingCircuit != nil {
			s.Circuit = s.PendingCircuit
			s.PendingCircuit.RemovePendingStream(s)
		}
		s.PendingCircuit = nil
		s.AttachedAt = time.Now()
		return nil

	case StatusFailed:
		a.mu.Lock()
		s, ok := a.streams[id]
		a.mu.Unlock()
		if !ok {
			a.log.Info("failed stream not found", "stream_id", id)
			return nil
		}
		s.Failed = true
		if s.PendingCircuit != nil {
			s.PendingCircuit.SetDirty(true)
		} else if s.Circuit != nil {
			s.Circuit.SetDirty(true)
		}
		return nil

	case StatusClosed:
		a.mu.Lock()
		s, ok := a.streams[id]
		if ok {
			delete(a.streams, id)
		}
		a.mu.Unlock()
		if !ok {
			a.log.Info("closed stream not found", "stream_id", id)
			return nil
		}
		if s.PendingCircuit != nil {
			s.PendingCircuit.RemovePendingStream(s)
		}
		return nil

	case StatusRemap:
		a.mu.Lock()
		s, ok := a.streams[id]
		a.mu.Unlock()
		if !ok {
			a.log.Warn("remap for unknown stream", "stream_id", id)
			return nil
		}
		if rawHost != host {
			a.log.Info("non-IP remap coerced to sentinel", "stream_id", id)
		}
		s.Host = host
		s.Port = port
		return nil
	}
	return nil
}

// RecordBandwidth applies a STREAM_BW event to the named stream.
func (a *Attacher) RecordBandwidth(id uint32, read, written uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[id]
	if !ok {
		a.log.Warn("bw event for unknown stream", "stream_id", id)
		return
	}
	s.BytesRead += read
	s.BytesWritten += written
}

// ClearDNSCache issues SIGNAL CLEARDNSCACHE against signaler.
func ClearDNSCache(signaler interface{ SendSignal(string) error }) error {
	return signaler.SendSignal("CLEARDNSCACHE")
}
