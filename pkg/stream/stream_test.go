package stream

import (
	"testing"

	"github.com/opd-ai/pathctl/pkg/router"
)

func acceptAllPolicy() []router.ExitPolicyLine {
	p, err := router.NewExitPolicyLine(true, "*", "*", "")
	if err != nil {
		panic(err)
	}
	return []router.ExitPolicyLine{p}
}

func rejectAllPolicy() []router.ExitPolicyLine {
	p, err := router.NewExitPolicyLine(false, "*", "*", "")
	if err != nil {
		panic(err)
	}
	return []router.ExitPolicyLine{p}
}

type fakeCircuit struct {
	id       uint32
	built    bool
	dirty    bool
	closed   bool
	exit     *router.Router
	pending  []*Stream
}

func (c *fakeCircuit) ID() uint32        { return c.id }
func (c *fakeCircuit) IsBuilt() bool     { return c.built }
func (c *fakeCircuit) IsDirty() bool     { return c.dirty }
func (c *fakeCircuit) SetDirty(v bool)   { c.dirty = v }
func (c *fakeCircuit) IsClosed() bool    { return c.closed }
func (c *fakeCircuit) Exit() *router.Router { return c.exit }
func (c *fakeCircuit) AddPendingStream(s *Stream) {
	c.pending = append(c.pending, s)
}
func (c *fakeCircuit) RemovePendingStream(s *Stream) {
	for i, p := range c.pending {
		if p == s {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}
func (c *fakeCircuit) TakePendingStreams() []*Stream {
	p := c.pending
	c.pending = nil
	return p
}

type fakeDialer struct {
	attached []uint32
	err      error
}

func (d *fakeDialer) AttachStream(streamID, circID uint32, hop int) error {
	if d.err != nil {
		return d.err
	}
	d.attached = append(d.attached, streamID)
	return nil
}

type fakeBuilder struct {
	built *fakeCircuit
	err   error
	calls int
}

func (b *fakeBuilder) BuildCircuit(host string, port int) (Circuit, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return b.built, nil
}

func mkExitRouter(id uint32, accept bool) *router.Router {
	policy := acceptAllPolicy()
	if !accept {
		policy = rejectAllPolicy()
	}
	return &router.Router{IDHex: "EXIT", ExitPolicy: policy}
}

func TestAttachAnyPicksFirstMatchingCircuit(t *testing.T) {
	exit := mkExitRouter(1, true)
	circ := &fakeCircuit{id: 7, built: true, exit: exit}
	dialer := &fakeDialer{}
	builder := &fakeBuilder{}
	a := New(dialer, builder, nil)

	s := &Stream{ID: 5, Host: "93.184.216.34", Port: 443}
	if err := a.AttachAny(s, []Circuit{circ}, nil); err != nil {
		t.Fatalf("AttachAny: %v", err)
	}
	if len(dialer.attached) != 1 || dialer.attached[0] != 5 {
		t.Fatalf("expected stream 5 attached, got %v", dialer.attached)
	}
	if builder.calls != 0 {
		t.Fatalf("expected no circuit build, got %d calls", builder.calls)
	}
	if s.PendingCircuit != Circuit(circ) {
		t.Fatal("expected PendingCircuit to be set to the matched circuit")
	}
}

func TestAttachAnySkipsExitPolicyMismatch(t *testing.T) {
	denyExit := mkExitRouter(1, false)
	circ := &fakeCircuit{id: 7, built: true, exit: denyExit}
	dialer := &fakeDialer{}
	builtCirc := &fakeCircuit{id: 9, built: true, exit: mkExitRouter(2, true)}
	builder := &fakeBuilder{built: builtCirc}
	a := New(dialer, builder, nil)

	s := &Stream{ID: 5, Host: "93.184.216.34", Port: 443}
	if err := a.AttachAny(s, []Circuit{circ}, nil); err != nil {
		t.Fatalf("AttachAny: %v", err)
	}
	if builder.calls != 1 {
		t.Fatalf("expected a fresh circuit build, got %d calls", builder.calls)
	}
	if len(dialer.attached) != 0 {
		t.Fatal("expected no ATTACHSTREAM call when falling back to a fresh build")
	}
}

func TestAttachAnyBuildsWhenNoCircuits(t *testing.T) {
	builtCirc := &fakeCircuit{id: 9, built: true, exit: mkExitRouter(2, true)}
	builder := &fakeBuilder{built: builtCirc}
	a := New(&fakeDialer{}, builder, nil)

	s := &Stream{ID: 1, Host: "1.2.3.4", Port: 80}
	if err := a.AttachAny(s, nil, nil); err != nil {
		t.Fatalf("AttachAny: %v", err)
	}
	if s.PendingCircuit != Circuit(builtCirc) {
		t.Fatal("expected stream pending on the freshly built circuit")
	}
}

func TestAttachAnyNewNymReclaimsNonDirtyCircuits(t *testing.T) {
	pendingStream := &Stream{ID: 3}
	nonDirty := &fakeCircuit{id: 1, built: true, exit: mkExitRouter(1, false), pending: []*Stream{pendingStream}}
	builtCirc := &fakeCircuit{id: 9, built: true, exit: mkExitRouter(2, true)}
	builder := &fakeBuilder{built: builtCirc}
	a := New(&fakeDialer{}, builder, nil)
	a.SignalNewNym()

	s := &Stream{ID: 5, Host: "1.2.3.4", Port: 80}
	if err := a.AttachAny(s, []Circuit{nonDirty}, nil); err != nil {
		t.Fatalf("AttachAny: %v", err)
	}
	if !nonDirty.IsDirty() {
		t.Fatal("expected new-nym to mark the circuit dirty")
	}
	if len(nonDirty.pending) != 0 {
		t.Fatal("expected new-nym to clear the reclaimed circuit's pending streams")
	}
}

func TestHandleStreamEventNewCreatesAndAttaches(t *testing.T) {
	builtCirc := &fakeCircuit{id: 9, built: true, exit: mkExitRouter(2, true)}
	builder := &fakeBuilder{built: builtCirc}
	a := New(&fakeDialer{}, builder, nil)

	err := a.HandleStreamEvent(func() []Circuit { return nil }, 1, StatusNew, 0, "example.com", 443, 0)
	if err != nil {
		t.Fatalf("HandleStreamEvent: %v", err)
	}
	s, ok := a.Get(1)
	if !ok {
		t.Fatal("expected stream 1 to be tracked")
	}
	if s.Host != "255.255.255.255" {
		t.Fatalf("expected non-IPv4 host normalized to sentinel, got %q", s.Host)
	}
}

func TestHandleStreamEventSucceededPromotesPendingCircuit(t *testing.T) {
	a := New(&fakeDialer{}, &fakeBuilder{}, nil)
	circ := &fakeCircuit{id: 4, built: true}
	s := &Stream{ID: 2, PendingCircuit: circ}
	circ.AddPendingStream(s)
	a.streams[2] = s

	if err := a.HandleStreamEvent(func() []Circuit { return nil }, 2, StatusSucceeded, 4, "1.2.3.4", 80, 0); err != nil {
		t.Fatalf("HandleStreamEvent: %v", err)
	}
	if s.Circuit != Circuit(circ) {
		t.Fatal("expected Circuit to be promoted from PendingCircuit")
	}
	if s.PendingCircuit != nil {
		t.Fatal("expected PendingCircuit to be cleared after SUCCEEDED")
	}
}

func TestHandleStreamEventFailedMarksCircuitDirty(t *testing.T) {
	a := New(&fakeDialer{}, &fakeBuilder{}, nil)
	circ := &fakeCircuit{id: 4, built: true}
	s := &Stream{ID: 2, PendingCircuit: circ}
	a.streams[2] = s

	if err := a.HandleStreamEvent(func() []Circuit { return nil }, 2, StatusFailed, 4, "1.2.3.4", 80, 0); err != nil {
		t.Fatalf("HandleStreamEvent: %v", err)
	}
	if !s.Failed {
		t.Fatal("expected Failed to be set")
	}
	if !circ.IsDirty() {
		t.Fatal("expected the pending circuit to be marked dirty on stream failure")
	}
}

func TestHandleStreamEventRemapUpdatesHostAndPort(t *testing.T) {
	a := New(&fakeDialer{}, &fakeBuilder{}, nil)
	s := &Stream{ID: 3, Host: "1.2.3.4", Port: 80}
	a.streams[3] = s

	if err := a.HandleStreamEvent(func() []Circuit { return nil }, 3, StatusRemap, 4, "5.6.7.8", 443, 0); err != nil {
		t.Fatalf("HandleStreamEvent: %v", err)
	}
	if s.Host != "5.6.7.8" || s.Port != 443 {
		t.Fatalf("expected remap to update host/port, got %q:%d", s.Host, s.Port)
	}
}

func TestHandleStreamEventRemapToNonIPCoercesToSentinel(t *testing.T) {
	a := New(&fakeDialer{}, &fakeBuilder{}, nil)
	s := &Stream{ID: 3, Host: "1.2.3.4", Port: 80}
	a.streams[3] = s

	if err := a.HandleStreamEvent(func() []Circuit { return nil }, 3, StatusRemap, 4, "example.com", 443, 0); err != nil {
		t.Fatalf("HandleStreamEvent: %v", err)
	}
	if s.Host != "255.255.255.255" {
		t.Fatalf("expected non-IP remap coerced to sentinel, got %q", s.Host)
	}
}

func TestNormalizeHost(t *testing.T) {
	if got := NormalizeHost("1.2.3.4"); got != "1.2.3.4" {
		t.Fatalf("NormalizeHost(IPv4) = %q", got)
	}
	if got := NormalizeHost("example.com"); got != sentinelHost {
		t.Fatalf("NormalizeHost(hostname) = %q, want sentinel", got)
	}
}
