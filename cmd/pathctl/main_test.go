package main

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/opd-ai/pathctl/pkg/config"
	"github.com/opd-ai/pathctl/pkg/control"
	"github.com/opd-ai/pathctl/pkg/logger"
	"github.com/opd-ai/pathctl/pkg/pathbuilder"
	"github.com/opd-ai/pathctl/pkg/router"
	"github.com/opd-ai/pathctl/pkg/selmgr"
)

// fakeControlServer accepts one connection on a loopback listener and
// drives it through a scripted request/reply exchange, mirroring the
// teacher's net.Listen-based mock control server.
func fakeControlServer(t *testing.T, script func(r *bufio.Reader, w net.Conn)) (addr string, done <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		script(bufio.NewReader(conn), conn)
	}()
	return ln.Addr().String(), ch
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestRunDiagnosticGetVersion(t *testing.T) {
	addr, done := fakeControlServer(t, func(r *bufio.Reader, w net.Conn) {
		if got := readLine(t, r); !strings.HasPrefix(got, "AUTHENTICATE") {
			t.Errorf("request = %q, want AUTHENTICATE", got)
		}
		w.Write([]byte("250 OK\r\n"))
		if got := readLine(t, r); got != "GETINFO version" {
			t.Errorf("request = %q, want GETINFO version", got)
		}
		w.Write([]byte("250-version=0.4.8.1\r\n250 OK\r\n"))
	})

	cfg := config.DefaultConfig()
	cfg.ControlAddress = addr
	if err := runDiagnostic(cfg, "getversion", nil); err != nil {
		t.Fatalf("runDiagnostic: %v", err)
	}
	<-done
}

func TestRunDiagnosticSignal(t *testing.T) {
	addr, done := fakeControlServer(t, func(r *bufio.Reader, w net.Conn) {
		readLine(t, r) // AUTHENTICATE
		w.Write([]byte("250 OK\r\n"))
		if got := readLine(t, r); got != "SIGNAL NEWNYM" {
			t.Errorf("request = %q, want SIGNAL NEWNYM", got)
		}
		w.Write([]byte("250 OK\r\n"))
	})

	cfg := config.DefaultConfig()
	cfg.ControlAddress = addr
	if err := runDiagnostic(cfg, "signal", []string{"newnym"}); err != nil {
		t.Fatalf("runDiagnostic: %v", err)
	}
	<-done
}

func TestRunDiagnosticConfigRequiresKey(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := runDiagnostic(cfg, "config", nil); err == nil {
		t.Fatal("expected an error when no config key is given")
	}
}

func TestRunDiagnosticUnknownCommand(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ControlAddress = "127.0.0.1:1" // unreachable is fine; dial happens first
	if err := runDiagnostic(cfg, "bogus", nil); err == nil {
		t.Fatal("expected an error")
	}
}

// fakeBuilderConn satisfies pathbuilder's unexported controlConn interface
// structurally, so dispatchEvent can be exercised against a real Builder
// without a live control-port socket.
type fakeBuilderConn struct{ nextCircID uint32 }

func (f *fakeBuilderConn) GetNetworkStatus(who string) ([]router.NetworkStatus, error) {
	return nil, nil
}
func (f *fakeBuilderConn) ReadRouters(nslist []router.NetworkStatus) []*router.Router { return nil }
func (f *fakeBuilderConn) ExtendCircuit(circID uint32, hops []string) (uint32, error) {
	f.nextCircID++
	return f.nextCircID, nil
}
func (f *fakeBuilderConn) AttachStream(streamID, circID uint32, hop int) error { return nil }
func (f *fakeBuilderConn) CloseCircuit(circID uint32, ifUnused bool) error     { return nil }
func (f *fakeBuilderConn) SendSignal(sig string) error                        { return nil }

func newTestBuilder(t *testing.T) *pathbuilder.Builder {
	t.Helper()
	log := logger.NewDefault()
	sm := selmgr.New(selmgr.Config{PathLen: 3, PercentFast: 100}, log)
	b, err := pathbuilder.New(&fakeBuilderConn{}, sm, pathbuilder.Config{PathLen: 3, NumCircuits: 2}, log)
	if err != nil {
		t.Fatalf("pathbuilder.New: %v", err)
	}
	return b
}

func TestDispatchEventHandlesEveryEventTypeWithoutPanicking(t *testing.T) {
	b := newTestBuilder(t)
	events := []control.Event{
		&control.CircuitEvent{CircID: 1, Status: "FAILED", Reason: "TIMEOUT"},
		&control.StreamEvent{StreamID: 1, Status: "NEW", TargetHost: "example.com", TargetPort: 80},
		&control.StreamBwEvent{StreamID: 1, Read: 10, Written: 20},
		&control.NewDescEvent{IDs: []string{"$AAAA"}},
		&control.NetworkStatusEvent{},
	}
	for _, ev := range events {
		dispatchEvent(b, ev)
	}
}
