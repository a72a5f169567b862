package sockstrigger

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// fakeSocks5Server speaks just enough of RFC 1928 (no-auth negotiation plus
// a CONNECT request) to let proxy.SOCKS5's dialer complete a handshake
// without a real Tor daemon.
func fakeSocks5Server(t *testing.T) (addr string, done <-chan struct{}) {
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

		// version identifier/method negotiation: VER NMETHODS METHODS...
		hdr := make([]byte, 2)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		methods := make([]byte, hdr[1])
		if _, err := io.ReadFull(conn, methods); err != nil {
			return
		}
		if _, err := conn.Write([]byte{0x05, 0x00}); err != nil { // no auth required
			return
		}

		// request: VER CMD RSV ATYP ADDR PORT
		req := make([]byte, 4)
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		switch req[3] {
		case 0x01: // IPv4
			io.ReadFull(conn, make([]byte, 4+2))
		case 0x03: // domain name
			l := make([]byte, 1)
			io.ReadFull(conn, l)
			io.ReadFull(conn, make([]byte, int(l[0])+2))
		case 0x04: // IPv6
			io.ReadFull(conn, make([]byte, 16+2))
		}

		// reply: VER REP RSV ATYP BND.ADDR BND.PORT (success, IPv4 0.0.0.0:0)
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()
	return ln.Addr().String(), ch
}

func TestDialCompletesSocks5Handshake(t *testing.T) {
	addr, done := fakeSocks5Server(t)
	trig, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := trig.Dial(ctx, "example.com:80")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake server never completed the handshake")
	}
}

func TestDialFailsWhenProxyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	trig, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if _, err := trig.Dial(ctx, "example.com:80"); err == nil {
		t.Fatal("expected Dial to fail against an unreachable proxy")
	}
}

func TestDialManyCollectsSuccessesAndFirstError(t *testing.T) {
	addr, _ := fakeSocks5Server(t)
	trig, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conns, err := trig.DialMany(ctx, "example.com:80", 1)
	if err != nil {
		t.Fatalf("DialMany: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}
	conns[0].Close()
}
