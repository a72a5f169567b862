// Package sockstrigger dials destinations through a Tor SOCKS5 proxy purely
// to make the Tor daemon behind it open real streams, so an end-to-end test
// can observe the resulting STREAM NEW/SUCCEEDED/CLOSED events arrive on the
// control port and drive pkg/stream's attacher. It has no role in the
// controller's own request path. Grounded on
// opd-ai-go-tor/pkg/bine/wrapper.go's proxy.SOCKS5("tcp", addr, nil,
// proxy.Direct) dialer construction.
package sockstrigger

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// Trigger dials through a single SOCKS5 proxy.
type Trigger struct {
	dialer proxy.Dialer
}

// New builds a Trigger that dials through the SOCKS5 proxy listening at
// proxyAddr (host:port), unauthenticated.
func New(proxyAddr string) (*Trigger, error) {
	d, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer for %s: %w", proxyAddr, err)
	}
	return &Trigger{dialer: d}, nil
}

// Dial opens destAddr (host:port) through the proxy. The SOCKS5 handshake
// itself is what causes Tor to emit a STREAM NEW event; the caller is
// responsible for closing the returned connection once it's done observing
// the resulting control-port events.
func (t *Trigger) Dial(ctx context.Context, destAddr string) (net.Conn, error) {
	if cd, ok := t.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", destAddr)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := t.dialer.Dial("tcp", destAddr)
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DialMany opens count streams through the proxy one after another, leaving
// each successful connection open, and returns whichever connections
// succeeded and the first error encountered, if any.
// Useful for exercising attach_stream_any's first-match-vs-build decision
// against a real pool rather than one stream at a time.
func (t *Trigger) DialMany(ctx context.Context, destAddr string, count int) ([]net.Conn, error) {
	conns := make([]net.Conn, 0, count)
	var firstErr error
	for i := 0; i < count; i++ {
		c, err := t.Dial(ctx, destAddr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		conns = append(conns, c)
	}
	return conns, firstErr
}
