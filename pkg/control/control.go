// Package control implements a client for the Tor control-port protocol:
// a single authenticated connection multiplexing synchronous command/reply
// pairs with asynchronous "6xx" events, matching
// original_source/lib-ext/TorCtl.py's Connection/EventHandler split.
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/opd-ai/pathctl/pkg/errors"
	"github.com/opd-ai/pathctl/pkg/logger"
	"github.com/opd-ai/pathctl/pkg/router"
	"github.com/opd-ai/pathctl/pkg/wire"
)

// Conn is a single control-port connection. Exactly one command may be in
// flight at a time (cmdMu enforces this); a background reader goroutine
// demultiplexes replies from events, delivering replies to the waiting
// command and events to a dispatch goroutine so a slow event handler never
// blocks the next command.
type Conn struct {
	nc  net.Conn
	rd  *wire.Reader
	bw  *bufio.Writer
	log *logger.Logger

	cmdMu sync.Mutex // serializes Send/Recv pairs, one in flight at a time

	replyCh chan wire.Reply
	errCh   chan error

	events chan Event

	handlersMu sync.RWMutex
	handlers   []Handler

	closeOnce      sync.Once
	closed         chan struct{}
	closeHandlerMu sync.Mutex
	closeHandler   func(error)
}

// Dial opens a TCP connection to a Tor control port and starts the
// background reader and event-dispatch goroutines. The caller must still
// call Authenticate before issuing any other command.
func Dial(ctx context.Context, address string, log *logger.Logger) (*Conn, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrap(errors.CategoryClosed, errors.SeverityHigh, "dial control port", err)
	}
	return newConn(nc, log), nil
}

func newConn(nc net.Conn, log *logger.Logger) *Conn {
	if log == nil {
		log = logger.NewDefault()
	}
	c := &Conn{
		nc:      nc,
		rd:      wire.NewReader(nc),
		bw:      bufio.NewWriter(nc),
		log:     log.Component("control"),
		replyCh: make(chan wire.Reply),
		errCh:   make(chan error, 1),
		events:  make(chan Event, 64),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c
}

// OnClose registers the handler invoked when the connection closes, whether
// by an explicit Close or because the reader hit a fatal error. err is nil
// for an explicit Close, the reader's error otherwise. Register it before
// the connection can fail (immediately after Dial); closeOnce guarantees it
// fires exactly once regardless of which path triggers it, matching the
// Closed invariant: every pending command completes with errors.ClosedError
// and the close handler runs once.
func (c *Conn) OnClose(fn func(error)) {
	c.closeHandlerMu.Lock()
	defer c.closeHandlerMu.Unlock()
	c.closeHandler = fn
}

// Close shuts down the connection and its background goroutines.
func (c *Conn) Close() error {
	return c.closeWithErr(nil)
}

// closeWithErr runs the shared close sequence exactly once. Close and
// readLoop's fatal-error path both funnel through here so the registered
// close handler can never fire twice or race itself.
func (c *Conn) closeWithErr(err error) error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closed)
		closeErr = c.nc.Close()
		c.closeHandlerMu.Lock()
		handler := c.closeHandler
		c.closeHandlerMu.Unlock()
		if handler != nil {
			handler(err)
		}
	})
	return closeErr
}

// Subscribe registers a Handler to receive every event this connection
// delivers via its dispatch loop. Handlers are invoked in registration
// order; a handler must not block.
func (c *Conn) Subscribe(h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Conn) readLoop() {
	for {
		reply, err := c.rd.ReadReply()
		if err != nil {
			select {
			case c.errCh <- err:
			case <-c.closed:
			}
			c.closeWithErr(err)
			return
		}
		if reply.IsEvent {
			if reply.IsBenignEventOK() {
				continue
			}
			for _, line := range reply.Lines {
				ev, err := decodeEvent(line.Text, line.Data)
				if err != nil {
					c.log.Warn("dropping malformed event", "error", err, "text", line.Text)
					continue
				}
				select {
				case c.events <- ev:
				case <-c.closed:
					return
				}
			}
			continue
		}
		select {
		case c.replyCh <- reply:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) dispatchLoop() {
	for {
		select {
		case ev := <-c.events:
			c.handlersMu.RLock()
			hs := c.handlers
			c.handlersMu.RUnlock()
			for _, h := range hs {
				h.HandleEvent(ev)
			}
		case <-c.closed:
			return
		}
	}
}

// sendAndRecv writes cmd (which must already be CRLF-terminated) and waits
// for the next non-event reply, erroring on a 4xx/5xx status. Mirrors
// TorCtl.py's Connection.sendAndRecv.
func (c *Conn) sendAndRecv(cmd string) (wire.Reply, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if _, err := c.bw.Write(wire.EncodeRequest(cmd)); err != nil {
		return wire.Reply{}, errors.ProtocolError("write command", err)
	}
	if err := c.bw.Flush(); err != nil {
		return wire.Reply{}, errors.ProtocolError("flush command", err)
	}

	select {
	case reply := <-c.replyCh:
		if reply.IsError() {
			line := reply.Lines[len(reply.Lines)-1]
			return reply, errors.ReplyError(line.Code, line.Text)
		}
		return reply, nil
	case err := <-c.errCh:
		return wire.Reply{}, errors.ClosedError(err)
	case <-c.closed:
		return wire.Reply{}, errors.ClosedError(nil)
	}
}

// sendDataAndRecv is sendAndRecv's analogue for a dot-terminated data
// command (only +POSTDESCRIPTOR needs this today).
func (c *Conn) sendDataAndRecv(cmd, body string) (wire.Reply, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if _, err := c.bw.Write(wire.EncodeDataRequest(cmd, body)); err != nil {
		return wire.Reply{}, errors.ProtocolError("write data command", err)
	}
	if err := c.bw.Flush(); err != nil {
		return wire.Reply{}, errors.ProtocolError("flush data command", err)
	}

	select {
	case reply := <-c.replyCh:
		if reply.IsError() {
			line := reply.Lines[len(reply.Lines)-1]
			return reply, errors.ReplyError(line.Code, line.Text)
		}
		return reply, nil
	case err := <-c.errCh:
		return wire.Reply{}, errors.ClosedError(err)
	case <-c.closed:
		return wire.Reply{}, errors.ClosedError(nil)
	}
}

// Authenticate sends the control-port authentication secret (a password or
// cookie) as a double-quoted string, escaped with Go's %q; the caller passes
// the secret unquoted.
func (c *Conn) Authenticate(secret string) error {
	_, err := c.sendAndRecv(fmt.Sprintf("AUTHENTICATE %q", secret))
	return err
}

// GetConf retrieves one or more configuration values.
func (c *Conn) GetConf(names ...string) (map[string]string, error) {
	reply, err := c.sendAndRecv("GETCONF " + strings.Join(names, " "))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(reply.Lines))
	for _, line := range reply.Lines {
		k, v, ok := strings.Cut(line.Text, "=")
		if !ok {
			out[line.Text] = ""
			continue
		}
		out[k] = v
	}
	return out, nil
}

// SetConf sets configuration key/value pairs for the running Tor process.
func (c *Conn) SetConf(kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	var parts []string
	for k, v := range kv {
		parts = append(parts, fmt.Sprintf("%s=%s", k, quoteIfNeeded(v)))
	}
	_, err := c.sendAndRecv("SETCONF " + strings.Join(parts, " "))
	return err
}

// ResetConf resets the named configuration keys to their defaults.
func (c *Conn) ResetConf(names ...string) error {
	_, err := c.sendAndRecv("RESETCONF " + strings.Join(names, " "))
	return err
}

// SaveConf flushes the running configuration to disk.
func (c *Conn) SaveConf() error {
	_, err := c.sendAndRecv("SAVECONF")
	return err
}

// Signal names, per control-spec section 3.6.
const (
	SignalReload    = "HUP"
	SignalShutdown  = "INT"
	SignalDump      = "USR1"
	SignalDebug     = "USR2"
	SignalHalt      = "TERM"
	SignalNewNym    = "NEWNYM"
	SignalClearDNS  = "CLEARDNSCACHE"
	SignalHeartbeat = "HEARTBEAT"
)

// SendSignal sends a named signal to the Tor process.
func (c *Conn) SendSignal(sig string) error {
	_, err := c.sendAndRecv("SIGNAL " + sig)
	return err
}

// GetInfo retrieves one or more GETINFO keys.
func (c *Conn) GetInfo(names ...string) (map[string]string, error) {
	reply, err := c.sendAndRecv("GETINFO " + strings.Join(names, " "))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range reply.Lines {
		if line.Text == "OK" {
			continue
		}
		k, rest, ok := strings.Cut(line.Text, "=")
		if !ok {
			return nil, errors.ProtocolError(fmt.Sprintf("bad GETINFO line %q", line.Text), nil)
		}
		if line.Data != "" {
			out[k] = line.Data
		} else {
			out[k] = rest
		}
	}
	return out, nil
}

// SetEvents changes the set of event types this connection receives.
func (c *Conn) SetEvents(events ...string) error {
	_, err := c.sendAndRecv("SETEVENTS " + strings.Join(events, " "))
	return err
}

// MapAddress issues MAPADDRESS for each from->to pair, returning Tor's
// (possibly rewritten) mapping.
func (c *Conn) MapAddress(mapping map[string]string) (map[string]string, error) {
	if len(mapping) == 0 {
		return nil, nil
	}
	var parts []string
	for k, v := range mapping {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	reply, err := c.sendAndRecv("MAPADDRESS " + strings.Join(parts, " "))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(reply.Lines))
	for _, line := range reply.Lines {
		k, v, ok := strings.Cut(line.Text, "=")
		if !ok {
			return nil, errors.ProtocolError(fmt.Sprintf("bad MAPADDRESS line %q", line.Text), nil)
		}
		out[k] = v
	}
	return out, nil
}

// ExtendCircuit asks Tor to build (circID==0) or extend an existing
// circuit through the given hops (idhex or nickname), returning the
// resulting circuit ID.
func (c *Conn) ExtendCircuit(circID uint32, hops []string) (uint32, error) {
	reply, err := c.sendAndRecv(fmt.Sprintf("EXTENDCIRCUIT %d %s", circID, strings.Join(hops, ",")))
	if err != nil {
		return 0, err
	}
	text := reply.Lines[0].Text
	rest := strings.TrimPrefix(text, "EXTENDED ")
	if rest == text {
		return 0, errors.ProtocolError(fmt.Sprintf("bad EXTENDED line %q", text), nil)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 32)
	if err != nil {
		return 0, errors.ProtocolError(fmt.Sprintf("bad EXTENDED circuit id %q", rest), err)
	}
	return uint32(id), nil
}

// RedirectStream changes the destination address (and optionally port) of
// a not-yet-connected stream.
func (c *Conn) RedirectStream(streamID uint32, newAddr string, newPort int) error {
	cmd := fmt.Sprintf("REDIRECTSTREAM %d %s", streamID, newAddr)
	if newPort != 0 {
		cmd += fmt.Sprintf(" %d", newPort)
	}
	_, err := c.sendAndRecv(cmd)
	return err
}

// AttachStream attaches streamID to circID. If hop is nonzero, the stream
// exits at that specific hop of the circuit rather than the last one.
func (c *Conn) AttachStream(streamID, circID uint32, hop int) error {
	cmd := fmt.Sprintf("ATTACHSTREAM %d %d", streamID, circID)
	if hop != 0 {
		cmd += fmt.Sprintf(" HOP=%d", hop)
	}
	_, err := c.sendAndRecv(cmd)
	return err
}

// CloseStream closes a stream with the given control-spec reason code.
func (c *Conn) CloseStream(streamID uint32, reason int) error {
	_, err := c.sendAndRecv(fmt.Sprintf("CLOSESTREAM %d %d", streamID, reason))
	return err
}

// CloseCircuit closes a circuit. ifUnused requests Tor only tear it down
// once no streams remain attached.
func (c *Conn) CloseCircuit(circID uint32, ifUnused bool) error {
	cmd := fmt.Sprintf("CLOSECIRCUIT %d", circID)
	if ifUnused {
		cmd += " IfUnused"
	}
	_, err := c.sendAndRecv(cmd)
	return err
}

// Resolve launches an asynchronous hostname (or reverse-IP) lookup; the
// result arrives later as an ADDRMAP event.
func (c *Conn) Resolve(host string, reverse bool) error {
	cmd := "RESOLVE " + host
	if reverse {
		cmd = "RESOLVE mode=reverse " + host
	}
	_, err := c.sendAndRecv(cmd)
	return err
}

// PostDescriptor uploads a router descriptor to the Tor process's local
// cache, using the dot-stuffed data-command form.
func (c *Conn) PostDescriptor(desc string) error {
	_, err := c.sendDataAndRecv("+POSTDESCRIPTOR", desc)
	return err
}

// GetNetworkStatus fetches and parses the consensus fragment for who
// ("all", "id/<idhex>", "name/<nickname>", ...), mirroring
// Connection.get_network_status.
func (c *Conn) GetNetworkStatus(who string) ([]router.NetworkStatus, error) {
	reply, err := c.sendAndRecv("GETINFO ns/" + who)
	if err != nil {
		return nil, err
	}
	if len(reply.Lines) == 0 {
		return nil, errors.ProtocolError("empty ns reply", nil)
	}
	return router.ParseNetworkStatusBody(reply.Lines[0].Data)
}

// GetRouter fetches and parses the descriptor for the router named by ns,
// mirroring Connection.get_router.
func (c *Conn) GetRouter(ns router.NetworkStatus) (*router.Router, error) {
	reply, err := c.sendAndRecv("GETINFO desc/id/" + ns.IDHex)
	if err != nil {
		return nil, err
	}
	if len(reply.Lines) == 0 {
		return nil, errors.ProtocolError("empty descriptor reply", nil)
	}
	descLines := strings.Split(reply.Lines[0].Data, "\n")
	return router.BuildFromDesc(descLines, ns, c.log)
}

// ReadRouters resolves a descriptor for every entry in nslist, mirroring
// Connection.read_routers: a bad-key error (the relay vanished between
// the consensus fetch and the descriptor fetch) is skipped rather than
// failing the whole batch; it is logged at WARN level when the relay still
// carried the Running flag, and skipped silently otherwise.
func (c *Conn) ReadRouters(nslist []router.NetworkStatus) []*router.Router {
	var out []*router.Router
	for _, ns := range nslist {
		r, err := c.GetRouter(ns)
		if err != nil {
			if hasFlag(ns.Flags, "Running") {
				c.log.Warn("running router has no descriptor", "nickname", ns.Nickname, "idhex", ns.IDHex, "error", err)
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func quoteIfNeeded(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"") {
		return strconv.Quote(v)
	}
	return v
}
