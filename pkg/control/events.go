package control

import (
	"strconv"
	"strings"

	"github.com/opd-ai/pathctl/pkg/errors"
	"github.com/opd-ai/pathctl/pkg/router"
)

// EventType names an asynchronous ("6xx") control-port event class.
type EventType string

const (
	EventCirc      EventType = "CIRC"
	EventStream    EventType = "STREAM"
	EventStreamBW  EventType = "STREAM_BW"
	EventORConn    EventType = "ORCONN"
	EventBW        EventType = "BW"
	EventNewDesc   EventType = "NEWDESC"
	EventAddrMap   EventType = "ADDRMAP"
	EventNS        EventType = "NS"
	EventDebug     EventType = "DEBUG"
	EventInfo      EventType = "INFO"
	EventNotice    EventType = "NOTICE"
	EventWarn      EventType = "WARN"
	EventErr       EventType = "ERR"
	EventUnknown   EventType = "UNKNOWN"
)

// Event is the common interface satisfied by every decoded event payload.
type Event interface {
	Type() EventType
}

// CircuitEvent is a "650 CIRC" event.
type CircuitEvent struct {
	CircID uint32
	Status string // LAUNCHED, BUILT, EXTENDED, FAILED, CLOSED
	Path   []string
	Reason string
	Remote string
}

func (e *CircuitEvent) Type() EventType { return EventCirc }

// StreamEvent is a "650 STREAM" event.
type StreamEvent struct {
	StreamID   uint32
	Status     string // NEW, NEWRESOLVE, REMAP, SENTCONNECT, SENTRESOLVE, SUCCEEDED, FAILED, CLOSED, DETACHED
	CircID     uint32
	TargetHost string
	TargetPort int
	Reason     string
	Remote     string
	Source     string
	SourceAddr string
}

func (e *StreamEvent) Type() EventType { return EventStream }

// StreamBwEvent is a "650 STREAM_BW" event.
type StreamBwEvent struct {
	StreamID uint32
	Read     uint64
	Written  uint64
}

func (e *StreamBwEvent) Type() EventType { return EventStreamBW }

// ORConnEvent is a "650 ORCONN" event.
type ORConnEvent struct {
	Target string
	Status string
	Age    int
	Read   uint64
	Wrote  uint64
	Reason string
	NCircs int
}

func (e *ORConnEvent) Type() EventType { return EventORConn }

// BWEvent is a "650 BW" event.
type BWEvent struct {
	Read    uint64
	Written uint64
}

func (e *BWEvent) Type() EventType { return EventBW }

// LogEvent is a "650 DEBUG|INFO|NOTICE|WARN|ERR" event.
type LogEvent struct {
	Level   EventType
	Message string
}

func (e *LogEvent) Type() EventType { return e.Level }

// NewDescEvent is a "650 NEWDESC" event.
type NewDescEvent struct {
	IDs []string
}

func (e *NewDescEvent) Type() EventType { return EventNewDesc }

// AddrMapEvent is a "650 ADDRMAP" event.
type AddrMapEvent struct {
	From string
	To   string
	When string // raw expiry text, "NEVER" or a quoted timestamp
}

func (e *AddrMapEvent) Type() EventType { return EventAddrMap }

// NetworkStatusEvent is a "650 NS" event, carrying a consensus fragment.
type NetworkStatusEvent struct {
	Entries []router.NetworkStatus
}

func (e *NetworkStatusEvent) Type() EventType { return EventNS }

// UnknownEvent is any event type this client doesn't recognize.
type UnknownEvent struct {
	Name string
	Body string
}

func (e *UnknownEvent) Type() EventType { return EventUnknown }

// decodeEvent turns one parsed event reply line into a typed Event,
// mirroring TorCtl.py's EventHandler._decode1.
func decodeEvent(text, data string) (Event, error) {
	evtype := text
	body := ""
	if i := strings.IndexByte(text, ' '); i >= 0 {
		evtype, body = text[:i], text[i+1:]
	}
	evtype = strings.ToUpper(evtype)

	switch evtype {
	case "CIRC":
		return decodeCircEvent(body)
	case "STREAM":
		return decodeStreamEvent(body)
	case "ORCONN":
		return decodeORConnEvent(body)
	case "STREAM_BW":
		return decodeStreamBwEvent(body)
	case "BW":
		return decodeBWEvent(body)
	case "DEBUG", "INFO", "NOTICE", "WARN", "ERR":
		return &LogEvent{Level: EventType(evtype), Message: body}, nil
	case "NEWDESC":
		return &NewDescEvent{IDs: strings.Fields(body)}, nil
	case "ADDRMAP":
		return decodeAddrMapEvent(body)
	case "NS":
		entries, err := router.ParseNetworkStatusBody(data)
		if err != nil {
			return nil, err
		}
		return &NetworkStatusEvent{Entries: entries}, nil
	default:
		return &UnknownEvent{Name: evtype, Body: body}, nil
	}
}

func decodeCircEvent(body string) (Event, error) {
	fields := strings.Fields(body)
	if len(fields) < 2 {
		return nil, errors.ProtocolError("CIRC event misformatted", nil)
	}
	id, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, errors.ProtocolError("CIRC event misformatted", err)
	}
	ev := &CircuitEvent{CircID: uint32(id), Status: fields[1]}
	for _, f := range fields[2:] {
		switch {
		case strings.HasPrefix(f, "REASON="):
			ev.Reason = strings.TrimPrefix(f, "REASON=")
		case strings.HasPrefix(f, "REMOTE_REASON="):
			ev.Remote = strings.TrimPrefix(f, "REMOTE_REASON=")
		case strings.Contains(f, ","), strings.HasPrefix(f, "$"):
			ev.Path = strings.Split(f, ",")
		}
	}
	return ev, nil
}

func decodeStreamEvent(body string) (Event, error) {
	fields := strings.Fields(body)
	if len(fields) < 4 {
		return nil, errors.ProtocolError("STREAM event misformatted", nil)
	}
	id, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, errors.ProtocolError("STREAM event misformatted", err)
	}
	circ, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, errors.ProtocolError("STREAM event misformatted", err)
	}
	host, portStr, ok := strings.Cut(fields[3], ":")
	if !ok {
		return nil, errors.ProtocolError("STREAM event misformatted", nil)
	}
	port, _ := strconv.Atoi(portStr)

	ev := &StreamEvent{
		StreamID:   uint32(id),
		Status:     fields[1],
		CircID:     uint32(circ),
		TargetHost: host,
		TargetPort: port,
	}
	for _, f := range fields[4:] {
		switch {
		case strings.HasPrefix(f, "REASON="):
			ev.Reason = strings.TrimPrefix(f, "REASON=")
		case strings.HasPrefix(f, "REMOTE_REASON="):
			ev.Remote = strings.TrimPrefix(f, "REMOTE_REASON=")
		case strings.HasPrefix(f, "SOURCE_ADDR="):
			ev.SourceAddr = strings.TrimPrefix(f, "SOURCE_ADDR=")
		case strings.HasPrefix(f, "SOURCE="):
			ev.Source = strings.TrimPrefix(f, "SOURCE=")
		}
	}
	return ev, nil
}

func decodeORConnEvent(body string) (Event, error) {
	fields := strings.Fields(body)
	if len(fields) < 2 {
		return nil, errors.ProtocolError("ORCONN event misformatted", nil)
	}
	ev := &ORConnEvent{Target: fields[0], Status: fields[1]}
	for _, f := range fields[2:] {
		switch {
		case strings.HasPrefix(f, "AGE="):
			ev.Age, _ = strconv.Atoi(strings.TrimPrefix(f, "AGE="))
		case strings.HasPrefix(f, "READ="):
			v, _ := strconv.ParseUint(strings.TrimPrefix(f, "READ="), 10, 64)
			ev.Read = v
		case strings.HasPrefix(f, "WRITTEN="):
			v, _ := strconv.ParseUint(strings.TrimPrefix(f, "WRITTEN="), 10, 64)
			ev.Wrote = v
		case strings.HasPrefix(f, "REASON="):
			ev.Reason = strings.TrimPrefix(f, "REASON=")
		case strings.HasPrefix(f, "NCIRCS="):
			ev.NCircs, _ = strconv.Atoi(strings.TrimPrefix(f, "NCIRCS="))
		}
	}
	return ev, nil
}

func decodeStreamBwEvent(body string) (Event, error) {
	fields := strings.Fields(body)
	if len(fields) < 3 {
		return nil, errors.ProtocolError("STREAM_BW event misformatted", nil)
	}
	id, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, errors.ProtocolError("STREAM_BW event misformatted", err)
	}
	read, _ := strconv.ParseUint(fields[1], 10, 64)
	written, _ := strconv.ParseUint(fields[2], 10, 64)
	return &StreamBwEvent{StreamID: uint32(id), Read: read, Written: written}, nil
}

func decodeBWEvent(body string) (Event, error) {
	fields := strings.Fields(body)
	if len(fields) < 2 {
		return nil, errors.ProtocolError("BW event misformatted", nil)
	}
	read, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, errors.ProtocolError("BW event misformatted", err)
	}
	written, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, errors.ProtocolError("BW event misformatted", err)
	}
	return &BWEvent{Read: read, Written: written}, nil
}

func decodeAddrMapEvent(body string) (Event, error) {
	fields := strings.Fields(body)
	if len(fields) < 3 {
		return nil, errors.ProtocolError("ADDRMAP event misformatted", nil)
	}
	return &AddrMapEvent{From: fields[0], To: fields[1], When: strings.Join(fields[2:], " ")}, nil
}

// Handler receives decoded events from a Conn's dispatch loop. Implementations
// must not block — a slow handler stalls every other subscriber's delivery.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(e Event) { f(e) }
