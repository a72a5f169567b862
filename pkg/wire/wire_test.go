package wire

import (
	"strings"
	"testing"
)

func TestReadReplySingleLine(t *testing.T) {
	r := NewReader(strings.NewReader("250 OK\r\n"))
	reply, err := r.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if reply.Code() != 250 {
		t.Errorf("Code() = %d, want 250", reply.Code())
	}
	if len(reply.Lines) != 1 || reply.Lines[0].Text != "OK" {
		t.Errorf("Lines = %+v", reply.Lines)
	}
	if reply.IsEvent {
		t.Error("IsEvent should be false for 250")
	}
}

func TestReadReplyMultiLine(t *testing.T) {
	raw := "250-version=0.4.8.1\r\n250-foo=bar\r\n250 OK\r\n"
	r := NewReader(strings.NewReader(raw))
	reply, err := r.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if len(reply.Lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(reply.Lines))
	}
	if reply.Lines[0].Sigil != SigilContinuation || reply.Lines[2].Sigil != SigilFinal {
		t.Errorf("sigils = %+v", reply.Lines)
	}
	if reply.Code() != 250 {
		t.Errorf("Code() = %d, want 250", reply.Code())
	}
}

func TestReadReplyDataLine(t *testing.T) {
	raw := "250+ns/all=\r\nr nick idhex base64 2026-01-01 000000 1.2.3.4 9001 0\r\n.\r\n250 OK\r\n"
	r := NewReader(strings.NewReader(raw))
	reply, err := r.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if len(reply.Lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(reply.Lines))
	}
	want := "r nick idhex base64 2026-01-01 000000 1.2.3.4 9001 0\n"
	if reply.Lines[0].Data != want {
		t.Errorf("Data = %q, want %q", reply.Lines[0].Data, want)
	}
}

func TestReadReplyDataLineEscapedDot(t *testing.T) {
	raw := "250+desc=\r\n..leading dot\r\nplain\r\n.\r\n250 OK\r\n"
	r := NewReader(strings.NewReader(raw))
	reply, err := r.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	want := ".leading dot\nplain\n"
	if reply.Lines[0].Data != want {
		t.Errorf("Data = %q, want %q", reply.Lines[0].Data, want)
	}
}

func TestReadReplyEventCode(t *testing.T) {
	r := NewReader(strings.NewReader("650 OK\r\n"))
	reply, err := r.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if !reply.IsEvent {
		t.Error("IsEvent should be true for 650")
	}
	if !reply.IsBenignEventOK() {
		t.Error("IsBenignEventOK should be true for lone 650 OK")
	}
}

func TestReadReplyEventWithBody(t *testing.T) {
	r := NewReader(strings.NewReader("650 CIRC 14 BUILT $AAAA,$BBBB PURPOSE=GENERAL\r\n"))
	reply, err := r.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if reply.IsBenignEventOK() {
		t.Error("IsBenignEventOK should be false when it carries a real event body")
	}
}

func TestReadReplyBadStatusCode(t *testing.T) {
	r := NewReader(strings.NewReader("abc OK\r\n"))
	if _, err := r.ReadReply(); err == nil {
		t.Error("expected error for non-numeric status code")
	}
}

func TestReadReplyTooShort(t *testing.T) {
	r := NewReader(strings.NewReader("25\r\n"))
	if _, err := r.ReadReply(); err == nil {
		t.Error("expected error for too-short line")
	}
}

func TestEscapeUnescapeDotsRoundTrip(t *testing.T) {
	body := "first line\n.dotted line\nlast line"
	escaped := EscapeDots(body)
	if !strings.HasSuffix(escaped, ".\r\n") {
		t.Errorf("escaped body should end with dot terminator, got %q", escaped)
	}
	if !strings.Contains(escaped, "..dotted line") {
		t.Errorf("leading dot should be doubled, got %q", escaped)
	}
}

func TestEncodeRequest(t *testing.T) {
	got := string(EncodeRequest("GETINFO version"))
	want := "GETINFO version\r\n"
	if got != want {
		t.Errorf("EncodeRequest() = %q, want %q", got, want)
	}
}

func TestEncodeDataRequest(t *testing.T) {
	got := string(EncodeDataRequest("+POSTDESCRIPTOR", "router foo\nbandwidth 1 2 3"))
	if !strings.HasPrefix(got, "+POSTDESCRIPTOR\r\n") {
		t.Errorf("EncodeDataRequest() missing command line: %q", got)
	}
	if !strings.HasSuffix(got, ".\r\n") {
		t.Errorf("EncodeDataRequest() missing dot terminator: %q", got)
	}
}
