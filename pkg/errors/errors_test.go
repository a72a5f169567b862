package errors

import (
	"errors"
	"testing"
)

func TestTorErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *TorError
		want string
	}{
		{"no underlying", New(CategoryPath, SeverityMedium, "no routers"), "[path:medium] no routers"},
		{
			"with underlying",
			Wrap(CategoryProtocol, SeverityHigh, "bad reply", errors.New("short line")),
			"[protocol:high] bad reply: short line",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(NoRoutersError("exhausted")) != true {
		t.Error("NoRoutersError should be retryable")
	}
	if IsRetryable(ProtocolError("bad line", nil)) != false {
		t.Error("ProtocolError should not be retryable")
	}
	if IsRetryable(errors.New("plain")) != false {
		t.Error("plain errors should not be retryable")
	}
}

func TestGetCategory(t *testing.T) {
	err := ReplyError(552, `Unrecognized key "foo"`)
	if GetCategory(err) != CategoryReply {
		t.Errorf("GetCategory() = %v, want %v", GetCategory(err), CategoryReply)
	}
	if GetCategory(errors.New("plain")) != CategoryInternal {
		t.Error("plain errors should default to CategoryInternal")
	}
}

func TestIsCategoryThroughWrap(t *testing.T) {
	base := ClosedError(errors.New("EOF"))
	wrapped := fmtWrap(base)
	if !IsCategory(wrapped, CategoryClosed) {
		t.Error("IsCategory should see through errors.Is chains via errors.As")
	}
}

// fmtWrap simulates a caller wrapping our error with the standard library's errors.Join.
func fmtWrap(err error) error {
	return errors.Join(err)
}

func TestWithContext(t *testing.T) {
	err := ReplyError(552, "bad key")
	if v, ok := err.Context["code"]; !ok || v != 552 {
		t.Errorf("Context[code] = %v, ok=%v", v, ok)
	}
}
