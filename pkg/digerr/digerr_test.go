package digerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := New(CodeStoreNotFound, "store not present").WithStore("aabb")
	if got := e.Error(); got != "store-not-found: store not present (store aabb)" {
		t.Errorf("unexpected error string: %q", got)
	}

	p := New(CodeTimeout, "slow peer").WithPeer("peer1")
	if got := p.Error(); got != "timeout: slow peer (peer peer1)" {
		t.Errorf("unexpected error string: %q", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	e := Wrap(CodeStreamClosed, "stream died", cause)

	if !errors.Is(e, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	wrapped := fmt.Errorf("outer: %w", e)
	if Code(wrapped) != CodeStreamClosed {
		t.Errorf("Code through wrapping: got %q", Code(wrapped))
	}
	if !Is(wrapped, CodeStreamClosed) {
		t.Error("Is failed through wrapping")
	}
}

func TestRetryableDefaults(t *testing.T) {
	testCases := []struct {
		code string
		want bool
	}{
		{CodeTimeout, true},
		{CodeStreamClosed, true},
		{CodePeerNotConnected, true},
		{CodeInvalidRange, false},
		{CodeSizeMismatch, false},
		{CodeSessionUnknown, false},
		{CodeCancelled, false},
	}
	for _, tc := range testCases {
		t.Run(tc.code, func(t *testing.T) {
			if got := IsRetryable(New(tc.code, "x")); got != tc.want {
				t.Errorf("IsRetryable(%s) = %v, want %v", tc.code, got, tc.want)
			}
		})
	}

	// Plain errors are treated as retryable transients.
	if !IsRetryable(errors.New("boom")) {
		t.Error("plain error should be retryable")
	}
}

func TestFromWire(t *testing.T) {
	e := FromWire("store-not-found", "peerX")
	if e.Code != CodeStoreNotFound || e.PeerID != "peerX" {
		t.Errorf("FromWire known code: got %+v", e)
	}

	if FromWire("", "p").Code != CodeDecodeFailed {
		t.Error("empty wire code should map to decode-failed")
	}

	unknown := FromWire("exotic-failure", "p")
	if unknown.Code != CodeStreamClosed {
		t.Errorf("unknown wire code: got %q", unknown.Code)
	}
}

func TestStats(t *testing.T) {
	s := NewStats()
	s.Record(New(CodeTimeout, "a").WithPeer("p1"))
	s.Record(New(CodeTimeout, "b").WithPeer("p1"))
	s.Record(New(CodeIOError, "c"))
	s.Record(errors.New("raw"))

	if s.Total() != 4 {
		t.Errorf("Total: got %d, want 4", s.Total())
	}
	if s.ByCode[CodeTimeout] != 2 {
		t.Errorf("timeout count: got %d", s.ByCode[CodeTimeout])
	}
	if s.ByPeer["p1"] != 2 {
		t.Errorf("peer count: got %d", s.ByPeer["p1"])
	}
	if s.LastError == "" {
		t.Error("LastError not recorded")
	}
}
