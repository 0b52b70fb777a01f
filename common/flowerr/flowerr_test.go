package flowerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", New(KindNotFound, "instance missing"), KindNotFound},
		{"wrapped once", fmt.Errorf("load status: %w", New(KindIllegalState, "already paused")), KindIllegalState},
		{"wrapped twice", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", New(KindTimeout, "agent call"))), KindTimeout},
		{"plain error", errors.New("boom"), KindInternal},
		{"nil cause wrap", Wrap(KindExternal, errors.New("dial tcp"), "agent unreachable"), KindExternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("Expected kind %s, got %s", tt.want, got)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindExternal, errors.New("connection refused"), "agent call failed")
	want := "agent call failed: connection refused"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}

	bare := Newf(KindNotFound, "task %s not found", "t-1")
	if bare.Error() != "task t-1 not found" {
		t.Errorf("Expected formatted message, got %q", bare.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("row scan failed")
	err := Wrap(KindInternal, cause, "get instance")
	if !errors.Is(err, cause) {
		t.Errorf("Expected errors.Is to find the cause through Unwrap")
	}
}

func TestKindPredicates(t *testing.T) {
	if !IsNotFound(New(KindNotFound, "x")) {
		t.Errorf("IsNotFound should match KindNotFound")
	}
	if IsNotFound(New(KindCancelled, "x")) {
		t.Errorf("IsNotFound should not match KindCancelled")
	}
	if !IsCycleDetected(fmt.Errorf("register: %w", New(KindCycleDetected, "A->B->A"))) {
		t.Errorf("IsCycleDetected should see through wrapping")
	}
	if !IsCapacityExceeded(New(KindCapacityExceeded, "full")) {
		t.Errorf("IsCapacityExceeded should match")
	}
	if !IsIllegalState(New(KindIllegalState, "terminal")) {
		t.Errorf("IsIllegalState should match")
	}
	if !IsTimeout(New(KindTimeout, "deadline")) {
		t.Errorf("IsTimeout should match")
	}
	if !IsExternal(New(KindExternal, "network")) {
		t.Errorf("IsExternal should match")
	}
	if !IsCancelled(New(KindCancelled, "stopped")) {
		t.Errorf("IsCancelled should match")
	}
}
