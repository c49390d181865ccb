package eventloop

import (
	"testing"
)

func TestLoopState_String(t *testing.T) {
	for state, want := range map[LoopState]string{
		StateAwake:       "Awake",
		StateRunning:     "Running",
		StateSleeping:    "Sleeping",
		StateTerminating: "Terminating",
		StateTerminated:  "Terminated",
		LoopState(99):    "Unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d: got %q, want %q", uint64(state), got, want)
		}
	}
}

func TestFastState_TryTransition(t *testing.T) {
	s := newFastState()
	if s.Load() != StateAwake {
		t.Fatalf("initial state = %s", s.Load())
	}
	if s.TryTransition(StateRunning, StateSleeping) {
		t.Error("transition from the wrong state succeeded")
	}
	if !s.TryTransition(StateAwake, StateRunning) {
		t.Error("transition failed")
	}
	if !s.IsRunning() {
		t.Error("expected running")
	}
	s.Store(StateTerminated)
	if s.IsRunning() || s.Load() != StateTerminated {
		t.Errorf("state = %s", s.Load())
	}
}
