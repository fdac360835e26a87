package stream

import (
	"testing"
	"time"
)

func TestStreamKey_ID(t *testing.T) {
	a := StreamKey{Source: "rtp://cam1", Profile: "720p"}
	b := StreamKey{Source: "rtp://cam1", Profile: "720p"}
	c := StreamKey{Source: "rtp://cam1", Profile: "480p"}

	if a.ID() != b.ID() {
		t.Error("equal keys must produce equal IDs")
	}
	if a.ID() == c.ID() {
		t.Error("different profiles must produce different IDs")
	}
	if len(a.ID()) != 32 {
		t.Errorf("expected 32-char hex ID, got %q", a.ID())
	}
}

func TestHandle_transitions(t *testing.T) {
	cases := []struct {
		name string
		path []State
		ok   bool
	}{
		{"normal_lifecycle", []State{StateRunning, StateDraining, StateStopped}, true},
		{"start_failure", []State{StateFailed}, true},
		{"running_failure", []State{StateRunning, StateFailed}, true},
		{"shutdown_while_starting", []State{StateDraining, StateStopped}, true},
		{"skip_to_stopped", []State{StateStopped}, false},
		{"revisit_running", []State{StateRunning, StateDraining, StateRunning}, false},
		{"terminal_is_final", []State{StateRunning, StateFailed, StateDraining}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHandle(StreamKey{Source: "s", Profile: "copy"}, 1)
			ok := true
			for _, next := range tc.path {
				ok = h.transition(next)
				if !ok {
					break
				}
			}
			if ok != tc.ok {
				t.Errorf("path %v: ok=%v, want %v", tc.path, ok, tc.ok)
			}
		})
	}
}

func TestHandle_join_and_leave(t *testing.T) {
	h := newHandle(StreamKey{Source: "s", Profile: "copy"}, 1)

	if err := h.tryJoin(); err != nil {
		t.Fatalf("join starting handle: %v", err)
	}
	h.transition(StateRunning)
	if err := h.tryJoin(); err != nil {
		t.Fatalf("join running handle: %v", err)
	}
	if got := h.Consumers(); got != 2 {
		t.Fatalf("expected 2 consumers, got %d", got)
	}

	if n, ok := h.leave(); !ok || n != 1 {
		t.Errorf("leave: n=%d ok=%v", n, ok)
	}
	if n, ok := h.leave(); !ok || n != 0 {
		t.Errorf("leave: n=%d ok=%v", n, ok)
	}
	if n, ok := h.leave(); ok || n != 0 {
		t.Errorf("unbalanced leave must clamp at zero: n=%d ok=%v", n, ok)
	}
}

func TestHandle_rejects_join_while_draining(t *testing.T) {
	h := newHandle(StreamKey{Source: "s", Profile: "copy"}, 1)
	h.transition(StateRunning)
	h.transition(StateDraining)

	if err := h.tryJoin(); err != ErrStreamDraining {
		t.Errorf("expected ErrStreamDraining, got %v", err)
	}
}

func TestHandle_beginDrainIfIdle(t *testing.T) {
	h := newHandle(StreamKey{Source: "s", Profile: "copy"}, 1)
	h.transition(StateRunning)

	// Recent activity keeps the handle alive.
	h.touch()
	if h.beginDrainIfIdle(time.Hour) {
		t.Error("drained despite recent activity")
	}

	// A consumer keeps it alive regardless of timestamps.
	_ = h.tryJoin()
	if h.beginDrainIfIdle(0) {
		t.Error("drained despite a live consumer")
	}
	h.leave()

	time.Sleep(5 * time.Millisecond)
	if !h.beginDrainIfIdle(time.Millisecond) {
		t.Error("expected idle handle to drain")
	}
	if h.State() != StateDraining {
		t.Errorf("expected draining, got %s", h.State())
	}
}
