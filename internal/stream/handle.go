package stream

import (
	"sync"
	"time"
)

// validTransitions encodes the one-directional handle state machine.
// Terminal states have no outgoing edges; no state is ever revisited.
var validTransitions = map[State][]State{
	StateStarting: {StateRunning, StateDraining, StateFailed},
	StateRunning:  {StateDraining, StateFailed},
	StateDraining: {StateStopped, StateFailed},
}

// Handle is the registry record of one active transcoding session. All
// mutation goes through Registry and Supervisor; other components only
// read from it.
type Handle struct {
	key   StreamKey
	relay *Relay

	// ready is closed once the handle leaves Starting: either the first
	// output bytes arrived (Running) or the start failed.
	ready     chan struct{}
	readyOnce sync.Once

	mu           sync.Mutex
	proc         Process
	state        State
	consumers    int
	createdAt    time.Time
	lastActivity time.Time
	startErr     error
}

func newHandle(key StreamKey, bufSize int) *Handle {
	now := time.Now()
	return &Handle{
		key:          key,
		relay:        NewRelay(bufSize),
		ready:        make(chan struct{}),
		state:        StateStarting,
		createdAt:    now,
		lastActivity: now,
	}
}

// Key returns the stream key the handle was created for.
func (h *Handle) Key() StreamKey { return h.key }

// Relay returns the handle's output relay.
func (h *Handle) Relay() *Relay { return h.relay }

// Ready is closed once startup has concluded; check StartErr afterwards.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// StartErr reports the startup failure, if any, after Ready is closed.
func (h *Handle) StartErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startErr
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Consumers returns the current consumer count.
func (h *Handle) Consumers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consumers
}

// Process returns the backing subprocess, or nil while spawning.
func (h *Handle) Process() Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

// Info returns a point-in-time snapshot of the handle.
func (h *Handle) Info() StreamInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return StreamInfo{
		ID:             h.key.ID(),
		Source:         h.key.Source,
		Profile:        h.key.Profile,
		State:          h.state.String(),
		Consumers:      h.consumers,
		CreatedAt:      h.createdAt,
		LastActivityAt: h.lastActivity,
	}
}

func (h *Handle) setProcess(p Process) {
	h.mu.Lock()
	h.proc = p
	h.mu.Unlock()
}

func (h *Handle) setStartErr(err error) {
	h.mu.Lock()
	h.startErr = err
	h.mu.Unlock()
}

// touch stamps lastActivity; called on attach, detach, and relay-empty.
func (h *Handle) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

// transition moves the handle to the given state if the state machine
// permits it.
func (h *Handle) transition(to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, next := range validTransitions[h.state] {
		if next == to {
			h.state = to
			return true
		}
	}
	return false
}

// tryJoin counts a new consumer if the handle still accepts them.
func (h *Handle) tryJoin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateStarting && h.state != StateRunning {
		return ErrStreamDraining
	}
	h.consumers++
	h.lastActivity = time.Now()
	return nil
}

// leave drops one consumer. The count never goes negative; an unbalanced
// release is reported via the ok return instead.
func (h *Handle) leave() (remaining int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now()
	if h.consumers == 0 {
		return 0, false
	}
	h.consumers--
	return h.consumers, true
}

// failStarting moves Starting to Failed; a handle that already reached
// Running is left for the supervisor to reap.
func (h *Handle) failStarting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateStarting {
		return false
	}
	h.state = StateFailed
	return true
}

// beginDrainIfIdle transitions Running to Draining only when the handle
// has had zero consumers for longer than grace. The check and the
// transition are atomic, so a concurrent join is never stranded on a
// draining handle.
func (h *Handle) beginDrainIfIdle(grace time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateRunning || h.consumers > 0 {
		return false
	}
	if time.Since(h.lastActivity) <= grace {
		return false
	}
	h.state = StateDraining
	return true
}

// beginDrain unconditionally moves a live handle towards teardown; used
// at shutdown. Returns the state the handle was in before draining.
func (h *Handle) beginDrain() (prev State, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateStarting && h.state != StateRunning {
		return h.state, false
	}
	prev = h.state
	h.state = StateDraining
	return prev, true
}

func (h *Handle) closeReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}
