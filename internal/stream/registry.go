package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"transcode-gateway/internal/platform/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxStreams     = 8
	DefaultStartTimeout   = 10 * time.Second
	DefaultStopTimeout    = 5 * time.Second
	DefaultConsumerBuffer = 64
)

// exitReadinessGrace bounds the wait for a readiness signal racing a
// process exit.
const exitReadinessGrace = 100 * time.Millisecond

// Config bounds the registry's resource use.
type Config struct {
	// MaxStreams caps concurrently live (starting or running) streams.
	MaxStreams int
	// StartTimeout bounds the wait for a new process's first output.
	StartTimeout time.Duration
	// StopTimeout bounds each phase of a two-phase process stop.
	StopTimeout time.Duration
	// ConsumerBuffer is the per-consumer chunk buffer size.
	ConsumerBuffer int
}

func (c Config) withDefaults() Config {
	if c.MaxStreams <= 0 {
		c.MaxStreams = DefaultMaxStreams
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.ConsumerBuffer <= 0 {
		c.ConsumerBuffer = DefaultConsumerBuffer
	}
	return c
}

// Registry is the process-wide mapping from stream key to handle. It owns
// creation, deduplication, and removal of streams under concurrent
// access: at most one transcoding process is ever started per key.
type Registry struct {
	mu      sync.Mutex
	store   Store
	runner  Runner
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics // may be nil
}

// NewRegistry constructs a registry with a default in-memory store.
// metrics may be nil to disable metric recording (e.g. in tests).
func NewRegistry(runner Runner, cfg Config, log *slog.Logger, m *metrics.Metrics) *Registry {
	return NewRegistryWithStore(runner, cfg, log, m, NewInMemoryStore())
}

// NewRegistryWithStore constructs a registry backed by the given Store.
func NewRegistryWithStore(runner Runner, cfg Config, log *slog.Logger, m *metrics.Metrics, store Store) *Registry {
	return &Registry{
		store:   store,
		runner:  runner,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: m,
	}
}

// Acquire returns the handle for key with a freshly attached consumer,
// starting a transcoding process if none exists. Lookup-or-create is a
// single critical section: a missing key inserts a Starting placeholder
// before the slow spawn, so simultaneous first requests for the same key
// wait on the in-flight handle instead of double-spawning. The wait for
// readiness is bounded by the configured start timeout and by ctx.
//
// Every successful Acquire must be balanced by exactly one Release, on
// every exit path including cancellation.
func (r *Registry) Acquire(ctx context.Context, key StreamKey) (*Handle, *Consumer, error) {
	id := key.ID()

	r.mu.Lock()
	if h, ok := r.store.Get(id); ok {
		if err := h.tryJoin(); err != nil {
			r.mu.Unlock()
			return nil, nil, err
		}
		r.mu.Unlock()
		return r.await(ctx, h)
	}

	if r.liveCountLocked() >= r.cfg.MaxStreams {
		r.mu.Unlock()
		return nil, nil, ErrCapacity
	}

	h := newHandle(key, r.cfg.ConsumerBuffer)
	_ = h.tryJoin() // counts the creating caller
	h.relay.onFirstData = func() { r.markRunning(h) }
	h.relay.onEmpty = h.touch
	r.store.Set(h)
	r.mu.Unlock()

	r.log.Info("starting stream",
		slog.String("source", key.Source),
		slog.String("profile", key.Profile),
		slog.String("stream_id", id))
	if r.metrics != nil {
		r.metrics.IncStreamStarts()
	}

	go r.spawn(h)
	return r.await(ctx, h)
}

// await attaches a consumer and blocks until the handle concluded its
// startup or ctx is cancelled. Attaching before readiness means no
// transcoded bytes produced during the wait are lost.
func (r *Registry) await(ctx context.Context, h *Handle) (*Handle, *Consumer, error) {
	c := h.relay.Attach()
	select {
	case <-h.Ready():
		if err := h.StartErr(); err != nil {
			h.relay.Detach(c)
			h.leave()
			return nil, nil, err
		}
		return h, c, nil
	case <-ctx.Done():
		h.relay.Detach(c)
		h.leave()
		return nil, nil, ctx.Err()
	}
}

// Release drops one consumer from the handle it was acquired on and
// detaches it from that handle's relay. The binding is to the handle,
// not the key: a release arriving after its stream was reaped and a
// replacement spawned under the same key must decrement its own
// generation, never the replacement's. Safe to call on an already
// removed handle; the detach is then a no-op.
func (r *Registry) Release(h *Handle, c *Consumer) {
	if h == nil {
		return
	}
	if _, balanced := h.leave(); !balanced {
		r.log.Error("unbalanced release", slog.String("source", h.Key().Source))
	}
	if c != nil {
		h.relay.Detach(c)
	}
}

// Remove deletes the entry for key. Intended for the supervisor; removal
// of a handle with live consumers is rejected with ErrHandleBusy.
func (r *Registry) Remove(key StreamKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.store.Get(key.ID())
	if !ok {
		return nil
	}
	if h.Consumers() > 0 && !h.State().Terminal() {
		return ErrHandleBusy
	}
	r.store.Delete(key.ID())
	return nil
}

// Snapshot returns a point-in-time view of every registry entry.
func (r *Registry) Snapshot() []StreamInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.store.List()
	out := make([]StreamInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	return out
}

// ActiveStreamCount returns the number of non-terminal entries. Used for
// metrics.
func (r *Registry) ActiveStreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.store.List() {
		if !h.State().Terminal() {
			n++
		}
	}
	return n
}

// ConsumerCount returns the total number of attached consumers. Used for
// metrics.
func (r *Registry) ConsumerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.store.List() {
		n += h.Consumers()
	}
	return n
}

// Shutdown stops every live stream, graceful then forceful, in parallel.
// Called once at process termination; no stream may outlive the host.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	handles := r.store.List()
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			prev, ok := h.beginDrain()
			if !ok {
				return nil
			}
			if prev == StateStarting {
				h.setStartErr(&StartError{Key: h.Key(), Err: errors.New("server shutting down")})
			}
			h.closeReady()
			if p := h.Process(); p != nil {
				if err := p.Stop(true, r.cfg.StopTimeout); err != nil {
					r.log.Error("stop stream", slog.String("source", h.Key().Source), slog.String("error", err.Error()))
				}
			}
			h.relay.CloseWithError(ErrProcessExited)
			r.finalize(h, StateStopped)
			return nil
		})
	}
	return g.Wait()
}

// handles returns the current handle set for the supervisor's scan.
func (r *Registry) handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.List()
}

// finalize applies a terminal transition and removes the entry in one
// critical section, so no snapshot ever observes a terminal handle.
func (r *Registry) finalize(h *Handle, to State) {
	r.mu.Lock()
	if h.transition(to) {
		r.store.Delete(h.Key().ID())
	}
	r.mu.Unlock()
}

// liveCountLocked counts starting and running handles; caller holds r.mu.
func (r *Registry) liveCountLocked() int {
	n := 0
	for _, h := range r.store.List() {
		switch h.State() {
		case StateStarting, StateRunning:
			n++
		}
	}
	return n
}

// spawn starts the subprocess for h and waits, bounded, for its first
// output. Runs outside the registry lock; concurrent acquirers for other
// keys are unaffected.
func (r *Registry) spawn(h *Handle) {
	proc, err := r.runner.Start(InputSpec{Source: h.Key().Source, Profile: h.Key().Profile})
	if err != nil {
		r.failStart(h, err)
		return
	}
	h.setProcess(proc)
	go h.relay.Run(proc.Output())

	select {
	case <-h.Ready():
		// Readiness raced with shutdown for a Starting handle; reap the
		// process rather than orphan it.
		if h.StartErr() != nil {
			_ = proc.Stop(false, r.cfg.StopTimeout)
		}
	case <-proc.Done():
		// An in-flight first chunk may still be marking the handle
		// Running; give that precedence before declaring a failed start.
		select {
		case <-h.Ready():
			// Produced output and exited; the supervisor reaps it.
		case <-time.After(exitReadinessGrace):
			code, _ := proc.ExitCode()
			r.failStart(h, fmt.Errorf("transcoder exited before producing output (exit code %d)", code))
		}
	case <-time.After(r.cfg.StartTimeout):
		_ = proc.Stop(false, r.cfg.StopTimeout)
		r.failStart(h, fmt.Errorf("no output within %s", r.cfg.StartTimeout))
	}
}

// markRunning is the relay's first-data callback.
func (r *Registry) markRunning(h *Handle) {
	if !h.transition(StateRunning) {
		return
	}
	h.closeReady()
	r.log.Info("stream running",
		slog.String("source", h.Key().Source),
		slog.String("stream_id", h.Key().ID()))
}

// failStart concludes a failed startup: the handle turns Failed and is
// removed atomically, waiters receive a StartError, and any attached
// consumers are closed. No entry survives a failed start.
func (r *Registry) failStart(h *Handle, cause error) {
	serr := &StartError{Key: h.Key(), Err: cause}

	r.mu.Lock()
	ok := h.failStarting()
	if ok {
		r.store.Delete(h.Key().ID())
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	h.setStartErr(serr)
	h.relay.CloseWithError(serr)
	h.closeReady()

	r.log.Warn("stream start failed",
		slog.String("source", h.Key().Source),
		slog.String("error", cause.Error()))
	if r.metrics != nil {
		r.metrics.IncStartFailures()
	}
}
