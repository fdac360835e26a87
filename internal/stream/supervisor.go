package stream

import (
	"context"
	"log/slog"
	"time"

	"transcode-gateway/internal/platform/metrics"
)

// Defaults for the supervisor's timing knobs.
const (
	DefaultScanInterval = 5 * time.Second
	DefaultIdleGrace    = 60 * time.Second
)

// Supervisor is the background lifecycle policy: it periodically scans
// the registry, reaps streams whose process died on its own, and tears
// down streams that have had no consumers for longer than the idle grace
// period. Teardown policy lives here and nowhere else.
type Supervisor struct {
	registry  *Registry
	interval  time.Duration
	idleGrace time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics // may be nil
}

// NewSupervisor returns a supervisor for the given registry. Zero
// interval or grace values fall back to defaults; metrics may be nil.
func NewSupervisor(registry *Registry, interval, idleGrace time.Duration, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	if idleGrace <= 0 {
		idleGrace = DefaultIdleGrace
	}
	return &Supervisor{
		registry:  registry,
		interval:  interval,
		idleGrace: idleGrace,
		log:       log,
		metrics:   m,
	}
}

// Run scans on a fixed interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Scan()
		}
	}
}

// Scan performs one pass over the registry. Exported so tests and the
// shutdown path can drive it without the ticker.
func (s *Supervisor) Scan() {
	for _, h := range s.registry.handles() {
		if s.reapDead(h) {
			continue
		}
		s.reapIdle(h)
	}
}

// reapDead removes handles whose process exited independently (crash,
// source ended). Attached consumers observe the disconnect through the
// relay; the handle turns Stopped or Failed depending on the exit code.
func (s *Supervisor) reapDead(h *Handle) bool {
	p := h.Process()
	if p == nil || p.Alive() {
		return false
	}
	switch h.State() {
	case StateStarting:
		// Startup failures are concluded by the spawn goroutine.
		return false
	case StateDraining, StateStopped, StateFailed:
		return false
	}

	h.relay.CloseWithError(ErrProcessExited)

	code, _ := p.ExitCode()
	to := StateFailed
	if code == 0 {
		if _, ok := h.beginDrain(); ok {
			to = StateStopped
		}
	}
	s.registry.finalize(h, to)

	s.log.Info("reaped dead stream",
		slog.String("source", h.Key().Source),
		slog.Int("exit_code", code),
		slog.String("state", to.String()))
	if s.metrics != nil {
		s.metrics.IncStreamsReaped()
	}
	return true
}

// reapIdle tears down streams with zero consumers past the grace period.
// The idle check and the Draining transition are atomic, so a concurrent
// acquire either joins before the drain or gets a fresh stream after
// removal.
func (s *Supervisor) reapIdle(h *Handle) bool {
	if !h.beginDrainIfIdle(s.idleGrace) {
		return false
	}

	if p := h.Process(); p != nil {
		if err := p.Stop(true, s.registry.cfg.StopTimeout); err != nil {
			// Stop already escalated to a forceful kill; this is a leak
			// candidate and must be visible.
			s.log.Error("stop idle stream",
				slog.String("source", h.Key().Source),
				slog.String("error", err.Error()))
		}
	}
	s.registry.finalize(h, StateStopped)

	s.log.Info("reaped idle stream",
		slog.String("source", h.Key().Source),
		slog.String("stream_id", h.Key().ID()))
	if s.metrics != nil {
		s.metrics.IncStreamsReaped()
	}
	return true
}
