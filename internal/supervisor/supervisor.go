// Package supervisor launches the reconciler and peer workers as supervised
// goroutines, each wrapped in a run -> log+count -> sleep -> retry envelope,
// and exposes an immutable snapshot of worker handles for the liveness
// endpoint (spec.md §4.8, §9).
package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hexabase/pgconductor/internal/errs"
	"github.com/hexabase/pgconductor/internal/metrics"
	"go.uber.org/zap"
)

// retryDelay is the pause between retries of a failed worker loop.
const retryDelay = 1 * time.Second

// Handle reports whether a launched worker goroutine is still running.
type Handle struct {
	name  string
	alive atomic.Bool
}

// Name returns the worker's registered name.
func (h *Handle) Name() string { return h.name }

// Alive reports whether the worker's goroutine is currently running.
func (h *Handle) Alive() bool { return h.alive.Load() }

// Supervisor launches workers during a strictly-sequential startup phase.
// Once startup is complete, call Handles() once to obtain an immutable
// snapshot to hand to the HTTP server — there is no further mutation, and
// therefore no lock is needed around the handle list itself.
type Supervisor struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	handles []*Handle
}

// New builds a Supervisor.
func New(logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{logger: logger, metrics: m}
}

// Launch starts fn in a supervised goroutine under the given name. A
// connection-pool error from the queue is fatal for that worker's retry
// loop; any other error is logged, counted, and retried after a fixed
// delay, or until ctx is cancelled.
func (s *Supervisor) Launch(ctx context.Context, name string, fn func(ctx context.Context) error) *Handle {
	h := &Handle{name: name}
	h.alive.Store(true)
	s.handles = append(s.handles, h)

	go func() {
		defer h.alive.Store(false)

		for {
			err := fn(ctx)
			if err == nil {
				if ctx.Err() != nil {
					return
				}
			} else {
				s.metrics.ConductorErrors.Inc()
				s.logger.Error("worker exited with error", zap.String("worker", name), zap.Error(err))

				if errors.Is(err, errs.ErrConnectionPool) {
					s.logger.Error("fatal connection-pool error, not retrying", zap.String("worker", name))
					return
				}
			}

			s.logger.Warn("worker loop ended, retrying after delay", zap.String("worker", name), zap.Duration("delay", retryDelay))

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
		}
	}()

	return h
}

// Handles returns the immutable snapshot of worker handles launched so far.
// Call only after startup has finished launching all workers.
func (s *Supervisor) Handles() []*Handle {
	out := make([]*Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// AllAlive reports whether every handle in the snapshot is alive — the
// predicate backing GET /health.
func AllAlive(handles []*Handle) bool {
	for _, h := range handles {
		if !h.Alive() {
			return false
		}
	}
	return true
}
