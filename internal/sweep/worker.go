// Package sweep runs the scheduler's due-touch sweep on an interval.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/cadence/internal/sequence"
)

const DefaultInterval = time.Minute

// Runner executes due touches. Implemented by sequence.Scheduler.
type Runner interface {
	ExecuteDue(ctx context.Context, now time.Time, mode sequence.Mode) (sequence.Report, error)
}

// Worker sweeps due touches in live mode until its context is cancelled.
type Worker struct {
	runner   Runner
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last *sequence.Report
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to one minute.
func NewWorker(runner Runner, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		runner:   runner,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
}

// Run sweeps until ctx is cancelled. A sweep that executed touches is
// followed immediately by another; otherwise the worker waits one interval.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("sweep worker started", "interval", w.interval)
	for {
		if ctx.Err() != nil {
			w.logger.Info("sweep worker stopped")
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("sweep failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Info("sweep worker stopped")
			return
		case <-time.After(w.interval):
		}
	}
}

// RunOnce performs one live sweep. It returns true if any touch reached a
// terminal status.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	rep, err := w.runner.ExecuteDue(ctx, w.now(), sequence.ModeLive)
	if err != nil {
		return false, fmt.Errorf("executing due touches: %w", err)
	}

	w.mu.Lock()
	w.last = &rep
	w.mu.Unlock()

	st := rep.Stats
	return st.Sent+st.Ready+st.Notified+st.Failed > 0, nil
}

// Last returns the most recent sweep report, or nil before the first sweep.
func (w *Worker) Last() *sequence.Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
