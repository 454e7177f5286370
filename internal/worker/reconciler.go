package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qlido/BSM-Backend-V2/internal/config"
	"github.com/qlido/BSM-Backend-V2/internal/meister"
)

// Reconciler runs the daily whole-population refresh sweep. It is a single
// sequential worker: pacing between students is the backpressure protecting
// the fragile portal, so the sweep is never parallelized.
type Reconciler struct {
	engine  *meister.Engine
	store   meister.RecordStore
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewReconciler creates a new reconciliation worker
func NewReconciler(engine *meister.Engine, store meister.RecordStore, cfg *config.SyncConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		engine: engine,
		store:  store,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background reconciliation schedule
func (w *Reconciler) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("reconciler started", "run_at", w.config.RunAt, "pace_delay", w.config.PaceDelay)

	go w.run(ctx)
	return nil
}

// Stop stops the background reconciliation schedule. A sweep in progress
// exits after the current student; there is no resumption.
func (w *Reconciler) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("reconciler stopped")
	return nil
}

// run is the main worker loop: sleep until the configured wall-clock time,
// sweep, repeat.
func (w *Reconciler) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		wait, err := untilNextRun(w.config.RunAt, time.Now())
		if err != nil {
			w.logger.Error("invalid run_at time, reconciler disabled", "run_at", w.config.RunAt, "error", err)
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			w.RunSweep(ctx)
		}
	}
}

// RunSweep refreshes every active student once, in listed order. Students
// already flagged with a login error are skipped until they re-authenticate
// through the on-demand path. One student's failure never aborts the sweep.
func (w *Reconciler) RunSweep(ctx context.Context) {
	runID := uuid.New().String()
	startTime := time.Now()
	w.logger.Info("starting reconciliation sweep", "run_id", runID)

	students, err := w.store.ListActiveStudents(ctx)
	if err != nil {
		w.logger.Error("failed to list active students", "run_id", runID, "error", err)
		return
	}
	metas, err := w.store.ListMetadata(ctx)
	if err != nil {
		w.logger.Error("failed to list sync metadata", "run_id", runID, "error", err)
		return
	}

	var refreshed, skipped, failed int
	for _, student := range students {
		select {
		case <-ctx.Done():
			w.logger.Info("reconciliation sweep cancelled", "run_id", runID)
			return
		case <-w.stopCh:
			w.logger.Info("reconciliation sweep stopped", "run_id", runID)
			return
		default:
		}

		if meta, ok := metas[student.StudentID]; ok && meta.LoginError {
			skipped++
			continue
		}

		status, err := w.engine.Refresh(ctx, student, "")
		switch {
		case err != nil:
			// Transient failure: only this student's record is affected
			failed++
			w.logger.Error("failed to refresh student",
				"run_id", runID,
				"student_id", student.StudentID,
				"error", err,
			)
		case status.LoginError:
			failed++
			w.logger.Warn("portal rejected student credentials",
				"run_id", runID,
				"student_id", student.StudentID,
			)
		default:
			refreshed++
		}

		// Fixed delay after every attempt to bound load on the portal
		if !w.pause(ctx) {
			w.logger.Info("reconciliation sweep stopped", "run_id", runID)
			return
		}
	}

	w.logger.Info("reconciliation sweep completed",
		"run_id", runID,
		"duration", time.Since(startTime),
		"refreshed", refreshed,
		"skipped", skipped,
		"failed", failed,
	)
}

// pause waits out the pace delay; it returns false when the worker is
// shutting down.
func (w *Reconciler) pause(ctx context.Context) bool {
	timer := time.NewTimer(w.config.PaceDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// untilNextRun computes the wait until the next occurrence of the "HH:MM"
// wall-clock time, local.
func untilNextRun(runAt string, now time.Time) (time.Duration, error) {
	at, err := time.Parse("15:04", runAt)
	if err != nil {
		return 0, fmt.Errorf("parsing run_at: %w", err)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now), nil
}
