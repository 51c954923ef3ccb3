package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// Reconciler periodically resets caption tasks stuck in the running
// state because their worker crashed or was killed mid-task, so they
// become eligible for ClaimNext again instead of hanging forever.
type Reconciler struct {
	tasks     domain.CaptionTaskRepository
	threshold time.Duration
	interval  time.Duration
}

// NewReconciler builds a Reconciler that treats a running task as
// stuck once it has been running longer than threshold.
func NewReconciler(tasks domain.CaptionTaskRepository, threshold, interval time.Duration) *Reconciler {
	return &Reconciler{tasks: tasks, threshold: threshold, interval: interval}
}

// ReconcileOnce resets all stuck running tasks immediately. Callers
// run this once at boot, before the worker pool starts claiming work,
// to recover from a prior unclean shutdown.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	n, err := r.tasks.ResetStuckRunning(ctx, r.threshold)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("reset stuck caption tasks at boot", slog.Int("count", n))
	}
	return n, nil
}

// Run sweeps for stuck tasks on the configured interval until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.tasks.ResetStuckRunning(ctx, r.threshold)
			if err != nil {
				slog.Error("stuck task sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Warn("stuck task sweep reset tasks", slog.Int("count", n))
			}
		}
	}
}
