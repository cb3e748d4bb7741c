// Package janitor sweeps the task queue for records nobody picked up.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/companion/internal/domain"
	"github.com/ashureev/companion/internal/store"
)

// Queue is the slice of the store the janitor needs.
type Queue interface {
	MissedTasks(ctx context.Context, before time.Time, limit int) ([]int64, error)
	UpdateTaskStatus(ctx context.Context, id int64, from, to domain.TaskStatus) error
}

// Holder reports the queue records live sessions still reference, either as
// an offered commitment or a buffered routine.
type Holder interface {
	HeldTasks() map[int64]struct{}
}

// Config controls the sweep.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// Window is how long a pending record stays due; older ones are skipped.
	Window time.Duration
	// Batch caps the records handled per sweep.
	Batch int
	// Sessions, when set, protects records a live session holds.
	Sessions Holder
	Now      func() time.Time
}

// Worker marks pending records that fell out of the due window as skipped.
type Worker struct {
	queue Queue
	cfg   Config
}

// New creates a janitor worker.
func New(queue Queue, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 200
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{queue: queue, cfg: cfg}
}

// Run sweeps on every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	slog.Info("Queue janitor started", "interval", w.cfg.Interval, "window", w.cfg.Window)

	for {
		select {
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				slog.Error("Queue janitor sweep failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("Queue janitor shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep skips one batch of missed records and returns how many it skipped.
// Records claimed concurrently or held by a live session are left alone.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	cutoff := w.cfg.Now().Add(-w.cfg.Window)
	ids, err := w.queue.MissedTasks(ctx, cutoff, w.cfg.Batch)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var held map[int64]struct{}
	if w.cfg.Sessions != nil {
		held = w.cfg.Sessions.HeldTasks()
	}

	skipped := 0
	for _, id := range ids {
		if _, ok := held[id]; ok {
			slog.Debug("Queue janitor left held record", "task_id", id)
			continue
		}
		err := w.queue.UpdateTaskStatus(ctx, id, domain.TaskPending, domain.TaskSkipped)
		switch {
		case err == nil:
			skipped++
		case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
			slog.Debug("Queue janitor lost record to another writer", "task_id", id)
		default:
			if ctx.Err() != nil {
				return skipped, ctx.Err()
			}
			slog.Warn("Queue janitor failed to skip record", "task_id", id, "error", err)
		}
	}

	slog.Info("Queue janitor sweep completed", "missed", len(ids), "skipped", skipped)
	return skipped, nil
}
