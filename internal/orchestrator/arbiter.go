package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/companion/internal/domain"
)

// DueTaskSource is the queue query the arbiter reads.
type DueTaskSource interface {
	NextDueTask(ctx context.Context, from, to time.Time) (*domain.ScheduledTaskRecord, error)
}

// Arbiter reconciles the persisted task queue with a session.
type Arbiter struct {
	queue  DueTaskSource
	window time.Duration
	now    func() time.Time
}

// NewArbiter creates an arbiter that treats records scheduled within the
// trailing window as due.
func NewArbiter(queue DueTaskSource, window time.Duration, now func() time.Time) *Arbiter {
	return &Arbiter{queue: queue, window: window, now: now}
}

// Peek returns the earliest pending record in [now-window, now], or nil.
// Peeking has no side effects, so repeated calls return the same record
// until its status changes.
func (a *Arbiter) Peek(ctx context.Context) (*domain.ScheduledTaskRecord, error) {
	now := a.now()
	rec, err := a.queue.NextDueTask(ctx, now.Add(-a.window), now)
	if err != nil {
		return nil, fmt.Errorf("peek due task: %w", err)
	}
	if rec != nil && rec.Status != "" && rec.Status != domain.TaskPending {
		return nil, nil
	}
	return rec, nil
}

// Arbitrate decides what a due record means for the session. It returns
// false when the record needs no action. The only writes are to the routine
// buffer and the commitment slot, which keep one record from being announced
// twice.
func Arbitrate(s *domain.Session, rec *domain.ScheduledTaskRecord) (domain.Decision, bool) {
	active := s.HasActiveTask()

	if rec != nil {
		held := &domain.PendingTask{TaskID: rec.ID, Payload: rec.Payload}
		held.Payload.IsRoutine = rec.IsRoutine

		if active && rec.IsRoutine && (s.RoutineBuffer == nil || s.RoutineBuffer.TaskID != rec.ID) {
			s.RoutineBuffer = held
			return domain.DecisionNotifyRoutine, true
		}
		if !active && s.PendingTask == nil {
			held.Offered = true
			s.PendingTask = held
			return domain.DecisionAskCommitment, true
		}
	}

	if s.PendingTask != nil {
		// A routine promoted after task completion has not been offered yet.
		if !active && !s.PendingTask.Offered {
			s.PendingTask.Offered = true
			return domain.DecisionAskCommitment, true
		}
		if s.CommitmentConfirmed {
			return domain.DecisionTriggerDeferred, true
		}
	}
	return "", false
}
