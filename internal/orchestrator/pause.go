package orchestrator

import (
	"context"
	"log/slog"
	"slices"

	"github.com/ashureev/companion/internal/domain"
)

// Pause moves the active task into the paused snapshot. No-op without an active task.
func Pause(s *domain.Session) {
	if !s.HasActiveTask() {
		return
	}
	a := s.Active
	s.Paused = &domain.PausedTask{
		Steps:        slices.Clone(a.Steps),
		StepIndex:    a.Index,
		Intent:       a.Intent,
		OriginText:   a.Origin,
		SourceTaskID: a.SourceTaskID,
	}
	s.ClearActiveTask()
	s.IsPaused = true
}

// Resume restores the paused snapshot as the active task. No-op without a snapshot.
func Resume(s *domain.Session) {
	p := s.Paused
	if p == nil {
		return
	}
	s.Active = &domain.ActiveTask{
		Steps:        slices.Clone(p.Steps),
		Index:        p.StepIndex,
		Intent:       p.Intent,
		Origin:       p.OriginText,
		SourceTaskID: p.SourceTaskID,
	}
	s.Paused = nil
	s.IsPaused = false
	s.CurrentIntent = domain.IntentNone
}

// StatusUpdater advances a queue record's status.
type StatusUpdater interface {
	UpdateTaskStatus(ctx context.Context, id int64, from, to domain.TaskStatus) error
}

// CancelResume discards the paused snapshot and declines any task awaiting
// commitment. A failed status write is logged and does not block the turn.
func CancelResume(ctx context.Context, s *domain.Session, tasks StatusUpdater) {
	s.Paused = nil
	s.IsPaused = false
	s.CurrentIntent = domain.IntentConversation
	skipPending(ctx, s, tasks)
}

// skipPending marks the commitment-pending record skipped and releases it.
func skipPending(ctx context.Context, s *domain.Session, tasks StatusUpdater) {
	if s.PendingTask == nil {
		return
	}
	id := s.PendingTask.TaskID
	if err := tasks.UpdateTaskStatus(ctx, id, domain.TaskPending, domain.TaskSkipped); err != nil {
		slog.Warn("Failed to skip pending task", "session_id", s.ID, "task_id", id, "error", err)
	}
	s.PendingTask = nil
	s.CommitmentConfirmed = false
}
