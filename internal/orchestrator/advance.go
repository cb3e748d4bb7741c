package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/companion/internal/domain"
)

const noActiveTaskReply = "No active tasks to advance."

// advance moves the active task forward one step. It reports true when the
// step was the last one, in which case the reward has been recorded, the task
// cleared, and any buffered routine promoted to await commitment.
func (e *Engine) advance(ctx context.Context, s *domain.Session, energy int) (bool, error) {
	if !s.HasActiveTask() {
		s.QueueReply(noActiveTaskReply)
		return false, nil
	}

	a := s.Active
	a.Index++
	if a.Index < len(a.Steps) {
		return false, nil
	}

	result, err := e.rewards.ProcessCompletion(ctx, s.ID, a.Steps)
	if err != nil {
		return false, fmt.Errorf("process completion: %w", err)
	}

	if a.SourceTaskID != 0 {
		if err := e.store.UpdateTaskStatus(ctx, a.SourceTaskID, domain.TaskActive, domain.TaskDone); err != nil {
			slog.Warn("Failed to mark task done", "session_id", s.ID, "task_id", a.SourceTaskID, "error", err)
		}
	}
	if err := e.store.LogCompletion(ctx, a.Origin, energy, e.opts.Now()); err != nil {
		slog.Warn("Failed to log completion", "session_id", s.ID, "error", err)
	}

	s.ClearActiveTask()
	s.LastReward = &result
	s.Progress = domain.Progress{XPTotal: result.TotalXP, Level: result.Level, Streak: result.Streak}

	if s.RoutineBuffer != nil && s.PendingTask == nil {
		promoted := *s.RoutineBuffer
		promoted.Offered = false
		s.PendingTask = &promoted
		s.RoutineBuffer = nil
	}
	return true, nil
}
