package orchestrator

import (
	"context"
	"log/slog"

	"github.com/ashureev/companion/internal/domain"
)

// Scheduler picks exactly one decision per pass.
type Scheduler struct {
	arbiter     *Arbiter
	breakEnergy int
}

// NewScheduler creates a scheduler that suggests a break at or below breakEnergy.
func NewScheduler(arbiter *Arbiter, breakEnergy int) *Scheduler {
	return &Scheduler{arbiter: arbiter, breakEnergy: breakEnergy}
}

// Decide applies the priority rules in order; the first match wins.
// Explicit intent beats ambient scheduling, low energy beats new work, and
// due tasks never displace an active task.
func (sc *Scheduler) Decide(ctx context.Context, energy int, s *domain.Session) domain.Decision {
	active := s.HasActiveTask()

	// 1. A queued ad-hoc reply.
	if s.PendingReply != "" {
		return domain.DecisionShowChat
	}

	// 2. Work intents. Routines may be registered mid-task.
	if s.CurrentIntent.IsWorking() && (!active || s.CurrentIntent == domain.IntentRoutineManagement) {
		switch s.CurrentIntent {
		case domain.IntentDayPlanning:
			return domain.DecisionPlanDecompose
		case domain.IntentRoutineManagement:
			return domain.DecisionRoutine
		default:
			return domain.DecisionDecomposeTask
		}
	}

	// 3. Conversation pauses an active task.
	if s.CurrentIntent == domain.IntentConversation {
		if active {
			return domain.DecisionInterruption
		}
		return domain.DecisionChat
	}

	// 4. Energy gate.
	if active && energy <= sc.breakEnergy {
		return domain.DecisionSuggestBreak
	}

	// 5. Due tasks from the queue.
	rec, err := sc.arbiter.Peek(ctx)
	if err != nil {
		slog.Warn("Due task check failed", "session_id", s.ID, "error", err)
	}
	if d, ok := Arbitrate(s, rec); ok {
		return d
	}

	// 6. An interrupted task waiting to be resumed.
	if s.Paused != nil && !active && s.IsPaused {
		return domain.DecisionResumePrompt
	}

	// 7. Keep presenting the active step.
	if active {
		return domain.DecisionShowStep
	}

	// 8.
	return domain.DecisionIdle
}
