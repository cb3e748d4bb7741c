// Package orchestrator runs the per-event decision loop: it classifies input,
// picks the next action for a session, performs it, and renders the result.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/companion/internal/domain"
)

// ErrInvalidEvent is returned for events the engine cannot interpret.
var ErrInvalidEvent = errors.New("orchestrator: invalid event")

// UnstableReply is shown whenever a turn fails.
const UnstableReply = "Companion link unstable. Give me a moment and try again."

// Store is the persistence the orchestrator depends on.
type Store interface {
	NextDueTask(ctx context.Context, from, to time.Time) (*domain.ScheduledTaskRecord, error)
	ScheduleTask(ctx context.Context, at time.Time, payload domain.TaskPayload) (int64, error)
	ScheduleTasks(ctx context.Context, tasks []domain.NewTask) ([]int64, error)
	UpdateTaskStatus(ctx context.Context, id int64, from, to domain.TaskStatus) error
	LogCompletion(ctx context.Context, name string, energy int, at time.Time) error
	PlanningContext(ctx context.Context) (string, []domain.Routine, error)
	SaveProfile(ctx context.Context, userID string, profile domain.Profile) error
}

// RewardProcessor records a completed task and returns the updated totals.
type RewardProcessor interface {
	ProcessCompletion(ctx context.Context, userID string, steps []domain.Step) (domain.RewardResult, error)
}

// Sessions runs fn against a private copy of the session and commits the copy
// only when fn succeeds. Calls for the same id are serialized.
type Sessions interface {
	Do(ctx context.Context, id string, fn func(*domain.Session) error) error
}

// Options tunes scheduling thresholds.
type Options struct {
	// DueWindow is how far back a pending record still counts as due.
	DueWindow time.Duration
	// BreakEnergy is the energy level at or below which a break is suggested.
	BreakEnergy int
	// Now returns the current time in the user's calendar location.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DueWindow <= 0 {
		o.DueWindow = 10 * time.Minute
	}
	if o.BreakEnergy == 0 {
		o.BreakEnergy = 2
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
