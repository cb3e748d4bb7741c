// Package reward computes experience points, streaks, and levels for completed tasks.
package reward

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ashureev/companion/internal/domain"
)

const (
	// XPPerDifficulty scales average step difficulty into experience points.
	XPPerDifficulty = 10
	// XPPerLevel is the experience needed for each level.
	XPPerLevel = 500
)

// Level returns the level for a total experience amount.
func Level(totalXP int) int {
	return totalXP/XPPerLevel + 1
}

// GainedXP returns round(10 * average difficulty). An empty task earns nothing.
func GainedXP(steps []domain.Step) int {
	if len(steps) == 0 {
		return 0
	}
	sum := 0
	for _, s := range steps {
		sum += s.Difficulty
	}
	avg := float64(sum) / float64(len(steps))
	return int(math.Round(avg * XPPerDifficulty))
}

// Compute applies one completion to prev and returns the updated record along
// with the completion result. prev may be nil for a first-ever completion.
// today is interpreted in its own location.
func Compute(userID string, prev *domain.RewardStats, steps []domain.Step, today time.Time) (domain.RewardStats, domain.RewardResult) {
	gained := GainedXP(steps)
	todayKey := today.Format(domain.DateLayout)
	yesterdayKey := today.AddDate(0, 0, -1).Format(domain.DateLayout)

	next := domain.RewardStats{
		UserID:             userID,
		XP:                 gained,
		StreakCount:        1,
		LastCompletionDate: todayKey,
	}
	if prev != nil {
		next.XP = prev.XP + gained
		switch prev.LastCompletionDate {
		case yesterdayKey:
			next.StreakCount = prev.StreakCount + 1
		case todayKey:
			next.StreakCount = prev.StreakCount
		}
	}

	return next, domain.RewardResult{
		GainedXP: gained,
		TotalXP:  next.XP,
		Streak:   next.StreakCount,
		Level:    Level(next.XP),
	}
}

// StatsStore is the persistence the engine needs.
type StatsStore interface {
	GetRewardStats(ctx context.Context, userID string) (*domain.RewardStats, error)
	SaveRewardStats(ctx context.Context, stats domain.RewardStats) error
}

// Engine loads, updates, and persists reward records.
type Engine struct {
	store StatsStore
	// Now returns the current time. Tests override it.
	Now func() time.Time
	// Location defines the calendar used for streak days.
	Location *time.Location
}

// NewEngine creates a reward engine using local time.
func NewEngine(store StatsStore) *Engine {
	return &Engine{store: store, Now: time.Now, Location: time.Local}
}

// ProcessCompletion records one completed task for the user.
func (e *Engine) ProcessCompletion(ctx context.Context, userID string, steps []domain.Step) (domain.RewardResult, error) {
	prev, err := e.store.GetRewardStats(ctx, userID)
	if err != nil {
		return domain.RewardResult{}, fmt.Errorf("load reward stats: %w", err)
	}

	now := e.Now()
	if e.Location != nil {
		now = now.In(e.Location)
	}
	next, result := Compute(userID, prev, steps, now)

	if err := e.store.SaveRewardStats(ctx, next); err != nil {
		return domain.RewardResult{}, fmt.Errorf("save reward stats: %w", err)
	}
	return result, nil
}
