// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/companion/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStatusConflict is returned when a status compare-and-set loses to another writer.
	ErrStatusConflict = errors.New("store: task status changed concurrently")
	// ErrInvalidTransition is returned for status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("store: invalid task status transition")
)

// Repository defines the persistence operations the orchestrator depends on.
type Repository interface {
	// GetProfile returns the stored trait map for a user, or nil if none exists.
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)

	// SaveProfile creates or replaces the trait map for a user.
	SaveProfile(ctx context.Context, userID string, profile domain.Profile) error

	// ScheduleTask inserts a pending queue record and returns its id.
	ScheduleTask(ctx context.Context, at time.Time, payload domain.TaskPayload) (int64, error)

	// ScheduleTasks inserts all records in one transaction, or none of them.
	ScheduleTasks(ctx context.Context, tasks []domain.NewTask) ([]int64, error)

	// NextDueTask returns the earliest pending record scheduled within [from, to],
	// or nil if none is due.
	NextDueTask(ctx context.Context, from, to time.Time) (*domain.ScheduledTaskRecord, error)

	// GetTask returns a single queue record.
	GetTask(ctx context.Context, id int64) (*domain.ScheduledTaskRecord, error)

	// UpdateTaskStatus moves a record from one status to another atomically.
	// It returns ErrStatusConflict if the record is no longer in the from status.
	UpdateTaskStatus(ctx context.Context, id int64, from, to domain.TaskStatus) error

	// ListTasks returns queue records, optionally filtered by status, newest schedule first.
	ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.ScheduledTaskRecord, error)

	// MissedTasks returns ids of pending records scheduled before the cutoff.
	MissedTasks(ctx context.Context, before time.Time, limit int) ([]int64, error)

	// RescueTasks resets records with an empty status to pending.
	RescueTasks(ctx context.Context) (int64, error)

	// PruneTasks deletes finished or skipped records scheduled before the cutoff.
	PruneTasks(ctx context.Context, before time.Time) (int64, error)

	// LogCompletion appends a completion to the history log.
	LogCompletion(ctx context.Context, name string, energy int, at time.Time) error

	// PlanningContext returns the peak-focus hour and registered routines.
	PlanningContext(ctx context.Context) (peakHour string, routines []domain.Routine, err error)

	// GetRewardStats returns the reward record for a user, or nil if none exists.
	GetRewardStats(ctx context.Context, userID string) (*domain.RewardStats, error)

	// SaveRewardStats creates or replaces the reward record for a user.
	SaveRewardStats(ctx context.Context, stats domain.RewardStats) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
