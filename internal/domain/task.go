package domain

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a scheduled task record.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskActive  TaskStatus = "active"
	TaskSkipped TaskStatus = "skipped"
	TaskDone    TaskStatus = "done"
)

// CanTransition reports whether a record may move from one status to another.
// Status only moves forward: pending -> active -> done, or pending -> skipped.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskActive || to == TaskSkipped
	case TaskActive:
		return to == TaskDone
	}
	return false
}

// TaskPayload is the task description stored with a queue record.
type TaskPayload struct {
	Activity   string `json:"activity"`
	Difficulty int    `json:"difficulty"`
	IsRoutine  bool   `json:"is_routine,omitempty"`
	Origin     string `json:"origin,omitempty"`
}

// NewTask is a queue record to be inserted.
type NewTask struct {
	At      time.Time
	Payload TaskPayload
}

// ScheduledTaskRecord is a persisted queue entry.
type ScheduledTaskRecord struct {
	ID          int64
	ScheduledAt time.Time
	Status      TaskStatus
	IsRoutine   bool
	Payload     TaskPayload
	CreatedAt   time.Time
}

// TimeLayout is the minute-resolution layout used for task times.
const TimeLayout = "2006-01-02 15:04"

// ParseTaskTime parses "YYYY-MM-DD HH:MM", or a bare "HH:MM" which is placed
// on the calendar day of now.
func ParseTaskTime(value string, now time.Time) (time.Time, error) {
	loc := now.Location()
	if len(value) <= 5 {
		clock, err := time.ParseInLocation("15:04", value, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse task time %q: %w", value, err)
		}
		y, m, d := now.Date()
		return time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, loc), nil
	}
	t, err := time.ParseInLocation(TimeLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse task time %q: %w", value, err)
	}
	return t, nil
}

// Routine is a registered recurring activity used as planning context.
type Routine struct {
	Activity string `json:"activity"`
	Time     string `json:"time"`
}
