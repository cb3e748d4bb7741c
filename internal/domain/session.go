// Package domain contains core domain types for the companion service.
package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// MaxChatHistory bounds the stored chat log. Prompts only read the tail.
const MaxChatHistory = 50

// Step is one micro-action produced by task decomposition.
// Steps are never modified after decomposition.
type Step struct {
	Text            string  `json:"text"`
	Difficulty      int     `json:"difficulty"`
	DurationMinutes float64 `json:"duration_minutes"`
}

// ActiveTask is the step sequence currently presented to the user.
type ActiveTask struct {
	Steps  []Step
	Index  int
	Intent Intent
	// Origin is the text or activity that produced the task.
	Origin string
	// SourceTaskID is the queue record the task was started from, 0 for ad-hoc tasks.
	SourceTaskID int64
}

// PausedTask is the snapshot taken when an active task is interrupted.
type PausedTask struct {
	Steps        []Step
	StepIndex    int
	Intent       Intent
	OriginText   string
	SourceTaskID int64
}

// PendingTask references a queue record held by the session, either as the
// buffered routine notification or as a due task awaiting commitment.
type PendingTask struct {
	TaskID  int64
	Payload TaskPayload
	// Offered is set once ask_commitment has been emitted for this record.
	Offered bool
}

// Progress mirrors the latest reward totals shown with every payload.
type Progress struct {
	XPTotal int `json:"xp_total"`
	Level   int `json:"level"`
	Streak  int `json:"streak"`
}

// Profile is the user's trait map.
type Profile map[string]any

// Session holds the orchestration state for one conversation identity.
type Session struct {
	ID string

	CurrentIntent Intent
	Active        *ActiveTask
	Paused        *PausedTask
	// IsPaused is true only while Paused holds a snapshot produced by an interruption.
	IsPaused bool

	RoutineBuffer       *PendingTask
	PendingTask         *PendingTask
	CommitmentConfirmed bool

	Profile       Profile
	ChatHistory   []string
	LastAIMessage string
	// PendingReply is an ad-hoc chat reply waiting to be shown.
	PendingReply string

	Progress   Progress
	LastReward *RewardResult

	LastActionAt time.Time
	CreatedAt    time.Time
}

// NewSession creates an empty session seeded with the given profile.
func NewSession(id string, profile Profile, now time.Time) *Session {
	p := make(Profile, len(profile))
	maps.Copy(p, profile)
	return &Session{
		ID:           id,
		Profile:      p,
		Progress:     Progress{Level: 1},
		LastActionAt: now,
		CreatedAt:    now,
	}
}

// HasActiveTask reports whether a step sequence is in progress.
func (s *Session) HasActiveTask() bool {
	return s.Active != nil && len(s.Active.Steps) > 0
}

// ActiveTaskIntent returns the intent that produced the active task.
func (s *Session) ActiveTaskIntent() Intent {
	if s.Active == nil {
		return IntentNone
	}
	return s.Active.Intent
}

// CurrentStep returns the step at the active index.
func (s *Session) CurrentStep() (Step, bool) {
	if !s.HasActiveTask() || s.Active.Index >= len(s.Active.Steps) {
		return Step{}, false
	}
	return s.Active.Steps[s.Active.Index], true
}

// StartTask installs a fresh step sequence at index 0.
func (s *Session) StartTask(steps []Step, intent Intent, origin string, sourceTaskID int64) {
	s.Active = &ActiveTask{
		Steps:        slices.Clone(steps),
		Intent:       intent,
		Origin:       origin,
		SourceTaskID: sourceTaskID,
	}
}

// ClearActiveTask drops the active step sequence.
func (s *Session) ClearActiveTask() {
	s.Active = nil
}

// QueueReply stores an ad-hoc chat reply for the next render.
func (s *Session) QueueReply(text string) {
	s.PendingReply = text
}

// TakeReply returns and clears the queued chat reply.
func (s *Session) TakeReply() string {
	r := s.PendingReply
	s.PendingReply = ""
	return r
}

// RecordExchange appends a user/assistant exchange to the chat history.
func (s *Session) RecordExchange(userText, reply string) {
	s.ChatHistory = append(s.ChatHistory, "User: "+userText, "AI: "+reply)
	if len(s.ChatHistory) > MaxChatHistory {
		s.ChatHistory = slices.Clone(s.ChatHistory[len(s.ChatHistory)-MaxChatHistory:])
	}
	s.LastAIMessage = reply
}

// RecentHistory returns the last n chat history lines.
func (s *Session) RecentHistory(n int) []string {
	if n >= len(s.ChatHistory) {
		return s.ChatHistory
	}
	return s.ChatHistory[len(s.ChatHistory)-n:]
}

// Validate checks the structural invariants of the session.
func (s *Session) Validate() error {
	if s.Active != nil {
		if len(s.Active.Steps) == 0 {
			return fmt.Errorf("active task has no steps")
		}
		if s.Active.Index < 0 || s.Active.Index > len(s.Active.Steps) {
			return fmt.Errorf("step index %d out of range [0, %d]", s.Active.Index, len(s.Active.Steps))
		}
		if s.Paused != nil && s.Active.SourceTaskID != 0 && s.Active.SourceTaskID == s.Paused.SourceTaskID {
			return fmt.Errorf("task %d is both active and paused", s.Active.SourceTaskID)
		}
	}
	if s.IsPaused && s.Paused == nil {
		return fmt.Errorf("paused flag set without a paused task")
	}
	return nil
}

// Clone returns a deep copy of the session so a turn can run against it
// without touching the committed state.
func (s *Session) Clone() *Session {
	c := *s
	if s.Active != nil {
		a := *s.Active
		a.Steps = slices.Clone(s.Active.Steps)
		c.Active = &a
	}
	if s.Paused != nil {
		p := *s.Paused
		p.Steps = slices.Clone(s.Paused.Steps)
		c.Paused = &p
	}
	if s.RoutineBuffer != nil {
		r := *s.RoutineBuffer
		c.RoutineBuffer = &r
	}
	if s.PendingTask != nil {
		p := *s.PendingTask
		c.PendingTask = &p
	}
	if s.LastReward != nil {
		r := *s.LastReward
		c.LastReward = &r
	}
	c.Profile = maps.Clone(s.Profile)
	c.ChatHistory = slices.Clone(s.ChatHistory)
	return &c
}
