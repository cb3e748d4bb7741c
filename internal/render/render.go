// Package render turns scheduler decisions into client payloads.
package render

import (
	"fmt"

	"github.com/ashureev/companion/internal/domain"
)

// Payload types understood by the client.
const (
	TypeCommitmentCheck = "commitment_check"
	TypeStep            = "step"
	TypeBreak           = "break"
	TypeMessage         = "message"
	TypeChat            = "chat"
	TypeNudge           = "nudge"
	TypeCelebration     = "celebration"
	TypeIdle            = "idle"
)

// Button is a client action bound to an event payload.
type Button struct {
	Label   string        `json:"label"`
	Payload domain.Action `json:"payload"`
}

// Payload is the response body for one turn.
type Payload struct {
	Type     string   `json:"type"`
	Text     string   `json:"text"`
	Subtext  string   `json:"subtext,omitempty"`
	Progress string   `json:"progress,omitempty"`
	Actions  []Button `json:"actions,omitempty"`
	Options  []string `json:"options,omitempty"`

	GainedXP           int  `json:"gained_xp,omitempty"`
	OnboardingComplete bool `json:"onboarding_complete,omitempty"`

	XPTotal int `json:"xp_total"`
	Level   int `json:"level"`
	Streak  int `json:"streak"`
}

const fallbackText = "I'm here. What's the plan?"

// Render builds the payload for decision. SHOW_CHAT and the fallback consume
// the session's queued reply.
func Render(decision domain.Decision, s *domain.Session) Payload {
	p := payloadFor(decision, s)
	p.XPTotal = s.Progress.XPTotal
	p.Level = s.Progress.Level
	p.Streak = s.Progress.Streak
	return p
}

func payloadFor(decision domain.Decision, s *domain.Session) Payload {
	switch decision {
	case domain.DecisionAskCommitment:
		if s.PendingTask != nil {
			return Payload{
				Type: TypeCommitmentCheck,
				Text: fmt.Sprintf("It's time for **%s**. Ready?", s.PendingTask.Payload.Activity),
				Actions: []Button{
					{Label: "I'M READY", Payload: domain.ActionCommitTask},
					{Label: "NOT NOW", Payload: domain.ActionSkipTask},
				},
			}
		}

	case domain.DecisionShowStep:
		if step, ok := s.CurrentStep(); ok {
			return Payload{
				Type:     TypeStep,
				Text:     step.Text,
				Progress: fmt.Sprintf("%d/%d", s.Active.Index+1, len(s.Active.Steps)),
			}
		}

	case domain.DecisionSuggestBreak:
		return Payload{Type: TypeBreak, Text: "Your energy is low. How about a 5-min breather?"}

	case domain.DecisionIdle:
		return Payload{Type: TypeMessage, Text: "I'm here whenever you're ready."}

	case domain.DecisionResumePrompt:
		name := "your previous task"
		if s.Paused != nil && s.Paused.OriginText != "" {
			name = s.Paused.OriginText
		}
		return Payload{
			Type: TypeChat,
			Text: fmt.Sprintf("I noticed we paused on '%s'. Ready to jump back in?", name),
			Actions: []Button{
				{Label: "YES", Payload: domain.ActionResume},
				{Label: "NO", Payload: domain.ActionCancelResume},
			},
		}

	case domain.DecisionShowChat:
		return Payload{Type: TypeChat, Text: s.TakeReply()}

	case domain.DecisionNotifyRoutine:
		if s.RoutineBuffer != nil {
			name := s.RoutineBuffer.Payload.Activity
			if name == "" {
				name = "Routine"
			}
			return Payload{
				Type:    TypeNudge,
				Text:    fmt.Sprintf("Your routine '%s' is ready. Want to switch, or finish what you're doing?", name),
				Options: []string{"Switch to Routine", "Dismiss for now"},
			}
		}

	case domain.DecisionShowCelebration:
		if r := s.LastReward; r != nil {
			return Payload{
				Type:     TypeCelebration,
				Text:     fmt.Sprintf("Task Complete! You earned %d XP.", r.GainedXP),
				Subtext:  fmt.Sprintf("Current Streak: %d days!", r.Streak),
				GainedXP: r.GainedXP,
			}
		}
	}

	return Chat(s, "")
}

// Chat builds a chat payload with text, falling back to the queued reply.
func Chat(s *domain.Session, text string) Payload {
	if text == "" {
		text = s.TakeReply()
	}
	if text == "" {
		text = fallbackText
	}
	return Payload{Type: TypeChat, Text: text}
}

// Message builds a standalone chat payload that carries the session's progress.
func Message(s *domain.Session, text string) Payload {
	p := Payload{Type: TypeChat, Text: text}
	p.XPTotal = s.Progress.XPTotal
	p.Level = s.Progress.Level
	p.Streak = s.Progress.Streak
	return p
}

// Nudge builds the proactive reminder for an idle user with an active task.
func Nudge(s *domain.Session) Payload {
	p := Message(s, "Still working on that step, or are we stuck?")
	p.Type = TypeNudge
	p.Options = []string{"Still on it", "Help!", "Skip"}
	return p
}

// Idle is the heartbeat response when no nudge is due.
func Idle(s *domain.Session) Payload {
	p := Message(s, "")
	p.Type = TypeIdle
	return p
}
