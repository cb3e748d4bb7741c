package domain

import (
	"encoding/json"
	"fmt"
)

// EventType names the kind of boundary event.
type EventType string

const (
	EventUserInput     EventType = "USER_INPUT"
	EventUserAction    EventType = "USER_ACTION"
	EventProfileUpdate EventType = "PROFILE_UPDATE"
)

// Action is the payload of a USER_ACTION event.
type Action string

const (
	ActionDone         Action = "DONE"
	ActionResume       Action = "RESUME"
	ActionCancelResume Action = "CANCEL_RESUME"
	ActionCommitTask   Action = "COMMIT_TASK"
	ActionSkipTask     Action = "SKIP_TASK"
)

// HeartbeatPayload is the USER_INPUT payload clients send to poll for a decision.
const HeartbeatPayload = "HEARTBEAT"

// DefaultEnergy is used when an event carries no energy reading.
const DefaultEnergy = 10

// Event is one inbound event for a session.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Energy  int             `json:"energy_level"`
}

// TextEvent builds a USER_INPUT or USER_ACTION event with a string payload.
func TextEvent(t EventType, payload string, energy int) Event {
	raw, _ := json.Marshal(payload)
	return Event{Type: t, Payload: raw, Energy: energy}
}

// Text decodes a string payload. Non-string payloads yield an error.
func (e Event) Text() (string, error) {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return "", fmt.Errorf("event payload is not a string: %w", err)
	}
	return s, nil
}

// Traits decodes a PROFILE_UPDATE payload.
func (e Event) Traits() (Profile, error) {
	var p Profile
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("profile update payload: %w", err)
	}
	return p, nil
}
