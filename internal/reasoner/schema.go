package reasoner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/companion/internal/domain"
)

// IntentResult is the classifier's structured reading of a user input.
type IntentResult struct {
	Intent            string `json:"intent"`
	Action            string `json:"action"`
	TemporalReference string `json:"temporal_reference"`
	TimeOfTask        string `json:"time_of_the_task"`
	IsRoutine         bool   `json:"is_routine"`
}

// Validate requires a known intent.
func (r *IntentResult) Validate() error {
	if _, ok := domain.ParseIntent(strings.TrimSpace(r.Intent)); !ok {
		return fmt.Errorf("unknown intent %q", r.Intent)
	}
	return nil
}

// ParsedIntent returns the validated intent.
func (r *IntentResult) ParsedIntent() domain.Intent {
	i, _ := domain.ParseIntent(strings.TrimSpace(r.Intent))
	return i
}

// Decomposition is the micro-step breakdown of a single task.
type Decomposition struct {
	Steps             []domain.Step `json:"steps"`
	OverallDifficulty *float64      `json:"overall_difficulty,omitempty"`
}

// Validate requires at least one step with text and a difficulty in 0-9.
func (d *Decomposition) Validate() error {
	if len(d.Steps) == 0 {
		return errors.New("steps is empty")
	}
	for i, s := range d.Steps {
		if strings.TrimSpace(s.Text) == "" {
			return fmt.Errorf("step %d has no text", i)
		}
		if s.Difficulty < 0 || s.Difficulty > 9 {
			return fmt.Errorf("step %d difficulty %d out of range", i, s.Difficulty)
		}
	}
	return nil
}

// PlanEntry is one activity in a day plan.
type PlanEntry struct {
	Activity   string `json:"activity"`
	Difficulty int    `json:"difficulty"`
	StartTime  string `json:"start_time"`
}

// Plan is the day-planning output.
type Plan struct {
	Plan []PlanEntry `json:"plan"`
}

// Validate requires every entry to name an activity and a start time.
// Start times are parsed by the caller, which knows the current day.
func (p *Plan) Validate() error {
	if p.Plan == nil {
		return errors.New("plan is missing")
	}
	for i, e := range p.Plan {
		if strings.TrimSpace(e.Activity) == "" {
			return fmt.Errorf("plan entry %d has no activity", i)
		}
		if strings.TrimSpace(e.StartTime) == "" {
			return fmt.Errorf("plan entry %d has no start_time", i)
		}
	}
	return nil
}
