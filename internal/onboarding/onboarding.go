// Package onboarding serves the calibration questions and the default trait profile.
package onboarding

import (
	_ "embed"
	"fmt"
	"maps"

	"github.com/ashureev/companion/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed onboarding.yaml
var content []byte

// Question is one yes/no calibration prompt bound to a profile trait.
type Question struct {
	Trait string `yaml:"trait" json:"trait"`
	Text  string `yaml:"text" json:"text"`
}

// Catalog holds the onboarding flow.
type Catalog struct {
	Questions    []Question     `yaml:"questions"`
	CompleteText string         `yaml:"complete_text"`
	Defaults     map[string]any `yaml:"default_profile"`
}

// Load parses the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(content)
}

// Parse decodes a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse onboarding catalog: %w", err)
	}
	if len(c.Questions) == 0 {
		return nil, fmt.Errorf("onboarding catalog has no questions")
	}
	return &c, nil
}

// Answer is a client button for a question.
type Answer struct {
	Label   string `json:"label"`
	Payload string `json:"payload"`
}

// Step is the response for GET /onboarding/next-question.
type Step struct {
	Text     string   `json:"text"`
	Type     string   `json:"type,omitempty"`
	Trait    string   `json:"trait,omitempty"`
	Actions  []Answer `json:"actions,omitempty"`
	NextStep int      `json:"next_step"`
}

// Next returns the question at index step, or the completion message once
// every question has been asked.
func (c *Catalog) Next(step int) Step {
	if step >= 0 && step < len(c.Questions) {
		q := c.Questions[step]
		return Step{
			Text:     q.Text,
			Trait:    q.Trait,
			Actions:  []Answer{{Label: "YES", Payload: "YES"}, {Label: "NO", Payload: "NO"}},
			NextStep: step + 1,
		}
	}
	return Step{Text: c.CompleteText, Type: "complete", NextStep: 0}
}

// DefaultProfile returns a fresh copy of the default trait map.
func (c *Catalog) DefaultProfile() domain.Profile {
	p := make(domain.Profile, len(c.Defaults))
	maps.Copy(p, c.Defaults)
	return p
}

// Seed merges stored traits over the defaults.
func (c *Catalog) Seed(stored domain.Profile) domain.Profile {
	p := c.DefaultProfile()
	maps.Copy(p, stored)
	return p
}
