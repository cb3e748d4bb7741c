// Package reasoner defines the text-generation contract used by the orchestrator
// and validates the structured output it returns.
package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reasoner maps a system and user prompt pair to generated text.
type Reasoner interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Func adapts a plain function to the Reasoner interface.
type Func func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}

var (
	// ErrTimeout is returned when a generation call exceeds its deadline.
	ErrTimeout = errors.New("reasoner: generation timed out")
	// ErrIntentParse marks classifier output that is not usable structured data.
	ErrIntentParse = errors.New("reasoner: intent output unparseable")
	// ErrStructuredOutput marks decomposition or planning output that is not usable.
	ErrStructuredOutput = errors.New("reasoner: structured output unparseable")
)

// Kind distinguishes which caller failed to parse Reasoner output.
type Kind int

const (
	KindStructuredOutput Kind = iota
	KindIntent
)

// ParseError reports Reasoner text that did not match the expected schema.
type ParseError struct {
	Kind   Kind
	Schema string
	Raw    string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s output: %v", e.Schema, e.Err)
}

// Unwrap exposes both the cause and the sentinel for the error kind.
func (e *ParseError) Unwrap() []error {
	sentinel := ErrStructuredOutput
	if e.Kind == KindIntent {
		sentinel = ErrIntentParse
	}
	return []error{sentinel, e.Err}
}

// Validator is implemented by decoded schemas that check their own required fields.
type Validator interface {
	Validate() error
}

// DecodeJSON extracts the JSON object from text and decodes it into v.
// Markdown fences and prose around the object are tolerated. If v implements
// Validator, it must also pass validation.
func DecodeJSON(text string, kind Kind, schema string, v any) error {
	fail := func(err error) error {
		return &ParseError{Kind: kind, Schema: schema, Raw: text, Err: err}
	}

	body := extractObject(text)
	if body == "" {
		return fail(errors.New("no JSON object found"))
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fail(err)
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return fail(err)
		}
	}
	return nil
}

func extractObject(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

// WithTimeout bounds every Generate call of r. Expiry surfaces as ErrTimeout.
func WithTimeout(r Reasoner, d time.Duration) Reasoner {
	if d <= 0 {
		return r
	}
	return Func(func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		text, err := r.Generate(ctx, systemPrompt, userPrompt)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %w", ErrTimeout, d, err)
		}
		return text, err
	})
}
