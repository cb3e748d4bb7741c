package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/ashureev/companion/internal/domain"
	"github.com/ashureev/companion/internal/reasoner"
	"github.com/ashureev/companion/internal/redact"
	"github.com/ashureev/companion/internal/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ashureev/companion/internal/orchestrator"

// maxPasses bounds the decide, act, decide loop of a turn.
const maxPasses = 2

const (
	cancelReply  = "Everything cleared. I'm standing by for a fresh start."
	profileReply = "Neural frequency tuned. I've adjusted my pacing to match your energy."
)

// Engine handles inbound events for sessions.
type Engine struct {
	sessions  Sessions
	reasoner  reasoner.Reasoner
	store     Store
	rewards   RewardProcessor
	scheduler *Scheduler
	executor  *Executor
	opts      Options

	tracer    trace.Tracer
	decisions metric.Int64Counter
	failures  metric.Int64Counter
}

// NewEngine wires the scheduler, arbiter, and executor around the collaborators.
func NewEngine(sessions Sessions, r reasoner.Reasoner, st Store, rewards RewardProcessor, opts Options) *Engine {
	opts = opts.withDefaults()
	tracer := otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)

	decisions, err := meter.Int64Counter("companion.decisions",
		metric.WithDescription("Scheduler decisions by tag"))
	if err != nil {
		slog.Warn("Failed to create decision counter", "error", err)
	}
	failures, err := meter.Int64Counter("companion.turn_failures",
		metric.WithDescription("Turns that ended with the unstable reply"))
	if err != nil {
		slog.Warn("Failed to create failure counter", "error", err)
	}

	arbiter := NewArbiter(st, opts.DueWindow, opts.Now)
	return &Engine{
		sessions:  sessions,
		reasoner:  r,
		store:     st,
		rewards:   rewards,
		scheduler: NewScheduler(arbiter, opts.BreakEnergy),
		executor:  NewExecutor(r, st, opts.Now, tracer),
		opts:      opts,
		tracer:    tracer,
		decisions: decisions,
		failures:  failures,
	}
}

// Process handles one event for the session with the given id. Any failure
// other than an invalid event leaves the session exactly as it was and
// yields the unstable reply.
func (e *Engine) Process(ctx context.Context, sessionID string, ev domain.Event) (render.Payload, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.process", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("event.type", string(ev.Type)),
	))
	defer span.End()

	var (
		out      render.Payload
		progress domain.Progress
	)
	err := e.sessions.Do(ctx, sessionID, func(s *domain.Session) error {
		progress = s.Progress
		p, err := e.Handle(ctx, s, ev)
		if err != nil {
			return err
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("session invariant violated: %w", err)
		}
		out = p
		return nil
	})
	if err == nil {
		return out, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, ErrInvalidEvent) {
		return render.Payload{}, err
	}

	slog.Error("Turn failed", "session_id", sessionID, "event_type", ev.Type, "error", err)
	if e.failures != nil {
		e.failures.Add(ctx, 1)
	}
	s := domain.Session{Progress: progress}
	return render.Message(&s, UnstableReply), nil
}

// Handle runs one event against s. The caller owns s and decides whether to
// keep it when an error is returned. Heartbeats do not count as user activity.
func (e *Engine) Handle(ctx context.Context, s *domain.Session, ev domain.Event) (render.Payload, error) {
	energy := ev.Energy

	switch ev.Type {
	case domain.EventUserInput:
		text, err := ev.Text()
		if err != nil {
			return render.Payload{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		text = strings.TrimSpace(text)
		if text == "" || text == domain.HeartbeatPayload {
			return e.turn(ctx, s, Turn{Energy: energy})
		}
		s.LastActionAt = e.opts.Now()

		masked := redact.PII(text)
		slots, err := e.classify(ctx, masked)
		if err != nil {
			return render.Payload{}, err
		}
		intent := slots.ParsedIntent()
		if intent.StartsNewTask() && s.Paused == nil && s.HasActiveTask() {
			slog.Info("Abandoning active task for new request", "session_id", s.ID, "intent", intent)
			s.ClearActiveTask()
		}
		s.CurrentIntent = intent
		return e.turn(ctx, s, Turn{Text: masked, Energy: energy, Intent: slots})

	case domain.EventUserAction:
		action, err := ev.Text()
		if err != nil {
			return render.Payload{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		s.LastActionAt = e.opts.Now()
		return e.handleAction(ctx, s, domain.Action(strings.TrimSpace(action)), energy)

	case domain.EventProfileUpdate:
		traits, err := ev.Traits()
		if err != nil {
			return render.Payload{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		s.LastActionAt = e.opts.Now()
		e.mergeProfile(ctx, s, traits)
		p := render.Message(s, profileReply)
		p.OnboardingComplete = true
		return p, nil
	}

	return render.Payload{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, ev.Type)
}

func (e *Engine) handleAction(ctx context.Context, s *domain.Session, action domain.Action, energy int) (render.Payload, error) {
	switch action {
	case domain.ActionDone:
		completed, err := e.advance(ctx, s, energy)
		if err != nil {
			return render.Payload{}, err
		}
		if completed {
			e.countDecision(ctx, domain.DecisionShowCelebration)
			return render.Render(domain.DecisionShowCelebration, s), nil
		}
	case domain.ActionResume:
		Resume(s)
	case domain.ActionCancelResume:
		CancelResume(ctx, s, e.store)
		s.QueueReply(cancelReply)
	case domain.ActionCommitTask:
		s.CommitmentConfirmed = true
	case domain.ActionSkipTask:
		skipPending(ctx, s, e.store)
	default:
		return render.Payload{}, fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, action)
	}
	return e.turn(ctx, s, Turn{Energy: energy})
}

// turn runs the bounded decide, act, decide loop and renders the final decision.
// The intent of the input is spent when the turn ends.
func (e *Engine) turn(ctx context.Context, s *domain.Session, t Turn) (render.Payload, error) {
	defer func() { s.CurrentIntent = domain.IntentNone }()

	for pass := 1; ; pass++ {
		d := e.scheduler.Decide(ctx, t.Energy, s)
		e.countDecision(ctx, d)
		slog.Debug("Scheduler decision", "session_id", s.ID, "pass", pass, "decision", d)

		if d.IsPresentation() || pass == maxPasses {
			return render.Render(d, s), nil
		}
		if err := e.executor.Execute(ctx, d, s, t); err != nil {
			return render.Payload{}, err
		}
		s.CurrentIntent = domain.IntentNone
	}
}

// classify reads the intent of masked user text. Unusable classifier output
// degrades to conversation; a failed call fails the turn.
func (e *Engine) classify(ctx context.Context, text string) (*reasoner.IntentResult, error) {
	raw, err := e.reasoner.Generate(ctx, intentSystem, intentUser(text, e.opts.Now()))
	if err != nil {
		return nil, fmt.Errorf("classify intent: %w", err)
	}
	var slots reasoner.IntentResult
	if err := reasoner.DecodeJSON(raw, reasoner.KindIntent, "intent", &slots); err != nil {
		slog.Warn("Intent output unusable, treating as conversation", "error", err)
		return &reasoner.IntentResult{Intent: string(domain.IntentConversation)}, nil
	}
	return &slots, nil
}

// Calibrate merges onboarding answers into the session profile and persists it.
func (e *Engine) Calibrate(ctx context.Context, sessionID string, traits domain.Profile) (domain.Profile, error) {
	var merged domain.Profile
	err := e.sessions.Do(ctx, sessionID, func(s *domain.Session) error {
		e.mergeProfile(ctx, s, traits)
		merged = maps.Clone(s.Profile)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (e *Engine) mergeProfile(ctx context.Context, s *domain.Session, traits domain.Profile) {
	if s.Profile == nil {
		s.Profile = make(domain.Profile, len(traits))
	}
	maps.Copy(s.Profile, traits)
	if err := e.store.SaveProfile(ctx, s.ID, s.Profile); err != nil {
		slog.Warn("Failed to persist profile", "session_id", s.ID, "error", err)
	}
}

func (e *Engine) countDecision(ctx context.Context, d domain.Decision) {
	if e.decisions == nil {
		return
	}
	e.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(d))))
}
