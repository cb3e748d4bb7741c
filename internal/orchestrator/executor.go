package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/companion/internal/domain"
	"github.com/ashureev/companion/internal/reasoner"
	"github.com/ashureev/companion/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Replies queued by executor actions.
const (
	planReply      = "I've organized your day around your energy peaks. I'll nudge you when it's time for each task!"
	emptyPlanReply = "I couldn't find anything to schedule in that. Tell me what's on your plate today."
	claimedReply   = "That task was already picked up, so I've cleared it from your queue."
)

const (
	defaultPlanDifficulty    = 3
	defaultRoutineDifficulty = 3
	defaultRoutineName       = "New Routine"
)

// Turn carries the input of the event being handled.
type Turn struct {
	// Text is the user input after PII masking, empty for non-text events.
	Text   string
	Energy int
	// Intent is the classifier's reading of Text, nil when Text is empty.
	Intent *reasoner.IntentResult
}

// Executor performs the side-effecting decisions.
type Executor struct {
	reasoner reasoner.Reasoner
	store    Store
	now      func() time.Time
	tracer   trace.Tracer
}

// NewExecutor creates an executor.
func NewExecutor(r reasoner.Reasoner, st Store, now func() time.Time, tracer trace.Tracer) *Executor {
	return &Executor{reasoner: r, store: st, now: now, tracer: tracer}
}

// Execute performs decision against s. On error, s may be partially modified
// and must be discarded by the caller.
func (x *Executor) Execute(ctx context.Context, d domain.Decision, s *domain.Session, turn Turn) error {
	ctx, span := x.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(attribute.String("decision", string(d))))
	defer span.End()

	var err error
	switch d {
	case domain.DecisionDecomposeTask:
		err = x.decompose(ctx, s, turn)
	case domain.DecisionTriggerDeferred:
		err = x.triggerDeferred(ctx, s)
	case domain.DecisionInterruption:
		Pause(s)
		err = x.converse(ctx, s, turn.Text)
	case domain.DecisionChat:
		err = x.converse(ctx, s, turn.Text)
	case domain.DecisionPlanDecompose:
		err = x.planDay(ctx, s, turn)
	case domain.DecisionRoutine:
		err = x.registerRoutine(ctx, s, turn)
	default:
		err = fmt.Errorf("no executor for decision %q", d)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (x *Executor) breakDown(ctx context.Context, s *domain.Session, task string) ([]domain.Step, error) {
	raw, err := x.reasoner.Generate(ctx, decomposeSystem, decomposeUser(s.Profile, task))
	if err != nil {
		return nil, fmt.Errorf("decompose %q: %w", task, err)
	}
	var out reasoner.Decomposition
	if err := reasoner.DecodeJSON(raw, reasoner.KindStructuredOutput, "decomposition", &out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

func (x *Executor) decompose(ctx context.Context, s *domain.Session, turn Turn) error {
	task := turn.Text
	if task == "" {
		return errors.New("decompose: no task text")
	}
	steps, err := x.breakDown(ctx, s, task)
	if err != nil {
		return err
	}
	s.StartTask(steps, domain.IntentTaskDecomposition, task, 0)
	return nil
}

// triggerDeferred starts the task the user committed to. The record is
// claimed with a compare-and-set only after decomposition succeeds, so a
// failed decomposition leaves it pending.
func (x *Executor) triggerDeferred(ctx context.Context, s *domain.Session) error {
	pending := s.PendingTask
	if pending == nil {
		return errors.New("trigger deferred task: nothing pending")
	}

	steps, err := x.breakDown(ctx, s, pending.Payload.Activity)
	if err != nil {
		return err
	}

	s.PendingTask = nil
	s.CommitmentConfirmed = false

	err = x.store.UpdateTaskStatus(ctx, pending.TaskID, domain.TaskPending, domain.TaskActive)
	switch {
	case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
		slog.Info("Deferred task already claimed", "session_id", s.ID, "task_id", pending.TaskID)
		s.QueueReply(claimedReply)
		return nil
	case err != nil:
		slog.Warn("Failed to activate deferred task", "session_id", s.ID, "task_id", pending.TaskID, "error", err)
	}

	s.StartTask(steps, domain.IntentTaskDecomposition, pending.Payload.Activity, pending.TaskID)
	return nil
}

func (x *Executor) converse(ctx context.Context, s *domain.Session, text string) error {
	system := conversationSystem(s.RecentHistory(historyWindow), s.LastAIMessage)
	reply, err := x.reasoner.Generate(ctx, system, conversationUser(s.Profile, text))
	if err != nil {
		return fmt.Errorf("conversation reply: %w", err)
	}
	s.RecordExchange(text, reply)
	s.QueueReply(reply)
	return nil
}

func (x *Executor) planDay(ctx context.Context, s *domain.Session, turn Turn) error {
	peak, routines, err := x.store.PlanningContext(ctx)
	if err != nil {
		slog.Warn("Planning context unavailable, using defaults", "session_id", s.ID, "error", err)
		peak, routines = "10:00", nil
	}

	now := x.now()
	raw, err := x.reasoner.Generate(ctx, planSystem(peak, routines, now), planUser(s.Profile, turn.Energy, turn.Text))
	if err != nil {
		return fmt.Errorf("plan day: %w", err)
	}
	var plan reasoner.Plan
	if err := reasoner.DecodeJSON(raw, reasoner.KindStructuredOutput, "plan", &plan); err != nil {
		return err
	}

	tasks := make([]domain.NewTask, len(plan.Plan))
	for i, entry := range plan.Plan {
		at, err := domain.ParseTaskTime(strings.TrimSpace(entry.StartTime), now)
		if err != nil {
			return &reasoner.ParseError{Kind: reasoner.KindStructuredOutput, Schema: "plan", Raw: raw, Err: err}
		}
		difficulty := entry.Difficulty
		if difficulty <= 0 {
			difficulty = defaultPlanDifficulty
		}
		tasks[i] = domain.NewTask{At: at, Payload: domain.TaskPayload{
			Activity:   entry.Activity,
			Difficulty: difficulty,
			Origin:     string(domain.IntentDayPlanning),
		}}
	}
	if _, err := x.store.ScheduleTasks(ctx, tasks); err != nil {
		return fmt.Errorf("schedule plan: %w", err)
	}

	if len(plan.Plan) == 0 {
		s.QueueReply(emptyPlanReply)
	} else {
		s.QueueReply(planReply)
	}
	s.CurrentIntent = domain.IntentConversation
	return nil
}

func (x *Executor) registerRoutine(ctx context.Context, s *domain.Session, turn Turn) error {
	slots := turn.Intent
	if slots == nil {
		raw, err := x.reasoner.Generate(ctx, intentSystem, intentUser(turn.Text, x.now()))
		if err != nil {
			return fmt.Errorf("extract routine: %w", err)
		}
		slots = &reasoner.IntentResult{}
		if err := reasoner.DecodeJSON(raw, reasoner.KindStructuredOutput, "routine", slots); err != nil {
			return err
		}
	}

	activity := strings.TrimSpace(slots.Action)
	if activity == "" {
		activity = defaultRoutineName
	}
	s.CurrentIntent = domain.IntentConversation

	clock := strings.TrimSpace(slots.TimeOfTask)
	at, err := domain.ParseTaskTime(clock, x.now())
	if clock == "" || err != nil {
		s.QueueReply(fmt.Sprintf("What time should I set for %s?", activity))
		return nil
	}

	payload := domain.TaskPayload{
		Activity:   activity,
		Difficulty: defaultRoutineDifficulty,
		IsRoutine:  true,
		Origin:     string(domain.IntentRoutineManagement),
	}
	if _, err := x.store.ScheduleTask(ctx, at, payload); err != nil {
		return fmt.Errorf("schedule routine %q: %w", activity, err)
	}
	s.QueueReply(fmt.Sprintf("Locked in: %s for %s.", activity, clock))
	return nil
}
