package orchestrator

import (
	"context"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"
	"time"

	"github.com/ashureev/companion/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(st *fakeStore) *Scheduler {
	return NewScheduler(NewArbiter(st, 10*time.Minute, fixedNow), 2)
}

func sessionWithTask() *domain.Session {
	s := domain.NewSession("s1", nil, testNow)
	s.StartTask([]domain.Step{{Text: "one"}, {Text: "two"}}, domain.IntentTaskDecomposition, "clean room", 0)
	return s
}

func TestDecidePriorityOrder(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(s *domain.Session)
		energy int
		want   domain.Decision
	}{
		{
			name: "queued reply beats everything",
			setup: func(s *domain.Session) {
				s.QueueReply("hi")
				s.CurrentIntent = domain.IntentTaskDecomposition
			},
			energy: 10,
			want:   domain.DecisionShowChat,
		},
		{
			name: "decomposition without active task",
			setup: func(s *domain.Session) {
				s.ClearActiveTask()
				s.CurrentIntent = domain.IntentTaskDecomposition
			},
			energy: 10,
			want:   domain.DecisionDecomposeTask,
		},
		{
			name: "day planning without active task",
			setup: func(s *domain.Session) {
				s.ClearActiveTask()
				s.CurrentIntent = domain.IntentDayPlanning
			},
			energy: 10,
			want:   domain.DecisionPlanDecompose,
		},
		{
			name:   "routine registration allowed mid-task",
			setup:  func(s *domain.Session) { s.CurrentIntent = domain.IntentRoutineManagement },
			energy: 10,
			want:   domain.DecisionRoutine,
		},
		{
			name:   "decomposition with active task falls through",
			setup:  func(s *domain.Session) { s.CurrentIntent = domain.IntentTaskDecomposition },
			energy: 10,
			want:   domain.DecisionShowStep,
		},
		{
			name:   "conversation with active task interrupts",
			setup:  func(s *domain.Session) { s.CurrentIntent = domain.IntentConversation },
			energy: 10,
			want:   domain.DecisionInterruption,
		},
		{
			name: "conversation without active task chats",
			setup: func(s *domain.Session) {
				s.ClearActiveTask()
				s.CurrentIntent = domain.IntentConversation
			},
			energy: 10,
			want:   domain.DecisionChat,
		},
		{
			name:   "conversation beats low energy",
			setup:  func(s *domain.Session) { s.CurrentIntent = domain.IntentConversation },
			energy: 1,
			want:   domain.DecisionInterruption,
		},
		{
			name:   "energy gate at threshold",
			setup:  func(*domain.Session) {},
			energy: 2,
			want:   domain.DecisionSuggestBreak,
		},
		{
			name:   "above threshold shows step",
			setup:  func(*domain.Session) {},
			energy: 3,
			want:   domain.DecisionShowStep,
		},
		{
			name: "paused task prompts resume",
			setup: func(s *domain.Session) {
				Pause(s)
			},
			energy: 10,
			want:   domain.DecisionResumePrompt,
		},
		{
			name: "paused snapshot without flag is ignored",
			setup: func(s *domain.Session) {
				Pause(s)
				s.IsPaused = false
			},
			energy: 10,
			want:   domain.DecisionIdle,
		},
		{
			name:   "idle",
			setup:  func(s *domain.Session) { s.ClearActiveTask() },
			energy: 1,
			want:   domain.DecisionIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sessionWithTask()
			tt.setup(s)
			got := newScheduler(newFakeStore()).Decide(context.Background(), tt.energy, s)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecideEnergyGateSkipsQueuePeek(t *testing.T) {
	st := newFakeStore()
	st.add(testNow.Add(-time.Minute), domain.TaskPayload{Activity: "Meds", IsRoutine: true})

	s := sessionWithTask()
	assert.Equal(t, domain.DecisionSuggestBreak, newScheduler(st).Decide(context.Background(), 2, s))
	assert.Nil(t, s.RoutineBuffer)
	assert.Zero(t, st.peeks)
}

func TestDecideQueuePeekFailureIsNotFatal(t *testing.T) {
	st := newFakeStore()
	st.peekErr = errBoom
	s := sessionWithTask()
	assert.Equal(t, domain.DecisionShowStep, newScheduler(st).Decide(context.Background(), 5, s))
}

func TestAskCommitmentOncePerRecord(t *testing.T) {
	st := newFakeStore()
	id := st.add(testNow.Add(-3*time.Minute), domain.TaskPayload{Activity: "Pay rent"})
	sc := newScheduler(st)
	s := domain.NewSession("s1", nil, testNow)

	assert.Equal(t, domain.DecisionAskCommitment, sc.Decide(context.Background(), 10, s))
	require.NotNil(t, s.PendingTask)
	assert.Equal(t, id, s.PendingTask.TaskID)

	// The record is still due, but it is already awaiting commitment.
	for range 3 {
		assert.Equal(t, domain.DecisionIdle, sc.Decide(context.Background(), 10, s))
	}

	s.CommitmentConfirmed = true
	assert.Equal(t, domain.DecisionTriggerDeferred, sc.Decide(context.Background(), 10, s))
}

func TestRoutineNotifiedOnce(t *testing.T) {
	st := newFakeStore()
	id := st.add(testNow.Add(-time.Minute), domain.TaskPayload{Activity: "Meds", IsRoutine: true})
	sc := newScheduler(st)
	s := sessionWithTask()

	assert.Equal(t, domain.DecisionNotifyRoutine, sc.Decide(context.Background(), 10, s))
	require.NotNil(t, s.RoutineBuffer)
	assert.Equal(t, id, s.RoutineBuffer.TaskID)

	assert.Equal(t, domain.DecisionShowStep, sc.Decide(context.Background(), 10, s))
	assert.Equal(t, domain.DecisionShowStep, sc.Decide(context.Background(), 10, s))
}

func TestSecondRoutineWaitsForFirst(t *testing.T) {
	st := newFakeStore()
	first := st.add(testNow.Add(-5*time.Minute), domain.TaskPayload{Activity: "Meds", IsRoutine: true})
	st.add(testNow.Add(-2*time.Minute), domain.TaskPayload{Activity: "Water plants", IsRoutine: true})
	sc := newScheduler(st)
	s := sessionWithTask()

	assert.Equal(t, domain.DecisionNotifyRoutine, sc.Decide(context.Background(), 10, s))
	assert.Equal(t, first, s.RoutineBuffer.TaskID)
	// The earliest record keeps winning the peek until it is resolved.
	assert.Equal(t, domain.DecisionShowStep, sc.Decide(context.Background(), 10, s))
	assert.Equal(t, first, s.RoutineBuffer.TaskID)
}

func TestDueOneOffNeverOverridesActiveTask(t *testing.T) {
	st := newFakeStore()
	st.add(testNow.Add(-time.Minute), domain.TaskPayload{Activity: "Pay rent"})
	s := sessionWithTask()

	assert.Equal(t, domain.DecisionShowStep, newScheduler(st).Decide(context.Background(), 10, s))
	assert.Nil(t, s.PendingTask)
}

func TestDueWindowExcludesStaleRecords(t *testing.T) {
	st := newFakeStore()
	st.add(testNow.Add(-11*time.Minute), domain.TaskPayload{Activity: "stale"})
	st.add(testNow.Add(time.Minute), domain.TaskPayload{Activity: "future"})
	s := domain.NewSession("s1", nil, testNow)

	assert.Equal(t, domain.DecisionIdle, newScheduler(st).Decide(context.Background(), 10, s))
}

func TestPromotedRoutineIsOffered(t *testing.T) {
	s := domain.NewSession("s1", nil, testNow)
	s.PendingTask = &domain.PendingTask{TaskID: 9, Payload: domain.TaskPayload{Activity: "Meds", IsRoutine: true}}

	sc := newScheduler(newFakeStore())
	assert.Equal(t, domain.DecisionAskCommitment, sc.Decide(context.Background(), 10, s))
	assert.True(t, s.PendingTask.Offered)
	assert.Equal(t, domain.DecisionIdle, sc.Decide(context.Background(), 10, s))
}

type stepCount int

func (stepCount) Generate(r *rand.Rand, _ int) reflect.Value {
	return reflect.ValueOf(stepCount(1 + r.Intn(12)))
}

func TestPauseResumeRoundTrip(t *testing.T) {
	prop := func(n stepCount, at uint8) bool {
		steps := make([]domain.Step, int(n))
		for i := range steps {
			steps[i] = domain.Step{Text: "s", Difficulty: i % 10}
		}
		s := domain.NewSession("s1", nil, testNow)
		s.StartTask(steps, domain.IntentDayPlanning, "origin", 7)
		s.Active.Index = int(at) % (len(steps) + 1)
		before := *s.Active

		Pause(s)
		if s.Active != nil || s.Paused == nil || !s.IsPaused {
			return false
		}
		Resume(s)
		return s.Active != nil &&
			s.Active.Index == before.Index &&
			s.Active.Intent == before.Intent &&
			len(s.Active.Steps) == len(before.Steps) &&
			s.Active.SourceTaskID == before.SourceTaskID &&
			s.Paused == nil && !s.IsPaused
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Error(err)
	}
}

func TestPauseWithoutActiveTaskIsNoop(t *testing.T) {
	s := domain.NewSession("s1", nil, testNow)
	Pause(s)
	assert.Nil(t, s.Paused)
	assert.False(t, s.IsPaused)

	Resume(s)
	assert.Nil(t, s.Active)
}

func TestCancelResumeSkipsPending(t *testing.T) {
	st := newFakeStore()
	id := st.add(testNow, domain.TaskPayload{Activity: "Pay rent"})

	s := sessionWithTask()
	Pause(s)
	s.PendingTask = &domain.PendingTask{TaskID: id, Offered: true}
	s.CommitmentConfirmed = true

	CancelResume(context.Background(), s, st)
	assert.Nil(t, s.Paused)
	assert.False(t, s.IsPaused)
	assert.Nil(t, s.PendingTask)
	assert.False(t, s.CommitmentConfirmed)
	assert.Equal(t, domain.IntentConversation, s.CurrentIntent)
	assert.Equal(t, domain.TaskSkipped, st.status(id))
}
