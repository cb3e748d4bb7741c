package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/companion/internal/domain"
	"github.com/ashureev/companion/internal/store"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

type fakeStore struct {
	mu          sync.Mutex
	nextID      int64
	tasks       map[int64]*domain.ScheduledTaskRecord
	completions []string
	profiles    map[string]domain.Profile
	peekErr     error
	scheduleErr error
	// batchFailAt makes ScheduleTasks fail on that entry index when non-negative.
	batchFailAt int
	peeks       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:       make(map[int64]*domain.ScheduledTaskRecord),
		profiles:    make(map[string]domain.Profile),
		batchFailAt: -1,
	}
}

func (f *fakeStore) add(at time.Time, payload domain.TaskPayload) int64 {
	id, _ := f.ScheduleTask(context.Background(), at, payload)
	return id
}

func (f *fakeStore) status(id int64) domain.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Status
}

func (f *fakeStore) NextDueTask(_ context.Context, from, to time.Time) (*domain.ScheduledTaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peeks++
	if f.peekErr != nil {
		return nil, f.peekErr
	}
	var due []*domain.ScheduledTaskRecord
	for _, r := range f.tasks {
		if r.Status == domain.TaskPending && !r.ScheduledAt.Before(from) && !r.ScheduledAt.After(to) {
			due = append(due, r)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	rec := *due[0]
	return &rec, nil
}

func (f *fakeStore) ScheduleTask(_ context.Context, at time.Time, payload domain.TaskPayload) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return 0, f.scheduleErr
	}
	f.nextID++
	f.tasks[f.nextID] = &domain.ScheduledTaskRecord{
		ID:          f.nextID,
		ScheduledAt: at,
		Status:      domain.TaskPending,
		IsRoutine:   payload.IsRoutine,
		Payload:     payload,
	}
	return f.nextID, nil
}

// ScheduleTasks stages the batch and publishes it only if every entry succeeds.
func (f *fakeStore) ScheduleTasks(_ context.Context, tasks []domain.NewTask) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	staged := make([]*domain.ScheduledTaskRecord, 0, len(tasks))
	for i, t := range tasks {
		if i == f.batchFailAt {
			return nil, errors.New("insert task: disk I/O error")
		}
		staged = append(staged, &domain.ScheduledTaskRecord{
			ID:          f.nextID + int64(i) + 1,
			ScheduledAt: t.At,
			Status:      domain.TaskPending,
			IsRoutine:   t.Payload.IsRoutine,
			Payload:     t.Payload,
		})
	}
	ids := make([]int64, 0, len(staged))
	for _, r := range staged {
		f.tasks[r.ID] = r
		ids = append(ids, r.ID)
	}
	f.nextID += int64(len(staged))
	return ids, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, id int64, from, to domain.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if !domain.CanTransition(from, to) {
		return store.ErrInvalidTransition
	}
	if r.Status != from {
		return store.ErrStatusConflict
	}
	r.Status = to
	return nil
}

func (f *fakeStore) LogCompletion(_ context.Context, name string, _ int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, name)
	return nil
}

func (f *fakeStore) PlanningContext(context.Context) (string, []domain.Routine, error) {
	return "14:00", []domain.Routine{{Activity: "Meds", Time: "08:00"}}, nil
}

func (f *fakeStore) SaveProfile(_ context.Context, userID string, profile domain.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[userID] = profile
	return nil
}

type fakeRewards struct {
	calls int
	total int
	err   error
}

func (f *fakeRewards) ProcessCompletion(_ context.Context, _ string, steps []domain.Step) (domain.RewardResult, error) {
	if f.err != nil {
		return domain.RewardResult{}, f.err
	}
	f.calls++
	gained := 10 * len(steps)
	f.total += gained
	return domain.RewardResult{GainedXP: gained, TotalXP: f.total, Streak: 1, Level: f.total/500 + 1}, nil
}

// fakeReasoner answers by prompt kind.
type fakeReasoner struct {
	mu        sync.Mutex
	intent    string
	decompose string
	plan      string
	reply     string
	err       error
	calls     map[string]int
}

func newFakeReasoner() *fakeReasoner {
	return &fakeReasoner{
		intent:    `{"intent": "conversation"}`,
		decompose: `{"steps": [{"text": "Pick up clothes", "difficulty": 2, "duration_minutes": 2}, {"text": "Make the bed", "difficulty": 3, "duration_minutes": 3}], "overall_difficulty": 3}`,
		plan:      `{"plan": []}`,
		reply:     "I'm listening.",
		calls:     make(map[string]int),
	}
}

func (f *fakeReasoner) Generate(_ context.Context, system, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind := "conversation"
	switch {
	case system == intentSystem:
		kind = "intent"
	case system == decomposeSystem:
		kind = "decompose"
	case strings.HasPrefix(system, "You are a bio-rhythm"):
		kind = "plan"
	}
	f.calls[kind]++
	if f.err != nil {
		return "", f.err
	}
	switch kind {
	case "intent":
		return f.intent, nil
	case "decompose":
		return f.decompose, nil
	case "plan":
		return f.plan, nil
	}
	return f.reply, nil
}

func (f *fakeReasoner) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

// memSessions commits a clone only when fn succeeds.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*domain.Session)}
}

func (m *memSessions) Do(_ context.Context, id string, fn func(*domain.Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = domain.NewSession(id, domain.Profile{"prefers_short_steps": true}, testNow)
		m.sessions[id] = s
	}
	work := s.Clone()
	if err := fn(work); err != nil {
		return err
	}
	m.sessions[id] = work
	return nil
}

func (m *memSessions) get(id string) *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

type harness struct {
	store    *fakeStore
	reasoner *fakeReasoner
	rewards  *fakeRewards
	sessions *memSessions
	engine   *Engine
}

func newHarness() *harness {
	h := &harness{
		store:    newFakeStore(),
		reasoner: newFakeReasoner(),
		rewards:  &fakeRewards{},
		sessions: newMemSessions(),
	}
	h.engine = NewEngine(h.sessions, h.reasoner, h.store, h.rewards, Options{Now: fixedNow})
	return h
}

var errBoom = errors.New("boom")

func (f *fakeStore) MissedTasks(_ context.Context, before time.Time, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, r := range f.tasks {
		if r.Status == domain.TaskPending && r.ScheduledAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// clock is a settable time source shared by the engine, sessions, and janitor.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
