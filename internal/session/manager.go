// Package session keeps live orchestration state keyed by session id.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/companion/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ProfileSource loads a persisted trait map, nil when none exists.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
}

// Config bounds the live session set.
type Config struct {
	// Capacity is the maximum number of live sessions; the least recently
	// used session is evicted beyond it.
	Capacity int
	// TTL evicts sessions idle for longer than this.
	TTL time.Duration
	// Seed builds the initial profile from the stored one.
	Seed func(stored domain.Profile) domain.Profile
	// Now returns the current time.
	Now func() time.Time
}

type entry struct {
	mu      sync.Mutex
	session *domain.Session
	// dropped is set by Reset; a turn still running on the entry is discarded.
	dropped atomic.Bool
}

// turnLock serializes Do calls for one id. It lives outside the cache so that
// eviction or Reset cannot let a second turn start beside a running one.
type turnLock struct {
	mu   sync.Mutex
	refs int
}

// Manager serializes work per session and runs it against a copy that is
// committed only on success.
type Manager struct {
	profiles ProfileSource
	seed     func(domain.Profile) domain.Profile
	now      func() time.Time

	mu    sync.Mutex
	cache *expirable.LRU[string, *entry]
	turns map[string]*turnLock
}

// NewManager creates a session manager.
func NewManager(profiles ProfileSource, cfg Config) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.Seed == nil {
		cfg.Seed = func(p domain.Profile) domain.Profile { return p }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	onEvict := func(id string, _ *entry) {
		slog.Debug("Session evicted", "session_id", id)
	}
	return &Manager{
		profiles: profiles,
		seed:     cfg.Seed,
		now:      cfg.Now,
		cache:    expirable.NewLRU[string, *entry](cfg.Capacity, onEvict, cfg.TTL),
		turns:    make(map[string]*turnLock),
	}
}

// Do runs fn against a deep copy of the session, creating the session on
// first use. The copy replaces the live session only when fn returns nil.
// Calls for the same id never overlap. A session reset while fn runs stays
// reset and the result is discarded.
func (m *Manager) Do(ctx context.Context, id string, fn func(*domain.Session) error) error {
	unlock := m.lockTurn(id)
	defer unlock()

	e, err := m.load(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	work := e.session.Clone()
	e.mu.Unlock()

	if err := fn(work); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.dropped.Load() {
		slog.Info("Session reset during turn, discarding result", "session_id", id)
		return nil
	}

	e.mu.Lock()
	e.session = work
	e.mu.Unlock()

	// Refresh the idle deadline, re-admitting the entry if it was evicted
	// mid-turn. Only Do creates entries and it holds the turn lock, so no
	// other entry for id can exist here.
	m.cache.Add(id, e)
	return nil
}

// View calls fn with the live session under its lock, without creating one.
// fn must not modify or retain the session. It reports whether the session exists.
func (m *Manager) View(id string, fn func(*domain.Session)) bool {
	m.mu.Lock()
	e, ok := m.cache.Peek(id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.session)
	return true
}

// Reset drops a session. It reports whether the session existed.
func (m *Manager) Reset(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache.Peek(id)
	if !ok {
		return false
	}
	e.dropped.Store(true)
	return m.cache.Remove(id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// HeldTasks returns the ids of queue records that live sessions are offering
// or holding for later promotion.
func (m *Manager) HeldTasks() map[int64]struct{} {
	m.mu.Lock()
	entries := m.cache.Values()
	m.mu.Unlock()

	held := make(map[int64]struct{})
	for _, e := range entries {
		e.mu.Lock()
		for _, p := range []*domain.PendingTask{e.session.PendingTask, e.session.RoutineBuffer} {
			if p != nil && p.TaskID != 0 {
				held[p.TaskID] = struct{}{}
			}
		}
		e.mu.Unlock()
	}
	return held
}

func (m *Manager) lockTurn(id string) func() {
	m.mu.Lock()
	l, ok := m.turns[id]
	if !ok {
		l = &turnLock{}
		m.turns[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.turns, id)
		}
		m.mu.Unlock()
	}
}

// load returns the entry for id, creating it from the stored profile. The
// caller holds the turn lock for id.
func (m *Manager) load(ctx context.Context, id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.cache.Get(id)
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	var stored domain.Profile
	if m.profiles != nil {
		p, err := m.profiles.GetProfile(ctx, id)
		if err != nil {
			slog.Warn("Failed to load profile, using defaults", "session_id", id, "error", err)
		} else if p != nil {
			slog.Info("Restoring profile", "session_id", id)
			stored = p
		}
	}

	created := &entry{session: domain.NewSession(id, m.seed(stored), m.now())}
	m.mu.Lock()
	m.cache.Add(id, created)
	m.mu.Unlock()
	return created, nil
}
