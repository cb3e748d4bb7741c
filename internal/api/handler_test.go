//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/companion/internal/domain"
	"github.com/ashureev/companion/internal/onboarding"
	"github.com/ashureev/companion/internal/orchestrator"
	"github.com/ashureev/companion/internal/render"
	"github.com/ashureev/companion/internal/vision"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeEngine struct {
	mu      sync.Mutex
	events  []domain.Event
	ids     []string
	payload render.Payload
	err     error
	traits  domain.Profile
}

func (f *fakeEngine) Process(_ context.Context, id string, ev domain.Event) (render.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	f.events = append(f.events, ev)
	return f.payload, f.err
}

func (f *fakeEngine) Calibrate(_ context.Context, _ string, traits domain.Profile) (domain.Profile, error) {
	f.traits = traits
	merged := domain.Profile{"needs_breaks": true}
	for k, v := range traits {
		merged[k] = v
	}
	return merged, nil
}

type fakeSessions struct {
	sessions map[string]*domain.Session
	resets   []string
}

func (f *fakeSessions) View(id string, fn func(*domain.Session)) bool {
	s, ok := f.sessions[id]
	if ok {
		fn(s)
	}
	return ok
}

func (f *fakeSessions) Reset(id string) bool {
	f.resets = append(f.resets, id)
	_, ok := f.sessions[id]
	delete(f.sessions, id)
	return ok
}

func (f *fakeSessions) Len() int { return len(f.sessions) }

type fakeAnalyzer struct {
	claim string
	err   error
	got   []byte
}

func (f *fakeAnalyzer) ClaimFromImage(_ context.Context, image []byte) (string, error) {
	f.got = image
	return f.claim, f.err
}

type fixture struct {
	engine   *fakeEngine
	sessions *fakeSessions
	analyzer *fakeAnalyzer
	router   chi.Router
}

func newFixture(t *testing.T, limiter *RateLimiter) *fixture {
	t.Helper()
	catalog, err := onboarding.Load()
	require.NoError(t, err)

	f := &fixture{
		engine:   &fakeEngine{payload: render.Payload{Type: render.TypeStep, Text: "Pick up clothes", Level: 1}},
		sessions: &fakeSessions{sessions: make(map[string]*domain.Session)},
		analyzer: &fakeAnalyzer{claim: "The user needs to wash the dishes."},
	}
	h := NewHandler(f.engine, f.sessions, catalog, f.analyzer, limiter, Options{
		MaxUploadBytes: 1 << 10,
		NudgeAfter:     5 * time.Minute,
		Now:            func() time.Time { return testNow },
	})
	f.router = chi.NewRouter()
	h.RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(method, target string, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	return got
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusBadRequest, "nope")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"error":"nope"`) {
		t.Errorf("Unexpected body %s", w.Body.String())
	}
}

func TestHandleEventWrapsPayload(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/event", `{"session_id":"s1","event_type":"USER_INPUT","payload":"clean my room","energy_level":4}`)
	require.Equal(t, http.StatusOK, w.Code)

	got := decode(t, w)
	data := got["data"].(map[string]any)
	assert.Equal(t, "step", data["type"])
	assert.Equal(t, "Pick up clothes", data["text"])

	require.Len(t, f.engine.events, 1)
	ev := f.engine.events[0]
	assert.Equal(t, "s1", f.engine.ids[0])
	assert.Equal(t, domain.EventUserInput, ev.Type)
	assert.Equal(t, 4, ev.Energy)
	text, err := ev.Text()
	require.NoError(t, err)
	assert.Equal(t, "clean my room", text)
}

func TestHandleEventDefaultsEnergy(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPost, "/event", `{"session_id":"s1","event_type":"USER_ACTION","payload":"DONE"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.DefaultEnergy, f.engine.events[0].Energy)
}

func TestHandleEventWithoutSessionIsIdle(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPost, "/event", `{"session_id":"","event_type":"USER_INPUT","payload":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"type":"idle","text":""}}`, w.Body.String())
	assert.Empty(t, f.engine.events)
}

func TestHandleEventRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "malformed json", body: `{"session_id":`, want: http.StatusBadRequest},
		{name: "bad session id", body: `{"session_id":"a b","event_type":"USER_INPUT"}`, want: http.StatusBadRequest},
		{name: "energy out of range", body: `{"session_id":"s1","event_type":"USER_INPUT","energy_level":11}`, want: http.StatusBadRequest},
		{name: "invalid event", body: `{"session_id":"s1","event_type":"BOGUS"}`, err: orchestrator.ErrInvalidEvent, want: http.StatusBadRequest},
		{name: "unexpected failure", body: `{"session_id":"s1","event_type":"USER_INPUT"}`, err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.engine.err = tt.err
			w := f.do(http.MethodPost, "/event", tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, decode(t, w), "error")
		})
	}
}

func TestHandleEventRateLimited(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	defer limiter.Close()
	f := newFixture(t, limiter)

	body := `{"session_id":"s1","event_type":"USER_INPUT","payload":"HEARTBEAT"}`
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/event", body).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/event", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPost, "/event", body).Code)

	other := `{"session_id":"s2","event_type":"USER_INPUT","payload":"HEARTBEAT"}`
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/event", other).Code)
}

func TestHandleHeartbeat(t *testing.T) {
	f := newFixture(t, nil)

	idle := domain.NewSession("quiet", nil, testNow.Add(-time.Hour))
	stale := domain.NewSession("stuck", nil, testNow.Add(-6*time.Minute))
	stale.StartTask([]domain.Step{{Text: "one"}}, domain.IntentTaskDecomposition, "x", 0)
	fresh := domain.NewSession("busy", nil, testNow.Add(-time.Minute))
	fresh.StartTask([]domain.Step{{Text: "one"}}, domain.IntentTaskDecomposition, "x", 0)
	for _, s := range []*domain.Session{idle, stale, fresh} {
		f.sessions.sessions[s.ID] = s
	}

	tests := []struct {
		id   string
		want string
	}{
		{id: "quiet", want: render.TypeIdle},
		{id: "stuck", want: render.TypeNudge},
		{id: "busy", want: render.TypeIdle},
		{id: "unknown", want: render.TypeIdle},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			w := f.do(http.MethodGet, "/heartbeat/"+tt.id, "")
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, decode(t, w)["type"])
		})
	}
}

func TestHandleResetAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.sessions["s1"] = domain.NewSession("s1", nil, testNow)
	f.sessions.sessions["s2"] = domain.NewSession("s2", nil, testNow)

	got := decode(t, f.do(http.MethodGet, "/", ""))
	assert.EqualValues(t, 2, got["active_sessions"])

	w := f.do(http.MethodPost, "/reset?session_id=s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Session s1 wiped.", decode(t, w)["message"])
	assert.Equal(t, []string{"s1"}, f.sessions.resets)

	got = decode(t, f.do(http.MethodGet, "/", ""))
	assert.EqualValues(t, 1, got["active_sessions"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/reset", "").Code)
}

func TestHandleNextQuestion(t *testing.T) {
	f := newFixture(t, nil)

	got := decode(t, f.do(http.MethodGet, "/onboarding/next-question", ""))
	assert.EqualValues(t, 1, got["next_step"])
	assert.Len(t, got["actions"], 2)

	got = decode(t, f.do(http.MethodGet, "/onboarding/next-question?step=99", ""))
	assert.Equal(t, "complete", got["type"])
	assert.EqualValues(t, 0, got["next_step"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/onboarding/next-question?step=two", "").Code)
}

func TestHandleCalibrate(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/onboarding/calibrate", `{"session_id":"s1","responses":{"time_blindness":false}}`)
	require.Equal(t, http.StatusOK, w.Code)

	got := decode(t, w)
	assert.Equal(t, "Success", got["message"])
	assert.Equal(t, map[string]any{"needs_breaks": true, "time_blindness": false}, got["new_pfp"])
	assert.Equal(t, domain.Profile{"time_blindness": false}, f.engine.traits)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/onboarding/calibrate", `{"responses":{}}`).Code)
}

func multipartUpload(t *testing.T, field string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, "photo.png")
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *fixture) upload(t *testing.T, target, field string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, field, content)
	r := httptest.NewRequest(http.MethodPost, target, body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func TestHandleVisionFeedsClaim(t *testing.T) {
	f := newFixture(t, nil)

	w := f.upload(t, "/vision/s1", "file", []byte("\x89PNG fake"))
	require.Equal(t, http.StatusOK, w.Code)

	got := decode(t, w)
	assert.Equal(t, "vision_synced", got["status"])
	assert.Equal(t, "The user needs to wash the dishes.", got["claim"])
	assert.Equal(t, "step", got["data"].(map[string]any)["type"])
	assert.Equal(t, []byte("\x89PNG fake"), f.analyzer.got)

	require.Len(t, f.engine.events, 1)
	text, err := f.engine.events[0].Text()
	require.NoError(t, err)
	assert.Equal(t, vision.SyncPrefix+"The user needs to wash the dishes.", text)
	assert.Equal(t, domain.DefaultEnergy, f.engine.events[0].Energy)
}

func TestHandleVisionFailures(t *testing.T) {
	t.Run("pipeline error", func(t *testing.T) {
		f := newFixture(t, nil)
		f.analyzer.err = vision.ErrPipeline
		w := f.upload(t, "/vision/s1", "file", []byte("img"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "Vision pipeline failed", decode(t, w)["error"])
		assert.Empty(t, f.engine.events)
	})
	t.Run("missing file", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.upload(t, "/vision/s1", "photo", []byte("img"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("too large", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.upload(t, "/vision/s1", "file", bytes.Repeat([]byte("x"), 4<<10))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()
	now := testNow
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s2"), "sessions have separate buckets")

	// One token comes back every window/limit.
	now = now.Add(31 * time.Second)
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))

	now = now.Add(2 * time.Minute)
	rl.evict()
	rl.mu.Lock()
	assert.Empty(t, rl.limiters)
	rl.mu.Unlock()
}
