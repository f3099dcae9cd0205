package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/audiobook-platform/internal/platform/auth"
	"github.com/example/audiobook-platform/services/listening/internal/progress"
	"github.com/example/audiobook-platform/services/listening/internal/store"
)

type stubQueue struct {
	events []progress.Event
	err    error
}

func (q *stubQueue) PublishFlush(_ context.Context, ev progress.Event) error {
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	return nil
}

type stubAnonStore struct {
	saved   map[string]store.AnonymousProgress
	cleared []string
}

func newStubAnonStore() *stubAnonStore {
	return &stubAnonStore{saved: make(map[string]store.AnonymousProgress)}
}

func (s *stubAnonStore) Save(_ context.Context, deviceID string, p store.AnonymousProgress) error {
	s.saved[deviceID+"/"+p.WorkID] = p
	return nil
}

func (s *stubAnonStore) Get(_ context.Context, deviceID, workID string) (*store.AnonymousProgress, error) {
	p, ok := s.saved[deviceID+"/"+workID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *stubAnonStore) Clear(_ context.Context, deviceID, workID string) error {
	s.cleared = append(s.cleared, deviceID+"/"+workID)
	return nil
}

func flushBody() string {
	return `{"position_seconds": 120, "duration_seconds": 3600, "listening_delta_seconds": 10}`
}

func progressRequest(method, workID, body string) *http.Request {
	req := httptest.NewRequest(method, "/v1/progress/"+workID, strings.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("work_id", workID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func asUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(auth.WithUserID(req.Context(), userID))
}

func asDevice(req *http.Request, deviceID string) *http.Request {
	return req.WithContext(auth.WithDeviceID(req.Context(), deviceID))
}

func newRecorder(s *store.InMemorySessionStore) *progress.Recorder {
	return progress.NewRecorder(s, nil, zap.NewNop())
}

func TestPostProgressQueued(t *testing.T) {
	sessions := store.NewInMemorySessionStore()
	queue := &stubQueue{}
	h := PostProgress(newRecorder(sessions), nil, queue, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(progressRequest("POST", "w1", flushBody()), "u1"))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if rec.Header().Get("X-Event-ID") == "" {
		t.Fatal("X-Event-ID header missing")
	}
	if len(queue.events) != 1 || queue.events[0].WorkID != "w1" || queue.events[0].ListeningSeconds != 10 {
		t.Fatalf("queued events = %+v", queue.events)
	}

	// Queued, not applied synchronously.
	if s, _ := sessions.GetProgress(context.Background(), "u1", "w1"); s != nil {
		t.Fatal("session must not be written on the queued path")
	}
}

func TestPostProgressSyncWithoutQueue(t *testing.T) {
	sessions := store.NewInMemorySessionStore()
	h := PostProgress(newRecorder(sessions), nil, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(progressRequest("POST", "w1", flushBody()), "u1"))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	s, _ := sessions.GetProgress(context.Background(), "u1", "w1")
	if s == nil || s.ActualListening != 10 {
		t.Fatalf("session = %+v, want 10 listening seconds", s)
	}
}

func TestPostProgressQueueFailureFallsBackToSync(t *testing.T) {
	sessions := store.NewInMemorySessionStore()
	queue := &stubQueue{err: errors.New("nats down")}
	h := PostProgress(newRecorder(sessions), nil, queue, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(progressRequest("POST", "w1", flushBody()), "u1"))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	s, _ := sessions.GetProgress(context.Background(), "u1", "w1")
	if s == nil || s.ActualListening != 10 {
		t.Fatalf("session = %+v, want sync fallback write", s)
	}
}

type failingSessionStore struct {
	store.SessionStore
}

func (failingSessionStore) GetProgress(context.Context, string, string) (*store.PlaybackSession, error) {
	return nil, errors.New("connection refused")
}

func (failingSessionStore) RecordProgress(context.Context, store.ProgressUpdate) error {
	return errors.New("connection refused")
}

func TestPostProgressStoreFailureStill204(t *testing.T) {
	rec := progress.NewRecorder(failingSessionStore{}, nil, zap.NewNop())
	h := PostProgress(rec, nil, nil, zap.NewNop())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, asUser(progressRequest("POST", "w1", flushBody()), "u1"))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 despite store failure", w.Code)
	}
}

func TestPostProgressAnonymousDevice(t *testing.T) {
	anon := newStubAnonStore()
	h := PostProgress(newRecorder(store.NewInMemorySessionStore()), anon, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asDevice(progressRequest("POST", "w1", flushBody()), "dev-1"))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	p := anon.saved["dev-1/w1"]
	if p.ProgressSeconds != 120 || p.CompletionPercentage == 0 {
		t.Fatalf("anonymous progress = %+v", p)
	}
}

func TestPostProgressNoIdentity(t *testing.T) {
	h := PostProgress(newRecorder(store.NewInMemorySessionStore()), nil, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, progressRequest("POST", "w1", flushBody()))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPostProgressInvalidJSON(t *testing.T) {
	h := PostProgress(newRecorder(store.NewInMemorySessionStore()), nil, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(progressRequest("POST", "w1", "{not json"), "u1"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetProgressFound(t *testing.T) {
	sessions := store.NewInMemorySessionStore()
	sessions.RecordProgress(context.Background(), store.ProgressUpdate{
		UserID: "u1", WorkID: "w1", PositionSeconds: 120, DurationSeconds: 3600, ListeningDelta: 10,
	})
	h := GetProgress(sessions, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(progressRequest("GET", "w1", ""), "u1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Progress *store.PlaybackSession `json:"progress"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Progress == nil || resp.Progress.ProgressSeconds != 120 {
		t.Fatalf("progress = %+v", resp.Progress)
	}
}

func TestGetProgressNeverPlayed(t *testing.T) {
	h := GetProgress(store.NewInMemorySessionStore(), nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(progressRequest("GET", "w1", ""), "u1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if string(resp["progress"]) != "null" {
		t.Fatalf("progress = %s, want null", resp["progress"])
	}
}

func TestGetProgressReadFailureDegrades(t *testing.T) {
	h := GetProgress(failingSessionStore{}, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(progressRequest("GET", "w1", ""), "u1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (reads degrade to no progress)", rec.Code)
	}
	var resp map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if string(resp["progress"]) != "null" {
		t.Fatalf("progress = %s, want null", resp["progress"])
	}
}

func TestGetProgressAnonymous(t *testing.T) {
	anon := newStubAnonStore()
	anon.saved["dev-1/w1"] = store.AnonymousProgress{WorkID: "w1", ProgressSeconds: 42, LastPlayed: time.Now()}
	h := GetProgress(store.NewInMemorySessionStore(), anon, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asDevice(progressRequest("GET", "w1", ""), "dev-1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Progress *store.AnonymousProgress `json:"progress"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Progress == nil || resp.Progress.ProgressSeconds != 42 {
		t.Fatalf("progress = %+v", resp.Progress)
	}
}

func TestDeleteProgress(t *testing.T) {
	sessions := store.NewInMemorySessionStore()
	sessions.RecordProgress(context.Background(), store.ProgressUpdate{UserID: "u1", WorkID: "w1", ListeningDelta: 1})
	h := DeleteProgress(newRecorder(sessions), nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(progressRequest("DELETE", "w1", ""), "u1"))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if s, _ := sessions.GetProgress(context.Background(), "u1", "w1"); s != nil {
		t.Fatal("session survived delete")
	}
}

func TestDeleteProgressAnonymous(t *testing.T) {
	anon := newStubAnonStore()
	h := DeleteProgress(newRecorder(store.NewInMemorySessionStore()), anon, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asDevice(progressRequest("DELETE", "w1", ""), "dev-1"))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(anon.cleared) != 1 || anon.cleared[0] != "dev-1/w1" {
		t.Fatalf("cleared = %v", anon.cleared)
	}
}
