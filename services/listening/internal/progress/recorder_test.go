package progress

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/audiobook-platform/services/listening/internal/store"
)

func newTestRecorder(s *store.InMemorySessionStore, now time.Time) *Recorder {
	return NewRecorder(s, nil, zap.NewNop(), WithClock(func() time.Time { return now }))
}

func TestRecordStoresFlush(t *testing.T) {
	s := store.NewInMemorySessionStore()
	rec := newTestRecorder(s, time.Now())

	err := rec.Record(context.Background(), "u1", Flush{
		WorkID: "w1", PositionSeconds: 300, DurationSeconds: 3600, ListeningSeconds: 10,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetProgress(context.Background(), "u1", "w1")
	if got == nil || got.ActualListening != 10 {
		t.Fatalf("session = %+v, want 10 listening seconds", got)
	}
	if got.CompletionPercentage < 8.3 || got.CompletionPercentage > 8.4 {
		t.Fatalf("CompletionPercentage = %v, want ~8.33", got.CompletionPercentage)
	}
}

func TestRecordDropsNegativeDelta(t *testing.T) {
	s := store.NewInMemorySessionStore()
	rec := newTestRecorder(s, time.Now())

	rec.Record(context.Background(), "u1", Flush{WorkID: "w1", PositionSeconds: 10, DurationSeconds: 100, ListeningSeconds: -50})

	got, _ := s.GetProgress(context.Background(), "u1", "w1")
	if got.ActualListening != 0 {
		t.Fatalf("ActualListening = %d, want 0", got.ActualListening)
	}
}

func TestRecordClampsFirstFlush(t *testing.T) {
	s := store.NewInMemorySessionStore()
	rec := newTestRecorder(s, time.Now())

	// No prior session: headroom is one flush interval, 10s * 2.0 * 1.1 = 22.
	rec.Record(context.Background(), "u1", Flush{WorkID: "w1", PositionSeconds: 10, DurationSeconds: 100, ListeningSeconds: 10000})

	got, _ := s.GetProgress(context.Background(), "u1", "w1")
	if got.ActualListening != 22 {
		t.Fatalf("ActualListening = %d, want clamp to 22", got.ActualListening)
	}
}

func TestRecordClampsAgainstLastUpdate(t *testing.T) {
	s := store.NewInMemorySessionStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	rec := NewRecorder(s, nil, zap.NewNop(), WithClock(func() time.Time { return base.Add(60 * time.Second) }))

	// Seed the session at t0.
	if err := s.RecordProgress(context.Background(), store.ProgressUpdate{UserID: "u1", WorkID: "w1", ListeningDelta: 5}); err != nil {
		t.Fatal(err)
	}
	// 60s later: limit is ceil(60 * 2.0 * 1.1) = 132.
	rec.Record(context.Background(), "u1", Flush{WorkID: "w1", PositionSeconds: 10, DurationSeconds: 100, ListeningSeconds: 500})

	got, _ := s.GetProgress(context.Background(), "u1", "w1")
	if got.ActualListening != 5+132 {
		t.Fatalf("ActualListening = %d, want %d", got.ActualListening, 5+132)
	}
}

func TestRecordPlausibleDeltaUntouched(t *testing.T) {
	s := store.NewInMemorySessionStore()
	rec := newTestRecorder(s, time.Now())

	rec.Record(context.Background(), "u1", Flush{WorkID: "w1", PositionSeconds: 10, DurationSeconds: 100, ListeningSeconds: 10})

	got, _ := s.GetProgress(context.Background(), "u1", "w1")
	if got.ActualListening != 10 {
		t.Fatalf("ActualListening = %d, want 10", got.ActualListening)
	}
}

func TestRecordClampsPositionToDuration(t *testing.T) {
	s := store.NewInMemorySessionStore()
	rec := newTestRecorder(s, time.Now())

	rec.Record(context.Background(), "u1", Flush{WorkID: "w1", PositionSeconds: 500, DurationSeconds: 100, ListeningSeconds: 1})

	got, _ := s.GetProgress(context.Background(), "u1", "w1")
	if got.ProgressSeconds != 100 {
		t.Fatalf("ProgressSeconds = %v, want 100", got.ProgressSeconds)
	}
	if got.CompletionPercentage != 100 {
		t.Fatalf("CompletionPercentage = %v, want 100", got.CompletionPercentage)
	}
}

func TestRecordZeroDurationSkipsPercentage(t *testing.T) {
	s := store.NewInMemorySessionStore()
	rec := newTestRecorder(s, time.Now())

	rec.Record(context.Background(), "u1", Flush{WorkID: "w1", PositionSeconds: 500, DurationSeconds: 0, ListeningSeconds: 1})

	got, _ := s.GetProgress(context.Background(), "u1", "w1")
	if got.CompletionPercentage != 0 {
		t.Fatalf("CompletionPercentage = %v, want 0 for unknown duration", got.CompletionPercentage)
	}
}

func TestClearRemovesSession(t *testing.T) {
	s := store.NewInMemorySessionStore()
	rec := newTestRecorder(s, time.Now())
	ctx := context.Background()

	rec.Record(ctx, "u1", Flush{WorkID: "w1", PositionSeconds: 10, DurationSeconds: 100, ListeningSeconds: 1})
	if err := rec.Clear(ctx, "u1", "w1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetProgress(ctx, "u1", "w1")
	if got != nil {
		t.Fatalf("session = %+v, want nil after clear", got)
	}
}
