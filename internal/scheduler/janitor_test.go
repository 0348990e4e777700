package scheduler

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

type memoryArchiver struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (a *memoryArchiver) Put(_ context.Context, name string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return stdErrors.New("bucket unavailable")
	}
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[name] = data
	return nil
}

func seedFinishedRuns(t *testing.T, store *MemoryStore, clock *time.Time) {
	t.Helper()
	ctx := context.Background()
	store.now = func() time.Time { return *clock }
	for _, id := range []string{"old_1", "old_2", "fresh"} {
		if err := store.Create(ctx, &Run{ID: id, ChainID: "diagnostics"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := store.Create(ctx, &Run{ID: "waiting", ChainID: "diagnostics"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, id := range []string{"old_1", "old_2"} {
		if err := store.Finish(ctx, id, Completion{Status: workflow.ChainCompleted}); err != nil {
			t.Fatalf("finish: %v", err)
		}
	}
	*clock = clock.Add(23 * time.Hour)
	if err := store.Finish(ctx, "fresh", Completion{Status: workflow.ChainFailed}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	*clock = clock.Add(2 * time.Hour)
}

func TestJanitorDeletesExpiredRuns(t *testing.T) {
	store := NewMemoryStore()
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedFinishedRuns(t, store, &clock)

	janitor := NewJanitor(store, WithJanitorClock(func() time.Time { return clock }))
	removed, err := janitor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 expired runs, got %d", removed)
	}
	stats, _ := store.Stats(context.Background(), BuildListOptions())
	if stats.Total != 2 || stats.Pending != 1 || stats.Failed != 1 {
		t.Fatalf("fresh and pending runs must survive: %+v", stats)
	}
}

func TestJanitorArchivesBeforeDeleting(t *testing.T) {
	store := NewMemoryStore()
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedFinishedRuns(t, store, &clock)

	archiver := &memoryArchiver{}
	janitor := NewJanitor(store,
		WithArchiver(archiver),
		WithRetention(24*time.Hour),
		WithJanitorClock(func() time.Time { return clock }),
	)
	janitor.batch = 1

	removed, err := janitor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 || len(archiver.objects) != 2 {
		t.Fatalf("expected 2 archived runs, removed=%d objects=%d", removed, len(archiver.objects))
	}
	data, ok := archiver.objects["runs/diagnostics/old_1.json"]
	if !ok {
		t.Fatalf("unexpected object names: %v", archiver.objects)
	}
	var archived Run
	if err := json.Unmarshal(data, &archived); err != nil || archived.Status != workflow.ChainCompleted {
		t.Fatalf("archived payload should be the run record: %+v %v", archived, err)
	}
}

func TestJanitorKeepsRunsWhenArchiveFails(t *testing.T) {
	store := NewMemoryStore()
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedFinishedRuns(t, store, &clock)

	janitor := NewJanitor(store, WithArchiver(&memoryArchiver{fail: true}), WithJanitorClock(func() time.Time { return clock }))
	if _, err := janitor.Sweep(context.Background()); err == nil {
		t.Fatalf("archive failure should surface")
	}
	stats, _ := store.Stats(context.Background(), BuildListOptions())
	if stats.Total != 4 {
		t.Fatalf("no run may be deleted before it is archived: %+v", stats)
	}
}

func TestJanitorRunStopsWithContext(t *testing.T) {
	store := NewMemoryStore()
	janitor := NewJanitor(store, WithSweepInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := janitor.Run(ctx); !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
