package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/storefind/storefind/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openTestCatalog(t *testing.T) *storage.Catalog {
	t.Helper()
	cat, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func createTestTask(t *testing.T, cat *storage.Catalog, id string, intervalMinutes int) storage.Task {
	t.Helper()
	store := storage.Store{ID: "s-" + id, Name: "Store", Domain: "example.com", BaseURL: "https://example.com", APIKey: "key-" + id}
	if err := cat.CreateStore(store); err != nil {
		t.Fatalf("creating store: %v", err)
	}
	task := storage.Task{ID: id, StoreID: store.ID, ConfigJSON: "{}", IntervalMinutes: intervalMinutes}
	if err := cat.CreateTask(task); err != nil {
		t.Fatalf("creating task: %v", err)
	}
	return task
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Minute)
	stale := now.Add(-90 * time.Minute)
	exact := now.Add(-60 * time.Minute)

	cases := []struct {
		name    string
		lastRun *time.Time
		want    bool
	}{
		{"never run", nil, true},
		{"ran recently", &recent, false},
		{"interval elapsed", &stale, true},
		{"interval exactly elapsed", &exact, true},
	}

	s := New(nil, nil, time.Minute, testLogger())
	s.now = func() time.Time { return now }

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := storage.Task{ID: "t1", IntervalMinutes: 60, LastRun: tc.lastRun}
			if got := s.due(task); got != tc.want {
				t.Errorf("due = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRunTaskRecordsRun(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)
	task := createTestTask(t, cat, "t1", 60)

	var ran []string
	s := New(cat, func(_ context.Context, task storage.Task) error {
		ran = append(ran, task.ID)
		return nil
	}, time.Minute, testLogger())

	if err := s.RunTask(ctx, task.ID); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if len(ran) != 1 || ran[0] != "t1" {
		t.Fatalf("ran = %v", ran)
	}

	got, err := cat.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.LastRun == nil {
		t.Error("last run not recorded after successful run")
	}
}

func TestRunTaskFailureLeavesTaskDue(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)
	task := createTestTask(t, cat, "t1", 60)

	s := New(cat, func(context.Context, storage.Task) error {
		return errors.New("scrape failed")
	}, time.Minute, testLogger())

	if err := s.RunTask(ctx, task.ID); err == nil {
		t.Fatal("expected error from failing runner")
	}

	got, err := cat.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.LastRun != nil {
		t.Error("failed run must not be recorded")
	}
}

func TestRunTaskUnknownTask(t *testing.T) {
	cat := openTestCatalog(t)
	s := New(cat, nil, time.Minute, testLogger())

	err := s.RunTask(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunTaskSkipsOverlap(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)
	task := createTestTask(t, cat, "t1", 60)

	started := make(chan struct{})
	release := make(chan struct{})
	var startedOnce sync.Once
	s := New(cat, func(context.Context, storage.Task) error {
		startedOnce.Do(func() { close(started) })
		<-release
		return nil
	}, time.Minute, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.RunTask(ctx, task.ID); err != nil {
			t.Errorf("first RunTask: %v", err)
		}
	}()

	<-started
	if err := s.RunTask(ctx, task.ID); !errors.Is(err, ErrTaskRunning) {
		t.Errorf("overlapping run: err = %v, want ErrTaskRunning", err)
	}
	close(release)
	wg.Wait()

	if err := s.RunTask(ctx, task.ID); err != nil {
		t.Errorf("run after completion: %v", err)
	}
}

func TestRunDueOnlyRunsDueTasks(t *testing.T) {
	ctx := context.Background()
	cat := openTestCatalog(t)
	due := createTestTask(t, cat, "due", 60)
	fresh := createTestTask(t, cat, "fresh", 60)
	if err := cat.UpdateTaskLastRun(fresh.ID, time.Now()); err != nil {
		t.Fatalf("UpdateTaskLastRun: %v", err)
	}

	var mu sync.Mutex
	var ran []string
	s := New(cat, func(_ context.Context, task storage.Task) error {
		mu.Lock()
		ran = append(ran, task.ID)
		mu.Unlock()
		return nil
	}, time.Minute, testLogger())

	s.runDue(ctx)
	s.wg.Wait()

	if len(ran) != 1 || ran[0] != due.ID {
		t.Errorf("ran = %v, want [%s]", ran, due.ID)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cat := openTestCatalog(t)
	s := New(cat, func(context.Context, storage.Task) error { return nil }, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
