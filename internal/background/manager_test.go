package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shadow-agent/shadow/internal/config"
	"github.com/shadow-agent/shadow/internal/sessions"
	"github.com/shadow-agent/shadow/pkg/models"
)

type fakeIndexer struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (f *fakeIndexer) IndexRepository(_ context.Context, _, _ string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.err
}

func (f *fakeIndexer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testTask(id string) *models.Task {
	return &models.Task{ID: id, RepoFullName: "octo/demo"}
}

func TestStartRunsIndexingOnce(t *testing.T) {
	idx := &fakeIndexer{}
	m := NewManager(config.BackgroundConfig{IndexingEnabled: true}, idx, nil, nil, nil, nil)

	task := testTask("t1")
	m.Start(context.Background(), task, t.TempDir())
	m.Start(context.Background(), task, t.TempDir()) // second call is a no-op
	m.Stop()

	if got := idx.callCount(); got != 1 {
		t.Fatalf("indexer called %d times, want 1", got)
	}
	jobs := m.Status("t1")
	if len(jobs) != 1 || jobs[0].Name != JobIndexing {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
	if !jobs[0].Completed || jobs[0].Failed {
		t.Fatalf("job should have completed cleanly: %+v", jobs[0])
	}
}

func TestIndexingFailureIsRecordedNotFatal(t *testing.T) {
	idx := &fakeIndexer{err: errors.New("vector store down")}
	m := NewManager(config.BackgroundConfig{IndexingEnabled: true}, idx, nil, nil, nil, nil)

	m.Start(context.Background(), testTask("t1"), t.TempDir())
	m.Stop()

	jobs := m.Status("t1")
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %+v", jobs)
	}
	if !jobs[0].Failed || jobs[0].Error == "" {
		t.Fatalf("failure should be recorded on the job: %+v", jobs[0])
	}
	// A failed non-blocking job never gates readiness.
	if ready, _ := m.Ready("t1"); !ready {
		t.Fatal("task should be ready despite job failure")
	}
}

func TestReadyGatesOnBlockingJob(t *testing.T) {
	idx := &fakeIndexer{block: make(chan struct{})}
	m := NewManager(config.BackgroundConfig{IndexingEnabled: true, IndexingBlocking: true}, idx, nil, nil, nil, nil)

	m.Start(context.Background(), testTask("t1"), t.TempDir())

	if ready, _ := m.Ready("t1"); ready {
		t.Fatal("task should not be ready while the blocking job runs")
	}
	close(idx.block)
	waitFor(t, func() bool {
		ready, _ := m.Ready("t1")
		return ready
	})
	m.Stop()
}

func TestReadyForUnknownTask(t *testing.T) {
	m := NewManager(config.BackgroundConfig{}, nil, nil, nil, nil, nil)
	if ready, _ := m.Ready("nope"); !ready {
		t.Fatal("unknown tasks have no jobs and are ready")
	}
}

func TestIndexingSkippedWhenLockHeld(t *testing.T) {
	locker := sessions.NewLocalRepoLocker()
	if err := locker.TryLock(context.Background(), "octo/demo"); err != nil {
		t.Fatal(err)
	}

	idx := &fakeIndexer{}
	m := NewManager(config.BackgroundConfig{IndexingEnabled: true}, idx, nil, locker, nil, nil)
	m.Start(context.Background(), testTask("t1"), t.TempDir())
	m.Stop()

	if got := idx.callCount(); got != 0 {
		t.Fatalf("indexer ran despite held lock: %d calls", got)
	}
	jobs := m.Status("t1")
	if !jobs[0].Completed {
		t.Fatalf("a held lock completes the job without work: %+v", jobs[0])
	}
}
