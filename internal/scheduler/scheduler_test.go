package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/mergeplane/internal/audit"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/store"
)

var testBuild = models.BuildID{AppName: "search", GenerationID: 1}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func createTasks(t *testing.T, s *store.Store, table string, first, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		task := &models.AdminTask{BuildID: testBuild, TaskID: int64(first + i), TableName: table}
		if err := s.CreateTask(task); err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
	}
}

// blockingRunner holds every task until released and tracks peak concurrency.
type blockingRunner struct {
	release chan struct{}
	mu      sync.Mutex
	running map[string]int
	peak    map[string]int
	total   int
	peakAll int
	seen    map[int64]int
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		release: make(chan struct{}),
		running: map[string]int{},
		peak:    map[string]int{},
		seen:    map[int64]int{},
	}
}

func (r *blockingRunner) Run(ctx context.Context, task *models.AdminTask) error {
	r.mu.Lock()
	r.seen[task.TaskID]++
	r.running[task.TableName]++
	r.total++
	if r.running[task.TableName] > r.peak[task.TableName] {
		r.peak[task.TableName] = r.running[task.TableName]
	}
	if r.total > r.peakAll {
		r.peakAll = r.total
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running[task.TableName]--
		r.total--
		r.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.release:
		return nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", msg)
}

func TestSchedulerConcurrencyLimits(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	runner := newBlockingRunner()
	cfg := &Config{
		GlobalMax:      3,
		ByTable:        map[string]int{"orders": 2},
		PollIntervalMS: 20,
	}
	sch := New(s, audit.NewPDRWriter(s), runner, cfg, nil)

	createTasks(t, s, "orders", 1, 5)
	createTasks(t, s, "users", 100, 5)

	sch.Start()
	defer sch.Stop()

	waitFor(t, 5*time.Second, func() bool { return sch.GetStats().ActiveWorkers == 3 }, "3 active workers")
	// Give the loop a few more polls to exceed the limits if buggy.
	time.Sleep(200 * time.Millisecond)

	stats := sch.GetStats()
	if stats.ActiveWorkers > cfg.GlobalMax {
		t.Errorf("Active workers %d exceeds global max %d", stats.ActiveWorkers, cfg.GlobalMax)
	}
	if count := stats.TableCounts["orders"]; count > 2 {
		t.Errorf("Table workers %d exceeds limit 2", count)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.peakAll > cfg.GlobalMax {
		t.Errorf("Peak concurrency %d exceeds global max %d", runner.peakAll, cfg.GlobalMax)
	}
	if runner.peak["orders"] > 2 {
		t.Errorf("Peak table concurrency %d exceeds limit 2", runner.peak["orders"])
	}
}

func TestSchedulerRunsEveryTaskOnce(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var mu sync.Mutex
	seen := map[int64]int{}
	runner := RunnerFunc(func(ctx context.Context, task *models.AdminTask) error {
		mu.Lock()
		seen[task.TaskID]++
		mu.Unlock()
		_, err := s.FinishTask(task.Ref(), models.TaskStepFinished, "ok", "")
		return err
	})

	sch := New(s, nil, runner, &Config{GlobalMax: 10, PollIntervalMS: 10}, nil)
	createTasks(t, s, "orders", 1, 10)

	sch.Start()
	waitFor(t, 5*time.Second, func() bool {
		tasks, err := s.ListTasks(testBuild, models.TaskStepFinished)
		return err == nil && len(tasks) == 10
	}, "all tasks to finish")
	sch.Stop()

	mu.Lock()
	defer mu.Unlock()
	for id := int64(1); id <= 10; id++ {
		if seen[id] != 1 {
			t.Errorf("Task %d ran %d times, want 1", id, seen[id])
		}
	}
}

func Test10ParallelWorkers(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	runner := newBlockingRunner()
	sch := New(s, audit.NewPDRWriter(s), runner, &Config{GlobalMax: 10, PollIntervalMS: 20}, nil)
	createTasks(t, s, "orders", 1, 10)

	sch.Start()
	defer sch.Stop()

	waitFor(t, 10*time.Second, func() bool { return sch.GetStats().ActiveWorkers == 10 }, "10 active workers")

	tasks, err := s.ListTasks(testBuild, models.TaskStepRunning)
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	holders := map[string]bool{}
	for _, task := range tasks {
		if task.ClaimedBy == "" {
			t.Errorf("Task %d is not claimed", task.TaskID)
		}
		if holders[task.ClaimedBy] {
			t.Errorf("Worker %s holds more than one task", task.ClaimedBy)
		}
		holders[task.ClaimedBy] = true
	}

	entries, err := s.ListPDR(store.TaskKey(models.TaskRef{BuildID: testBuild, TaskID: 1}))
	if err != nil {
		t.Fatalf("Failed to list PDR: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionDispatchTask {
		t.Errorf("Expected one dispatch PDR, got %+v", entries)
	}

	close(runner.release)
	waitFor(t, 5*time.Second, func() bool { return sch.GetStats().ActiveWorkers == 0 }, "workers to drain")
}

func TestSchedulerCancel(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var interrupted atomic.Bool
	started := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, task *models.AdminTask) error {
		close(started)
		<-ctx.Done()
		interrupted.Store(true)
		return ctx.Err()
	})

	sch := New(s, nil, runner, &Config{GlobalMax: 1, PollIntervalMS: 10}, nil)
	createTasks(t, s, "orders", 7, 1)
	sch.Start()
	defer sch.Stop()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for task to start")
	}

	ref := models.TaskRef{BuildID: testBuild, TaskID: 7}
	if !sch.Cancel(ref) {
		t.Fatal("Expected Cancel to find the running task")
	}
	waitFor(t, 5*time.Second, interrupted.Load, "worker interruption")
	waitFor(t, 5*time.Second, func() bool { return len(sch.GetStats().Running) == 0 }, "worker exit")

	if sch.Cancel(ref) {
		t.Error("Expected Cancel to report no worker after exit")
	}
	if sch.Cancel(models.TaskRef{BuildID: testBuild, TaskID: 99}) {
		t.Error("Expected Cancel of unknown task to report false")
	}
}

func TestSchedulerStopLeavesClaims(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	runner := newBlockingRunner()
	sch := New(s, nil, runner, &Config{GlobalMax: 2, PollIntervalMS: 10}, nil)
	createTasks(t, s, "orders", 1, 2)
	sch.Start()
	waitFor(t, 5*time.Second, func() bool { return sch.GetStats().ActiveWorkers == 2 }, "2 active workers")
	sch.Stop()

	claimable, err := s.ListClaimable(10)
	if err != nil {
		t.Fatalf("Failed to list claimable: %v", err)
	}
	if len(claimable) != 0 {
		t.Errorf("Expected interrupted tasks to stay claimed, got %d claimable", len(claimable))
	}

	n, err := s.ReleaseClaims()
	if err != nil {
		t.Fatalf("Failed to release claims: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 released claims, got %d", n)
	}
}

func TestGetTableLimit(t *testing.T) {
	cfg := &Config{GlobalMax: 4, ByTable: map[string]int{"orders": 1}}
	for table, want := range map[string]int{"orders": 1, "users": 4} {
		if got := cfg.GetTableLimit(table); got != want {
			t.Errorf("GetTableLimit(%s) = %d, want %d", table, got, want)
		}
	}
	if got := (&Config{}).PollInterval(); got != 500*time.Millisecond {
		t.Errorf("PollInterval default = %v", got)
	}
	if got := fmt.Sprint(DefaultConfig().GlobalMax); got != "4" {
		t.Errorf("DefaultConfig GlobalMax = %s", got)
	}
}
