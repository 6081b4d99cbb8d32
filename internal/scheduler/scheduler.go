package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/mergeplane/internal/audit"
	"github.com/fentz26/mergeplane/internal/metrics"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/store"
)

// Runner executes one claimed task. It owns the task's terminal transition.
type Runner interface {
	Run(ctx context.Context, task *models.AdminTask) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task *models.AdminTask) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, task *models.AdminTask) error {
	return f(ctx, task)
}

// Stats is a snapshot of the worker pool.
type Stats struct {
	ActiveWorkers int            `json:"active_workers"`
	GlobalMax     int            `json:"global_max"`
	TableCounts   map[string]int `json:"table_counts"`
	Running       []string       `json:"running"`
}

// Scheduler manages task dispatching and worker pools.
type Scheduler struct {
	store  *store.Store
	pdr    *audit.PDRWriter
	runner Runner
	config *Config
	logger *slog.Logger

	// Worker pool state
	mu            sync.Mutex
	activeWorkers int
	tableCounts   map[string]int
	cancels       map[string]context.CancelFunc

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(s *store.Store, pdr *audit.PDRWriter, runner Runner, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:       s,
		pdr:         pdr,
		runner:      runner,
		config:      cfg,
		logger:      logger.With("component", "scheduler"),
		tableCounts: make(map[string]int),
		cancels:     make(map[string]context.CancelFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins the scheduler loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.schedulerLoop()
	sch.logger.Info("scheduler started", "global_max", sch.config.GlobalMax)
}

// Stop cancels running workers and waits for them to return.
// Tasks interrupted this way stay claimed until the next ReleaseClaims.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// Cancel interrupts the worker running the task. It reports whether one was found.
func (sch *Scheduler) Cancel(ref models.TaskRef) bool {
	sch.mu.Lock()
	cancel, ok := sch.cancels[store.TaskKey(ref)]
	sch.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// schedulerLoop polls for claimable tasks and dispatches them to workers.
func (sch *Scheduler) schedulerLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.PollInterval())
	defer ticker.Stop()

	for {
		sch.pollAndDispatch()
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollAndDispatch claims as many tasks as the pool limits allow.
func (sch *Scheduler) pollAndDispatch() {
	sch.mu.Lock()
	capacity := sch.config.GlobalMax - sch.activeWorkers
	sch.mu.Unlock()
	if capacity <= 0 || sch.ctx.Err() != nil {
		return
	}

	// Over-fetch so a saturated table does not starve the others.
	candidates, err := sch.store.ListClaimable(capacity * 4)
	if err != nil {
		sch.logger.Error("list claimable tasks", "error", err)
		return
	}

	for i := range candidates {
		task := &candidates[i]
		if !sch.reserve(task.TableName) {
			continue
		}

		workerID := uuid.New().String()
		claimed, err := sch.store.ClaimTask(task.Ref(), workerID)
		if err != nil {
			sch.unreserve(task.TableName)
			if !errors.Is(err, store.ErrTaskNotClaimable) {
				sch.logger.Error("claim task", "task", store.TaskKey(task.Ref()), "error", err)
			}
			continue
		}

		key := store.TaskKey(claimed.Ref())
		if sch.pdr != nil {
			if _, err := sch.pdr.Record(audit.ActionDispatchTask, map[string]any{
				"task":      key,
				"worker_id": workerID,
				"table":     claimed.TableName,
			}, audit.OutcomeSuccess, key, fmt.Sprintf("Dispatched to worker %s", workerID)); err != nil {
				sch.logger.Error("record dispatch", "task", key, "error", err)
			}
		}
		sch.logger.Info("dispatched task", "task", key, "table", claimed.TableName, "worker", workerID)

		taskCtx, cancel := context.WithCancel(sch.ctx)
		sch.mu.Lock()
		sch.cancels[key] = cancel
		sch.mu.Unlock()

		sch.wg.Add(1)
		go sch.runWorker(taskCtx, cancel, claimed, workerID)
	}
}

// reserve takes a worker slot for the table when both limits allow it.
func (sch *Scheduler) reserve(table string) bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.activeWorkers >= sch.config.GlobalMax {
		return false
	}
	if sch.tableCounts[table] >= sch.config.GetTableLimit(table) {
		return false
	}
	sch.activeWorkers++
	sch.tableCounts[table]++
	metrics.AdminTasksRunning.Inc()
	return true
}

func (sch *Scheduler) unreserve(table string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.activeWorkers--
	sch.tableCounts[table]--
	if sch.tableCounts[table] <= 0 {
		delete(sch.tableCounts, table)
	}
	metrics.AdminTasksRunning.Dec()
}

// runWorker executes a task in a worker.
func (sch *Scheduler) runWorker(ctx context.Context, cancel context.CancelFunc, task *models.AdminTask, workerID string) {
	defer sch.wg.Done()
	key := store.TaskKey(task.Ref())
	defer func() {
		cancel()
		sch.mu.Lock()
		delete(sch.cancels, key)
		sch.mu.Unlock()
		sch.unreserve(task.TableName)
	}()

	start := time.Now()
	err := sch.runner.Run(ctx, task)
	logger := sch.logger.With("task", key, "worker", workerID, "elapsed", time.Since(start))
	switch {
	case err == nil:
		logger.Info("worker completed task")
	case ctx.Err() != nil:
		logger.Info("worker interrupted", "error", err)
	default:
		logger.Warn("worker failed task", "error", err)
	}
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	tableCounts := make(map[string]int, len(sch.tableCounts))
	for k, v := range sch.tableCounts {
		tableCounts[k] = v
	}
	running := make([]string, 0, len(sch.cancels))
	for k := range sch.cancels {
		running = append(running, k)
	}

	return Stats{
		ActiveWorkers: sch.activeWorkers,
		GlobalMax:     sch.config.GlobalMax,
		TableCounts:   tableCounts,
		Running:       running,
	}
}
