package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fentz26/mergeplane/internal/executor"
	"github.com/fentz26/mergeplane/internal/metrics"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
	"github.com/fentz26/mergeplane/internal/taskctx"
	"github.com/fentz26/mergeplane/internal/versionstore"
)

// LocalConfig configures a LocalController.
type LocalConfig struct {
	// PartitionRoot is the destination of every merge.
	PartitionRoot string
	// TempBuildRoot, when set, is where sources are read from.
	TempBuildRoot string
	Executor      *executor.Executor
	Factory       executor.Factory
	Builder       *taskctx.Builder
	Versions      VersionLoader
	// Resources are installed into every task context.
	Resources map[string]any
	Logger    *slog.Logger
}

// LocalController runs merges in-process through the DAG executor.
type LocalController struct {
	cfg    LocalConfig
	logger *slog.Logger

	mu        sync.Mutex
	stat      *models.TaskStat
	result    models.MergeTaskStatus
	fenceRoot string
	cancel    context.CancelFunc
}

var _ MergeController = (*LocalController)(nil)

// NewLocalController creates a local controller.
func NewLocalController(cfg LocalConfig) *LocalController {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Executor == nil {
		cfg.Executor = executor.New(nil, cfg.Logger)
	}
	if cfg.Builder == nil {
		cfg.Builder = taskctx.NewBuilder()
	}
	if cfg.Versions == nil {
		cfg.Versions = versionstore.Store{}
	}
	return &LocalController{
		cfg:    cfg,
		logger: cfg.Logger.With("controller", "local", "root", cfg.PartitionRoot),
	}
}

// Recover is a no-op: nothing outlives the process.
func (c *LocalController) Recover(ctx context.Context) error { return nil }

// GetRunningTaskStat implements MergeController.
func (c *LocalController) GetRunningTaskStat() (models.TaskStat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stat == nil {
		return models.TaskStat{}, false
	}
	return *c.stat, true
}

// CreateTaskContext implements MergeController.
func (c *LocalController) CreateTaskContext(ctx context.Context, base models.VersionID, taskType, taskName string, params map[string]string) (*taskctx.TaskContext, error) {
	source := c.cfg.PartitionRoot
	if c.cfg.TempBuildRoot != "" {
		source = c.cfg.TempBuildRoot
	}
	return c.cfg.Builder.Assemble(taskctx.Request{
		Sources:         []taskctx.SourceSpec{{Root: source, VersionID: base}},
		DestinationRoot: c.cfg.PartitionRoot,
		EpochID:         strconv.FormatInt(time.Now().UnixNano(), 10),
		TaskType:        taskType,
		TaskName:        taskName,
		Params:          params,
		Resources:       c.cfg.Resources,
	})
}

// SubmitMergeTask runs the plan to completion before returning.
func (c *LocalController) SubmitMergeTask(ctx context.Context, plan *models.Plan, tc *taskctx.TaskContext) error {
	if plan == nil || tc == nil {
		return status.InvalidArgsf("submit needs a plan and a task context")
	}
	if c.cfg.Factory == nil {
		return status.InvalidArgsf("local controller has no operation factory")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.stat != nil {
		c.mu.Unlock()
		return status.Wrap(status.InvalidArgs, ErrTaskOutstanding, "submit")
	}
	c.stat = &models.TaskStat{BaseVersionID: tc.BaseVersionID(), TotalOpCount: plan.OperationCount()}
	c.result = models.MergeTaskStatus{}
	c.fenceRoot = tc.FenceRoot
	c.cancel = cancel
	c.mu.Unlock()

	err := c.cfg.Executor.Run(runCtx, plan, tc, c.cfg.Factory, func(finished, total int) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stat != nil {
			c.stat.FinishedOpCount = finished
			c.stat.TotalOpCount = total
		}
	})

	result := c.collect(tc, err)

	c.mu.Lock()
	c.cancel = nil
	c.result = result
	c.mu.Unlock()

	metrics.MergeTasksTotal.WithLabelValues("local", string(result.Code)).Inc()
	return nil
}

func (c *LocalController) collect(tc *taskctx.TaskContext, runErr error) models.MergeTaskStatus {
	fail := func(err error) models.MergeTaskStatus {
		c.logger.Error("merge task failed", "base_version", tc.BaseVersionID(), "error", err)
		return models.MergeTaskStatus{Code: models.MergeStatusError, BaseVersion: tc.BaseVersion(), Message: err.Error()}
	}
	if runErr != nil {
		return fail(runErr)
	}
	payload := tc.Result()
	if len(payload) == 0 {
		return fail(status.Corruptionf("plan produced no result"))
	}
	var res models.MergeResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return fail(status.Wrap(status.Corruption, err, "decode merge result"))
	}
	target, err := c.cfg.Versions.LoadVersion(c.cfg.PartitionRoot, res.TargetVersionID)
	if err != nil {
		return fail(err)
	}
	c.logger.Info("merge task done", "base_version", res.BaseVersionID, "target_version", res.TargetVersionID)
	return models.MergeTaskStatus{Code: models.MergeStatusDone, BaseVersion: tc.BaseVersion(), TargetVersion: target}
}

// WaitMergeResult returns the status recorded by SubmitMergeTask.
func (c *LocalController) WaitMergeResult(ctx context.Context) (models.MergeTaskStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stat == nil {
		return models.MergeTaskStatus{}, status.Wrap(status.InvalidArgs, ErrNoTask, "wait")
	}
	return c.result, nil
}

// GetLastMergeTaskResult returns the newest pure-merge version that matches the
// current schema and whose segments all exist.
func (c *LocalController) GetLastMergeTaskResult(ctx context.Context) (models.VersionID, bool, error) {
	ids, err := c.cfg.Versions.ListVersionIDs(c.cfg.PartitionRoot)
	if err != nil {
		return models.InvalidVersionID, false, err
	}

	schemaID := int64(-1)
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i].IsPureMerge() {
			continue
		}
		v, err := c.cfg.Versions.LoadVersion(c.cfg.PartitionRoot, ids[i])
		if err != nil {
			return models.InvalidVersionID, false, err
		}
		schemaID = v.SchemaID
		break
	}

	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if !id.IsPureMerge() {
			continue
		}
		v, err := c.cfg.Versions.LoadVersion(c.cfg.PartitionRoot, id)
		if err != nil {
			c.logger.Warn("skipping unreadable merge version", "version", id, "error", err)
			continue
		}
		if schemaID >= 0 && v.SchemaID != schemaID {
			c.logger.Warn("skipping merge version with stale schema", "version", id, "schema", v.SchemaID, "current_schema", schemaID)
			continue
		}
		if _, err := c.cfg.Builder.Schemas.LoadSchema(c.cfg.PartitionRoot, v.SchemaID); err != nil {
			c.logger.Warn("skipping merge version with unresolvable schema", "version", id, "error", err)
			continue
		}
		complete := true
		for _, seg := range v.Segments {
			if !c.cfg.Versions.SegmentExists(c.cfg.PartitionRoot, seg) {
				complete = false
				break
			}
		}
		if !complete {
			c.logger.Warn("skipping partially written merge version", "version", id)
			continue
		}
		return id, true, nil
	}
	return models.InvalidVersionID, false, nil
}

// CleanTask implements MergeController.
func (c *LocalController) CleanTask(removeTempFiles bool) error {
	c.mu.Lock()
	fence := c.fenceRoot
	c.stat = nil
	c.result = models.MergeTaskStatus{}
	c.fenceRoot = ""
	c.cancel = nil
	c.mu.Unlock()

	if removeTempFiles && fence != "" {
		if err := os.RemoveAll(fence); err != nil {
			return status.Wrap(status.InternalError, err, "remove fence dir %s", fence)
		}
	}
	return nil
}

// CancelCurrentTask cancels a running execution.
func (c *LocalController) CancelCurrentTask(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Stop cancels any running execution.
func (c *LocalController) Stop() {
	_ = c.CancelCurrentTask(context.Background())
}
