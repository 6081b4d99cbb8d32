package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/fentz26/mergeplane/internal/executor"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
	"github.com/fentz26/mergeplane/internal/store"
	"github.com/fentz26/mergeplane/internal/taskctx"
)

// ParamTableKind selects the operation factory a task runs with.
const ParamTableKind = "table_kind"

// Runner executes claimed tasks and writes their progress and outcome back
// through the service.
type Runner struct {
	service     *Service
	builder     *taskctx.Builder
	registry    *executor.Registry
	executor    *executor.Executor
	defaultKind string
	resources   map[string]any
	logger      *slog.Logger
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Builder     *taskctx.Builder
	Registry    *executor.Registry
	Executor    *executor.Config
	DefaultKind string
	Resources   map[string]any
	Logger      *slog.Logger
}

// NewRunner creates a task runner.
func NewRunner(service *Service, cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	builder := cfg.Builder
	if builder == nil {
		builder = taskctx.NewBuilder()
	}
	return &Runner{
		service:     service,
		builder:     builder,
		registry:    cfg.Registry,
		executor:    executor.New(cfg.Executor, logger),
		defaultKind: cfg.DefaultKind,
		resources:   cfg.Resources,
		logger:      logger.With("component", "runner"),
	}
}

// Run executes one task. Interrupted runs leave the task's step untouched:
// a stop request has already recorded it, and a shutdown leaves it for the
// next process to claim.
func (r *Runner) Run(ctx context.Context, task *models.AdminTask) error {
	ref := task.Ref()
	result, err := r.execute(ctx, task)
	if err != nil && ctx.Err() != nil {
		return err
	}
	if _, ferr := r.service.CompleteTask(ref, result, err); ferr != nil {
		r.logger.Error("record task outcome", "task", store.TaskKey(ref), "error", ferr)
		if err == nil {
			err = ferr
		}
	}
	return err
}

func (r *Runner) execute(ctx context.Context, task *models.AdminTask) (string, error) {
	var plan models.Plan
	if err := json.Unmarshal([]byte(task.Plan), &plan); err != nil {
		return "", status.Wrap(status.Corruption, err, "decode plan")
	}

	kind := task.Params[ParamTableKind]
	if kind == "" {
		kind = r.defaultKind
	}
	factory, err := r.registry.Resolve(kind)
	if err != nil {
		return "", err
	}

	tc, err := r.builder.Assemble(taskctx.Request{
		Sources:         []taskctx.SourceSpec{{Root: task.DestRoot, VersionID: task.SourceVersionID}},
		DestinationRoot: task.DestRoot,
		EpochID:         strconv.FormatInt(int64(task.TaskEpochID), 10),
		TaskType:        plan.TaskType,
		TaskName:        plan.TaskName,
		Params:          task.Params,
		Resources:       r.resources,
	})
	if err != nil {
		return "", err
	}

	ref := task.Ref()
	digest := models.TaskDigest(task.Plan, task.Params)
	progress := func(finished, total int) {
		desc := models.TaskDescription{
			TaskID:          task.TaskID,
			TaskEpochID:     task.TaskEpochID,
			BaseVersionID:   task.SourceVersionID,
			FinishedOpCount: finished,
			TotalOpCount:    total,
			Digest:          digest,
		}
		if err := r.service.UpdateProgress(ref, desc); err != nil {
			r.logger.Warn("update progress", "task", store.TaskKey(ref), "error", err)
		}
	}

	if err := r.executor.Run(ctx, &plan, tc, factory, progress); err != nil {
		return "", err
	}
	result := tc.Result()
	if len(result) == 0 {
		return "", status.Corruptionf("plan finished without a result payload")
	}
	return string(result), nil
}
