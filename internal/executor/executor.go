package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fentz26/mergeplane/internal/metrics"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
	"github.com/fentz26/mergeplane/internal/taskctx"
)

var tracer = otel.Tracer("mergeplane.executor")

// ProgressFunc is called after each operation completes successfully.
type ProgressFunc func(finished, total int)

// Executor runs plans. One Executor may run several plans concurrently; they
// share its memory quota.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	memory *semaphore.Weighted
}

// New creates an executor. A nil config selects the defaults and a nil logger
// uses slog.Default().
func New(cfg *Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.normalized()
	return &Executor{
		cfg:    c,
		logger: logger.With("component", "executor"),
		memory: semaphore.NewWeighted(c.MemoryQuota),
	}
}

// Run executes every operation of plan against tc. Operations start only after
// all of their dependencies succeeded; the first failure aborts the remaining
// stages and is returned unchanged.
func (e *Executor) Run(ctx context.Context, plan *models.Plan, tc *taskctx.TaskContext, factory Factory, progress ProgressFunc) (err error) {
	if plan == nil || tc == nil || factory == nil {
		return status.InvalidArgsf("run needs a plan, a task context and a factory")
	}

	runID := uuid.NewString()
	total := plan.OperationCount()
	logger := e.logger.With("run_id", runID, "task_type", plan.TaskType, "task_name", plan.TaskName)

	ctx, span := tracer.Start(ctx, "executor.Run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("task_type", plan.TaskType),
		attribute.Int("operations", total),
	))
	start := time.Now()
	defer func() {
		metrics.PlansTotal.WithLabelValues(metrics.OutcomeOf(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("plan failed", "error", err, "duration", time.Since(start))
		} else {
			logger.Info("plan completed", "operations", total, "duration", time.Since(start))
		}
		span.End()
	}()

	stages, err := Stages(plan)
	if err != nil {
		return err
	}
	if plan.EndOperation != nil {
		end := *plan.EndOperation
		end.Depends = make([]models.OperationID, 0, len(plan.Operations))
		for _, op := range plan.Operations {
			end.Depends = append(end.Depends, op.ID)
		}
		stages = append(stages, []models.OperationDescription{end})
	}

	byID := make(map[models.OperationID]models.OperationDescription, total)
	for _, op := range plan.Operations {
		byID[op.ID] = op
	}

	logger.Debug("plan staged", "stages", len(stages), "operations", total)

	var finished atomic.Int64
	if progress != nil {
		progress(0, total)
	}
	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			return status.Wrap(status.Expired, err, "plan cancelled before stage %d", i)
		}
		if err := e.runStage(ctx, i, stage, byID, tc, factory, func() {
			n := finished.Add(1)
			if progress != nil {
				progress(int(n), total)
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runStage(ctx context.Context, index int, stage []models.OperationDescription,
	byID map[models.OperationID]models.OperationDescription, tc *taskctx.TaskContext, factory Factory, done func()) error {
	ctx, span := tracer.Start(ctx, "executor.stage", trace.WithAttributes(
		attribute.Int("stage", index),
		attribute.Int("operations", len(stage)),
	))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for _, desc := range stage {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return status.Wrap(status.Expired, err, "operation %d not started", desc.ID)
			}
			if err := e.runOperation(gctx, desc, byID, tc, factory); err != nil {
				return err
			}
			done()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Executor) runOperation(ctx context.Context, desc models.OperationDescription,
	byID map[models.OperationID]models.OperationDescription, tc *taskctx.TaskContext, factory Factory) (err error) {
	for _, dep := range desc.Depends {
		tc.SetDependencyOutput(dep, OutputDir(tc, byID[dep]))
	}

	op, err := factory.CreateOperation(desc)
	if err != nil {
		return err
	}
	if op == nil {
		return status.Corruptionf("unknown operation type %q for operation %d", desc.Type, desc.ID)
	}

	weight := desc.Memory()
	if weight > e.cfg.MemoryQuota {
		weight = e.cfg.MemoryQuota
	}
	if err := e.memory.Acquire(ctx, weight); err != nil {
		return status.Wrap(status.Expired, err, "operation %d waiting for memory", desc.ID)
	}
	defer e.memory.Release(weight)

	ctx, span := tracer.Start(ctx, "executor.operation", trace.WithAttributes(
		attribute.Int64("operation_id", int64(desc.ID)),
		attribute.String("operation_type", desc.Type),
		attribute.Int64("estimate_memory", weight),
	))
	start := time.Now()
	defer func() {
		metrics.OperationsTotal.WithLabelValues(desc.Type, metrics.OutcomeOf(err)).Inc()
		metrics.OperationDuration.WithLabelValues(desc.Type).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	e.logger.Debug("operation started", "operation", desc.String())
	if err := op.Execute(ctx, tc); err != nil {
		if errors.Is(err, context.Canceled) && status.CodeOf(err) == status.InternalError {
			return status.Wrap(status.Expired, err, "operation %d cancelled", desc.ID)
		}
		return err
	}
	e.logger.Debug("operation finished", "operation_id", desc.ID, "duration", time.Since(start))
	return nil
}

// OutputDir is where an operation's output lives: its fence directory when it
// uses the fence, the destination root otherwise.
func OutputDir(tc *taskctx.TaskContext, desc models.OperationDescription) string {
	if desc.UseFenceDir {
		return tc.OperationFenceDir(desc.ID)
	}
	return tc.DestinationRoot
}
