package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fentz26/mergeplane/internal/metrics"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
	"github.com/fentz26/mergeplane/internal/taskctx"
	"github.com/fentz26/mergeplane/internal/versionstore"
)

var tracer = otel.Tracer("mergeplane.controller")

// RemoteConfig configures a RemoteController.
type RemoteConfig struct {
	BuildID   models.BuildID
	TableName string
	Range     models.Range
	BranchID  int64
	// PartitionRoot is the destination root, shared with the admin.
	PartitionRoot string
	Client        AdminClient
	Versions      VersionLoader
	Builder       *taskctx.Builder
	// Resources are installed into every task context.
	Resources map[string]any
	// Params are sent with every StartTask, e.g. the table kind.
	Params map[string]string
	// RPCTimeout bounds each admin call.
	RPCTimeout time.Duration
	// BackoffWindow bounds each randomized retry sleep.
	BackoffWindow time.Duration
	Logger        *slog.Logger
	// Now is the clock task ids are derived from.
	Now func() time.Time
}

// Defaults applied by NewRemoteController to unset timings.
const (
	DefaultRPCTimeout    = 30 * time.Second
	DefaultBackoffWindow = 10 * time.Second
)

// RemoteController runs merges on an admin service and polls for the result.
// At most one task is outstanding per controller.
type RemoteController struct {
	cfg    RemoteConfig
	logger *slog.Logger

	// submitMu serializes submit critical sections; stateMu guards state only,
	// so progress queries never wait behind a submit.
	submitMu   sync.Mutex
	stateMu    sync.Mutex
	state      remoteState
	waitCancel context.CancelFunc
	lastEpoch  int32

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ MergeController = (*RemoteController)(nil)

// NewRemoteController creates a remote controller.
func NewRemoteController(cfg RemoteConfig) *RemoteController {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Versions == nil {
		cfg.Versions = versionstore.Store{}
	}
	if cfg.Builder == nil {
		cfg.Builder = taskctx.NewBuilder()
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.BackoffWindow <= 0 {
		cfg.BackoffWindow = DefaultBackoffWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RemoteController{
		cfg: cfg,
		logger: cfg.Logger.With("controller", "remote", "build", cfg.BuildID.Key(),
			"table", cfg.TableName, "range", cfg.Range.String(), "branch", cfg.BranchID),
		stopCh: make(chan struct{}),
	}
}

// Stop sets the stop flag; in-flight loops return Expired.
func (c *RemoteController) Stop() {
	c.stopped.Store(true)
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *RemoteController) checkStop(ctx context.Context) error {
	if c.stopped.Load() {
		return status.Expiredf("controller stopped")
	}
	if err := ctx.Err(); err != nil {
		return status.Wrap(status.Expired, err, "controller loop cancelled")
	}
	return nil
}

func (c *RemoteController) backoff(ctx context.Context, call string, attempt int, cause error) error {
	d := Backoff(c.cfg.BackoffWindow)
	metrics.RPCRetries.WithLabelValues(call).Inc()
	c.logger.Warn("admin call failed, retrying", "call", call, "attempt", attempt, "backoff", d, "error", cause)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-c.stopCh:
		return status.Expiredf("controller stopped")
	case <-ctx.Done():
		return status.Wrap(status.Expired, ctx.Err(), "controller loop cancelled")
	}
}

func (c *RemoteController) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.RPCTimeout)
}

func (c *RemoteController) matches(t *models.AdminTask) bool {
	return t.TableName == c.cfg.TableName && t.Range == c.cfg.Range
}

// TaskDescription returns the outstanding task, if any.
func (c *RemoteController) TaskDescription() (models.TaskDescription, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state.desc, c.state.outstanding()
}

// GetRunningTaskStat implements MergeController.
func (c *RemoteController) GetRunningTaskStat() (models.TaskStat, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.state.outstanding() {
		return models.TaskStat{}, false
	}
	return c.state.desc.Stat(), true
}

// CreateTaskContext implements MergeController. The epoch id is the low 32
// bits of the current Unix time, so the task id can be rebuilt from it. Epochs
// handed out by one controller strictly increase, even within one second.
func (c *RemoteController) CreateTaskContext(ctx context.Context, base models.VersionID, taskType, taskName string, params map[string]string) (*taskctx.TaskContext, error) {
	_, epoch := models.MakeTaskID(c.cfg.Now())
	c.stateMu.Lock()
	if epoch <= c.lastEpoch {
		epoch = c.lastEpoch + 1
	}
	c.lastEpoch = epoch
	c.stateMu.Unlock()
	return c.cfg.Builder.Assemble(taskctx.Request{
		Sources:         []taskctx.SourceSpec{{Root: c.cfg.PartitionRoot, VersionID: base}},
		DestinationRoot: c.cfg.PartitionRoot,
		EpochID:         strconv.FormatInt(int64(epoch), 10),
		TaskType:        taskType,
		TaskName:        taskName,
		Params:          params,
		Resources:       c.cfg.Resources,
	})
}

// SubmitMergeTask ships the plan to the admin, retrying transport failures
// until the admin accepts it or the controller is stopped.
func (c *RemoteController) SubmitMergeTask(ctx context.Context, plan *models.Plan, tc *taskctx.TaskContext) (err error) {
	if plan == nil || tc == nil {
		return status.InvalidArgsf("submit needs a plan and a task context")
	}
	epoch64, perr := strconv.ParseInt(tc.EpochID, 10, 32)
	if perr != nil {
		return status.Wrap(status.InvalidArgs, perr, "task context epoch %q", tc.EpochID)
	}
	epoch := int32(epoch64)

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.stateMu.Lock()
	busy := c.state.outstanding()
	c.stateMu.Unlock()
	if busy {
		return status.Wrap(status.InvalidArgs, ErrTaskOutstanding, "submit")
	}

	planJSON, merr := json.Marshal(plan)
	if merr != nil {
		return status.Wrap(status.Corruption, merr, "encode plan")
	}
	params := make(map[string]string, len(c.cfg.Params)+len(tc.Params))
	for k, v := range c.cfg.Params {
		params[k] = v
	}
	for k, v := range tc.Params {
		params[k] = v
	}
	req := &models.StartTaskRequest{
		BuildID:         c.cfg.BuildID,
		TaskID:          models.TaskIDFromEpoch(epoch),
		TableName:       c.cfg.TableName,
		DestRoot:        tc.DestinationRoot,
		TaskEpochID:     epoch,
		SourceVersionID: tc.BaseVersionID(),
		BranchID:        c.cfg.BranchID,
		Range:           c.cfg.Range,
		Plan:            string(planJSON),
		Params:          params,
	}

	ctx, span := tracer.Start(ctx, "controller.SubmitMergeTask", trace.WithAttributes(
		attribute.Int64("task_id", req.TaskID),
		attribute.Int64("base_version", int64(req.SourceVersionID)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for attempt := 1; ; attempt++ {
		if err := c.checkStop(ctx); err != nil {
			return err
		}
		accepted, retry, err := c.startOnce(ctx, req)
		if accepted {
			break
		}
		if !retry {
			return err
		}
		if err := c.backoff(ctx, "start_task", attempt, err); err != nil {
			return err
		}
	}

	c.stateMu.Lock()
	c.state.submitted(models.TaskDescription{
		TaskID:        req.TaskID,
		TaskEpochID:   req.TaskEpochID,
		BaseVersionID: req.SourceVersionID,
		TotalOpCount:  plan.OperationCount(),
		Digest:        req.Digest(),
	}, tc.FenceRoot)
	c.stateMu.Unlock()

	c.logger.Info("merge task submitted", "task_id", req.TaskID, "epoch", epoch, "base_version", req.SourceVersionID)
	return nil
}

// startOnce sends one StartTask. A "no error" or confirmed "duplicate"
// answer accepts the task; retry reports whether a failure may be retried.
func (c *RemoteController) startOnce(ctx context.Context, req *models.StartTaskRequest) (accepted, retry bool, err error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	resp, err := c.cfg.Client.StartTask(cctx, req)
	if err != nil {
		return false, status.IsRetryable(err), status.Wrap(status.CodeOf(err), err, "start task")
	}

	switch resp.ErrorCode {
	case models.AdminErrorNone, "":
		return true, false, nil
	case models.AdminErrorDuplicate:
		return c.confirmDuplicate(ctx, req)
	case models.AdminErrorInvalid:
		return false, false, status.InvalidArgsf("admin rejected task %d: %s", req.TaskID, resp.Message)
	case models.AdminErrorFatal:
		return false, false, status.Wrap(status.Corruption, ErrGenerationFatal, "start task: %s", resp.Message)
	default:
		return false, false, status.Internalf("admin failed task %d: %s %s", req.TaskID, resp.ErrorCode, resp.Message)
	}
}

// confirmDuplicate accepts a duplicate answer only when the admin's task
// carries this submission's epoch, base version and plan digest.
func (c *RemoteController) confirmDuplicate(ctx context.Context, req *models.StartTaskRequest) (accepted, retry bool, err error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	info, err := c.cfg.Client.GetTaskInfo(cctx, models.TaskRef{BuildID: req.BuildID, TaskID: req.TaskID})
	if err != nil {
		return false, status.IsRetryable(err), status.Wrap(status.CodeOf(err), err, "confirm duplicate task")
	}
	if !info.Exists {
		return false, true, status.Internalf("duplicate task %d not visible yet", req.TaskID)
	}
	var desc models.TaskDescription
	if err := json.Unmarshal([]byte(info.Progress), &desc); err != nil {
		return false, false, status.Wrap(status.Corruption, err, "decode duplicate task progress")
	}
	if desc.TaskEpochID != req.TaskEpochID || desc.BaseVersionID != req.SourceVersionID {
		return false, false, status.Corruptionf("duplicate task %d belongs to epoch %d base %d, not epoch %d base %d",
			req.TaskID, desc.TaskEpochID, desc.BaseVersionID, req.TaskEpochID, req.SourceVersionID)
	}
	if desc.Digest != req.Digest() {
		return false, false, status.Corruptionf("duplicate task %d was started with a different plan", req.TaskID)
	}
	c.logger.Info("duplicate submission confirmed", "task_id", req.TaskID)
	return true, false, nil
}

// WaitMergeResult polls the admin until the task finishes or stops.
func (c *RemoteController) WaitMergeResult(ctx context.Context) (models.MergeTaskStatus, error) {
	c.stateMu.Lock()
	switch c.state.phase {
	case phaseIdle:
		c.stateMu.Unlock()
		return models.MergeTaskStatus{}, status.Wrap(status.InvalidArgs, ErrNoTask, "wait")
	case phaseTerminal:
		result := c.state.result
		c.stateMu.Unlock()
		return result, nil
	}
	c.state.polling()
	desc := c.state.desc
	ctx, cancel := context.WithCancel(ctx)
	c.waitCancel = cancel
	c.stateMu.Unlock()

	defer func() {
		c.stateMu.Lock()
		c.waitCancel = nil
		c.stateMu.Unlock()
		cancel()
	}()

	ctx, span := tracer.Start(ctx, "controller.WaitMergeResult", trace.WithAttributes(
		attribute.Int64("task_id", desc.TaskID),
	))
	defer span.End()

	result, err := c.poll(ctx, desc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.MergeTaskStatus{}, err
	}
	metrics.MergeTasksTotal.WithLabelValues("remote", string(result.Code)).Inc()

	c.stateMu.Lock()
	c.state.terminal(result)
	c.stateMu.Unlock()
	return result, nil
}

func (c *RemoteController) poll(ctx context.Context, desc models.TaskDescription) (models.MergeTaskStatus, error) {
	ref := models.TaskRef{BuildID: c.cfg.BuildID, TaskID: desc.TaskID}
	for attempt := 1; ; attempt++ {
		if err := c.checkStop(ctx); err != nil {
			return models.MergeTaskStatus{}, err
		}

		cctx, cancel := c.callCtx(ctx)
		info, err := c.cfg.Client.GetTaskInfo(cctx, ref)
		cancel()
		if err != nil {
			if !status.IsRetryable(err) {
				return models.MergeTaskStatus{}, status.Wrap(status.CodeOf(err), err, "get task info %d", desc.TaskID)
			}
			if err := c.backoff(ctx, "get_task_info", attempt, err); err != nil {
				return models.MergeTaskStatus{}, err
			}
			continue
		}

		if !info.Exists {
			return c.fail(ctx, ref, desc, "task %d no longer exists on the admin", desc.TaskID), nil
		}
		switch info.Step {
		case models.TaskStepRunning:
			c.recordProgress(info.Progress)
		case models.TaskStepFinished:
			return c.finish(ctx, ref, desc, info.Result), nil
		case models.TaskStepStopped:
			return c.fail(ctx, ref, desc, "task %d stopped: %s", desc.TaskID, info.Error), nil
		default:
			return c.fail(ctx, ref, desc, "task %d in unknown step %q", desc.TaskID, info.Step), nil
		}

		if err := c.sleep(ctx); err != nil {
			return models.MergeTaskStatus{}, err
		}
	}
}

func (c *RemoteController) sleep(ctx context.Context) error {
	timer := time.NewTimer(Backoff(c.cfg.BackoffWindow))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-c.stopCh:
		return status.Expiredf("controller stopped")
	case <-ctx.Done():
		return status.Wrap(status.Expired, ctx.Err(), "wait cancelled")
	}
}

func (c *RemoteController) recordProgress(progress string) {
	if progress == "" {
		return
	}
	var p models.TaskDescription
	if err := json.Unmarshal([]byte(progress), &p); err != nil {
		c.logger.Warn("ignoring undecodable task progress", "error", err)
		return
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if p.TaskID == c.state.desc.TaskID {
		c.state.progress(p.FinishedOpCount, p.TotalOpCount)
	}
}

func (c *RemoteController) finish(ctx context.Context, ref models.TaskRef, desc models.TaskDescription, payload string) models.MergeTaskStatus {
	var res models.MergeResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return c.fail(ctx, ref, desc, "decode merge result of task %d: %v", desc.TaskID, err)
	}
	base, err := c.cfg.Versions.LoadVersion(c.cfg.PartitionRoot, res.BaseVersionID)
	if err != nil {
		return c.fail(ctx, ref, desc, "load base version %d: %v", res.BaseVersionID, err)
	}
	target, err := c.cfg.Versions.LoadVersion(c.cfg.PartitionRoot, res.TargetVersionID)
	if err != nil {
		return c.fail(ctx, ref, desc, "load target version %d: %v", res.TargetVersionID, err)
	}

	c.stateMu.Lock()
	c.state.progress(desc.TotalOpCount, desc.TotalOpCount)
	c.stateMu.Unlock()

	c.logger.Info("merge task done", "task_id", desc.TaskID, "base_version", base.VersionID, "target_version", target.VersionID)
	return models.MergeTaskStatus{Code: models.MergeStatusDone, BaseVersion: base, TargetVersion: target}
}

// fail builds an ERROR status and asks the admin to stop the task.
func (c *RemoteController) fail(ctx context.Context, ref models.TaskRef, desc models.TaskDescription, format string, args ...any) models.MergeTaskStatus {
	err := status.Internalf(format, args...)
	c.logger.Error("merge task failed", "task_id", desc.TaskID, "error", err)

	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	if serr := c.cfg.Client.StopTask(cctx, ref); serr != nil {
		c.logger.Warn("stop task after failure", "task_id", desc.TaskID, "error", serr)
	}

	result := models.MergeTaskStatus{Code: models.MergeStatusError, Message: err.Error()}
	if base, lerr := c.cfg.Versions.LoadVersion(c.cfg.PartitionRoot, desc.BaseVersionID); lerr == nil {
		result.BaseVersion = base
	}
	return result
}

// Recover reattaches to a task a previous process submitted. It retries until
// the admin answers or the controller is stopped.
func (c *RemoteController) Recover(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "controller.Recover")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for attempt := 1; ; attempt++ {
		if err := c.checkStop(ctx); err != nil {
			return err
		}
		err := c.doRecover(ctx)
		if err == nil {
			return nil
		}
		if !status.IsRetryable(err) {
			return err
		}
		if err := c.backoff(ctx, "recover", attempt, err); err != nil {
			return err
		}
	}
}

func (c *RemoteController) generationInfo(ctx context.Context) (*models.GenerationInfo, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	info, err := c.cfg.Client.GetGenerationInfo(cctx, c.cfg.BuildID)
	if err != nil {
		return nil, status.Wrap(status.CodeOf(err), err, "get generation info")
	}
	if info.HasFatalError {
		return nil, status.Wrap(status.Corruption, ErrGenerationFatal, "generation %s: %s", c.cfg.BuildID.Key(), info.FatalErrorMsg)
	}
	return info, nil
}

// DoRecover performs one recovery attempt.
func (c *RemoteController) doRecover(ctx context.Context) error {
	info, err := c.generationInfo(ctx)
	if err != nil {
		return err
	}

	var found *models.AdminTask
	for i := range info.ActiveTasks {
		t := &info.ActiveTasks[i]
		if !c.matches(t) {
			continue
		}
		if t.BranchID != c.cfg.BranchID {
			c.logger.Info("stopping task of a superseded branch", "task_id", t.TaskID, "task_branch", t.BranchID)
			cctx, cancel := c.callCtx(ctx)
			err := c.cfg.Client.StopTask(cctx, t.Ref())
			cancel()
			if err != nil {
				return status.Wrap(status.CodeOf(err), err, "stop stale task %d", t.TaskID)
			}
			continue
		}
		if found == nil || t.TaskID > found.TaskID {
			found = t
		}
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if found == nil {
		c.state.reset()
		c.logger.Info("recovered with no outstanding task")
		return nil
	}

	desc := models.TaskDescription{
		TaskID:        found.TaskID,
		TaskEpochID:   found.TaskEpochID,
		BaseVersionID: found.SourceVersionID,
	}
	if found.Progress != "" {
		var p models.TaskDescription
		if err := json.Unmarshal([]byte(found.Progress), &p); err != nil {
			c.logger.Warn("ignoring undecodable task progress", "task_id", found.TaskID, "error", err)
		} else {
			desc.FinishedOpCount = p.FinishedOpCount
			desc.TotalOpCount = p.TotalOpCount
			desc.Digest = p.Digest
		}
	}
	fence := ""
	if found.DestRoot != "" {
		fence = versionstore.FenceDir(found.DestRoot, strconv.FormatInt(int64(found.TaskEpochID), 10))
	}
	c.state.submitted(desc, fence)
	c.logger.Info("reattached to outstanding task", "task_id", desc.TaskID, "base_version", desc.BaseVersionID,
		"finished", desc.FinishedOpCount, "total", desc.TotalOpCount)
	return nil
}

// GetLastMergeTaskResult waits on an active task of this partition if there is
// one, otherwise returns the target version of the newest finished task.
func (c *RemoteController) GetLastMergeTaskResult(ctx context.Context) (models.VersionID, bool, error) {
	for attempt := 1; ; attempt++ {
		if err := c.checkStop(ctx); err != nil {
			return models.InvalidVersionID, false, err
		}
		id, ok, err := c.lastResultOnce(ctx)
		if err == nil || !status.IsRetryable(err) {
			return id, ok, err
		}
		if err := c.backoff(ctx, "last_result", attempt, err); err != nil {
			return models.InvalidVersionID, false, err
		}
	}
}

func (c *RemoteController) lastResultOnce(ctx context.Context) (models.VersionID, bool, error) {
	info, err := c.generationInfo(ctx)
	if err != nil {
		return models.InvalidVersionID, false, err
	}

	for i := range info.ActiveTasks {
		t := &info.ActiveTasks[i]
		if !c.matches(t) || t.BranchID != c.cfg.BranchID {
			continue
		}
		if err := c.doRecover(ctx); err != nil {
			return models.InvalidVersionID, false, err
		}
		result, err := c.WaitMergeResult(ctx)
		if err != nil {
			return models.InvalidVersionID, false, err
		}
		if result.Code == models.MergeStatusDone && result.TargetVersion != nil {
			return result.TargetVersion.VersionID, true, nil
		}
		break
	}

	var best *models.AdminTask
	for i := range info.StoppedTasks {
		t := &info.StoppedTasks[i]
		if !c.matches(t) || t.Step != models.TaskStepFinished {
			continue
		}
		if best == nil || t.TaskEpochID > best.TaskEpochID {
			best = t
		}
	}
	if best == nil {
		return models.InvalidVersionID, false, nil
	}
	var res models.MergeResult
	if err := json.Unmarshal([]byte(best.Result), &res); err != nil {
		return models.InvalidVersionID, false, status.Wrap(status.Corruption, err, "decode result of task %d", best.TaskID)
	}
	return res.TargetVersionID, true, nil
}

// CleanTask resets the outstanding task and optionally removes its fence directory.
func (c *RemoteController) CleanTask(removeTempFiles bool) error {
	c.stateMu.Lock()
	fence := c.state.fenceRoot
	c.state.reset()
	c.stateMu.Unlock()

	if removeTempFiles && fence != "" {
		if err := os.RemoveAll(fence); err != nil {
			return status.Wrap(status.InternalError, err, "remove fence dir %s", fence)
		}
	}
	return nil
}

// CancelCurrentTask sends one StopTask for the outstanding task and interrupts
// any wait on it, which then returns Expired.
func (c *RemoteController) CancelCurrentTask(ctx context.Context) error {
	c.stateMu.Lock()
	if !c.state.outstanding() {
		c.stateMu.Unlock()
		return nil
	}
	ref := models.TaskRef{BuildID: c.cfg.BuildID, TaskID: c.state.desc.TaskID}
	interrupt := c.waitCancel
	c.stateMu.Unlock()

	cctx, cancel := c.callCtx(ctx)
	err := c.cfg.Client.StopTask(cctx, ref)
	cancel()
	if interrupt != nil {
		interrupt()
	}
	if err != nil {
		return status.Wrap(status.CodeOf(err), err, "stop task %d", ref.TaskID)
	}
	c.logger.Info("merge task cancelled", "task_id", ref.TaskID)
	return nil
}

// IsFatal reports whether err came from a fatal generation error.
func IsFatal(err error) bool {
	return errors.Is(err, ErrGenerationFatal)
}
