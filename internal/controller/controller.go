// Package controller coordinates where merge work happens: in-process or on a
// remote admin service.
package controller

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/taskctx"
)

// MergeController is the contract the build workflow drives a merge through.
type MergeController interface {
	// Recover restores controller invariants after a process restart.
	Recover(ctx context.Context) error
	// GetRunningTaskStat returns a progress snapshot, or false when nothing is outstanding.
	GetRunningTaskStat() (models.TaskStat, bool)
	// CreateTaskContext builds the execution environment rooted at a base version.
	CreateTaskContext(ctx context.Context, base models.VersionID, taskType, taskName string, params map[string]string) (*taskctx.TaskContext, error)
	// SubmitMergeTask begins execution and returns once the task is recorded as submitted.
	SubmitMergeTask(ctx context.Context, plan *models.Plan, tc *taskctx.TaskContext) error
	// WaitMergeResult blocks until the submitted task is DONE or ERROR.
	WaitMergeResult(ctx context.Context) (models.MergeTaskStatus, error)
	// GetLastMergeTaskResult returns the newest trustworthy merge result.
	GetLastMergeTaskResult(ctx context.Context) (models.VersionID, bool, error)
	// CleanTask releases bookkeeping and optionally removes the attempt's temp files.
	CleanTask(removeTempFiles bool) error
	// CancelCurrentTask cancels the outstanding task, if any.
	CancelCurrentTask(ctx context.Context) error
	// Stop makes every in-flight and future loop return Expired.
	Stop()
}

// AdminClient is the admin RPC contract the remote controller speaks.
type AdminClient interface {
	StartTask(ctx context.Context, req *models.StartTaskRequest) (*models.StartTaskResponse, error)
	GetTaskInfo(ctx context.Context, ref models.TaskRef) (*models.TaskInfo, error)
	StopTask(ctx context.Context, ref models.TaskRef) error
	GetGenerationInfo(ctx context.Context, build models.BuildID) (*models.GenerationInfo, error)
}

// VersionLoader reads versions from storage.
type VersionLoader interface {
	LoadVersion(root string, id models.VersionID) (*models.Version, error)
	ListVersionIDs(root string) ([]models.VersionID, error)
	SegmentExists(root string, id models.SegmentID) bool
}

// ErrNoTask is returned when an operation needs an outstanding task and there is none.
var ErrNoTask = errors.New("no outstanding merge task")

// ErrTaskOutstanding is returned when submitting while a task is outstanding.
var ErrTaskOutstanding = errors.New("merge task already outstanding")

// ErrGenerationFatal is returned when the admin reports a fatal generation error.
var ErrGenerationFatal = errors.New("generation has a fatal error")

// Backoff returns a retry delay drawn uniformly from [0, window].
func Backoff(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(window) + 1))
}
