package controller

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/mergeplane/internal/executor"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/ops"
	"github.com/fentz26/mergeplane/internal/status"
	"github.com/fentz26/mergeplane/internal/taskctx"
	"github.com/fentz26/mergeplane/internal/versionstore"
)

func seedPartition(t *testing.T, root string, vid models.VersionID, segs ...models.SegmentID) {
	t.Helper()
	var vs versionstore.Store
	require.NoError(t, taskctx.WriteSchema(root, &taskctx.Schema{ID: 1, Name: "orders", Fields: []taskctx.Field{{Name: "id"}}}))
	for _, id := range segs {
		require.NoError(t, vs.WriteSegmentInfo(root, &models.SegmentInfo{SegmentID: id, SchemaID: 1, DocCount: 5}))
	}
	require.NoError(t, vs.WriteVersion(root, &models.Version{VersionID: vid, SchemaID: 1, Segments: segs}))
}

func newLocal(t *testing.T, root string, factory executor.Factory) *LocalController {
	t.Helper()
	return NewLocalController(LocalConfig{
		PartitionRoot: root,
		Executor:      executor.New(&executor.Config{Parallelism: 2, MemoryQuota: 8}, nil),
		Factory:       factory,
	})
}

func TestLocalMergeDone(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, 4, 1, 2, 3, 4)
	c := newLocal(t, root, ops.NewFactory(nil))
	ctx := context.Background()

	require.NoError(t, c.Recover(ctx))
	tc, err := c.CreateTaskContext(ctx, 4, "", "", nil)
	require.NoError(t, err)
	plan, err := ops.PlanCreator{}.CreatePlan(tc)
	require.NoError(t, err)

	require.NoError(t, c.SubmitMergeTask(ctx, plan, tc))
	stat, ok := c.GetRunningTaskStat()
	require.True(t, ok)
	assert.Equal(t, models.TaskStat{BaseVersionID: 4, FinishedOpCount: 3, TotalOpCount: 3}, stat)

	result, err := c.WaitMergeResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusDone, result.Code)
	assert.Equal(t, models.VersionID(4), result.BaseVersion.VersionID)
	require.NotNil(t, result.TargetVersion)
	assert.True(t, result.TargetVersion.VersionID.IsPureMerge())
	assert.Len(t, result.TargetVersion.Segments, 2)

	last, ok, err := c.GetLastMergeTaskResult(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, result.TargetVersion.VersionID, last)

	require.DirExists(t, tc.FenceRoot)
	require.NoError(t, c.CleanTask(true))
	assert.NoDirExists(t, tc.FenceRoot)
	_, ok = c.GetRunningTaskStat()
	assert.False(t, ok)
	require.NoError(t, c.CleanTask(true))
}

func TestLocalMergeFailureIsError(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, 1, 1, 2)
	boom := status.Internalf("out of disk")
	factory := executor.FactoryFunc(func(desc models.OperationDescription) (executor.Operation, error) {
		return executor.OperationFunc(func(context.Context, *taskctx.TaskContext) error { return boom }), nil
	})
	c := newLocal(t, root, factory)

	tc, err := c.CreateTaskContext(context.Background(), 1, "", "", nil)
	require.NoError(t, err)
	plan := &models.Plan{Operations: []models.OperationDescription{models.NewOperationDescription(1, "x")}}
	require.NoError(t, c.SubmitMergeTask(context.Background(), plan, tc))

	result, err := c.WaitMergeResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusError, result.Code)
	assert.Contains(t, result.Message, "out of disk")
}

func TestLocalMergeWithoutResultIsError(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, 1, 1, 2)
	c := newLocal(t, root, ops.NewFactory(nil))

	tc, err := c.CreateTaskContext(context.Background(), 1, "", "", nil)
	require.NoError(t, err)
	plan, err := ops.PlanCreator{}.CreatePlan(tc)
	require.NoError(t, err)
	plan.EndOperation = nil

	require.NoError(t, c.SubmitMergeTask(context.Background(), plan, tc))
	result, err := c.WaitMergeResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusError, result.Code)
}

func TestLocalSubmitWhileOutstanding(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, 1, 1)
	c := newLocal(t, root, ops.NewFactory(nil))
	tc, err := c.CreateTaskContext(context.Background(), 1, "", "", nil)
	require.NoError(t, err)
	plan, err := ops.PlanCreator{}.CreatePlan(tc)
	require.NoError(t, err)

	require.NoError(t, c.SubmitMergeTask(context.Background(), plan, tc))
	err = c.SubmitMergeTask(context.Background(), plan, tc)
	assert.ErrorIs(t, err, ErrTaskOutstanding)
}

func TestLocalWaitWithoutTask(t *testing.T) {
	c := newLocal(t, t.TempDir(), ops.NewFactory(nil))
	_, err := c.WaitMergeResult(context.Background())
	assert.Equal(t, status.InvalidArgs, status.CodeOf(err))
	assert.NoError(t, c.CancelCurrentTask(context.Background()))
}

func TestLocalReadsFromTempBuildRoot(t *testing.T) {
	root := t.TempDir()
	temp := t.TempDir()
	seedPartition(t, temp, 2, 1, 2)
	c := NewLocalController(LocalConfig{PartitionRoot: root, TempBuildRoot: temp, Factory: ops.NewFactory(nil)})

	tc, err := c.CreateTaskContext(context.Background(), 2, "merge", "nightly", map[string]string{"merge_factor": "2"})
	require.NoError(t, err)
	assert.Equal(t, temp, tc.Sources[0].Root)
	assert.Equal(t, root, tc.DestinationRoot)
	assert.True(t, tc.Designated)
	assert.Equal(t, "nightly", tc.TaskName)
}

func TestLocalLastResultSkipsPartialVersion(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, 3, 1, 2)
	var vs versionstore.Store

	good := models.MergedVersionID(1)
	require.NoError(t, vs.WriteVersion(root, &models.Version{VersionID: good, SchemaID: 1, Segments: []models.SegmentID{1, 2}}))
	partial := models.MergedVersionID(2)
	require.NoError(t, vs.WriteVersion(root, &models.Version{VersionID: partial, SchemaID: 1, Segments: []models.SegmentID{1, models.MergedSegmentID(9)}}))
	stale := models.MergedVersionID(3)
	require.NoError(t, vs.WriteVersion(root, &models.Version{VersionID: stale, SchemaID: 2, Segments: []models.SegmentID{1}}))
	require.NoError(t, os.WriteFile(versionstore.VersionPath(root, models.MergedVersionID(4)), []byte("garbage"), 0o644))

	c := newLocal(t, root, ops.NewFactory(nil))
	id, ok, err := c.GetLastMergeTaskResult(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, good, id)
}

func TestLocalLastResultNone(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, 3, 1)
	c := newLocal(t, root, ops.NewFactory(nil))
	_, ok, err := c.GetLastMergeTaskResult(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
