package ops

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/mergeplane/internal/executor"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
	"github.com/fentz26/mergeplane/internal/taskctx"
	"github.com/fentz26/mergeplane/internal/versionstore"
)

func seedPartition(t *testing.T, root string, vid models.VersionID, segs ...models.SegmentID) {
	t.Helper()
	var vs versionstore.Store
	require.NoError(t, taskctx.WriteSchema(root, &taskctx.Schema{ID: 1, Name: "orders", Fields: []taskctx.Field{{Name: "id"}}}))
	for _, id := range segs {
		require.NoError(t, vs.WriteSegmentInfo(root, &models.SegmentInfo{SegmentID: id, SchemaID: 1, DocCount: 10}))
	}
	require.NoError(t, vs.WriteVersion(root, &models.Version{VersionID: vid, SchemaID: 1, Segments: segs}))
}

func assemble(t *testing.T, root string, vid models.VersionID, params map[string]string) *taskctx.TaskContext {
	t.Helper()
	tc, err := taskctx.NewBuilder().Assemble(taskctx.Request{
		Sources:         []taskctx.SourceSpec{{Root: root, VersionID: vid}},
		DestinationRoot: root,
		EpochID:         "42",
		Params:          params,
	})
	require.NoError(t, err)
	return tc
}

func TestCreatePlanGroupsSegments(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, 4, 1, 2, 3, 4, 5)

	plan, err := PlanCreator{}.CreatePlan(assemble(t, root, 4, map[string]string{"merge_factor": "2"}))
	require.NoError(t, err)

	require.Len(t, plan.Operations, 2)
	assert.Equal(t, "1,2", plan.Operations[0].Param("segments", ""))
	assert.Equal(t, "3,4", plan.Operations[1].Param("segments", ""))
	assert.True(t, plan.Operations[0].UseFenceDir)
	require.NotNil(t, plan.EndOperation)
	assert.Equal(t, TypeEndMerge, plan.EndOperation.Type)
	assert.Equal(t, models.OperationID(3), plan.EndOperation.ID)
	assert.Equal(t, taskctx.DefaultTaskType, plan.TaskType)
}

func TestCreatePlanRejectsBadFactor(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, 1, 1)
	_, err := PlanCreator{}.CreatePlan(assemble(t, root, 1, map[string]string{"merge_factor": "1"}))
	assert.Equal(t, status.InvalidArgs, status.CodeOf(err))
}

func TestMergePlanEndToEnd(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, 4, 1, 2, 3)
	tc := assemble(t, root, 4, nil)

	plan, err := PlanCreator{}.CreatePlan(tc)
	require.NoError(t, err)
	require.NoError(t, executor.New(nil, nil).Run(context.Background(), plan, tc, NewFactory(nil), nil))

	var result models.MergeResult
	require.NoError(t, json.Unmarshal(tc.Result(), &result))
	assert.Equal(t, models.VersionID(4), result.BaseVersionID)
	assert.True(t, result.TargetVersionID.IsPureMerge())

	var vs versionstore.Store
	target, err := vs.LoadVersion(root, result.TargetVersionID)
	require.NoError(t, err)
	merged := models.MergedSegmentID(1)
	assert.Equal(t, []models.SegmentID{3, merged}, target.Segments)
	assert.Equal(t, versionstore.FenceName("42"), target.FenceName)

	info, err := vs.LoadSegmentInfo(root, merged)
	require.NoError(t, err)
	assert.Equal(t, int64(20), info.DocCount)
	assert.Equal(t, []models.SegmentID{1, 2}, info.Sources)
}

func TestFactoryUnknownTypeIsCorruption(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, 1, 1)
	tc := assemble(t, root, 1, nil)

	op, err := NewFactory(nil).CreateOperation(models.NewOperationDescription(1, "reindex"))
	require.NoError(t, err)
	assert.Nil(t, op)

	plan := &models.Plan{Operations: []models.OperationDescription{models.NewOperationDescription(1, "reindex")}}
	err = executor.New(nil, nil).Run(context.Background(), plan, tc, NewFactory(nil), nil)
	assert.Equal(t, status.Corruption, status.CodeOf(err))
}

func TestMergeSegmentsRejectsForeignSegment(t *testing.T) {
	root := t.TempDir()
	seedPartition(t, root, 1, 1, 2)
	tc := assemble(t, root, 1, nil)

	desc := models.NewOperationDescription(1, TypeMergeSegments)
	desc.Parameters["segments"] = "1,99"
	plan := &models.Plan{Operations: []models.OperationDescription{desc}}
	err := executor.New(nil, nil).Run(context.Background(), plan, tc, NewFactory(nil), nil)
	assert.Equal(t, status.Corruption, status.CodeOf(err))
}

func TestSegmentListRoundTrip(t *testing.T) {
	ids, err := ParseSegmentList(" 3, 5,,8")
	require.NoError(t, err)
	assert.Equal(t, []models.SegmentID{3, 5, 8}, ids)
	assert.Equal(t, "3,5,8", FormatSegmentList(ids))

	_, err = ParseSegmentList("3,x")
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	reg := executor.NewRegistry()
	Register(reg, nil)
	f, err := reg.Resolve(Kind)
	require.NoError(t, err)
	assert.IsType(t, &Factory{}, f)
}
