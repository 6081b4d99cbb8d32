package ops

import (
	"strconv"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
	"github.com/fentz26/mergeplane/internal/taskctx"
)

// DefaultMergeFactor is how many segments one merge_segments operation combines.
const DefaultMergeFactor = 2

// PlanCreator builds merge plans for the index table kind.
type PlanCreator struct{}

// CreatePlan groups the context's source segments by the merge_factor
// parameter into merge_segments operations followed by end_merge. Groups of
// a single segment are carried over unchanged.
func (PlanCreator) CreatePlan(tc *taskctx.TaskContext) (*models.Plan, error) {
	factor := DefaultMergeFactor
	if v := tc.Param("merge_factor", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2 {
			return nil, status.InvalidArgsf("merge_factor must be an integer of at least 2, got %q", v)
		}
		factor = n
	}

	plan := &models.Plan{TaskType: tc.TaskType, TaskName: tc.TaskName}
	refs := tc.SourceSegments()
	next := models.OperationID(1)
	for start := 0; start < len(refs); start += factor {
		end := start + factor
		if end > len(refs) {
			end = len(refs)
		}
		if end-start < 2 {
			continue
		}
		ids := make([]models.SegmentID, 0, end-start)
		for _, ref := range refs[start:end] {
			ids = append(ids, ref.ID)
		}
		op := models.NewOperationDescription(next, TypeMergeSegments)
		op.Parameters["segments"] = FormatSegmentList(ids)
		op.EstimateMemory = int64(len(ids))
		op.UseFenceDir = true
		plan.AddOperation(op)
		next++
	}
	plan.SetEndOperation(models.NewOperationDescription(next, TypeEndMerge))
	return plan, nil
}
