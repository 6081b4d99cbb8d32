package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/mergeplane/internal/executor"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
	"github.com/fentz26/mergeplane/internal/taskctx"
	"github.com/fentz26/mergeplane/internal/versionstore"
)

// mergeOutput names the segment a merge_segments operation produced.
type mergeOutput struct {
	Segment models.SegmentID   `json:"segment"`
	Sources []models.SegmentID `json:"sources"`
}

func mergeOutputPath(dir string, id models.OperationID) string {
	return filepath.Join(dir, fmt.Sprintf("merge_output_%d.json", id))
}

// ParseSegmentList parses a comma-separated list of segment ids.
func ParseSegmentList(s string) ([]models.SegmentID, error) {
	var ids []models.SegmentID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("segment id %q: %w", part, err)
		}
		ids = append(ids, models.SegmentID(n))
	}
	return ids, nil
}

// FormatSegmentList is the inverse of ParseSegmentList.
func FormatSegmentList(ids []models.SegmentID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(int64(id), 10)
	}
	return strings.Join(parts, ",")
}

type mergeSegments struct {
	desc   models.OperationDescription
	store  versionstore.Store
	logger *slog.Logger
}

func (m *mergeSegments) Execute(ctx context.Context, tc *taskctx.TaskContext) error {
	ids, err := ParseSegmentList(m.desc.Param("segments", ""))
	if err != nil {
		return status.Wrap(status.Corruption, err, "operation %d", m.desc.ID)
	}
	if len(ids) == 0 {
		return status.Corruptionf("operation %d has no segments to merge", m.desc.ID)
	}

	owners := make(map[models.SegmentID]string)
	for _, ref := range tc.SourceSegments() {
		owners[ref.ID] = ref.Root
	}

	merged := &models.SegmentInfo{SchemaID: tc.BaseSchemaID, Sources: ids}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return status.Wrap(status.Expired, err, "operation %d", m.desc.ID)
		}
		root, ok := owners[id]
		if !ok {
			return status.Corruptionf("segment %d is not part of the task sources", id)
		}
		info, err := m.store.LoadSegmentInfo(root, id)
		if err != nil {
			return err
		}
		if info.SchemaID != tc.BaseSchemaID {
			return status.Corruptionf("segment %d has schema %d, task uses %d", id, info.SchemaID, tc.BaseSchemaID)
		}
		merged.DocCount += info.DocCount
	}
	merged.SegmentID = tc.NextSegmentID()

	out := executor.OutputDir(tc, m.desc)
	if err := m.store.WriteSegmentInfo(out, merged); err != nil {
		return status.Wrap(status.InternalError, err, "write merged segment")
	}
	data, err := json.Marshal(mergeOutput{Segment: merged.SegmentID, Sources: ids})
	if err != nil {
		return err
	}
	if err := os.WriteFile(mergeOutputPath(out, m.desc.ID), data, 0o644); err != nil {
		return status.Wrap(status.InternalError, err, "write merge output")
	}

	m.logger.Debug("segments merged", "operation_id", m.desc.ID, "sources", ids, "segment", merged.SegmentID, "docs", merged.DocCount)
	return nil
}

type endMerge struct {
	desc   models.OperationDescription
	store  versionstore.Store
	logger *slog.Logger
}

func (e *endMerge) Execute(ctx context.Context, tc *taskctx.TaskContext) error {
	base := tc.BaseVersion()
	if base == nil {
		return status.Corruptionf("end merge without a base version")
	}

	consumed := make(map[models.SegmentID]bool)
	var produced []models.SegmentID
	for _, dep := range e.desc.Depends {
		dir, ok := tc.DependencyOutput(dep)
		if !ok {
			return status.Corruptionf("output of operation %d was never registered", dep)
		}
		data, err := os.ReadFile(mergeOutputPath(dir, dep))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return status.Wrap(status.InternalError, err, "read output of operation %d", dep)
		}
		var out mergeOutput
		if err := json.Unmarshal(data, &out); err != nil {
			return status.Wrap(status.Corruption, err, "decode output of operation %d", dep)
		}
		if err := e.store.MoveSegment(dir, tc.DestinationRoot, out.Segment); err != nil {
			return status.Wrap(status.InternalError, err, "publish segment %d", out.Segment)
		}
		produced = append(produced, out.Segment)
		for _, src := range out.Sources {
			consumed[src] = true
		}
	}

	var segments []models.SegmentID
	for _, ref := range tc.SourceSegments() {
		if consumed[ref.ID] {
			continue
		}
		if ref.Root != tc.DestinationRoot && !e.store.SegmentExists(tc.DestinationRoot, ref.ID) {
			info, err := e.store.LoadSegmentInfo(ref.Root, ref.ID)
			if err != nil {
				return err
			}
			if err := e.store.WriteSegmentInfo(tc.DestinationRoot, info); err != nil {
				return status.Wrap(status.InternalError, err, "carry segment %d", ref.ID)
			}
		}
		segments = append(segments, ref.ID)
	}
	segments = append(segments, produced...)
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })

	if err := ctx.Err(); err != nil {
		return status.Wrap(status.Expired, err, "end merge")
	}

	target := &models.Version{
		VersionID: tc.NextVersionID(),
		SchemaID:  tc.BaseSchemaID,
		Segments:  segments,
		Timestamp: time.Now().UTC(),
		FenceName: versionstore.FenceName(tc.EpochID),
	}
	if err := e.store.WriteVersion(tc.DestinationRoot, target); err != nil {
		return status.Wrap(status.InternalError, err, "write target version")
	}

	payload, err := json.Marshal(models.MergeResult{BaseVersionID: base.VersionID, TargetVersionID: target.VersionID})
	if err != nil {
		return err
	}
	tc.SetResult(payload)

	e.logger.Info("merge version written",
		"base_version", base.VersionID, "target_version", target.VersionID,
		"produced", len(produced), "segments", len(segments))
	return nil
}
