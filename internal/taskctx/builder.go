package taskctx

import (
	"fmt"
	"os"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
	"github.com/fentz26/mergeplane/internal/versionstore"
)

// VersionReader is the part of version storage the builder depends on.
type VersionReader interface {
	LoadVersion(root string, id models.VersionID) (*models.Version, error)
	ListVersionIDs(root string) ([]models.VersionID, error)
	ListSegmentIDs(root string) ([]models.SegmentID, error)
}

// SourceSpec names one (root, version) input.
type SourceSpec struct {
	Root      string
	VersionID models.VersionID
}

// Request describes the context to assemble.
type Request struct {
	Sources         []SourceSpec
	DestinationRoot string
	EpochID         string
	// TaskType and TaskName designate a specific task; empty selects the default.
	TaskType  string
	TaskName  string
	Params    map[string]string
	Resources map[string]any
}

// Builder assembles task contexts.
type Builder struct {
	Versions VersionReader
	Schemas  SchemaLoader
}

// NewBuilder returns a builder over the filesystem version store and schema files.
func NewBuilder() *Builder {
	return &Builder{Versions: versionstore.Store{}, Schemas: FileSchemaLoader{}}
}

// Assemble resolves the request into a TaskContext and creates its fence directory.
func (b *Builder) Assemble(req Request) (*TaskContext, error) {
	if len(req.Sources) == 0 {
		return nil, status.InvalidArgsf("task context needs at least one source")
	}
	if req.DestinationRoot == "" {
		return nil, status.InvalidArgsf("task context needs a destination root")
	}
	if req.EpochID == "" {
		return nil, status.InvalidArgsf("task context needs an epoch id")
	}

	tc := newTaskContext()
	tc.DestinationRoot = req.DestinationRoot
	tc.EpochID = req.EpochID
	tc.FenceRoot = versionstore.FenceDir(req.DestinationRoot, req.EpochID)
	for k, v := range req.Params {
		tc.Params[k] = v
	}

	tc.TaskType, tc.TaskName = DefaultTaskType, DefaultTaskName
	if req.TaskType != "" {
		tc.Designated = true
		tc.TaskType = req.TaskType
		if req.TaskName != "" {
			tc.TaskName = req.TaskName
		}
	}

	for i, spec := range req.Sources {
		v, err := b.Versions.LoadVersion(spec.Root, spec.VersionID)
		if err != nil {
			return nil, fmt.Errorf("load source version %d: %w", spec.VersionID, err)
		}
		if _, ok := tc.Schemas[v.SchemaID]; !ok {
			schema, err := b.Schemas.LoadSchema(spec.Root, v.SchemaID)
			if err != nil {
				return nil, err
			}
			tc.Schemas[v.SchemaID] = schema
		}
		if i == 0 {
			tc.BaseSchemaID = v.SchemaID
		}
		tc.Sources = append(tc.Sources, Source{Root: spec.Root, VersionID: spec.VersionID, Version: v})
	}

	if err := b.trackMaxIDs(tc); err != nil {
		return nil, err
	}

	for name, res := range req.Resources {
		if err := tc.Resources.AddResource(name, res); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(tc.FenceRoot, 0o755); err != nil {
		return nil, status.Wrap(status.InternalError, err, "create fence dir")
	}
	return tc, nil
}

// trackMaxIDs seeds the id allocators with the highest merged ids visible in
// the sources and in the destination, so new ids stay strictly increasing.
func (b *Builder) trackMaxIDs(tc *TaskContext) error {
	var maxSeg, maxVer int64
	observeSegment := func(id models.SegmentID) {
		if id.IsMerged() && id.Sequence() > maxSeg {
			maxSeg = id.Sequence()
		}
	}
	observeVersion := func(id models.VersionID) {
		if id.IsPureMerge() && id.Sequence() > maxVer {
			maxVer = id.Sequence()
		}
	}

	roots := []string{tc.DestinationRoot}
	for _, src := range tc.Sources {
		observeVersion(src.VersionID)
		for _, seg := range src.Version.Segments {
			observeSegment(seg)
		}
		roots = append(roots, src.Root)
	}
	for _, root := range roots {
		vids, err := b.Versions.ListVersionIDs(root)
		if err != nil {
			return err
		}
		for _, id := range vids {
			observeVersion(id)
		}
		sids, err := b.Versions.ListSegmentIDs(root)
		if err != nil {
			return err
		}
		for _, id := range sids {
			observeSegment(id)
		}
	}

	tc.maxSegmentSeq.Store(maxSeg)
	tc.maxVersionSeq.Store(maxVer)
	return nil
}
