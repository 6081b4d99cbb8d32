// Package taskctx assembles the execution environment a plan runs against.
package taskctx

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fentz26/mergeplane/internal/models"
)

// Default task identity used when the caller does not designate one.
const (
	DefaultTaskType = "merge"
	DefaultTaskName = "default"
)

// Source is one resolved (root, version) input of a task.
type Source struct {
	Root      string
	VersionID models.VersionID
	Version   *models.Version
}

// SegmentRef locates a source segment.
type SegmentRef struct {
	Root string
	ID   models.SegmentID
}

// TaskContext is the resolved environment of one submission attempt. It is
// immutable once built except for resources, dependency outputs and the result.
type TaskContext struct {
	TaskType        string
	TaskName        string
	Designated      bool
	Sources         []Source
	DestinationRoot string
	FenceRoot       string
	EpochID         string
	Schemas         map[int64]*Schema
	BaseSchemaID    int64
	Params          map[string]string
	Resources       *ResourceManager

	maxSegmentSeq atomic.Int64
	maxVersionSeq atomic.Int64

	mu         sync.Mutex
	depOutputs map[models.OperationID]string
	result     []byte
}

func newTaskContext() *TaskContext {
	return &TaskContext{
		Schemas:    make(map[int64]*Schema),
		Params:     make(map[string]string),
		Resources:  NewResourceManager(),
		depOutputs: make(map[models.OperationID]string),
	}
}

// BaseVersion returns the first source's version.
func (tc *TaskContext) BaseVersion() *models.Version {
	if len(tc.Sources) == 0 {
		return nil
	}
	return tc.Sources[0].Version
}

// BaseVersionID returns the first source's version id.
func (tc *TaskContext) BaseVersionID() models.VersionID {
	if len(tc.Sources) == 0 {
		return models.InvalidVersionID
	}
	return tc.Sources[0].VersionID
}

// BaseSchema returns the schema of the base version.
func (tc *TaskContext) BaseSchema() *Schema {
	return tc.Schemas[tc.BaseSchemaID]
}

// Param returns a task parameter, or def when it is absent.
func (tc *TaskContext) Param(key, def string) string {
	if v, ok := tc.Params[key]; ok {
		return v
	}
	return def
}

// SourceSegments returns every segment of the joined sources. A segment listed
// by several sources is owned by the first.
func (tc *TaskContext) SourceSegments() []SegmentRef {
	seen := make(map[models.SegmentID]bool)
	var refs []SegmentRef
	for _, src := range tc.Sources {
		if src.Version == nil {
			continue
		}
		for _, id := range src.Version.Segments {
			if seen[id] {
				continue
			}
			seen[id] = true
			refs = append(refs, SegmentRef{Root: src.Root, ID: id})
		}
	}
	return refs
}

// NextSegmentID allocates a merged segment id above every id already in use.
func (tc *TaskContext) NextSegmentID() models.SegmentID {
	return models.MergedSegmentID(tc.maxSegmentSeq.Add(1))
}

// NextVersionID allocates a merged version id above every id already in use.
func (tc *TaskContext) NextVersionID() models.VersionID {
	return models.MergedVersionID(tc.maxVersionSeq.Add(1))
}

// OperationFenceDir is where an operation writes its output when it uses the fence.
func (tc *TaskContext) OperationFenceDir(id models.OperationID) string {
	return filepath.Join(tc.FenceRoot, fmt.Sprintf("op_%d", id))
}

// SetDependencyOutput records where a completed operation's output lives.
func (tc *TaskContext) SetDependencyOutput(id models.OperationID, dir string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.depOutputs == nil {
		tc.depOutputs = make(map[models.OperationID]string)
	}
	tc.depOutputs[id] = dir
}

// DependencyOutput returns the recorded output location of an operation.
func (tc *TaskContext) DependencyOutput(id models.OperationID) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	dir, ok := tc.depOutputs[id]
	return dir, ok
}

// SetResult publishes the serialized result payload of the plan.
func (tc *TaskContext) SetResult(payload []byte) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.result = append([]byte(nil), payload...)
}

// Result returns the published result payload, if any.
func (tc *TaskContext) Result() []byte {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]byte(nil), tc.result...)
}
