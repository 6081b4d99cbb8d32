// Package ops implements the operations and plan creator of the "index" table kind.
package ops

import (
	"log/slog"

	"github.com/fentz26/mergeplane/internal/executor"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/versionstore"
)

// Kind is the table kind these operations serve.
const Kind = "index"

// Operation type tags.
const (
	TypeMergeSegments = "merge_segments"
	TypeEndMerge      = "end_merge"
)

// Factory creates index operations.
type Factory struct {
	store  versionstore.Store
	logger *slog.Logger
}

// NewFactory creates an index operation factory.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{logger: logger.With("table_kind", Kind)}
}

// CreateOperation implements executor.Factory.
func (f *Factory) CreateOperation(desc models.OperationDescription) (executor.Operation, error) {
	switch desc.Type {
	case TypeMergeSegments:
		return &mergeSegments{desc: desc, store: f.store, logger: f.logger}, nil
	case TypeEndMerge:
		return &endMerge{desc: desc, store: f.store, logger: f.logger}, nil
	default:
		return nil, nil
	}
}

// Register installs the index factory into a registry.
func Register(reg *executor.Registry, logger *slog.Logger) {
	reg.Register(Kind, NewFactory(logger))
}
