package controller

import (
	"context"
	"errors"
	"sync"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
)

var errUnreachable = errors.New("admin unreachable")

// stubAdmin is a scripted AdminClient. Each hook receives the 1-based call number.
type stubAdmin struct {
	mu      sync.Mutex
	startFn func(n int, req *models.StartTaskRequest) (*models.StartTaskResponse, error)
	infoFn  func(n int, ref models.TaskRef) (*models.TaskInfo, error)
	genFn   func(n int) (*models.GenerationInfo, error)
	starts  []models.StartTaskRequest
	infoN   int
	genN    int
	stops   []models.TaskRef
	stopErr error
}

func (s *stubAdmin) StartTask(ctx context.Context, req *models.StartTaskRequest) (*models.StartTaskResponse, error) {
	s.mu.Lock()
	s.starts = append(s.starts, *req)
	n := len(s.starts)
	fn := s.startFn
	s.mu.Unlock()
	if fn == nil {
		return &models.StartTaskResponse{ErrorCode: models.AdminErrorNone}, nil
	}
	return fn(n, req)
}

func (s *stubAdmin) GetTaskInfo(ctx context.Context, ref models.TaskRef) (*models.TaskInfo, error) {
	s.mu.Lock()
	s.infoN++
	n := s.infoN
	fn := s.infoFn
	s.mu.Unlock()
	if fn == nil {
		return &models.TaskInfo{}, nil
	}
	return fn(n, ref)
}

func (s *stubAdmin) StopTask(ctx context.Context, ref models.TaskRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, ref)
	return s.stopErr
}

func (s *stubAdmin) GetGenerationInfo(ctx context.Context, build models.BuildID) (*models.GenerationInfo, error) {
	s.mu.Lock()
	s.genN++
	n := s.genN
	fn := s.genFn
	s.mu.Unlock()
	if fn == nil {
		return &models.GenerationInfo{}, nil
	}
	return fn(n)
}

func (s *stubAdmin) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.starts)
}

func (s *stubAdmin) stopped() []models.TaskRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TaskRef(nil), s.stops...)
}

// memVersions is an in-memory VersionLoader.
type memVersions struct {
	versions map[models.VersionID]*models.Version
}

func newMemVersions(ids ...models.VersionID) *memVersions {
	m := &memVersions{versions: map[models.VersionID]*models.Version{}}
	for _, id := range ids {
		m.versions[id] = &models.Version{VersionID: id, SchemaID: 1}
	}
	return m
}

func (m *memVersions) LoadVersion(root string, id models.VersionID) (*models.Version, error) {
	v, ok := m.versions[id]
	if !ok {
		return nil, status.InvalidArgsf("version %d not found", id)
	}
	return v, nil
}

func (m *memVersions) ListVersionIDs(root string) ([]models.VersionID, error) {
	var ids []models.VersionID
	for id := range m.versions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memVersions) SegmentExists(root string, id models.SegmentID) bool { return true }
