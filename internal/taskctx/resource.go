package taskctx

import (
	"sort"
	"sync"

	"github.com/fentz26/mergeplane/internal/status"
)

// ResourceManager holds named extension resources supplied by the caller and
// published by operations. Distinct names may be registered concurrently; a
// name is registered at most once.
type ResourceManager struct {
	mu        sync.RWMutex
	resources map[string]any
}

// NewResourceManager returns an empty resource manager.
func NewResourceManager() *ResourceManager {
	return &ResourceManager{resources: make(map[string]any)}
}

// AddResource registers a resource under name.
func (m *ResourceManager) AddResource(name string, res any) error {
	if name == "" {
		return status.InvalidArgsf("resource name is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.resources[name]; exists {
		return status.InvalidArgsf("resource %q already registered", name)
	}
	m.resources[name] = res
	return nil
}

// GetResource returns the resource registered under name.
func (m *ResourceManager) GetResource(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.resources[name]
	return res, ok
}

// Names returns the registered resource names in sorted order.
func (m *ResourceManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.resources))
	for name := range m.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
