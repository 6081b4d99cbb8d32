package taskctx

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/mergeplane/internal/status"
)

// Field is one column of a table schema.
type Field struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Schema describes a table.
type Schema struct {
	ID     int64   `yaml:"id"`
	Name   string  `yaml:"name"`
	Fields []Field `yaml:"fields"`
}

// Validate checks that the schema has a name and unique field names.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema %d has no name", s.ID)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s has an unnamed field", s.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s repeats field %q", s.Name, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// SchemaLoader resolves a schema id recorded in a version below root.
type SchemaLoader interface {
	LoadSchema(root string, id int64) (*Schema, error)
}

// FileSchemaLoader reads schemas from <root>/schema/schema_<id>.yaml.
type FileSchemaLoader struct{}

// SchemaPath returns where FileSchemaLoader looks for a schema.
func SchemaPath(root string, id int64) string {
	return filepath.Join(root, "schema", fmt.Sprintf("schema_%d.yaml", id))
}

// LoadSchema implements SchemaLoader.
func (FileSchemaLoader) LoadSchema(root string, id int64) (*Schema, error) {
	data, err := os.ReadFile(SchemaPath(root, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Corruptionf("schema %d not found under %s", id, root)
		}
		return nil, status.Wrap(status.InternalError, err, "read schema %d", id)
	}
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, status.Wrap(status.Corruption, err, "decode schema %d", id)
	}
	if s.ID != id {
		return nil, status.Corruptionf("schema file for %d carries id %d", id, s.ID)
	}
	if err := s.Validate(); err != nil {
		return nil, status.Wrap(status.Corruption, err, "validate schema %d", id)
	}
	return &s, nil
}

// WriteSchema stores a schema where FileSchemaLoader finds it.
func WriteSchema(root string, s *Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	path := SchemaPath(root, s.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create schema dir: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
