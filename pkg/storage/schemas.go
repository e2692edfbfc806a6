package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gantrydata/gantry/pkg/schema"
)

const (
	schemasDir = "schemas"
	schemaExt  = ".schema.yaml"
)

// SchemaStorage keeps the live schemas of a pipeline under
// <workingDir>/schemas, one YAML document per schema. The frozen copy
// inside each load package is written by LoadStorage; this store holds
// the evolving originals.
type SchemaStorage struct {
	dir string
}

// NewSchemaStorage opens the live schema store.
func NewSchemaStorage(workingDir string) (*SchemaStorage, error) {
	dir := filepath.Join(workingDir, schemasDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create schema dir: %w", err)
	}
	return &SchemaStorage{dir: dir}, nil
}

// SaveSchema persists the schema, bumping its version once when it
// carries unsaved mutations.
func (s *SchemaStorage) SaveSchema(sc *schema.Schema) error {
	sc.BumpVersion()
	data, err := sc.YAML()
	if err != nil {
		return fmt.Errorf("failed to serialize schema %s: %w", sc.Name(), err)
	}
	return AtomicWrite(s.schemaPath(sc.Name()), data)
}

// LoadSchema reads a stored schema by name, running engine upgrades
// when the stored form is older than the code.
func (s *SchemaStorage) LoadSchema(name string) (*schema.Schema, error) {
	data, err := os.ReadFile(s.schemaPath(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	return schema.ParseYAML(data)
}

// HasSchema reports whether a schema is stored under the name.
func (s *SchemaStorage) HasSchema(name string) bool {
	_, err := os.Stat(s.schemaPath(name))
	return err == nil
}

// ListSchemas returns the stored schema names sorted.
func (s *SchemaStorage) ListSchemas() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, schemaExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, schemaExt))
	}
	return names, nil
}

// DeleteSchema removes a stored schema. Deleting a schema that is not
// stored is not an error.
func (s *SchemaStorage) DeleteSchema(name string) error {
	err := os.Remove(s.schemaPath(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete schema %s: %w", name, err)
	}
	return nil
}

func (s *SchemaStorage) schemaPath(name string) string {
	return filepath.Join(s.dir, name+schemaExt)
}
