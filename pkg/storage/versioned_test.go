package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestVersionedStoreInitializes tests that a brand-new store records
// the current version
func TestVersionedStoreInitializes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stage")

	s, err := newVersionedStore(dir, "1.0.0", true, nil)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.StoredVersion()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", version)
}

// TestVersionedStoreReopens tests that reopening at the same version
// succeeds for owners and non-owners
func TestVersionedStoreReopens(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stage")

	s, err := newVersionedStore(dir, "1.0.0", true, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reader, err := newVersionedStore(dir, "1.0.0", false, nil)
	require.NoError(t, err)
	defer reader.Close()
}

// TestVersionedStoreMigrates tests a two-step migration chain with an
// observable side effect per step
func TestVersionedStoreMigrates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stage")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "version"), []byte("1.0.0"), 0644))

	var steps []string
	migrations := []Migration{
		{From: "1.0.0", To: "1.1.0", Run: func(dir string) error {
			steps = append(steps, "1.1.0")
			return nil
		}},
		{From: "1.1.0", To: "2.0.0", Run: func(dir string) error {
			steps = append(steps, "2.0.0")
			return nil
		}},
	}

	s, err := newVersionedStore(dir, "2.0.0", true, migrations)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"1.1.0", "2.0.0"}, steps)
	version, err := s.StoredVersion()
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", version)
}

// TestVersionedStoreNoPath tests the failure modes without a usable
// migration path
func TestVersionedStoreNoPath(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		target string
		owner  bool
	}{
		{
			name:   "older without migrations",
			stored: "1.0.0",
			target: "2.0.0",
			owner:  true,
		},
		{
			name:   "newer than the code",
			stored: "3.0.0",
			target: "2.0.0",
			owner:  true,
		},
		{
			name:   "non-owner may not migrate",
			stored: "1.0.0",
			target: "2.0.0",
			owner:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "stage")
			require.NoError(t, os.MkdirAll(dir, 0755))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "version"), []byte(tt.stored), 0644))

			_, err := newVersionedStore(dir, tt.target, tt.owner, nil)
			var noPath *NoMigrationPathError
			require.Error(t, err)
			require.True(t, errors.As(err, &noPath))
			assert.Equal(t, tt.stored, noPath.Stored)
			assert.Equal(t, tt.target, noPath.Target)
		})
	}
}

// TestVersionedStoreOwnerLock tests that a second owner fails fast
// while a reader still attaches
func TestVersionedStoreOwnerLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stage")

	first, err := newVersionedStore(dir, "1.0.0", true, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = newVersionedStore(dir, "1.0.0", true, nil)
	var locked *StorageLockedError
	require.Error(t, err)
	assert.True(t, errors.As(err, &locked))

	reader, err := newVersionedStore(dir, "1.0.0", false, nil)
	require.NoError(t, err)
	defer reader.Close()

	// Releasing the first owner frees the lock for the next one.
	require.NoError(t, first.Close())
	second, err := newVersionedStore(dir, "1.0.0", true, nil)
	require.NoError(t, err)
	defer second.Close()
}

// TestAtomicWrite tests that published files appear whole with no temp
// residue
func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, AtomicWrite(path, []byte(`{"a":1}`)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	// Overwrite keeps the same guarantee.
	require.NoError(t, AtomicWrite(path, []byte(`{"a":2}`)))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
