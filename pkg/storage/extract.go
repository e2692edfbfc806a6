package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

const extractVersion = "1.0.0"

const (
	extractDir   = "extract"
	newDir       = "new"
	committedDir = "committed"
)

// ExtractStorage stages freshly extracted event batches under
// <workingDir>/extract. Batches are written into new/ and become
// visible to the normalize stage only after Commit renames them into
// committed/.
type ExtractStorage struct {
	*VersionedStore
}

// NewExtractStorage opens the extract stage. The extract worker opens
// it as owner; the normalize stage attaches as a reader.
func NewExtractStorage(workingDir string, owner bool) (*ExtractStorage, error) {
	vs, err := newVersionedStore(filepath.Join(workingDir, extractDir), extractVersion, owner, nil)
	if err != nil {
		return nil, err
	}
	for _, d := range []string{newDir, committedDir} {
		if err := os.MkdirAll(filepath.Join(vs.dir, d), 0755); err != nil {
			vs.Close()
			return nil, fmt.Errorf("failed to create %s folder: %w", d, err)
		}
	}
	return &ExtractStorage{VersionedStore: vs}, nil
}

// SaveBatch writes one extract batch file into new/. The name must
// parse against the extract grammar; the content lands fsynced.
func (s *ExtractStorage) SaveBatch(name string, data []byte) error {
	if _, err := ParseExtractName(name); err != nil {
		return err
	}
	return AtomicWrite(filepath.Join(s.dir, newDir, name), data)
}

// Commit publishes a batch for normalization by renaming it from new/
// to committed/.
func (s *ExtractStorage) Commit(name string) error {
	return moveFile(
		filepath.Join(s.dir, newDir, name),
		filepath.Join(s.dir, committedDir, name),
	)
}

// ListCommitted returns the committed batch file names sorted by name.
func (s *ExtractStorage) ListCommitted() ([]string, error) {
	return listDir(filepath.Join(s.dir, committedDir))
}

// CommittedPath resolves a committed batch file name to its full path.
func (s *ExtractStorage) CommittedPath(name string) string {
	return filepath.Join(s.dir, committedDir, name)
}
