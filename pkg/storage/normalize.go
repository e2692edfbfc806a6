package storage

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
)

const normalizeVersion = "1.0.0"

const (
	normalizeDir = "normalize"
	extractedDir = "extracted"
)

// NormalizeStorage owns the normalize spool under
// <workingDir>/normalize. Extract batches are ingested into
// extracted/ and deleted once their rows made it into a committed
// load package.
type NormalizeStorage struct {
	*VersionedStore
}

// NewNormalizeStorage opens the normalize stage.
func NewNormalizeStorage(workingDir string, owner bool) (*NormalizeStorage, error) {
	vs, err := newVersionedStore(filepath.Join(workingDir, normalizeDir), normalizeVersion, owner, nil)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(vs.dir, extractedDir), 0755); err != nil {
		vs.Close()
		return nil, fmt.Errorf("failed to create %s folder: %w", extractedDir, err)
	}
	return &NormalizeStorage{VersionedStore: vs}, nil
}

// Ingest moves a committed extract file into extracted/. This is the
// one crossing that survives a volume boundary: the extract spool may
// live on a different filesystem than the normalize spool.
func (s *NormalizeStorage) Ingest(srcPath string) error {
	name := filepath.Base(srcPath)
	if _, err := ParseExtractName(name); err != nil {
		return err
	}
	return ingressFile(srcPath, filepath.Join(s.dir, extractedDir, name))
}

// ListExtracted returns the extracted batch file names sorted by name.
func (s *NormalizeStorage) ListExtracted() ([]string, error) {
	return listDir(filepath.Join(s.dir, extractedDir))
}

// ExtractedPath resolves an extracted batch file name to its full path.
func (s *NormalizeStorage) ExtractedPath(name string) string {
	return filepath.Join(s.dir, extractedDir, name)
}

// Delete removes a consumed batch file.
func (s *NormalizeStorage) Delete(name string) error {
	if err := os.Remove(filepath.Join(s.dir, extractedDir, name)); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// SchemaGroup is a run of extracted files that belong to one schema.
type SchemaGroup struct {
	Schema string
	Files  []string
}

// GroupBySchema splits a name-sorted file list into per-schema runs,
// preserving order inside each run.
func GroupBySchema(files []string) ([]SchemaGroup, error) {
	var groups []SchemaGroup
	for _, f := range files {
		parsed, err := ParseExtractName(f)
		if err != nil {
			return nil, err
		}
		if len(groups) == 0 || groups[len(groups)-1].Schema != parsed.Schema {
			groups = append(groups, SchemaGroup{Schema: parsed.Schema})
		}
		groups[len(groups)-1].Files = append(groups[len(groups)-1].Files, f)
	}
	return groups, nil
}

// ChunkByEvents selects how much of a schema's backlog one pass
// processes and how it spreads over the workers. Files are taken in
// order until their summed event counts reach maxEvents; that prefix
// splits into equal worker chunks. When the prefix is smaller than
// about one file per worker the whole backlog goes out as a single
// chunk.
func ChunkByEvents(files []string, maxEvents, workers int) ([][]string, error) {
	if workers < 1 {
		workers = 1
	}
	events := 0
	take := 0
	for events < maxEvents && take < len(files) {
		parsed, err := ParseExtractName(files[take])
		if err != nil {
			return nil, err
		}
		events += parsed.Events
		take++
	}
	chunkSize := int(math.RoundToEven(float64(take) / float64(workers)))
	if chunkSize == 0 {
		return [][]string{files}, nil
	}
	var chunks [][]string
	for i := 0; i < take; i += chunkSize {
		end := i + chunkSize
		if end > take {
			end = take
		}
		chunks = append(chunks, files[i:end])
	}
	return chunks, nil
}
