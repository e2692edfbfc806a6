package pipeline

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gantrydata/gantry/pkg/storage"
)

const stateFile = "state.json"

// PipelineState is the managed state persisted as state.json at the
// working directory root. It is what makes a directory restorable.
type PipelineState struct {
	ID                string `json:"id"`
	Name              string `json:"pipeline_name"`
	DefaultSchemaName string `json:"default_schema_name"`
	ClientType        string `json:"client_type"`
	DatasetPrefix     string `json:"dataset_prefix"`
}

func statePath(workingDir string) string {
	return filepath.Join(workingDir, stateFile)
}

// loadState reads the persisted state. A missing file returns
// fs.ErrNotExist so callers can distinguish "no pipeline here" from a
// corrupt one.
func loadState(workingDir string) (PipelineState, error) {
	var state PipelineState
	data, err := os.ReadFile(statePath(workingDir))
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, err
	}
	return state, nil
}

// saveState persists the state durably. Every mutating pipeline
// operation ends here on success.
func saveState(workingDir string, state PipelineState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return storage.AtomicWrite(statePath(workingDir), data)
}

// hasState reports whether the directory holds a pipeline state file.
func hasState(workingDir string) bool {
	_, err := os.Stat(statePath(workingDir))
	return !errors.Is(err, fs.ErrNotExist)
}
