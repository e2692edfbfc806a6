package extract

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrydata/gantry/pkg/storage"
)

func newTestExtractor(t *testing.T) (*Extractor, *storage.ExtractStorage) {
	t.Helper()
	store, err := storage.NewExtractStorage(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, "event"), store
}

func readBatch(t *testing.T, store *storage.ExtractStorage, name string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(store.CommittedPath(name))
	require.NoError(t, err)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal(data, &docs))
	return docs
}

// TestExtractCommitsBatch tests the extract happy path: one committed
// batch file whose name carries schema, table and event count
func TestExtractCommitsBatch(t *testing.T) {
	e, store := newTestExtractor(t)

	items := []any{
		map[string]any{"name": "a"},
		map[string]any{"name": "b"},
	}
	batchID, events, err := e.Extract(items, "UserEvents")
	require.NoError(t, err)
	assert.Equal(t, 2, events)
	assert.NotEmpty(t, batchID)

	committed, err := store.ListCommitted()
	require.NoError(t, err)
	require.Len(t, committed, 1)

	parsed, err := storage.ParseExtractName(committed[0])
	require.NoError(t, err)
	assert.Equal(t, "event", parsed.Schema)
	assert.Equal(t, "user_events", parsed.Table)
	assert.Equal(t, 2, parsed.Events)
	assert.Equal(t, batchID, parsed.BatchID)

	docs := readBatch(t, store, committed[0])
	require.Len(t, docs, 2)
	assert.Equal(t, "UserEvents", TableNameOf(docs[0]))
}

// TestExtractWrapsScalars tests that non-mapping items are wrapped as
// {"v": item}
func TestExtractWrapsScalars(t *testing.T) {
	e, store := newTestExtractor(t)

	_, events, err := e.Extract([]any{"hello", 7}, "event")
	require.NoError(t, err)
	assert.Equal(t, 2, events)

	committed, err := store.ListCommitted()
	require.NoError(t, err)
	docs := readBatch(t, store, committed[0])
	assert.Equal(t, "hello", docs[0]["v"])
}

// TestExtractFlattensSequences tests that nested sequences extend the
// batch instead of nesting
func TestExtractFlattensSequences(t *testing.T) {
	e, _ := newTestExtractor(t)

	items := []any{
		[]any{map[string]any{"n": 1}, map[string]any{"n": 2}},
		map[string]any{"n": 3},
	}
	_, events, err := e.Extract(items, "event")
	require.NoError(t, err)
	assert.Equal(t, 3, events)
}

// TestExtractInvokesDeferred tests that deferred producers run during
// extraction and their errors abort the batch
func TestExtractInvokesDeferred(t *testing.T) {
	e, store := newTestExtractor(t)

	called := false
	_, events, err := e.Extract([]any{Deferred(func() (any, error) {
		called = true
		return []any{map[string]any{"n": 1}, map[string]any{"n": 2}}, nil
	})}, "event")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 2, events)

	boom := errors.New("producer broke")
	_, _, err = e.Extract([]any{Deferred(func() (any, error) { return nil, boom })}, "event")
	assert.ErrorIs(t, err, boom)

	// the failed extraction left nothing half-written
	committed, err := store.ListCommitted()
	require.NoError(t, err)
	assert.Len(t, committed, 1)
}

// TestExtractKeepsExplicitRouting tests that items already routed keep
// their table
func TestExtractKeepsExplicitRouting(t *testing.T) {
	e, store := newTestExtractor(t)

	routed := WithTableName(map[string]any{"n": 1}, "issues")
	_, _, err := e.Extract([]any{routed, map[string]any{"n": 2}}, "event")
	require.NoError(t, err)

	committed, err := store.ListCommitted()
	require.NoError(t, err)
	docs := readBatch(t, store, committed[0])
	assert.Equal(t, "issues", TableNameOf(docs[0]))
	assert.Equal(t, "event", TableNameOf(docs[1]))
}

// TestWithTableNameOnSequences tests routing stamped across sequence
// items
func TestWithTableNameOnSequences(t *testing.T) {
	items := []map[string]any{{"n": 1}, {"n": 2}}
	WithTableName(items, "issues")
	for _, item := range items {
		assert.Equal(t, "issues", TableNameOf(item))
	}
}

// TestExtractBatchFileLandsInNewThenCommitted tests the two-phase
// write protocol at the directory level
func TestExtractBatchFileLandsInNewThenCommitted(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewExtractStorage(dir, true)
	require.NoError(t, err)
	defer store.Close()

	_, _, err = New(store, "event").Extract([]any{map[string]any{"n": 1}}, "event")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "extract", "new"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
