package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExtractCommitFlow tests that batches become visible to the
// normalize side only after commit
func TestExtractCommitFlow(t *testing.T) {
	dir := t.TempDir()
	ex, err := NewExtractStorage(dir, true)
	require.NoError(t, err)
	defer ex.Close()

	name := BuildExtractName("shop", "orders", 3, "b01")
	require.NoError(t, ex.SaveBatch(name, []byte(`[{"id":1},{"id":2},{"id":3}]`)))

	committed, err := ex.ListCommitted()
	require.NoError(t, err)
	assert.Empty(t, committed)

	require.NoError(t, ex.Commit(name))
	committed, err = ex.ListCommitted()
	require.NoError(t, err)
	assert.Equal(t, []string{name}, committed)

	data, err := os.ReadFile(ex.CommittedPath(name))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":1`)
}

// TestSaveBatchRejectsMalformedName tests the write-side grammar check
func TestSaveBatchRejectsMalformedName(t *testing.T) {
	ex, err := NewExtractStorage(t.TempDir(), true)
	require.NoError(t, err)
	defer ex.Close()

	err = ex.SaveBatch("not-a-staged-file.json", []byte("[]"))
	var malformed *MalformedFileNameError
	require.Error(t, err)
	assert.ErrorAs(t, err, &malformed)
}

// TestNormalizeIngest tests pulling committed batches into the
// normalize spool
func TestNormalizeIngest(t *testing.T) {
	dir := t.TempDir()
	ex, err := NewExtractStorage(dir, true)
	require.NoError(t, err)
	defer ex.Close()
	norm, err := NewNormalizeStorage(dir, true)
	require.NoError(t, err)
	defer norm.Close()

	name := BuildExtractName("shop", "orders", 1, "b01")
	require.NoError(t, ex.SaveBatch(name, []byte(`[{"id":1}]`)))
	require.NoError(t, ex.Commit(name))

	require.NoError(t, norm.Ingest(ex.CommittedPath(name)))

	committed, err := ex.ListCommitted()
	require.NoError(t, err)
	assert.Empty(t, committed)

	extracted, err := norm.ListExtracted()
	require.NoError(t, err)
	assert.Equal(t, []string{name}, extracted)

	require.NoError(t, norm.Delete(name))
	extracted, err = norm.ListExtracted()
	require.NoError(t, err)
	assert.Empty(t, extracted)

	_, err = os.Stat(filepath.Join(dir, "normalize", "extracted"))
	assert.NoError(t, err)
}

// TestGroupBySchema tests consecutive grouping of a sorted file list
func TestGroupBySchema(t *testing.T) {
	files := []string{
		BuildExtractName("crm", "contacts", 5, "b01"),
		BuildExtractName("crm", "deals", 2, "b02"),
		BuildExtractName("shop", "orders", 9, "b01"),
	}

	groups, err := GroupBySchema(files)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "crm", groups[0].Schema)
	assert.Equal(t, files[:2], groups[0].Files)
	assert.Equal(t, "shop", groups[1].Schema)
	assert.Equal(t, files[2:], groups[1].Files)
}

// TestChunkByEvents tests backlog selection and worker chunking
func TestChunkByEvents(t *testing.T) {
	file := func(i, events int) string {
		return BuildExtractName("shop", "orders", events, string(rune('a'+i))+"01")
	}

	tests := []struct {
		name      string
		events    []int
		maxEvents int
		workers   int
		want      [][]int
	}{
		{
			name:      "cap stops the take",
			events:    []int{30000, 30000, 30000},
			maxEvents: 40000,
			workers:   2,
			want:      [][]int{{0}, {1}},
		},
		{
			name:      "uneven split rounds to even",
			events:    []int{100, 100, 100},
			maxEvents: 1000,
			workers:   2,
			want:      [][]int{{0, 1}, {2}},
		},
		{
			name:      "single worker takes the prefix whole",
			events:    []int{100, 100, 100},
			maxEvents: 250,
			workers:   1,
			want:      [][]int{{0, 1, 2}},
		},
		{
			name:      "tiny take keeps the backlog together",
			events:    []int{50000, 10},
			maxEvents: 40000,
			workers:   2,
			want:      [][]int{{0, 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var files []string
			for i, ev := range tt.events {
				files = append(files, file(i, ev))
			}
			var want [][]string
			for _, chunk := range tt.want {
				var c []string
				for _, i := range chunk {
					c = append(c, files[i])
				}
				want = append(want, c)
			}

			got, err := ChunkByEvents(files, tt.maxEvents, tt.workers)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}
