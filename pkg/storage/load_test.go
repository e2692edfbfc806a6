package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrydata/gantry/pkg/schema"
)

func schemaFixture(name string) (*schema.Schema, error) {
	return schema.New(name)
}

func newTestLoadStorage(t *testing.T, dir string, deleteCompleted bool) *LoadStorage {
	t.Helper()
	ls, err := NewLoadStorage(dir, true, FormatJSONL, []FileFormat{FormatJSONL, FormatInsertValues}, deleteCompleted)
	require.NoError(t, err)
	t.Cleanup(func() { ls.Close() })
	return ls
}

func writeTestJob(t *testing.T, ls *LoadStorage, loadID, name, content string) {
	t.Helper()
	require.NoError(t, ls.WriteJobFile(loadID, name, func(w io.Writer) error {
		_, err := io.WriteString(w, content)
		return err
	}))
}

// TestLoadStorageFormatValidation tests the construction-time format
// rules
func TestLoadStorageFormatValidation(t *testing.T) {
	tests := []struct {
		name      string
		preferred FileFormat
		supported []FileFormat
		wantErr   bool
	}{
		{
			name:      "preferred among supported",
			preferred: FormatJSONL,
			supported: []FileFormat{FormatJSONL, FormatInsertValues},
		},
		{
			name:      "preferred outside supported",
			preferred: FormatInsertValues,
			supported: []FileFormat{FormatJSONL},
			wantErr:   true,
		},
		{
			name:      "extract format is not a job format",
			preferred: FormatJSON,
			supported: []FileFormat{FormatJSON},
			wantErr:   true,
		},
		{
			name:      "empty supported set",
			preferred: FormatJSONL,
			supported: nil,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ls, err := NewLoadStorage(t.TempDir(), true, tt.preferred, tt.supported, false)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.preferred, ls.Preferred())
			ls.Close()
		})
	}
}

// TestPackageBuildAndCommit tests that packages stay invisible until
// committed and publish whole
func TestPackageBuildAndCommit(t *testing.T) {
	ls := newTestLoadStorage(t, t.TempDir(), false)
	loadID := "1689600000000000001"

	require.NoError(t, ls.CreatePackage(loadID))
	writeTestJob(t, ls, loadID, BuildJobName("orders", "f01", 1, loadID, FormatJSONL), `{"id":1}`+"\n")
	require.NoError(t, ls.SavePackageSchema(loadID, []byte("version: 1\n")))
	require.NoError(t, ls.SaveSchemaUpdates(loadID, []byte(`{"orders":[]}`)))

	packages, err := ls.ListPackages()
	require.NoError(t, err)
	assert.Empty(t, packages)

	require.NoError(t, ls.CommitPackage(loadID))

	packages, err = ls.ListPackages()
	require.NoError(t, err)
	assert.Equal(t, []string{loadID}, packages)

	schemaData, err := ls.PackageSchema(loadID)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(schemaData))

	updates, present, err := ls.SchemaUpdates(loadID)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, `{"orders":[]}`, string(updates))

	require.NoError(t, ls.CommitSchemaUpdates(loadID))
	_, present, err = ls.SchemaUpdates(loadID)
	require.NoError(t, err)
	assert.False(t, present)
}

// TestCreatePackageClearsLeftover tests that a half-built package with
// the same id is wiped on create
func TestCreatePackageClearsLeftover(t *testing.T) {
	ls := newTestLoadStorage(t, t.TempDir(), false)
	loadID := "1689600000000000002"

	require.NoError(t, ls.CreatePackage(loadID))
	writeTestJob(t, ls, loadID, BuildJobName("orders", "stale", 1, loadID, FormatJSONL), "stale\n")

	require.NoError(t, ls.CreatePackage(loadID))
	require.NoError(t, ls.CommitPackage(loadID))

	jobs, err := ls.ListNewJobs(loadID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// TestBuildSweepOnOwnerOpen tests that abandoned package builds are
// swept when the owner opens the storage
func TestBuildSweepOnOwnerOpen(t *testing.T) {
	dir := t.TempDir()

	writer, err := NewLoadStorage(dir, false, FormatJSONL, []FileFormat{FormatJSONL}, false)
	require.NoError(t, err)
	require.NoError(t, writer.CreatePackage("1689600000000000003"))
	require.NoError(t, writer.Close())

	ls := newTestLoadStorage(t, dir, false)
	entries, err := os.ReadDir(filepath.Join(ls.Dir(), ".tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestJobLifecycleMoves tests the state folder moves of one job file
func TestJobLifecycleMoves(t *testing.T) {
	ls := newTestLoadStorage(t, t.TempDir(), false)
	loadID := "1689600000000000004"
	job := BuildJobName("orders", "f01", 1, loadID, FormatJSONL)

	require.NoError(t, ls.CreatePackage(loadID))
	writeTestJob(t, ls, loadID, job, `{"id":1}`+"\n")
	require.NoError(t, ls.CommitPackage(loadID))

	path, err := ls.StartJob(loadID, job)
	require.NoError(t, err)
	assert.Equal(t, ls.JobPath(loadID, JobStateStarted, job), path)

	started, err := ls.ListJobs(loadID, JobStateStarted)
	require.NoError(t, err)
	assert.Equal(t, []string{job}, started)

	require.NoError(t, ls.RetryJob(loadID, job))
	fresh, err := ls.ListNewJobs(loadID)
	require.NoError(t, err)
	assert.Equal(t, []string{job}, fresh)

	_, err = ls.StartJob(loadID, job)
	require.NoError(t, err)
	require.NoError(t, ls.CompleteJob(loadID, job))

	completed, err := ls.ListJobs(loadID, JobStateCompleted)
	require.NoError(t, err)
	assert.Equal(t, []string{job}, completed)

	wait, err := ls.JobWaitTime(ls.JobPath(loadID, JobStateCompleted, job))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, wait.Seconds(), 0.0)
}

// TestFailJobWritesExceptionFirst tests that a failed job carries its
// reason sidecar and disappears from started/
func TestFailJobWritesExceptionFirst(t *testing.T) {
	ls := newTestLoadStorage(t, t.TempDir(), false)
	loadID := "1689600000000000005"
	job := BuildJobName("orders", "f01", 1, loadID, FormatJSONL)

	require.NoError(t, ls.CreatePackage(loadID))
	writeTestJob(t, ls, loadID, job, `{"id":1}`+"\n")
	require.NoError(t, ls.CommitPackage(loadID))
	_, err := ls.StartJob(loadID, job)
	require.NoError(t, err)

	require.NoError(t, ls.FailJob(loadID, job, "column id: cannot coerce text to bigint"))

	failed, err := ls.ListJobs(loadID, JobStateFailed)
	require.NoError(t, err)
	assert.Equal(t, []string{job}, failed)

	reason, err := os.ReadFile(ls.JobPath(loadID, JobStateFailed, job) + ".exception")
	require.NoError(t, err)
	assert.Equal(t, "column id: cannot coerce text to bigint", string(reason))

	started, err := ls.ListJobs(loadID, JobStateStarted)
	require.NoError(t, err)
	assert.Empty(t, started)
}

// TestListNewJobsRejectsUnsupportedFormat tests that a package built
// for another destination fails fast
func TestListNewJobsRejectsUnsupportedFormat(t *testing.T) {
	ls, err := NewLoadStorage(t.TempDir(), true, FormatJSONL, []FileFormat{FormatJSONL}, false)
	require.NoError(t, err)
	defer ls.Close()
	loadID := "1689600000000000006"
	job := BuildJobName("orders", "f01", 1, loadID, FormatInsertValues)

	require.NoError(t, ls.CreatePackage(loadID))
	writeTestJob(t, ls, loadID, job, "INSERT INTO {}(id)\nVALUES\n(1);")
	require.NoError(t, ls.CommitPackage(loadID))

	_, err = ls.ListNewJobs(loadID)
	var unsupported *JobFormatNotSupportedError
	require.Error(t, err)
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, FormatInsertValues, unsupported.Format)
	assert.Equal(t, job, unsupported.FileName)
}

// TestPackageOrdering tests lexicographic package consumption order
func TestPackageOrdering(t *testing.T) {
	ls := newTestLoadStorage(t, t.TempDir(), false)
	ids := []string{"1689600000000000010", "1689600000000000002", "1689600000000000007"}

	for _, id := range ids {
		require.NoError(t, ls.CreatePackage(id))
		require.NoError(t, ls.CommitPackage(id))
	}

	packages, err := ls.ListPackages()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"1689600000000000002",
		"1689600000000000007",
		"1689600000000000010",
	}, packages)
}

// TestArchivePackage tests archiving with and without completed-job
// deletion
func TestArchivePackage(t *testing.T) {
	t.Run("archive keeps the package", func(t *testing.T) {
		ls := newTestLoadStorage(t, t.TempDir(), false)
		loadID := "1689600000000000008"
		job := BuildJobName("orders", "f01", 1, loadID, FormatJSONL)

		require.NoError(t, ls.CreatePackage(loadID))
		writeTestJob(t, ls, loadID, job, `{"id":1}`+"\n")
		require.NoError(t, ls.CommitPackage(loadID))
		_, err := ls.StartJob(loadID, job)
		require.NoError(t, err)
		require.NoError(t, ls.CompleteJob(loadID, job))

		require.NoError(t, ls.ArchivePackage(loadID))

		packages, err := ls.ListPackages()
		require.NoError(t, err)
		assert.Empty(t, packages)

		archived, err := ls.ListArchivedPackages()
		require.NoError(t, err)
		assert.Equal(t, []string{loadID}, archived)
	})

	t.Run("deletion skips packages with failed jobs", func(t *testing.T) {
		ls := newTestLoadStorage(t, t.TempDir(), true)
		loadID := "1689600000000000009"
		job := BuildJobName("orders", "f01", 1, loadID, FormatJSONL)

		require.NoError(t, ls.CreatePackage(loadID))
		writeTestJob(t, ls, loadID, job, `{"id":1}`+"\n")
		require.NoError(t, ls.CommitPackage(loadID))
		_, err := ls.StartJob(loadID, job)
		require.NoError(t, err)
		require.NoError(t, ls.FailJob(loadID, job, "poisoned"))

		require.NoError(t, ls.ArchivePackage(loadID))

		archived, err := ls.ListArchivedPackages()
		require.NoError(t, err)
		assert.Equal(t, []string{loadID}, archived)

		jobs, err := ls.ArchivedFailedJobs(loadID)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, job, jobs[0].FileName)
		assert.Equal(t, "poisoned", jobs[0].Exception)
	})

	t.Run("deletion removes clean packages", func(t *testing.T) {
		ls := newTestLoadStorage(t, t.TempDir(), true)
		loadID := "1689600000000000011"
		job := BuildJobName("orders", "f01", 1, loadID, FormatJSONL)

		require.NoError(t, ls.CreatePackage(loadID))
		writeTestJob(t, ls, loadID, job, `{"id":1}`+"\n")
		require.NoError(t, ls.CommitPackage(loadID))
		_, err := ls.StartJob(loadID, job)
		require.NoError(t, err)
		require.NoError(t, ls.CompleteJob(loadID, job))

		require.NoError(t, ls.ArchivePackage(loadID))

		packages, err := ls.ListPackages()
		require.NoError(t, err)
		assert.Empty(t, packages)
		archived, err := ls.ListArchivedPackages()
		require.NoError(t, err)
		assert.Empty(t, archived)
	})
}

// TestSchemaStorageRoundTrip tests saving and loading live schemas
func TestSchemaStorageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ss, err := NewSchemaStorage(dir)
	require.NoError(t, err)

	sc, err := schemaFixture("shop")
	require.NoError(t, err)
	require.NoError(t, ss.SaveSchema(sc))

	assert.True(t, ss.HasSchema("shop"))
	names, err := ss.ListSchemas()
	require.NoError(t, err)
	assert.Equal(t, []string{"shop"}, names)

	loaded, err := ss.LoadSchema("shop")
	require.NoError(t, err)
	assert.Equal(t, "shop", loaded.Name())
	assert.Equal(t, sc.Version(), loaded.Version())

	require.NoError(t, ss.DeleteSchema("shop"))
	assert.False(t, ss.HasSchema("shop"))
	require.NoError(t, ss.DeleteSchema("shop"))
}
