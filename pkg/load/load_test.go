package load

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrydata/gantry/pkg/config"
	"github.com/gantrydata/gantry/pkg/destination"
	"github.com/gantrydata/gantry/pkg/destination/dummy"
	"github.com/gantrydata/gantry/pkg/extract"
	"github.com/gantrydata/gantry/pkg/metrics"
	"github.com/gantrydata/gantry/pkg/normalize"
	"github.com/gantrydata/gantry/pkg/storage"
)

func dummyConfig(dir string, settings config.DummySettings) *config.Config {
	return &config.Config{
		PipelineName:     "event",
		WorkingDir:       dir,
		ClientType:       "dummy",
		Workers:          2,
		MaxEventsInChunk: 1000,
		Dummy:            settings,
	}
}

// seedPackage extracts and normalizes a small batch so the load spool
// holds one committed package, and returns its load id.
func seedPackage(t *testing.T, cfg *config.Config) string {
	t.Helper()
	es, err := storage.NewExtractStorage(cfg.WorkingDir, true)
	require.NoError(t, err)
	_, _, err = extract.New(es, "event").Extract([]any{
		map[string]any{"id": 1, "name": "alpha"},
	}, "event")
	require.NoError(t, err)
	es.Close()

	n, err := normalize.New(cfg)
	require.NoError(t, err)
	defer n.Close()
	_, err = n.Run(context.Background())
	require.NoError(t, err)

	ls, err := storage.NewLoadStorage(cfg.WorkingDir, false, storage.FormatJSONL, storage.DataFormats, false)
	require.NoError(t, err)
	defer ls.Close()
	packages, err := ls.ListPackages()
	require.NoError(t, err)
	require.Len(t, packages, 1)
	return packages[0]
}

func newTestLoader(t *testing.T, cfg *config.Config) *Loader {
	t.Helper()
	t.Cleanup(dummy.ResetJobs)
	l, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

// TestLoaderIdle tests that an empty spool reports idle
func TestLoaderIdle(t *testing.T) {
	l := newTestLoader(t, dummyConfig(t.TempDir(), config.DummySettings{}))

	m, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, m.WasIdle)
}

// TestLoaderCompletesPackage tests the happy path: one tick drives
// every job to completed/, the next archives the package
func TestLoaderCompletesPackage(t *testing.T) {
	cfg := dummyConfig(t.TempDir(), config.DummySettings{CompletedProb: 1})
	loadID := seedPackage(t, cfg)
	l := newTestLoader(t, cfg)

	m, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.PendingItems)

	completed, err := l.Storage().ListJobs(loadID, storage.JobStateCompleted)
	require.NoError(t, err)
	assert.NotEmpty(t, completed)
	started, err := l.Storage().ListJobs(loadID, storage.JobStateStarted)
	require.NoError(t, err)
	assert.Empty(t, started)

	// the schema updates sentinel is applied exactly once
	_, present, err := l.Storage().SchemaUpdates(loadID)
	require.NoError(t, err)
	assert.False(t, present)

	m, err = l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, m.PendingItems)

	archived, err := l.Storage().ListArchivedPackages()
	require.NoError(t, err)
	assert.Equal(t, []string{loadID}, archived)
	packages, err := l.Storage().ListPackages()
	require.NoError(t, err)
	assert.Empty(t, packages)
}

// TestLoaderRecordsFailedJobs tests that terminally failed jobs land
// in failed/ with their exception recorded and the package archives
func TestLoaderRecordsFailedJobs(t *testing.T) {
	cfg := dummyConfig(t.TempDir(), config.DummySettings{FailProb: 1})
	loadID := seedPackage(t, cfg)
	l := newTestLoader(t, cfg)

	_, err := l.Run(context.Background())
	require.NoError(t, err)
	_, err = l.Run(context.Background())
	require.NoError(t, err)

	archived, err := l.Storage().ListArchivedPackages()
	require.NoError(t, err)
	require.Equal(t, []string{loadID}, archived)

	failed, err := l.Storage().ArchivedFailedJobs(loadID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Exception, "dummy job")
}

// TestLoaderTransientStartAbortsTick tests that a transient start
// error returns the file to new/ and fails the tick for a retry
func TestLoaderTransientStartAbortsTick(t *testing.T) {
	cfg := dummyConfig(t.TempDir(), config.DummySettings{RetryProb: 1})
	loadID := seedPackage(t, cfg)
	l := newTestLoader(t, cfg)

	_, err := l.Run(context.Background())
	require.Error(t, err)
	assert.True(t, destination.IsTransient(err))

	newJobs, err := l.Storage().ListNewJobs(loadID)
	require.NoError(t, err)
	assert.Len(t, newJobs, 1)
	started, err := l.Storage().ListJobs(loadID, storage.JobStateStarted)
	require.NoError(t, err)
	assert.Empty(t, started)
}

// TestLoaderRetrievesStartedJobs tests crash recovery: a job file a
// previous process left in started/ is rebound before new spooling
func TestLoaderRetrievesStartedJobs(t *testing.T) {
	cfg := dummyConfig(t.TempDir(), config.DummySettings{CompletedProb: 1})
	loadID := seedPackage(t, cfg)

	// move the job to started/ by hand, as if the process died here
	ls, err := storage.NewLoadStorage(cfg.WorkingDir, false, storage.FormatJSONL, storage.DataFormats, false)
	require.NoError(t, err)
	newJobs, err := ls.ListNewJobs(loadID)
	require.NoError(t, err)
	require.Len(t, newJobs, 1)
	_, err = ls.StartJob(loadID, newJobs[0])
	require.NoError(t, err)
	ls.Close()

	l := newTestLoader(t, cfg)
	_, err = l.Run(context.Background())
	require.NoError(t, err)

	// the dummy never saw the job, so the rebind failed terminally
	failed, err := l.Storage().ListJobs(loadID, storage.JobStateFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	data, err := os.ReadFile(l.Storage().JobPath(loadID, storage.JobStateFailed, failed[0]) + ".exception")
	require.NoError(t, err)
	assert.Contains(t, string(data), "does not exist at the destination")
}

// TestLoaderResetsJobGaugesOnRestore tests that a tick rebinding
// started jobs restarts the per-package job gauges instead of adding
// onto the previous package's counts
func TestLoaderResetsJobGaugesOnRestore(t *testing.T) {
	cfg := dummyConfig(t.TempDir(), config.DummySettings{CompletedProb: 1})
	loadID := seedPackage(t, cfg)

	ls, err := storage.NewLoadStorage(cfg.WorkingDir, false, storage.FormatJSONL, storage.DataFormats, false)
	require.NoError(t, err)
	newJobs, err := ls.ListNewJobs(loadID)
	require.NoError(t, err)
	require.Len(t, newJobs, 1)
	_, err = ls.StartJob(loadID, newJobs[0])
	require.NoError(t, err)
	ls.Close()

	// leftovers from a package a previous tick finished
	metrics.LoaderLastPackageJobsCounter.WithLabelValues(string(destination.JobCompleted)).Set(5)
	metrics.LoaderLastPackageJobsCounter.WithLabelValues(string(destination.JobFailed)).Set(7)

	l := newTestLoader(t, cfg)
	_, err = l.Run(context.Background())
	require.NoError(t, err)

	// the dummy never saw the rebound job, so it failed terminally;
	// the gauges describe that one job only
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.LoaderLastPackageJobsCounter.WithLabelValues(string(destination.JobCompleted))))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.LoaderLastPackageJobsCounter.WithLabelValues(string(destination.JobRunning))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LoaderLastPackageJobsCounter.WithLabelValues(string(destination.JobFailed))))
}

// TestLoaderConsumesOldestFirst tests that ticks work packages in
// load id order
func TestLoaderConsumesOldestFirst(t *testing.T) {
	cfg := dummyConfig(t.TempDir(), config.DummySettings{CompletedProb: 1})
	first := seedPackage(t, cfg)

	es, err := storage.NewExtractStorage(cfg.WorkingDir, true)
	require.NoError(t, err)
	_, _, err = extract.New(es, "event").Extract([]any{map[string]any{"id": 2}}, "event")
	require.NoError(t, err)
	es.Close()
	n, err := normalize.New(cfg)
	require.NoError(t, err)
	_, err = n.Run(context.Background())
	n.Close()
	require.NoError(t, err)

	l := newTestLoader(t, cfg)
	_, err = l.Run(context.Background())
	require.NoError(t, err)
	_, err = l.Run(context.Background())
	require.NoError(t, err)

	archived, err := l.Storage().ListArchivedPackages()
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, first, archived[0])

	remaining, err := l.Storage().ListPackages()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Greater(t, remaining[0], first)
}
