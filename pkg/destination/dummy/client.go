// Package dummy provides a destination that simulates load jobs with
// configurable completion, retry and failure probabilities. It stores
// nothing and exists to exercise the load executor in tests and dry
// runs.
package dummy

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/gantrydata/gantry/pkg/config"
	"github.com/gantrydata/gantry/pkg/destination"
	"github.com/gantrydata/gantry/pkg/schema"
	"github.com/gantrydata/gantry/pkg/storage"
)

func init() {
	destination.Register("dummy", func(ctx context.Context, cfg *config.Config, s *schema.Schema) (destination.Client, error) {
		return New(cfg), nil
	})
}

// jobs survive individual client instances so RestoreFileLoad can find
// work spooled by a previous client within the same process.
var (
	jobsMu sync.Mutex
	jobs   = map[string]*job{}
)

// ResetJobs clears the process-wide job registry. Test helper.
func ResetJobs() {
	jobsMu.Lock()
	defer jobsMu.Unlock()
	jobs = map[string]*job{}
}

type job struct {
	mu        sync.Mutex
	fileName  string
	status    destination.JobStatus
	exception string
	settings  config.DummySettings
	started   time.Time
}

// Status rolls the simulated outcome once per poll while the job runs.
func (j *job) Status() destination.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.roll()
}

func (j *job) roll() destination.JobStatus {
	if j.status != destination.JobRunning {
		return j.status
	}
	if j.settings.Timeout > 0 && time.Since(j.started) > j.settings.Timeout {
		j.status = destination.JobFailed
		j.exception = fmt.Sprintf("failed due to timeout after %s", j.settings.Timeout)
		return j.status
	}
	if j.settings.CompletedProb >= rand.Float64() {
		j.status = destination.JobCompleted
	} else if j.settings.RetryProb >= rand.Float64() {
		j.status = destination.JobRetry
		j.exception = "a random retry occurred"
	} else if j.settings.FailProb >= rand.Float64() {
		j.status = destination.JobFailed
		j.exception = "a random fail occurred"
	}
	return j.status
}

func (j *job) FileName() string { return j.fileName }

func (j *job) Exception() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exception
}

// Client simulates an async server-managed destination.
type Client struct {
	settings config.DummySettings
	caps     destination.Capabilities
}

// New builds a dummy client from the dummy settings.
func New(cfg *config.Config) *Client {
	preferred := storage.FormatJSONL
	if cfg.LoaderFileFormat != "" {
		preferred = storage.FileFormat(cfg.LoaderFileFormat)
	}
	return &Client{
		settings: cfg.Dummy,
		caps: destination.Capabilities{
			PreferredFormat:  preferred,
			SupportedFormats: []storage.FileFormat{storage.FormatJSONL, storage.FormatInsertValues},
		},
	}
}

func (c *Client) Capabilities() destination.Capabilities { return c.caps }

func (c *Client) InitializeStorage(ctx context.Context) error { return nil }

func (c *Client) UpdateStorageSchema(ctx context.Context) error { return nil }

// StartFileLoad registers a simulated job keyed by job id. The first
// status roll happens at start: an immediate fail surfaces as a
// terminal error, an immediate retry as a transient one. Restarting a
// job parked in retry sets it running again.
func (c *Client) StartFileLoad(ctx context.Context, table *schema.Table, filePath string, loadID string) (destination.LoadJob, error) {
	jobID := filepath.Base(filePath)
	jobsMu.Lock()
	defer jobsMu.Unlock()
	if existing, ok := jobs[jobID]; ok {
		existing.mu.Lock()
		if existing.status == destination.JobRetry {
			existing.status = destination.JobRunning
			existing.exception = ""
			existing.started = time.Now()
		}
		existing.mu.Unlock()
		return existing, nil
	}
	j := &job{
		fileName: jobID,
		status:   destination.JobRunning,
		settings: c.settings,
		started:  time.Now(),
	}
	switch j.roll() {
	case destination.JobFailed:
		return nil, destination.Terminal(fmt.Errorf("dummy job %s: %s", jobID, j.exception))
	case destination.JobRetry:
		return nil, destination.Transient(fmt.Errorf("dummy job %s: %s", jobID, j.exception))
	}
	jobs[jobID] = j
	return j, nil
}

// RestoreFileLoad finds a previously started simulated job.
func (c *Client) RestoreFileLoad(ctx context.Context, filePath string) (destination.LoadJob, error) {
	jobID := filepath.Base(filePath)
	jobsMu.Lock()
	defer jobsMu.Unlock()
	if j, ok := jobs[jobID]; ok {
		return j, nil
	}
	return nil, &destination.LoadJobNotExistsError{JobID: jobID}
}

func (c *Client) CompleteLoad(ctx context.Context, loadID string) error { return nil }

func (c *Client) Close() error { return nil }
