package destination

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gantrydata/gantry/pkg/config"
	"github.com/gantrydata/gantry/pkg/schema"
	"github.com/gantrydata/gantry/pkg/storage"
)

// JobStatus is the state a load job reports.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobRetry     JobStatus = "retry"
)

// Capabilities describe what a destination can load.
type Capabilities struct {
	PreferredFormat  storage.FileFormat
	SupportedFormats []storage.FileFormat
	// MaxStatementSize caps one executed SQL statement in bytes.
	// Zero means unlimited.
	MaxStatementSize int64
}

// Supports reports whether the format is among the supported ones.
func (c Capabilities) Supports(format storage.FileFormat) bool {
	for _, f := range c.SupportedFormats {
		if f == format {
			return true
		}
	}
	return false
}

// LoadJob is one data file being applied to one destination table.
// The job id is the canonical file name, so restarting the executor
// rebinds to the same server-side work.
type LoadJob interface {
	// Status reports the current job state. Server-managed backends
	// poll the destination here.
	Status() JobStatus
	// FileName is the canonical job file name and the job id.
	FileName() string
	// Exception returns the failure detail once the job is failed or
	// marked for retry.
	Exception() string
}

// Client is the warehouse interface the load executor drives. Each
// job opens its own client; a client is never shared across
// goroutines.
type Client interface {
	Capabilities() Capabilities
	// InitializeStorage idempotently creates the destination dataset.
	InitializeStorage(ctx context.Context) error
	// UpdateStorageSchema reconciles the client's schema against the
	// destination, gated on the version recorded in the _dlt_version
	// side table.
	UpdateStorageSchema(ctx context.Context) error
	// StartFileLoad begins loading one file. Idempotent by job id: a
	// job already known under the file name is returned as is.
	StartFileLoad(ctx context.Context, table *schema.Table, filePath, loadID string) (LoadJob, error)
	// RestoreFileLoad rebinds to a previously started load.
	RestoreFileLoad(ctx context.Context, filePath string) (LoadJob, error)
	// CompleteLoad records the package in the _dlt_loads side table
	// and runs any post-package work.
	CompleteLoad(ctx context.Context, loadID string) error
	Close() error
}

// StaticJob is a job in a fixed state. Transactional backends restore
// with it and the executor synthesizes failed jobs from it.
type StaticJob struct {
	fileName  string
	status    JobStatus
	exception string
}

// NewCompletedJob returns a job that reports completed.
func NewCompletedJob(filePath string) *StaticJob {
	return &StaticJob{fileName: filepath.Base(filePath), status: JobCompleted}
}

// NewFailedJob returns a job that reports failed with the exception.
func NewFailedJob(filePath string, exception string) *StaticJob {
	return &StaticJob{fileName: filepath.Base(filePath), status: JobFailed, exception: exception}
}

func (j *StaticJob) Status() JobStatus {
	return j.status
}

func (j *StaticJob) FileName() string {
	return j.fileName
}

func (j *StaticJob) Exception() string {
	return j.exception
}

// Factory opens a client of one destination type for a schema.
type Factory func(ctx context.Context, cfg *config.Config, s *schema.Schema) (Client, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a destination available under a client type name.
// Concrete backends call it from init.
func Register(clientType string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[clientType]; dup {
		panic("destination: Register called twice for " + clientType)
	}
	factories[clientType] = f
}

// Registered lists the known client types sorted.
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultFormat returns the job file format a destination family
// prefers when none is configured: the transactional SQL family loads
// insert statements, the server-managed family streams jsonl.
func DefaultFormat(clientType string) storage.FileFormat {
	switch clientType {
	case "postgres", "redshift", "sqlite":
		return storage.FormatInsertValues
	default:
		return storage.FormatJSONL
	}
}

// Open creates a client of the configured type.
func Open(ctx context.Context, clientType string, cfg *config.Config, s *schema.Schema) (Client, error) {
	factoriesMu.RLock()
	f, ok := factories[clientType]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown destination client type %q", clientType)
	}
	return f(ctx, cfg, s)
}

// VerifyJobFile checks a job file against the destination capabilities
// and resolves its table and effective write disposition, returning
// terminal errors for anything that can never load.
func VerifyJobFile(s *schema.Schema, caps Capabilities, fileName string) (*schema.Table, schema.WriteDisposition, error) {
	job, err := storage.ParseJobName(fileName)
	if err != nil {
		return nil, "", Terminal(err)
	}
	if !caps.Supports(job.Format) {
		return nil, "", &UnsupportedFileFormatError{Format: job.Format, Supported: caps.SupportedFormats, FileName: fileName}
	}
	table, ok := s.Table(job.Table)
	if !ok {
		return nil, "", &UnknownTableError{Table: job.Table, FileName: fileName}
	}
	disposition, err := s.WriteDisposition(job.Table)
	if err != nil {
		return nil, "", Terminal(err)
	}
	if disposition != schema.WriteAppend && disposition != schema.WriteReplace {
		return nil, "", &UnsupportedWriteDispositionError{Table: job.Table, Disposition: disposition, FileName: fileName}
	}
	return table, disposition, nil
}
