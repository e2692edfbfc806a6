package config

import (
	"time"

	"github.com/gantrydata/gantry/pkg/schema"
)

// Config is a typed snapshot of the resolved configuration.
type Config struct {
	PipelineName        string
	WorkingDir          string
	ExitOnException     bool
	StopAfterRuns       int
	RunSleep            time.Duration
	RunSleepIdle        time.Duration
	RunSleepWhenFailed  time.Duration
	Workers             int
	MaxEventsInChunk    int
	LoaderFileFormat    string
	DeleteCompletedJobs bool
	ClientType          string
	PrometheusPort      int

	Log LogSettings

	SQL        SQLCredentials
	GCP        GCPCredentials
	SQLitePath string
	BoltPath   string
	Dummy      DummySettings
}

// LogSettings configure the zerolog backend.
type LogSettings struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// SQLCredentials connect the postgres family destinations. The schema
// prefix doubles as the default dataset name.
type SQLCredentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	SchemaPrefix      string
	ConnectionTimeout time.Duration
}

// DatasetName renders the destination dataset for a schema.
func (c SQLCredentials) DatasetName(schemaName string) string {
	return schema.MakeDatasetName(c.SchemaPrefix, schemaName)
}

// GCPCredentials identify a server-managed destination project. In
// this repository they map onto the boltdb destination namespace.
type GCPCredentials struct {
	ProjectID   string
	Dataset     string
	ClientEmail string
	PrivateKey  string
	Timeout     time.Duration
}

// DatasetName renders the destination dataset for a schema.
func (c GCPCredentials) DatasetName(schemaName string) string {
	return schema.MakeDatasetName(c.Dataset, schemaName)
}

// DummySettings tune the probabilistic job simulation of the dummy
// destination.
type DummySettings struct {
	CompletedProb float64
	RetryProb     float64
	FailProb      float64
	Timeout       time.Duration
}
