package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaults tests the documented configuration defaults
func TestDefaults(t *testing.T) {
	require.NoError(t, Initialize())
	c := Load()

	assert.Equal(t, "gantry", c.PipelineName)
	assert.Equal(t, "dummy", c.ClientType)
	assert.Equal(t, 1, c.Workers)
	assert.Equal(t, 10000, c.StopAfterRuns)
	assert.Equal(t, 100000, c.MaxEventsInChunk)
	assert.Equal(t, 500*time.Millisecond, c.RunSleep)
	assert.Equal(t, time.Second, c.RunSleepIdle)
	assert.Equal(t, 5439, c.SQL.Port)
	assert.Equal(t, 15*time.Second, c.SQL.ConnectionTimeout)
	assert.Equal(t, 1.0, c.Dummy.CompletedProb)
	assert.Equal(t, 10*time.Second, c.Dummy.Timeout)
	assert.Equal(t, "info", c.Log.Level)
}

// TestEnvironmentOverrides tests that prefixed and bare credential
// environment variables override the loaded fields
func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GANTRY_CLIENT_TYPE", "postgres")
	t.Setenv("GANTRY_WORKERS", "4")
	t.Setenv("GANTRY_PG_HOST", "db.internal")
	t.Setenv("PASSWORD", "  hunter2  ")
	t.Setenv("DATABASE", "Warehouse")
	require.NoError(t, Initialize())
	c := Load()

	assert.Equal(t, "postgres", c.ClientType)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, "db.internal", c.SQL.Host)
	assert.Equal(t, "hunter2", c.SQL.Password)
	assert.Equal(t, "warehouse", c.SQL.Database)
}

// TestProgrammaticSet tests the runtime override path the pipeline
// facade relies on
func TestProgrammaticSet(t *testing.T) {
	require.NoError(t, Initialize())
	Set("working_dir", "/tmp/spool")
	Set("workers", 8)
	c := Load()

	assert.Equal(t, "/tmp/spool", c.WorkingDir)
	assert.Equal(t, 8, c.Workers)
}

// TestDatasetName tests dataset rendering from the schema prefix
func TestDatasetName(t *testing.T) {
	creds := SQLCredentials{SchemaPrefix: "analytics"}
	assert.Equal(t, "analytics_events", creds.DatasetName("events"))
	assert.Equal(t, "analytics", creds.DatasetName(""))
}
