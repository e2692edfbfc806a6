package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var v *viper.Viper

// secretsDir is where secret files are mounted in containerized
// deployments, one file per secret in kebab-case.
const secretsDir = "/run/secrets"

// Initialize sets up the viper configuration singleton. Call once at
// startup, before Load. Precedence: defaults < gantry.yaml (found by
// walking up from the working directory) < environment.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// walk up from CWD so subcommands work from any subdirectory
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, "gantry.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				if err := v.ReadInConfig(); err != nil {
					return err
				}
				break
			}
		}
	}

	// environment overrides any config field by upper-cased name:
	// GANTRY_WORKING_DIR, GANTRY_CLIENT_TYPE, GANTRY_PG_PASSWORD ...
	v.SetEnvPrefix("GANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// bare aliases kept for the documented credential variables
	_ = v.BindEnv("pg.host", "HOST")
	_ = v.BindEnv("pg.port", "PORT")
	_ = v.BindEnv("pg.user", "USER")
	_ = v.BindEnv("pg.password", "PASSWORD")
	_ = v.BindEnv("pg.database", "DATABASE")
	_ = v.BindEnv("pg.schema_prefix", "SCHEMA_PREFIX")
	_ = v.BindEnv("pg.connection_timeout", "CONNECTION_TIMEOUT")
	_ = v.BindEnv("gcp.project_id", "PROJECT_ID")
	_ = v.BindEnv("gcp.dataset", "DATASET")
	_ = v.BindEnv("gcp.cred_client_email", "CRED_CLIENT_EMAIL")
	_ = v.BindEnv("gcp.cred_private_key", "CRED_PRIVATE_KEY")
	_ = v.BindEnv("gcp.timeout", "TIMEOUT")

	// pipeline and run loop
	v.SetDefault("pipeline_name", "gantry")
	v.SetDefault("working_dir", "")
	v.SetDefault("exit_on_exception", false)
	v.SetDefault("stop_after_runs", 10000)
	v.SetDefault("run_sleep", "500ms")
	v.SetDefault("run_sleep_idle", "1s")
	v.SetDefault("run_sleep_when_failed", "1s")
	v.SetDefault("workers", 1)
	v.SetDefault("max_events_in_chunk", 100000)
	v.SetDefault("loader_file_format", "")
	v.SetDefault("delete_completed_jobs", false)
	v.SetDefault("client_type", "dummy")
	v.SetDefault("prometheus_port", 0)

	// logging
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 100)
	v.SetDefault("log_max_backups", 3)

	// sql destination credentials
	v.SetDefault("pg.host", "")
	v.SetDefault("pg.port", 5439)
	v.SetDefault("pg.user", "")
	v.SetDefault("pg.password", "")
	v.SetDefault("pg.database", "")
	v.SetDefault("pg.schema_prefix", "")
	v.SetDefault("pg.connection_timeout", "15s")

	// gcp style credentials, mapped onto the boltdb destination
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.dataset", "")
	v.SetDefault("gcp.cred_client_email", "")
	v.SetDefault("gcp.cred_private_key", "")
	v.SetDefault("gcp.timeout", "30s")

	// filesystem destinations
	v.SetDefault("sqlite.path", "")
	v.SetDefault("bolt.path", "")

	// dummy destination job simulation
	v.SetDefault("dummy.completed_prob", 1.0)
	v.SetDefault("dummy.retry_prob", 0.0)
	v.SetDefault("dummy.fail_prob", 0.0)
	v.SetDefault("dummy.timeout", "10s")

	return nil
}

// Set overrides a configuration value programmatically. The pipeline
// facade uses it to push runtime arguments down to the stages.
func Set(key string, value any) {
	ensureInitialized()
	v.Set(key, value)
}

// Load snapshots the current configuration into a typed Config.
func Load() *Config {
	ensureInitialized()
	c := &Config{
		PipelineName:        v.GetString("pipeline_name"),
		WorkingDir:          v.GetString("working_dir"),
		ExitOnException:     v.GetBool("exit_on_exception"),
		StopAfterRuns:       v.GetInt("stop_after_runs"),
		RunSleep:            v.GetDuration("run_sleep"),
		RunSleepIdle:        v.GetDuration("run_sleep_idle"),
		RunSleepWhenFailed:  v.GetDuration("run_sleep_when_failed"),
		Workers:             v.GetInt("workers"),
		MaxEventsInChunk:    v.GetInt("max_events_in_chunk"),
		LoaderFileFormat:    v.GetString("loader_file_format"),
		DeleteCompletedJobs: v.GetBool("delete_completed_jobs"),
		ClientType:          v.GetString("client_type"),
		PrometheusPort:      v.GetInt("prometheus_port"),
		Log: LogSettings{
			Level:      v.GetString("log_level"),
			Format:     v.GetString("log_format"),
			File:       v.GetString("log_file"),
			MaxSizeMB:  v.GetInt("log_max_size_mb"),
			MaxBackups: v.GetInt("log_max_backups"),
		},
		SQL: SQLCredentials{
			Host:              v.GetString("pg.host"),
			Port:              v.GetInt("pg.port"),
			User:              v.GetString("pg.user"),
			Password:          strings.TrimSpace(secret("pg.password", "pg-password")),
			Database:          strings.ToLower(v.GetString("pg.database")),
			SchemaPrefix:      strings.ToLower(v.GetString("pg.schema_prefix")),
			ConnectionTimeout: v.GetDuration("pg.connection_timeout"),
		},
		GCP: GCPCredentials{
			ProjectID:   v.GetString("gcp.project_id"),
			Dataset:     v.GetString("gcp.dataset"),
			ClientEmail: v.GetString("gcp.cred_client_email"),
			PrivateKey:  secret("gcp.cred_private_key", "gcp-cred-private-key"),
			Timeout:     v.GetDuration("gcp.timeout"),
		},
		SQLitePath: v.GetString("sqlite.path"),
		BoltPath:   v.GetString("bolt.path"),
		Dummy: DummySettings{
			CompletedProb: v.GetFloat64("dummy.completed_prob"),
			RetryProb:     v.GetFloat64("dummy.retry_prob"),
			FailProb:      v.GetFloat64("dummy.fail_prob"),
			Timeout:       v.GetDuration("dummy.timeout"),
		},
	}
	// private keys come through env with literal \n and must end with
	// a newline to parse as PEM
	if c.GCP.PrivateKey != "" {
		c.GCP.PrivateKey = strings.ReplaceAll(c.GCP.PrivateKey, `\n`, "\n")
		if !strings.HasSuffix(c.GCP.PrivateKey, "\n") {
			c.GCP.PrivateKey += "\n"
		}
	}
	return c
}

// secret reads a config key that may also be mounted as a secret
// file. A file under /run/secrets wins over config and environment.
func secret(key, fileName string) string {
	if data, err := os.ReadFile(filepath.Join(secretsDir, fileName)); err == nil {
		return string(data)
	}
	return v.GetString(key)
}

func ensureInitialized() {
	if v == nil {
		if err := Initialize(); err != nil {
			panic(err)
		}
	}
}
