// Package pipeline is the embedding facade over the extract,
// normalize and load stages. It owns the managed state of a working
// directory and runs the stages under the supervised run loop.
package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/gantrydata/gantry/pkg/config"
	"github.com/gantrydata/gantry/pkg/destination"
	"github.com/gantrydata/gantry/pkg/extract"
	"github.com/gantrydata/gantry/pkg/load"
	"github.com/gantrydata/gantry/pkg/log"
	"github.com/gantrydata/gantry/pkg/normalize"
	"github.com/gantrydata/gantry/pkg/run"
	"github.com/gantrydata/gantry/pkg/schema"
	"github.com/gantrydata/gantry/pkg/storage"
)

// Pipeline drives one working directory end to end. Create or restore
// one per directory; a later create or restore in the same process
// supersedes it.
type Pipeline struct {
	cfg     *config.Config
	dir     string
	state   PipelineState
	stage   *StageContext
	schemas *storage.SchemaStorage
	logger  zerolog.Logger
}

// CreatePipeline starts a fresh pipeline at workingDir, wiping any
// restorable pipeline already there. An empty workingDir falls back to
// the configured one, then to a temporary directory. defaultSchema may
// be nil, in which case an empty schema named after the pipeline is
// created.
func CreatePipeline(ctx context.Context, cfg *config.Config, workingDir string, defaultSchema *schema.Schema) (*Pipeline, error) {
	if workingDir == "" {
		workingDir = cfg.WorkingDir
	}
	if workingDir == "" {
		dir, err := os.MkdirTemp("", "gantry-")
		if err != nil {
			return nil, err
		}
		workingDir = dir
	}
	if hasState(workingDir) {
		if err := os.RemoveAll(workingDir); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(workingDir, 0755); err != nil {
		return nil, err
	}

	if defaultSchema == nil {
		s, err := schema.New(schema.NormalizeSchemaName(cfg.PipelineName))
		if err != nil {
			return nil, err
		}
		defaultSchema = s
	}
	schemas, err := storage.NewSchemaStorage(workingDir)
	if err != nil {
		return nil, err
	}
	if err := schemas.SaveSchema(defaultSchema); err != nil {
		return nil, err
	}

	state := PipelineState{
		ID:                uuid.NewString(),
		Name:              cfg.PipelineName,
		DefaultSchemaName: defaultSchema.Name(),
		ClientType:        cfg.ClientType,
		DatasetPrefix:     datasetPrefix(cfg),
	}
	if err := saveState(workingDir, state); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:     cfg,
		dir:     workingDir,
		state:   state,
		stage:   newStageContext(cfg, schemas),
		schemas: schemas,
		logger:  log.WithPipeline(state.Name),
	}
	p.logger.Info().Str("dir", workingDir).Msg("pipeline created")
	return p, nil
}

// RestorePipeline reattaches to a pipeline previously created at
// workingDir. Anything that makes the directory unrestorable surfaces
// as CannotRestorePipelineError; it is never silently recovered from.
func RestorePipeline(ctx context.Context, cfg *config.Config, workingDir string) (*Pipeline, error) {
	state, err := loadState(workingDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &CannotRestorePipelineError{Dir: workingDir, Reason: "no pipeline state found"}
	}
	if err != nil {
		return nil, &CannotRestorePipelineError{Dir: workingDir, Reason: "pipeline state is corrupted: " + err.Error()}
	}
	if cfg.PipelineName != "" && cfg.PipelineName != state.Name {
		return nil, &CannotRestorePipelineError{
			Dir:    workingDir,
			Reason: "pipeline name mismatch: directory holds " + state.Name + ", configured " + cfg.PipelineName,
		}
	}
	schemas, err := storage.NewSchemaStorage(workingDir)
	if err != nil {
		return nil, err
	}
	if !schemas.HasSchema(state.DefaultSchemaName) {
		return nil, &CannotRestorePipelineError{Dir: workingDir, Reason: "default schema " + state.DefaultSchemaName + " is missing"}
	}

	p := &Pipeline{
		cfg:     cfg,
		dir:     workingDir,
		state:   state,
		stage:   newStageContext(cfg, schemas),
		schemas: schemas,
		logger:  log.WithPipeline(state.Name),
	}
	p.logger.Info().Str("dir", workingDir).Msg("pipeline restored")
	return p, nil
}

// datasetPrefix picks the dataset prefix of the destination family in
// use.
func datasetPrefix(cfg *config.Config) string {
	switch cfg.ClientType {
	case "postgres", "redshift":
		return cfg.SQL.SchemaPrefix
	default:
		return cfg.GCP.Dataset
	}
}

// Context returns the stage context the pipeline is bound to.
func (p *Pipeline) Context() *StageContext {
	return p.stage
}

// State returns a copy of the managed pipeline state.
func (p *Pipeline) State() PipelineState {
	return p.state
}

// WorkingDir returns the directory the pipeline operates on.
func (p *Pipeline) WorkingDir() string {
	return p.dir
}

func (p *Pipeline) checkContext() error {
	if !p.stage.valid() {
		return &InvalidPipelineContextError{Name: p.state.Name}
	}
	return nil
}

// mutate runs a state-mutating operation under the managed state
// protocol: the in-memory state is backed up first, restored when the
// operation fails, and persisted durably when it succeeds.
func (p *Pipeline) mutate(op func() error) error {
	if err := p.checkContext(); err != nil {
		return err
	}
	backup := p.state
	if err := op(); err != nil {
		p.state = backup
		return err
	}
	return saveState(p.dir, p.state)
}

// stageConfig projects the managed state onto a copy of the
// configuration, so stages follow the pipeline's recorded destination
// even when the ambient config has drifted.
func (p *Pipeline) stageConfig() *config.Config {
	cfg := *p.cfg
	cfg.WorkingDir = p.dir
	cfg.PipelineName = p.state.Name
	cfg.ClientType = p.state.ClientType
	switch p.state.ClientType {
	case "postgres", "redshift":
		cfg.SQL.SchemaPrefix = p.state.DatasetPrefix
	default:
		cfg.GCP.Dataset = p.state.DatasetPrefix
	}
	return &cfg
}

// Extract materializes a source and commits one batch file into the
// extract stage. The source may be a mapping, a sequence, or a
// deferred callable producing either; items without an explicit table
// route to tableName, falling back to the pipeline name.
func (p *Pipeline) Extract(ctx context.Context, source any, tableName string) error {
	return p.mutate(func() error {
		items, ok := source.([]any)
		if !ok {
			items = []any{source}
		}
		if tableName == "" {
			tableName = p.state.Name
		}
		store, err := storage.NewExtractStorage(p.dir, true)
		if err != nil {
			return err
		}
		defer store.Close()
		_, _, err = extract.New(store, p.state.DefaultSchemaName).Extract(items, tableName)
		return err
	})
}

// Normalize consumes all committed extract batches into load packages.
// Zero workers or chunk size fall back to the configuration.
func (p *Pipeline) Normalize(ctx context.Context, workers, maxEventsInChunk int) error {
	if err := p.checkWorkers(workers); err != nil {
		return err
	}
	return p.mutate(func() error {
		cfg := p.stageConfig()
		if workers > 0 {
			cfg.Workers = workers
		}
		if maxEventsInChunk > 0 {
			cfg.MaxEventsInChunk = maxEventsInChunk
		}
		n, err := normalize.New(cfg)
		if err != nil {
			return err
		}
		defer n.Close()
		return p.runStage(ctx, "normalize", cfg, n.Run)
	})
}

// Load applies all committed packages to the destination.
func (p *Pipeline) Load(ctx context.Context, workers int) error {
	if err := p.checkWorkers(workers); err != nil {
		return err
	}
	return p.mutate(func() error {
		cfg := p.stageConfig()
		if workers > 0 {
			cfg.Workers = workers
		}
		l, err := load.New(cfg)
		if err != nil {
			return err
		}
		defer l.Close()
		return p.runStage(ctx, "load", cfg, l.Run)
	})
}

// Flush normalizes and loads everything extracted so far.
func (p *Pipeline) Flush(ctx context.Context) error {
	if err := p.Normalize(ctx, 0, 0); err != nil {
		return err
	}
	return p.Load(ctx, 0)
}

// SyncSchema pushes the default schema to the destination without
// loading any data.
func (p *Pipeline) SyncSchema(ctx context.Context) error {
	if err := p.checkContext(); err != nil {
		return err
	}
	s, err := p.DefaultSchema()
	if err != nil {
		return err
	}
	client, err := destination.Open(ctx, p.state.ClientType, p.stageConfig(), s)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.InitializeStorage(ctx); err != nil {
		return err
	}
	return client.UpdateStorageSchema(ctx)
}

// checkWorkers rejects parallel pools requested from an interactive
// terminal, where the process is expected to stay responsive.
func (p *Pipeline) checkWorkers(workers int) error {
	if workers > 1 && isatty.IsTerminal(os.Stdout.Fd()) {
		return &WorkersNotSupportedError{Workers: workers}
	}
	return nil
}

// runStage executes one stage function under a single-run supervised
// loop and wraps any failure with the metrics of the failing run.
func (p *Pipeline) runStage(ctx context.Context, step string, cfg *config.Config, f run.Func) error {
	loop := run.New(cfg, run.Options{SingleRun: true, WaitRuns: 1})
	if err := loop.Run(ctx, f); err != nil && !errors.Is(err, run.ErrMaxRuns) {
		return &PipelineStepFailedError{Step: step, Cause: err, RunMetrics: loop.LastMetrics()}
	}
	// the loop absorbs run failures into its metrics; the facade
	// must surface them to the caller
	if loop.LastMetrics().HasFailed {
		return &PipelineStepFailedError{Step: step, Cause: loop.LastError(), RunMetrics: loop.LastMetrics()}
	}
	return nil
}

// ListExtractedLoads lists the committed extract batches waiting to be
// normalized.
func (p *Pipeline) ListExtractedLoads() ([]string, error) {
	store, err := storage.NewExtractStorage(p.dir, false)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ListCommitted()
}

// ListNormalizedLoads lists the committed load packages waiting for
// the executor.
func (p *Pipeline) ListNormalizedLoads() ([]string, error) {
	loads, err := p.openLoads()
	if err != nil {
		return nil, err
	}
	defer loads.Close()
	return loads.ListPackages()
}

// ListCompletedLoads lists the archived load packages.
func (p *Pipeline) ListCompletedLoads() ([]string, error) {
	loads, err := p.openLoads()
	if err != nil {
		return nil, err
	}
	defer loads.Close()
	return loads.ListArchivedPackages()
}

// ListFailedJobs returns the failed jobs of an archived package with
// the exception recorded for each.
func (p *Pipeline) ListFailedJobs(loadID string) ([]storage.FailedJob, error) {
	loads, err := p.openLoads()
	if err != nil {
		return nil, err
	}
	defer loads.Close()
	return loads.ArchivedFailedJobs(loadID)
}

func (p *Pipeline) openLoads() (*storage.LoadStorage, error) {
	cfg := p.stageConfig()
	format := storage.FileFormat(cfg.LoaderFileFormat)
	if format == "" {
		format = destination.DefaultFormat(cfg.ClientType)
	}
	return storage.NewLoadStorage(p.dir, false, format, storage.DataFormats, cfg.DeleteCompletedJobs)
}

// DefaultSchema loads the pipeline's default schema.
func (p *Pipeline) DefaultSchema() (*schema.Schema, error) {
	return p.schemas.LoadSchema(p.state.DefaultSchemaName)
}

// Schema loads a stored schema by name.
func (p *Pipeline) Schema(name string) (*schema.Schema, error) {
	return p.schemas.LoadSchema(name)
}

// AddSchema stores a schema in the pipeline.
func (p *Pipeline) AddSchema(s *schema.Schema) error {
	if err := p.checkContext(); err != nil {
		return err
	}
	return p.schemas.SaveSchema(s)
}

// RemoveSchema deletes a stored schema. The default schema cannot be
// removed.
func (p *Pipeline) RemoveSchema(name string) error {
	if err := p.checkContext(); err != nil {
		return err
	}
	if name == p.state.DefaultSchemaName {
		return errors.New("cannot remove the default schema " + name)
	}
	return p.schemas.DeleteSchema(name)
}
