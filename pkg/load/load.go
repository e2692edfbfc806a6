// Package load drives committed packages into the configured
// destination. One tick consumes the oldest package: it reconciles the
// destination schema, rebinds to jobs a previous process left started,
// spools new jobs across workers, and polls until every job reaches a
// final state. A package archives only once new/ and started/ are both
// empty, so a crash at any point resumes where it stopped.
package load

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gantrydata/gantry/pkg/config"
	"github.com/gantrydata/gantry/pkg/destination"
	"github.com/gantrydata/gantry/pkg/log"
	"github.com/gantrydata/gantry/pkg/metrics"
	"github.com/gantrydata/gantry/pkg/run"
	"github.com/gantrydata/gantry/pkg/schema"
	"github.com/gantrydata/gantry/pkg/storage"
)

const pollInterval = time.Second

var jobStatuses = []destination.JobStatus{
	destination.JobRunning,
	destination.JobCompleted,
	destination.JobFailed,
	destination.JobRetry,
}

// Loader owns the load stage of a working directory and applies
// committed packages to one destination.
type Loader struct {
	cfg    *config.Config
	loads  *storage.LoadStorage
	logger zerolog.Logger
}

// New opens the load stage as owner. The preferred job format follows
// the configuration, falling back to the destination family default.
func New(cfg *config.Config) (*Loader, error) {
	format := storage.FileFormat(cfg.LoaderFileFormat)
	if format == "" {
		format = destination.DefaultFormat(cfg.ClientType)
	}
	loads, err := storage.NewLoadStorage(cfg.WorkingDir, true, format, storage.DataFormats, cfg.DeleteCompletedJobs)
	if err != nil {
		return nil, err
	}
	return &Loader{
		cfg:    cfg,
		loads:  loads,
		logger: log.WithComponent("load"),
	}, nil
}

// Close releases the load storage.
func (l *Loader) Close() {
	l.loads.Close()
}

// Storage exposes the underlying load storage for status reporting.
func (l *Loader) Storage() *storage.LoadStorage {
	return l.loads
}

// spooledJob pairs a job with the client that owns it. Server-managed
// jobs poll their destination through that client, so it stays open
// until the job reaches a final state.
type spooledJob struct {
	job    destination.LoadJob
	client destination.Client
}

// Run is one executor tick. It is idle when no package is committed;
// otherwise it works the oldest package and reports how many packages
// remain afterwards.
func (l *Loader) Run(ctx context.Context) (run.Metrics, error) {
	packages, err := l.loads.ListPackages()
	if err != nil {
		return run.Metrics{}, err
	}
	metrics.PendingFiles.WithLabelValues("load").Set(float64(len(packages)))
	if len(packages) == 0 {
		return run.Metrics{WasIdle: true}, nil
	}
	loadID := packages[0]
	logger := l.logger.With().Str("load_id", loadID).Logger()

	data, err := l.loads.PackageSchema(loadID)
	if err != nil {
		return run.Metrics{}, err
	}
	s, err := schema.ParseYAML(data)
	if err != nil {
		return run.Metrics{}, err
	}

	client, err := destination.Open(ctx, l.cfg.ClientType, l.cfg, s)
	if err != nil {
		return run.Metrics{}, err
	}
	defer client.Close()
	if err := client.InitializeStorage(ctx); err != nil {
		return run.Metrics{}, err
	}
	if err := l.applySchemaUpdates(ctx, client, loadID, logger); err != nil {
		return run.Metrics{}, err
	}

	jobs, err := l.retrieveJobs(ctx, client, loadID, logger)
	if err != nil {
		return run.Metrics{}, err
	}
	if len(jobs) == 0 {
		jobs, err = l.spoolNewJobs(ctx, s, loadID, logger)
		if err != nil {
			return run.Metrics{}, err
		}
	}

	if len(jobs) == 0 {
		// Nothing started and nothing new: every job of this package
		// already reached a final folder.
		if err := client.CompleteLoad(ctx, loadID); err != nil {
			return run.Metrics{}, err
		}
		if err := l.loads.ArchivePackage(loadID); err != nil {
			return run.Metrics{}, err
		}
		metrics.LoaderPackageCounter.Inc()
		logger.Info().Msg("package load completed")
	} else {
		// gauges restart per package, for restored jobs as much as
		// freshly spooled ones
		resetJobGauges(len(jobs))
		if err := l.pollJobs(ctx, loadID, jobs, logger); err != nil {
			return run.Metrics{}, err
		}
	}

	remaining, err := l.loads.ListPackages()
	if err != nil {
		return run.Metrics{}, err
	}
	return run.Metrics{PendingItems: len(remaining)}, nil
}

// applySchemaUpdates reconciles the destination schema when the
// package still carries its updates sentinel, then deletes the
// sentinel so restarts skip the reconciliation.
func (l *Loader) applySchemaUpdates(ctx context.Context, client destination.Client, loadID string, logger zerolog.Logger) error {
	_, present, err := l.loads.SchemaUpdates(loadID)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	if err := client.UpdateStorageSchema(ctx); err != nil {
		return err
	}
	if err := l.loads.CommitSchemaUpdates(loadID); err != nil {
		return err
	}
	logger.Info().Msg("destination schema updated")
	return nil
}

// retrieveJobs rebinds to job files a previous process left in
// started/. A transient restore error aborts the tick so the next one
// retries; a terminal one synthesizes a failed job the poll loop will
// record.
func (l *Loader) retrieveJobs(ctx context.Context, client destination.Client, loadID string, logger zerolog.Logger) ([]*spooledJob, error) {
	names, err := l.loads.ListJobs(loadID, storage.JobStateStarted)
	if err != nil {
		return nil, err
	}
	jobs := make([]*spooledJob, 0, len(names))
	for _, name := range names {
		job, err := client.RestoreFileLoad(ctx, l.loads.JobPath(loadID, storage.JobStateStarted, name))
		if err != nil {
			if destination.IsTransient(err) {
				return nil, err
			}
			job = destination.NewFailedJob(name, err.Error())
		}
		jobs = append(jobs, &spooledJob{job: job})
	}
	if len(jobs) > 0 {
		logger.Info().Int("jobs", len(jobs)).Msg("restored started jobs")
	}
	return jobs, nil
}

// spoolNewJobs starts up to workers new job files, each on its own
// destination client. A transient start error puts the file back in
// new/ and fails the tick; jobs already moved to started/ are picked
// up by retrieveJobs on the next one.
func (l *Loader) spoolNewJobs(ctx context.Context, s *schema.Schema, loadID string, logger zerolog.Logger) ([]*spooledJob, error) {
	names, err := l.loads.ListNewJobs(loadID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	workers := l.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if len(names) > workers {
		names = names[:workers]
	}

	var (
		mu   sync.Mutex
		jobs []*spooledJob
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, name := range names {
		name := name
		g.Go(func() error {
			job, err := l.spoolJob(gctx, s, loadID, name)
			if err != nil {
				return err
			}
			mu.Lock()
			jobs = append(jobs, job)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeJobs(jobs)
		return nil, err
	}

	logger.Info().Int("jobs", len(jobs)).Msg("spooled new jobs")
	return jobs, nil
}

// resetJobGauges restarts the last-package gauges so dashboards show
// the package being loaded only.
func resetJobGauges(running int) {
	for _, status := range jobStatuses {
		metrics.LoaderLastPackageJobsCounter.WithLabelValues(string(status)).Set(0)
	}
	metrics.LoaderLastPackageJobsCounter.WithLabelValues(string(destination.JobRunning)).Set(float64(running))
}

// spoolJob moves one file to started/ and begins its load. Terminal
// failures become synthetic failed jobs so the poll loop records them;
// transient ones return the file to new/ and surface the error.
func (l *Loader) spoolJob(ctx context.Context, s *schema.Schema, loadID, name string) (*spooledJob, error) {
	finalPath, err := l.loads.StartJob(loadID, name)
	if err != nil {
		return nil, err
	}
	client, err := destination.Open(ctx, l.cfg.ClientType, l.cfg, s)
	if err != nil {
		return nil, err
	}
	table, _, err := destination.VerifyJobFile(s, client.Capabilities(), name)
	if err != nil {
		client.Close()
		return &spooledJob{job: destination.NewFailedJob(name, err.Error())}, nil
	}
	job, err := client.StartFileLoad(ctx, table, finalPath, loadID)
	if err != nil {
		client.Close()
		if destination.IsTransient(err) {
			if rerr := l.loads.RetryJob(loadID, name); rerr != nil {
				return nil, rerr
			}
			return nil, err
		}
		return &spooledJob{job: destination.NewFailedJob(name, err.Error())}, nil
	}
	return &spooledJob{job: job, client: client}, nil
}

// pollJobs waits for every job to leave the running state, moving each
// to its final folder as it settles.
func (l *Loader) pollJobs(ctx context.Context, loadID string, jobs []*spooledJob, logger zerolog.Logger) error {
	defer closeJobs(jobs)
	for {
		remaining, err := l.completeJobs(loadID, jobs, logger)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			return nil
		}
		jobs = remaining
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// completeJobs settles every job that left the running state and
// returns the ones still running.
func (l *Loader) completeJobs(loadID string, jobs []*spooledJob, logger zerolog.Logger) ([]*spooledJob, error) {
	remaining := make([]*spooledJob, 0, len(jobs))
	for _, sj := range jobs {
		name := sj.job.FileName()
		status := sj.job.Status()
		switch status {
		case destination.JobRunning:
			remaining = append(remaining, sj)
			continue
		case destination.JobCompleted:
			l.observeJobWait(loadID, name)
			if err := l.loads.CompleteJob(loadID, name); err != nil {
				return nil, err
			}
			logger.Info().Str("job", name).Msg("job completed")
		case destination.JobFailed:
			l.observeJobWait(loadID, name)
			if err := l.loads.FailJob(loadID, name, sj.job.Exception()); err != nil {
				return nil, err
			}
			logger.Warn().Str("job", name).Str("reason", sj.job.Exception()).Msg("job failed terminally")
		case destination.JobRetry:
			l.observeJobWait(loadID, name)
			if err := l.loads.RetryJob(loadID, name); err != nil {
				return nil, err
			}
			logger.Warn().Str("job", name).Str("reason", sj.job.Exception()).Msg("job retried")
		}
		if sj.client != nil {
			sj.client.Close()
			sj.client = nil
		}
		metrics.LoaderJobsCounter.WithLabelValues(string(status)).Inc()
		metrics.LoaderLastPackageJobsCounter.WithLabelValues(string(destination.JobRunning)).Dec()
		metrics.LoaderLastPackageJobsCounter.WithLabelValues(string(status)).Inc()
	}
	return remaining, nil
}

func (l *Loader) observeJobWait(loadID, name string) {
	wait, err := l.loads.JobWaitTime(l.loads.JobPath(loadID, storage.JobStateStarted, name))
	if err != nil {
		return
	}
	metrics.LoaderJobsWaitSeconds.Observe(wait.Seconds())
}

func closeJobs(jobs []*spooledJob) {
	for _, sj := range jobs {
		if sj.client != nil {
			sj.client.Close()
		}
	}
}
