package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

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

// Normalizer consumes committed extract batches and produces committed
// load packages, evolving the stored schema as the data demands.
type Normalizer struct {
	cfg      *config.Config
	extracts *storage.ExtractStorage
	spool    *storage.NormalizeStorage
	loads    *storage.LoadStorage
	schemas  *storage.SchemaStorage
	dialect  destination.Dialect
	format   storage.FileFormat
	logger   zerolog.Logger
}

// New opens the normalize stage over a working directory. The
// normalizer owns the normalize spool; extract and load storage are
// attached non-owner since other stages own those.
func New(cfg *config.Config) (*Normalizer, error) {
	extracts, err := storage.NewExtractStorage(cfg.WorkingDir, false)
	if err != nil {
		return nil, err
	}
	spool, err := storage.NewNormalizeStorage(cfg.WorkingDir, true)
	if err != nil {
		extracts.Close()
		return nil, err
	}
	format := storage.FileFormat(cfg.LoaderFileFormat)
	if format == "" {
		format = destination.DefaultFormat(cfg.ClientType)
	}
	loads, err := storage.NewLoadStorage(cfg.WorkingDir, false, format, storage.DataFormats, cfg.DeleteCompletedJobs)
	if err != nil {
		extracts.Close()
		spool.Close()
		return nil, err
	}
	schemas, err := storage.NewSchemaStorage(cfg.WorkingDir)
	if err != nil {
		extracts.Close()
		spool.Close()
		loads.Close()
		return nil, err
	}
	return &Normalizer{
		cfg:      cfg,
		extracts: extracts,
		spool:    spool,
		loads:    loads,
		schemas:  schemas,
		dialect:  destination.DialectFor(cfg.ClientType),
		format:   format,
		logger:   log.WithComponent("normalize"),
	}, nil
}

// Close releases the stage storages.
func (n *Normalizer) Close() {
	n.extracts.Close()
	n.spool.Close()
	n.loads.Close()
}

// SpoolDir is the directory a run loop can watch for incoming work.
func (n *Normalizer) SpoolDir() string {
	return n.extracts.Dir()
}

// Run is one normalize tick: ingest the committed extract backlog,
// process it schema by schema, and report what is still pending.
func (n *Normalizer) Run(ctx context.Context) (run.Metrics, error) {
	committed, err := n.extracts.ListCommitted()
	if err != nil {
		return run.Metrics{HasFailed: true, PendingItems: -1}, err
	}
	for _, name := range committed {
		if err := n.spool.Ingest(n.extracts.CommittedPath(name)); err != nil {
			return run.Metrics{HasFailed: true, PendingItems: -1}, err
		}
	}
	files, err := n.spool.ListExtracted()
	if err != nil {
		return run.Metrics{HasFailed: true, PendingItems: -1}, err
	}
	if len(files) == 0 {
		return run.Metrics{WasIdle: true}, nil
	}
	n.logger.Info().Int("files", len(files)).Int("max_events_in_chunk", n.cfg.MaxEventsInChunk).
		Msg("found files to normalize")
	groups, err := storage.GroupBySchema(files)
	if err != nil {
		return run.Metrics{HasFailed: true, PendingItems: -1}, err
	}
	for _, group := range groups {
		if err := n.spoolSchemaFiles(ctx, group.Schema, group.Files); err != nil {
			return run.Metrics{HasFailed: true, PendingItems: -1}, err
		}
	}
	// the extractor may have produced more in the meantime
	pending, err := n.spool.ListExtracted()
	if err != nil {
		return run.Metrics{HasFailed: true, PendingItems: -1}, err
	}
	return run.Metrics{PendingItems: len(pending)}, nil
}

// spoolSchemaFiles builds and commits one load package for a schema's
// backlog slice. Any failure discards the half-built package; the
// input files stay put for the next tick.
func (n *Normalizer) spoolSchemaFiles(ctx context.Context, schemaName string, files []string) error {
	loadID := storage.NewLoadID()
	if err := n.loads.CreatePackage(loadID); err != nil {
		return err
	}
	consumed, err := n.spoolFiles(ctx, schemaName, loadID, files)
	if err != nil {
		if derr := n.loads.DeleteBuild(loadID); derr != nil {
			n.logger.Error().Err(derr).Str("load_id", loadID).Msg("failed to discard package build")
		}
		return err
	}
	// inputs are deleted only after the package rename, so a crash
	// here re-normalizes them into a fresh package
	totalEvents := 0
	for _, name := range consumed {
		parsed, err := storage.ParseExtractName(name)
		if err == nil {
			totalEvents += parsed.Events
		}
		if err := n.spool.Delete(name); err != nil {
			return err
		}
	}
	metrics.NormalizePackagesCreated.WithLabelValues(schemaName).Inc()
	metrics.NormalizeEventCount.WithLabelValues(schemaName).Add(float64(totalEvents))
	metrics.NormalizeLastEvents.WithLabelValues(schemaName).Set(float64(totalEvents))
	n.logger.Info().Str("schema", schemaName).Str("load_id", loadID).
		Int("events", totalEvents).Msg("load package committed")
	return nil
}

// spoolFiles normalizes a chunked slice of the backlog into the
// package build dir and commits it. It returns the consumed input
// files.
func (n *Normalizer) spoolFiles(ctx context.Context, schemaName, loadID string, files []string) ([]string, error) {
	s, err := n.loadOrCreateSchema(schemaName)
	if err != nil {
		return nil, err
	}
	if err := ExtendSchema(s); err != nil {
		return nil, err
	}
	workers := n.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	chunks, err := storage.ChunkByEvents(files, n.cfg.MaxEventsInChunk, workers)
	if err != nil {
		return nil, err
	}
	n.logger.Debug().Int("chunks", len(chunks)).Str("load_id", loadID).Msg("processing chunks")

	var mu sync.Mutex
	updates := map[string][]*schema.Table{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, chunk := range chunks {
		g.Go(func() error {
			chunkUpdates, err := n.normalizeFiles(gctx, s, &mu, loadID, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			for table, partials := range chunkUpdates {
				updates[table] = append(updates[table], partials...)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := n.schemas.SaveSchema(s); err != nil {
		return nil, err
	}
	metrics.NormalizeSchemaVersion.WithLabelValues(schemaName).Set(float64(s.Version()))
	n.logger.Info().Str("schema", schemaName).Int("version", s.Version()).Msg("schema saved")

	frozen, err := s.YAML()
	if err != nil {
		return nil, err
	}
	if err := n.loads.SavePackageSchema(loadID, frozen); err != nil {
		return nil, err
	}
	sentinel, err := json.Marshal(updates)
	if err != nil {
		return nil, err
	}
	if err := n.loads.SaveSchemaUpdates(loadID, sentinel); err != nil {
		return nil, err
	}
	if err := n.loads.CommitPackage(loadID); err != nil {
		return nil, err
	}
	consumed := make([]string, 0, len(files))
	for _, chunk := range chunks {
		consumed = append(consumed, chunk...)
	}
	return consumed, nil
}

// normalizeFiles is one worker: it relationalizes every event of its
// chunk, evolves the schema under the mutex, and writes one job file
// per touched table. The mutex is never held across a file write.
func (n *Normalizer) normalizeFiles(ctx context.Context, s *schema.Schema, mu *sync.Mutex, loadID string, chunk []string) (map[string][]*schema.Table, error) {
	fileID := schema.UniqID()
	rowsByTable := map[string][]map[string]any{}
	schemaUpdates := map[string][]*schema.Table{}

	for _, name := range chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(n.spool.ExtractedPath(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read batch %s: %w", name, err)
		}
		var events []map[string]any
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("malformed batch %s: %w", name, err)
		}
		for _, event := range events {
			mu.Lock()
			err := n.normalizeEvent(s, event, loadID, rowsByTable, schemaUpdates)
			mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("batch %s: %w", name, err)
			}
		}
	}

	for table, rows := range rowsByTable {
		mu.Lock()
		var headers []string
		if cols, ok := s.TableColumns(table); ok {
			headers = cols.Keys()
		}
		mu.Unlock()
		jobName := storage.BuildJobName(table, fileID, len(rows), loadID, n.format)
		err := n.loads.WriteJobFile(loadID, jobName, func(w io.Writer) error {
			return WriteRows(w, n.format, n.dialect, headers, rows)
		})
		if err != nil {
			return nil, err
		}
	}
	return schemaUpdates, nil
}

// normalizeEvent runs one event through the relational normalizer and
// the schema coercion, collecting rows and schema deltas. Caller holds
// the schema mutex.
func (n *Normalizer) normalizeEvent(s *schema.Schema, event map[string]any, loadID string, rowsByTable map[string][]map[string]any, schemaUpdates map[string][]*schema.Table) error {
	for _, row := range NormalizeItem(s, event, loadID) {
		filtered := s.FilterRow(row.Table, row.Data)
		if len(filtered) == 0 {
			continue
		}
		coerced, partial, err := s.CoerceRow(row.Table, row.ParentTable, filtered)
		if err != nil {
			return err
		}
		if partial != nil {
			if err := s.UpdateTable(partial); err != nil {
				return err
			}
			schemaUpdates[row.Table] = append(schemaUpdates[row.Table], partial)
		}
		rowsByTable[row.Table] = append(rowsByTable[row.Table], coerced)
	}
	return nil
}

// loadOrCreateSchema pulls the stored schema, or starts a fresh one
// the first time a schema name shows up in the data.
func (n *Normalizer) loadOrCreateSchema(name string) (*schema.Schema, error) {
	if n.schemas.HasSchema(name) {
		s, err := n.schemas.LoadSchema(name)
		if err != nil {
			return nil, err
		}
		n.logger.Debug().Str("schema", name).Int("version", s.Version()).Msg("loaded schema")
		return s, nil
	}
	n.logger.Info().Str("schema", name).Msg("created new schema")
	s, err := schema.New(name)
	if err != nil {
		return nil, err
	}
	return s, nil
}
