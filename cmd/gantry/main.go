package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gantrydata/gantry/pkg/api"
	"github.com/gantrydata/gantry/pkg/config"
	"github.com/gantrydata/gantry/pkg/load"
	"github.com/gantrydata/gantry/pkg/log"
	"github.com/gantrydata/gantry/pkg/metrics"
	"github.com/gantrydata/gantry/pkg/normalize"
	"github.com/gantrydata/gantry/pkg/pipeline"
	"github.com/gantrydata/gantry/pkg/run"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Gantry - staged data ingestion pipeline",
	Long: `Gantry extracts JSON documents, normalizes them into relational
tables with an inferred, versioned schema, and loads them into a
warehouse destination. Every stage hands work over through atomically
committed files, so a crashed process resumes where it stopped.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
			config.Set("working_dir", dir)
		}
		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			config.Set("workers", workers)
		}
		c := config.Load()
		log.Init(log.Config{
			Level:      log.Level(c.Log.Level),
			JSONOutput: c.Log.Format == "json",
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
		})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Gantry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().String("dir", "", "Pipeline working directory")
	rootCmd.PersistentFlags().Int("workers", 0, "Worker pool size for normalize and load")

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(normalizeCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loopOptions reads the run loop flags shared by the stage commands.
func loopOptions(cmd *cobra.Command) run.Options {
	singleRun, _ := cmd.Flags().GetBool("single-run")
	waitRuns, _ := cmd.Flags().GetInt("wait-runs")
	return run.Options{SingleRun: singleRun, WaitRuns: waitRuns}
}

func addLoopFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("single-run", false, "Exit once all pending work is processed")
	cmd.Flags().Int("wait-runs", 1, "Minimum idle runs before a single run exits")
}

var extractCmd = &cobra.Command{
	Use:   "extract FILE...",
	Short: "Extract JSON documents into the pipeline",
	Long: `Extract reads JSON documents (a single mapping or an array of
mappings per file, "-" for stdin) and commits them as one batch into
the extract stage of the pipeline at --dir.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		table, _ := cmd.Flags().GetString("table")
		create, _ := cmd.Flags().GetBool("create")
		p, err := attachPipeline(ctx, create)
		if err != nil {
			return err
		}
		for _, arg := range args {
			source, err := readDocuments(arg)
			if err != nil {
				return err
			}
			if err := p.Extract(ctx, source, table); err != nil {
				return err
			}
		}
		fmt.Printf("✓ Extracted %d file(s)\n", len(args))
		return nil
	},
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Run the normalize stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg := config.Load()
		n, err := normalize.New(cfg)
		if err != nil {
			return err
		}
		defer n.Close()
		loop := run.New(cfg, loopOptions(cmd))
		loop.WatchDir(n.SpoolDir())
		return finishLoop(loop.Run(ctx, n.Run))
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Run the load stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg := config.Load()
		l, err := load.New(cfg)
		if err != nil {
			return err
		}
		defer l.Close()
		return finishLoop(run.New(cfg, loopOptions(cmd)).Run(ctx, l.Run))
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run normalize and load together with the ops endpoint",
	Long: `Run supervises the normalize and load stages in one process and
serves the operational HTTP endpoint (/health, /ready, /status,
/metrics) when a prometheus port is configured. With --create a fresh
pipeline is started when the directory holds none.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg := config.Load()
		create, _ := cmd.Flags().GetBool("create")
		p, err := attachPipeline(ctx, create)
		if err != nil {
			return err
		}

		n, err := normalize.New(p.Context().Config)
		if err != nil {
			return err
		}
		defer n.Close()
		l, err := load.New(p.Context().Config)
		if err != nil {
			return err
		}
		defer l.Close()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("storage", true, "attached")
		metrics.RegisterComponent("destination", true, cfg.ClientType)
		collector := metrics.NewCollector(func() map[string]float64 {
			sample := make(map[string]float64)
			if batches, err := p.ListExtractedLoads(); err == nil {
				sample["extract"] = float64(len(batches))
			}
			if packages, err := p.ListNormalizedLoads(); err == nil {
				sample["load"] = float64(len(packages))
			}
			return sample
		})
		collector.Start()
		defer collector.Stop()

		g, gctx := errgroup.WithContext(ctx)
		if cfg.PrometheusPort > 0 {
			ops := api.NewServer(p, Version)
			g.Go(func() error {
				errCh := make(chan error, 1)
				go func() {
					errCh <- ops.Start(fmt.Sprintf(":%d", cfg.PrometheusPort))
				}()
				select {
				case err := <-errCh:
					return err
				case <-gctx.Done():
					return ops.Shutdown(context.Background())
				}
			})
		}
		g.Go(func() error {
			loop := run.New(cfg, loopOptions(cmd))
			loop.WatchDir(n.SpoolDir())
			return loop.Run(gctx, n.Run)
		})
		g.Go(func() error {
			return run.New(cfg, loopOptions(cmd)).Run(gctx, l.Run)
		})
		return finishLoop(g.Wait())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Gantry version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	addLoopFlags(normalizeCmd)
	addLoopFlags(loadCmd)
	addLoopFlags(runCmd)
	runCmd.Flags().Bool("create", false, "Create the pipeline when the directory holds none")
	extractCmd.Flags().String("table", "", "Table items without explicit routing load into")
	extractCmd.Flags().Bool("create", false, "Create the pipeline when the directory holds none")
}

// finishLoop treats hitting the configured run budget as a clean exit;
// deployments restart the process on it.
func finishLoop(err error) error {
	if errors.Is(err, run.ErrMaxRuns) {
		fmt.Println("✓ Run budget reached, exiting")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		fmt.Println("\nShutting down...")
		return nil
	}
	return err
}

// attachPipeline restores the pipeline at the working directory. With
// create set, a directory holding no pipeline starts a fresh one; a
// corrupted or mismatched one still fails.
func attachPipeline(ctx context.Context, create bool) (*pipeline.Pipeline, error) {
	cfg := config.Load()
	if cfg.WorkingDir == "" {
		return nil, errors.New("--dir or working_dir is required")
	}
	p, err := pipeline.RestorePipeline(ctx, cfg, cfg.WorkingDir)
	if err != nil {
		var restoreErr *pipeline.CannotRestorePipelineError
		if !create || !errors.As(err, &restoreErr) {
			return nil, err
		}
		return pipeline.CreatePipeline(ctx, cfg, cfg.WorkingDir, nil)
	}
	return p, nil
}

// readDocuments loads one JSON file, "-" meaning stdin. An array
// becomes a sequence of items, anything else a single item.
func readDocuments(path string) (any, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}
