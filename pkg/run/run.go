// Package run drives a stage function in a supervised loop: health
// counters per run, state-dependent sleeps, single-run and max-runs
// exit rules, and cancellation through the context.
package run

import (
	"context"
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gantrydata/gantry/pkg/config"
	"github.com/gantrydata/gantry/pkg/log"
	"github.com/gantrydata/gantry/pkg/metrics"
)

// Metrics is what one run of a stage function reports back.
type Metrics struct {
	WasIdle      bool
	HasFailed    bool
	PendingItems int
}

// Func is one tick of a stage. A returned error marks the run failed;
// the loop keeps going unless exit_on_exception is set.
type Func func(ctx context.Context) (Metrics, error)

// Options control when the loop exits on its own.
type Options struct {
	// SingleRun exits once all pending items are processed, after at
	// least WaitRuns runs have passed.
	SingleRun bool
	WaitRuns  int
}

// ErrMaxRuns is returned when the loop hits stop_after_runs. Long
// running deployments restart the process on it.
var ErrMaxRuns = errors.New("maximum number of runs exceeded")

// Loop supervises one stage function.
type Loop struct {
	cfg  *config.Config
	opts Options

	runsCount    int
	notIdleCount int

	lastMetrics Metrics
	lastErr     error

	watchDir string
}

func New(cfg *config.Config, opts Options) *Loop {
	if opts.WaitRuns < 1 {
		opts.WaitRuns = 1
	}
	return &Loop{cfg: cfg, opts: opts}
}

// WatchDir wakes an idle loop early when a file lands in dir.
func (l *Loop) WatchDir(dir string) {
	l.watchDir = dir
}

// LastMetrics returns what the most recent run reported.
func (l *Loop) LastMetrics() Metrics { return l.lastMetrics }

// LastError returns the most recent run failure.
func (l *Loop) LastError() error { return l.lastErr }

// Run loops f until an exit rule fires or the context is canceled.
func (l *Loop) Run(ctx context.Context, f Func) error {
	wake := l.startWatch(ctx)
	for {
		l.runsCount++
		metrics.RunsCount.Inc()
		timer := metrics.NewTimer()
		m, err := f(ctx)
		timer.ObserveDuration(metrics.RunDuration)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Logger.Error().Err(err).Msg("run failed")
			m = Metrics{WasIdle: true, HasFailed: true, PendingItems: -1}
			l.lastErr = err
		}
		l.lastMetrics = m

		if !m.WasIdle {
			l.notIdleCount++
			metrics.RunsNotIdleCount.Inc()
		}
		if m.HasFailed {
			metrics.RunsFailedCount.Inc()
			metrics.RunsCSFailedGauge.Inc()
			metrics.RunsCSHealthyGauge.Set(0)
		} else {
			metrics.RunsHealthyCount.Inc()
			metrics.RunsCSHealthyGauge.Inc()
			metrics.RunsCSFailedGauge.Set(0)
		}
		metrics.RunsPendingItemsGauge.Set(float64(m.PendingItems))

		if err := ctx.Err(); err != nil {
			return err
		}
		if m.HasFailed && l.cfg.ExitOnException {
			log.Logger.Warn().Msg("exiting run loop: exit_on_exception is set")
			return l.lastErr
		}
		// single run may be forced, but at least wait_runs must pass
		// and the loop was idle throughout or just drained everything
		if l.opts.SingleRun && l.runsCount >= l.opts.WaitRuns &&
			(l.notIdleCount == 0 || m.PendingItems == 0) {
			log.Logger.Info().Int("runs", l.runsCount).Msg("stopping run loop: single run")
			return nil
		}

		var pause time.Duration
		switch {
		case m.HasFailed:
			pause = l.cfg.RunSleepWhenFailed
		case m.PendingItems == 0:
			pause = l.cfg.RunSleepIdle
		default:
			pause = l.cfg.RunSleep
		}
		if err := l.sleep(ctx, pause, wake, m.PendingItems == 0); err != nil {
			return err
		}

		// recycle long lived processes after sleeping, to keep the
		// running period intact
		if l.cfg.StopAfterRuns > 0 && l.runsCount >= l.cfg.StopAfterRuns {
			log.Logger.Warn().Int("runs", l.runsCount).Msg("stopping run loop: maximum runs reached")
			return ErrMaxRuns
		}
	}
}

// sleep waits out the pause, interrupted by cancellation and, when
// the loop is idle, by an ingress notification.
func (l *Loop) sleep(ctx context.Context, pause time.Duration, wake <-chan struct{}, idle bool) error {
	if pause <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(pause)
	defer t.Stop()
	if !idle {
		wake = nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	case <-wake:
		return nil
	}
}

// startWatch sets up the optional fsnotify wake channel. Watch setup
// failures only cost wake latency, so they log and fall back to plain
// sleeps.
func (l *Loop) startWatch(ctx context.Context) <-chan struct{} {
	if l.watchDir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("ingress watch unavailable")
		return nil
	}
	if err := watcher.Add(l.watchDir); err != nil {
		log.Logger.Warn().Err(err).Str("dir", l.watchDir).Msg("ingress watch unavailable")
		watcher.Close()
		return nil
	}
	wake := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return wake
}
