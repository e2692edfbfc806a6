package pipeline

import (
	"fmt"

	"github.com/gantrydata/gantry/pkg/run"
)

// CannotRestorePipelineError is returned when a working directory does
// not hold a restorable pipeline. It always surfaces to the caller so
// a typo in the directory is never silently turned into a fresh
// pipeline.
type CannotRestorePipelineError struct {
	Dir    string
	Reason string
}

func (e *CannotRestorePipelineError) Error() string {
	return fmt.Sprintf("cannot restore pipeline from %s: %s", e.Dir, e.Reason)
}

// PipelineStepFailedError wraps a stage failure together with the
// metrics of the run that failed.
type PipelineStepFailedError struct {
	Step       string
	Cause      error
	RunMetrics run.Metrics
}

func (e *PipelineStepFailedError) Error() string {
	return fmt.Sprintf("pipeline step %s failed: %v", e.Step, e.Cause)
}

func (e *PipelineStepFailedError) Unwrap() error {
	return e.Cause
}

// InvalidPipelineContextError is returned when an operation runs
// against a pipeline whose stage context was superseded by a later
// CreatePipeline or RestorePipeline in the same process.
type InvalidPipelineContextError struct {
	Name string
}

func (e *InvalidPipelineContextError) Error() string {
	return fmt.Sprintf("pipeline %s is bound to a superseded stage context", e.Name)
}

// WorkersNotSupportedError is returned when a parallel worker pool is
// requested from an interactive terminal session.
type WorkersNotSupportedError struct {
	Workers int
}

func (e *WorkersNotSupportedError) Error() string {
	return fmt.Sprintf("%d workers requested but worker pools are not supported in interactive sessions", e.Workers)
}
