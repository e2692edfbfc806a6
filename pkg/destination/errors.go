package destination

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gantrydata/gantry/pkg/schema"
	"github.com/gantrydata/gantry/pkg/storage"
)

// The two error classes every destination error resolves to. Transient
// errors leave work where it is for the next tick; terminal errors
// move the job to failed/ and are never retried.
var (
	ErrTransient = errors.New("transient load error")
	ErrTerminal  = errors.New("terminal load error")
)

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ErrTransient, err: err}
}

// Terminal wraps an error as permanent.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ErrTerminal, err: err}
}

// IsTransient reports whether the error is classified retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsTerminal reports whether the error is classified permanent.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func (e *classifiedError) Is(target error) bool {
	return target == e.class
}

// UnknownTableError is returned when a job file names a table the
// package schema does not contain. Terminal.
type UnknownTableError struct {
	Table    string
	FileName string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("table %s for load file %s is not known at the destination", e.Table, e.FileName)
}

func (e *UnknownTableError) Is(target error) bool {
	return target == ErrTerminal
}

// UnsupportedWriteDispositionError is returned when a table requests a
// write disposition the destination cannot implement. Terminal.
type UnsupportedWriteDispositionError struct {
	Table       string
	Disposition schema.WriteDisposition
	FileName    string
}

func (e *UnsupportedWriteDispositionError) Error() string {
	return fmt.Sprintf("write disposition %s on table %s is not supported when loading %s", e.Disposition, e.Table, e.FileName)
}

func (e *UnsupportedWriteDispositionError) Is(target error) bool {
	return target == ErrTerminal
}

// UnsupportedFileFormatError is returned when a job file carries a
// format outside the destination capabilities. Terminal.
type UnsupportedFileFormatError struct {
	Format    storage.FileFormat
	Supported []storage.FileFormat
	FileName  string
}

func (e *UnsupportedFileFormatError) Error() string {
	supported := make([]string, len(e.Supported))
	for i, f := range e.Supported {
		supported[i] = string(f)
	}
	return fmt.Sprintf("file %s has format %s, destination supports only %s", e.FileName, e.Format, strings.Join(supported, ", "))
}

func (e *UnsupportedFileFormatError) Is(target error) bool {
	return target == ErrTerminal
}

// SchemaWillNotUpdateError is returned when a schema diff would add
// hinted columns to a table that already exists at the destination.
// Hints shape physical layout and are only honored at creation.
// Terminal.
type SchemaWillNotUpdateError struct {
	Table   string
	Columns []string
	Reason  string
}

func (e *SchemaWillNotUpdateError) Error() string {
	return fmt.Sprintf("schema for table %s column(s) %s will not update: %s", e.Table, strings.Join(e.Columns, ", "), e.Reason)
}

func (e *SchemaWillNotUpdateError) Is(target error) bool {
	return target == ErrTerminal
}

// LoadJobNotExistsError is returned by RestoreFileLoad when the
// destination has no job under the deterministic job id. Terminal.
type LoadJobNotExistsError struct {
	JobID string
}

func (e *LoadJobNotExistsError) Error() string {
	return fmt.Sprintf("load job %s does not exist at the destination", e.JobID)
}

func (e *LoadJobNotExistsError) Is(target error) bool {
	return target == ErrTerminal
}

// SchemaVersionCorruptedError is returned when the version side table
// of a dataset cannot be read back consistently. Terminal.
type SchemaVersionCorruptedError struct {
	Dataset string
}

func (e *SchemaVersionCorruptedError) Error() string {
	return fmt.Sprintf("schema version table in dataset %s is corrupted", e.Dataset)
}

func (e *SchemaVersionCorruptedError) Is(target error) bool {
	return target == ErrTerminal
}

// FileTooBigError is returned when a job file exceeds the largest
// statement the destination executes. The file must be split upstream.
// Terminal.
type FileTooBigError struct {
	FileName string
	MaxSize  int64
}

func (e *FileTooBigError) Error() string {
	return fmt.Sprintf("file %s exceeds the maximum statement size %d and cannot be loaded", e.FileName, e.MaxSize)
}

func (e *FileTooBigError) Is(target error) bool {
	return target == ErrTerminal
}
