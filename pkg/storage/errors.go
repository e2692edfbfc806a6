package storage

import (
	"fmt"
	"strings"
)

// StorageLockedError is returned when a second process tries to open a
// stage directory as its owner while another owner holds the lock.
type StorageLockedError struct {
	Dir string
}

func (e *StorageLockedError) Error() string {
	return fmt.Sprintf("storage at %s is locked by another process", e.Dir)
}

// NoMigrationPathError is returned when a stage directory carries a
// layout version the code cannot reach: older with no registered
// migration chain, newer than the code, or mismatched for a caller
// that may not migrate.
type NoMigrationPathError struct {
	Dir    string
	Stored string
	Target string
}

func (e *NoMigrationPathError) Error() string {
	return fmt.Sprintf("storage at %s has version %s, no migration path to %s", e.Dir, e.Stored, e.Target)
}

// MalformedFileNameError is returned for a staged file whose name does
// not parse against the file-name grammar. Such files cannot be routed
// and the error is never retried.
type MalformedFileNameError struct {
	Name   string
	Reason string
}

func (e *MalformedFileNameError) Error() string {
	return fmt.Sprintf("malformed staged file name %q: %s", e.Name, e.Reason)
}

// JobFormatNotSupportedError is returned when a load package contains a
// job file in a format the configured destination cannot load.
type JobFormatNotSupportedError struct {
	LoadID    string
	FileName  string
	Format    FileFormat
	Supported []FileFormat
}

func (e *JobFormatNotSupportedError) Error() string {
	supported := make([]string, len(e.Supported))
	for i, f := range e.Supported {
		supported[i] = string(f)
	}
	return fmt.Sprintf("job %s in package %s has format %s, loader supports only %s",
		e.FileName, e.LoadID, e.Format, strings.Join(supported, ", "))
}
