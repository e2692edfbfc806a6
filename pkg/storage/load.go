package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const loadVersion = "1.0.0"

const (
	loadDir      = "load"
	archiveDir   = "completed"
	buildDir     = ".tmp"
	schemaFile   = "schema.yaml"
	updatesFile  = "schema_updates.json"
	exceptionExt = ".exception"
)

// JobState names a job folder inside a load package.
type JobState string

const (
	JobStateNew       JobState = "new"
	JobStateStarted   JobState = "started"
	JobStateFailed    JobState = "failed"
	JobStateCompleted JobState = "completed"
)

var jobStates = []JobState{JobStateNew, JobStateStarted, JobStateFailed, JobStateCompleted}

// NewLoadID returns a package id that sorts by creation time, so the
// executor consumes packages in the order they were committed.
func NewLoadID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

// LoadStorage owns the load spool under <workingDir>/load. Packages
// are built under .tmp/<load_id>, published with one atomic rename,
// and archived under completed/<load_id> once every job reached a
// final state. The load executor opens the storage as owner; the
// normalize stage attaches as the package writer.
type LoadStorage struct {
	*VersionedStore
	preferred       FileFormat
	supported       map[FileFormat]bool
	supportedList   []FileFormat
	deleteCompleted bool
}

// NewLoadStorage opens the load stage. preferred must be one of
// supported, and supported may only name job data formats. The owner
// sweeps abandoned package builds left under .tmp/ by a crashed
// writer.
func NewLoadStorage(workingDir string, owner bool, preferred FileFormat, supported []FileFormat, deleteCompleted bool) (*LoadStorage, error) {
	if len(supported) == 0 {
		return nil, errors.New("no supported job file formats configured")
	}
	supportedSet := make(map[FileFormat]bool, len(supported))
	for _, f := range supported {
		known := false
		for _, d := range DataFormats {
			if d == f {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("file format %q cannot be used for load jobs", f)
		}
		supportedSet[f] = true
	}
	if !supportedSet[preferred] {
		return nil, fmt.Errorf("preferred file format %q is not among supported formats", preferred)
	}

	vs, err := newVersionedStore(filepath.Join(workingDir, loadDir), loadVersion, owner, nil)
	if err != nil {
		return nil, err
	}
	s := &LoadStorage{
		VersionedStore:  vs,
		preferred:       preferred,
		supported:       supportedSet,
		supportedList:   supported,
		deleteCompleted: deleteCompleted,
	}
	for _, d := range []string{archiveDir, buildDir} {
		if err := os.MkdirAll(filepath.Join(vs.dir, d), 0755); err != nil {
			vs.Close()
			return nil, fmt.Errorf("failed to create %s folder: %w", d, err)
		}
	}
	if owner {
		if err := s.sweepBuilds(); err != nil {
			vs.Close()
			return nil, err
		}
	}
	return s, nil
}

// Preferred returns the job file format new packages should use.
func (s *LoadStorage) Preferred() FileFormat {
	return s.preferred
}

// Supported returns the job file formats the loader accepts.
func (s *LoadStorage) Supported() []FileFormat {
	return s.supportedList
}

// sweepBuilds clears package builds abandoned by a crashed writer.
// Anything under .tmp/ was never committed and can never be loaded.
func (s *LoadStorage) sweepBuilds() error {
	root := filepath.Join(s.dir, buildDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to list package builds: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return fmt.Errorf("failed to sweep package build %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Package construction. The writer builds the whole package under
// .tmp/<load_id> and publishes it with CommitPackage; the executor
// never sees a partial package.

// CreatePackage creates the build directory of a new package with its
// four job state folders, clearing any half-built leftover under the
// same id first.
func (s *LoadStorage) CreatePackage(loadID string) error {
	dir := s.buildPath(loadID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear package build dir: %w", err)
	}
	for _, st := range jobStates {
		if err := os.MkdirAll(filepath.Join(dir, string(st)), 0755); err != nil {
			return fmt.Errorf("failed to create %s folder: %w", st, err)
		}
	}
	return nil
}

// WriteJobFile streams one job file into the package build dir. write
// receives a buffered writer; the file is fsynced before close and
// removed again when write fails.
func (s *LoadStorage) WriteJobFile(loadID, name string, write func(io.Writer) error) error {
	if _, err := ParseJobName(name); err != nil {
		return err
	}
	path := filepath.Join(s.buildPath(loadID), string(JobStateNew), name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create job file %s: %w", name, err)
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write job file %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to sync job file %s: %w", name, err)
	}
	return f.Close()
}

// SavePackageSchema freezes the schema the package was built against.
func (s *LoadStorage) SavePackageSchema(loadID string, data []byte) error {
	return AtomicWrite(filepath.Join(s.buildPath(loadID), schemaFile), data)
}

// SaveSchemaUpdates writes the sentinel holding the schema diff the
// destination must apply before any job of the package runs.
func (s *LoadStorage) SaveSchemaUpdates(loadID string, data []byte) error {
	return AtomicWrite(filepath.Join(s.buildPath(loadID), updatesFile), data)
}

// CommitPackage publishes a fully built package with one atomic
// rename.
func (s *LoadStorage) CommitPackage(loadID string) error {
	return moveFile(s.buildPath(loadID), s.packagePath(loadID))
}

// DeleteBuild discards a half-built package.
func (s *LoadStorage) DeleteBuild(loadID string) error {
	if err := os.RemoveAll(s.buildPath(loadID)); err != nil {
		return fmt.Errorf("failed to delete package build %s: %w", loadID, err)
	}
	return nil
}

// Committed package access.

// ListPackages returns committed, unarchived package ids in
// lexicographic order.
func (s *LoadStorage) ListPackages() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == archiveDir || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, name)
	}
	return ids, nil
}

// ListArchivedPackages returns archived package ids in lexicographic
// order.
func (s *LoadStorage) ListArchivedPackages() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, archiveDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list archived packages: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// PackageSchema reads the frozen schema bytes of a committed package.
func (s *LoadStorage) PackageSchema(loadID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.packagePath(loadID), schemaFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read package schema: %w", err)
	}
	return data, nil
}

// SchemaUpdates returns the pending schema diff and whether the
// sentinel is still present.
func (s *LoadStorage) SchemaUpdates(loadID string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.packagePath(loadID), updatesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read schema updates: %w", err)
	}
	return data, true, nil
}

// CommitSchemaUpdates removes the sentinel once the destination schema
// caught up. A package without the sentinel loads with no schema work.
func (s *LoadStorage) CommitSchemaUpdates(loadID string) error {
	if err := os.Remove(filepath.Join(s.packagePath(loadID), updatesFile)); err != nil {
		return fmt.Errorf("failed to remove schema updates sentinel: %w", err)
	}
	return nil
}

// Job lifecycle. A job file keeps its name for life and moves between
// the state folders of its package: new -> started, then started ->
// completed, started -> failed, or started -> new for another attempt.

// ListNewJobs lists new/ job files, verifying that every file parses
// and carries a supported format.
func (s *LoadStorage) ListNewJobs(loadID string) ([]string, error) {
	files, err := listDir(s.jobFolder(loadID, JobStateNew))
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		job, err := ParseJobName(f)
		if err != nil {
			return nil, err
		}
		if !s.supported[job.Format] {
			return nil, &JobFormatNotSupportedError{
				LoadID:    loadID,
				FileName:  f,
				Format:    job.Format,
				Supported: s.supportedList,
			}
		}
	}
	return files, nil
}

// ListJobs lists the job files in one state folder of a committed
// package.
func (s *LoadStorage) ListJobs(loadID string, state JobState) ([]string, error) {
	return listDir(s.jobFolder(loadID, state))
}

// StartJob moves a new job to started/ and returns its new path.
func (s *LoadStorage) StartJob(loadID, name string) (string, error) {
	dst := filepath.Join(s.jobFolder(loadID, JobStateStarted), name)
	if err := moveFile(filepath.Join(s.jobFolder(loadID, JobStateNew), name), dst); err != nil {
		return "", err
	}
	return dst, nil
}

// RetryJob returns a started job to new/ for another attempt.
func (s *LoadStorage) RetryJob(loadID, name string) error {
	return moveFile(
		filepath.Join(s.jobFolder(loadID, JobStateStarted), name),
		filepath.Join(s.jobFolder(loadID, JobStateNew), name),
	)
}

// CompleteJob moves a started job to completed/.
func (s *LoadStorage) CompleteJob(loadID, name string) error {
	return moveFile(
		filepath.Join(s.jobFolder(loadID, JobStateStarted), name),
		filepath.Join(s.jobFolder(loadID, JobStateCompleted), name),
	)
}

// FailJob records the failure reason, then moves the job to failed/.
// The exception sidecar lands before the move, so a crash between the
// two never leaves a failed file without its reason.
func (s *LoadStorage) FailJob(loadID, name, failedMessage string) error {
	folder := s.jobFolder(loadID, JobStateFailed)
	if err := AtomicWrite(filepath.Join(folder, name+exceptionExt), []byte(failedMessage)); err != nil {
		return err
	}
	return moveFile(filepath.Join(s.jobFolder(loadID, JobStateStarted), name), filepath.Join(folder, name))
}

// JobPath resolves a job file inside a committed package.
func (s *LoadStorage) JobPath(loadID string, state JobState, name string) string {
	return filepath.Join(s.jobFolder(loadID, state), name)
}

// JobWaitTime reports how long the job file has sat in its current
// folder, by file mtime.
func (s *LoadStorage) JobWaitTime(path string) (time.Duration, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat job file: %w", err)
	}
	return time.Since(fi.ModTime()), nil
}

// Archiving.

// ArchivePackage moves a finished package under completed/<load_id>,
// or deletes it outright when completed-package deletion is on and no
// job failed.
func (s *LoadStorage) ArchivePackage(loadID string) error {
	if s.deleteCompleted {
		failed, err := s.ListJobs(loadID, JobStateFailed)
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			if err := os.RemoveAll(s.packagePath(loadID)); err != nil {
				return fmt.Errorf("failed to delete package %s: %w", loadID, err)
			}
			return nil
		}
	}
	return moveFile(s.packagePath(loadID), filepath.Join(s.dir, archiveDir, loadID))
}

// FailedJob pairs a failed job file with its recorded exception.
type FailedJob struct {
	FileName  string
	Exception string
}

// ArchivedFailedJobs returns the failed jobs of an archived package
// with the exception text recorded for each.
func (s *LoadStorage) ArchivedFailedJobs(loadID string) ([]FailedJob, error) {
	folder := filepath.Join(s.dir, archiveDir, loadID, string(JobStateFailed))
	files, err := listDir(folder)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobs := make([]FailedJob, 0, len(files))
	for _, f := range files {
		job := FailedJob{FileName: f}
		if data, err := os.ReadFile(filepath.Join(folder, f+exceptionExt)); err == nil {
			job.Exception = string(data)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *LoadStorage) packagePath(loadID string) string {
	return filepath.Join(s.dir, loadID)
}

func (s *LoadStorage) buildPath(loadID string) string {
	return filepath.Join(s.dir, buildDir, loadID)
}

func (s *LoadStorage) jobFolder(loadID string, state JobState) string {
	return filepath.Join(s.packagePath(loadID), string(state))
}
