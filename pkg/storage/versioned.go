package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/mod/semver"
)

const (
	versionFile = "version"
	lockFile    = ".lock"
)

// Migration upgrades a stage directory from one layout version to the
// next. A chain of migrations runs step-by-step until the stored
// version reaches the code's version, rewriting the version file after
// each step so an interrupted upgrade resumes where it stopped.
type Migration struct {
	From string
	To   string
	Run  func(dir string) error
}

// VersionedStore pins a stage directory to a semver layout version.
// Owners hold an exclusive advisory lock on <dir>/.lock for the life
// of the store and are the only callers allowed to run migrations.
// Non-owners attach read-mostly and require the stored version to
// match exactly.
type VersionedStore struct {
	dir     string
	version string
	owner   bool
	lock    *flock.Flock
}

func newVersionedStore(dir, version string, owner bool, migrations []Migration) (*VersionedStore, error) {
	s := &VersionedStore{dir: dir, version: version, owner: owner}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	if owner {
		s.lock = flock.New(filepath.Join(dir, lockFile))
		locked, err := s.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock storage at %s: %w", dir, err)
		}
		if !locked {
			return nil, &StorageLockedError{Dir: dir}
		}
	}
	if err := s.ensureVersion(migrations); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Dir returns the root directory of the store.
func (s *VersionedStore) Dir() string {
	return s.dir
}

// StoredVersion reads the layout version recorded on disk.
func (s *VersionedStore) StoredVersion() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, versionFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Close releases the owner lock. Safe on non-owners.
func (s *VersionedStore) Close() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

func (s *VersionedStore) ensureVersion(migrations []Migration) error {
	stored, err := s.StoredVersion()
	if errors.Is(err, fs.ErrNotExist) {
		// Brand-new store: any opener initializes it at the current
		// version. The write is atomic and every opener writes the
		// same content.
		return s.writeVersion(s.version)
	}
	if err != nil {
		return fmt.Errorf("failed to read storage version: %w", err)
	}

	cmp := semver.Compare("v"+stored, "v"+s.version)
	switch {
	case cmp == 0:
		return nil
	case cmp > 0 || !s.owner:
		return &NoMigrationPathError{Dir: s.dir, Stored: stored, Target: s.version}
	}

	for semver.Compare("v"+stored, "v"+s.version) < 0 {
		var next *Migration
		for i := range migrations {
			if migrations[i].From == stored {
				next = &migrations[i]
				break
			}
		}
		if next == nil {
			return &NoMigrationPathError{Dir: s.dir, Stored: stored, Target: s.version}
		}
		if next.Run != nil {
			if err := next.Run(s.dir); err != nil {
				return fmt.Errorf("migration %s to %s failed: %w", next.From, next.To, err)
			}
		}
		if err := s.writeVersion(next.To); err != nil {
			return err
		}
		stored = next.To
	}
	return nil
}

func (s *VersionedStore) writeVersion(version string) error {
	if err := AtomicWrite(filepath.Join(s.dir, versionFile), []byte(version)); err != nil {
		return fmt.Errorf("failed to write storage version: %w", err)
	}
	return nil
}
