package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/smazurov/pimonitor/internal/errs"
	"github.com/smazurov/pimonitor/internal/logging"
)

const fileMode = 0o640

// Store is the durable, atomically replaced configuration record.
// Reads go through Current and never block; Replace calls are serialized.
type Store struct {
	path     string
	defaults Config
	logger   *slog.Logger

	mu      sync.Mutex
	current atomic.Pointer[Config]

	// beforeRename runs after the temp file is synced and before it
	// replaces the record. Tests use it to simulate a crash mid-write.
	beforeRename func(tmp string) error
}

// NewStore creates a store for the record at path. defaults is what Open
// writes when the file does not exist yet.
func NewStore(path string, defaults Config) *Store {
	return &Store{
		path:     path,
		defaults: defaults,
		logger:   logging.GetLogger("settings"),
	}
}

// Path returns the location of the record.
func (s *Store) Path() string {
	return s.path
}

// LastKnownGoodPath returns the location of the copy refreshed after every
// successful commit.
func (s *Store) LastKnownGoodPath() string {
	return s.path + ".lkg"
}

// Open loads the record at startup. A missing file is created from the
// defaults; a corrupt one is replaced by the last-known-good copy when
// that copy is valid. Any other failure is fatal to the caller.
func (s *Store) Open() (Config, error) {
	cfg, err := s.Load()
	switch {
	case err == nil:
	case errs.Is(err, errs.KindNotFound):
		s.logger.Info("Config file missing, writing defaults", "path", s.path)
		if err := s.Replace(s.defaults); err != nil {
			return Config{}, err
		}
		return s.defaults, nil
	case errs.Is(err, errs.KindCorrupt):
		s.logger.Warn("Config file corrupt, trying last-known-good copy", "path", s.path, "error", err)
		lkg, lkgErr := s.readFile(s.LastKnownGoodPath())
		if lkgErr != nil {
			return Config{}, fmt.Errorf("config %s is corrupt and no usable last-known-good copy exists: %w", s.path, err)
		}
		if err := s.Replace(lkg); err != nil {
			return Config{}, err
		}
		s.logger.Info("Restored last-known-good config", "path", s.path)
		return lkg, nil
	default:
		return Config{}, err
	}

	s.current.Store(&cfg)
	if err := s.writeLastKnownGood(cfg); err != nil {
		s.logger.Warn("Failed to refresh last-known-good copy", "error", err)
	}
	return cfg, nil
}

// Load reads the record from disk. Errors are classified as
// errs.KindNotFound, errs.KindCorrupt or errs.KindIOFailure.
func (s *Store) Load() (Config, error) {
	return s.readFile(s.path)
}

func (s *Store) readFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, errs.New(errs.KindNotFound, "config file "+path+" does not exist", err)
		}
		return Config{}, errs.New(errs.KindIOFailure, "read "+path, err)
	}
	cfg, err := Unmarshal(data)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg, nil); err != nil {
		return Config{}, errs.New(errs.KindCorrupt, "config file "+path+" holds invalid values", err)
	}
	return cfg, nil
}

// Current returns the last committed snapshot, or the defaults before the
// store has been opened.
func (s *Store) Current() Config {
	if c := s.current.Load(); c != nil {
		return *c
	}
	return s.defaults
}

// Replace commits c as the new record. The file is swapped in a single
// rename, so readers see either the old or the new snapshot in full.
// Device resolution is the caller's concern; Replace checks everything else.
func (s *Store) Replace(c Config) error {
	if err := Validate(c, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeAtomic(s.path, Marshal(c)); err != nil {
		return err
	}
	s.current.Store(&c)

	if err := s.writeLastKnownGood(c); err != nil {
		s.logger.Warn("Failed to refresh last-known-good copy", "error", err)
	}
	s.logger.Debug("Config committed", "path", s.path)
	return nil
}

// Reload re-reads the record after an external edit. A corrupt or
// unreadable file leaves the current snapshot in place. changed reports
// whether the file differs from the committed snapshot.
func (s *Store) Reload() (cfg Config, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err = s.Load()
	if err != nil {
		return s.Current(), false, err
	}
	if prev := s.current.Load(); prev != nil && *prev == cfg {
		return cfg, false, nil
	}
	s.current.Store(&cfg)
	if err := s.writeLastKnownGood(cfg); err != nil {
		s.logger.Warn("Failed to refresh last-known-good copy", "error", err)
	}
	return cfg, true, nil
}

func (s *Store) writeLastKnownGood(c Config) error {
	return s.writeAtomic(s.LastKnownGoodPath(), Marshal(c))
}

// writeAtomic writes data next to path, syncs it, renames it over path
// and syncs the directory.
func (s *Store) writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.KindIOFailure, "create "+dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.New(errs.KindIOFailure, "create temp file in "+dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errs.New(errs.KindIOFailure, "write "+tmpName, err)
	}
	if err = tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return errs.New(errs.KindIOFailure, "chmod "+tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errs.New(errs.KindIOFailure, "sync "+tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return errs.New(errs.KindIOFailure, "close "+tmpName, err)
	}

	if s.beforeRename != nil {
		if err = s.beforeRename(tmpName); err != nil {
			return errs.New(errs.KindIOFailure, "commit "+path, err)
		}
	}

	if err = os.Rename(tmpName, path); err != nil {
		return errs.New(errs.KindIOFailure, "rename "+tmpName, err)
	}

	if d, openErr := os.Open(dir); openErr == nil {
		if syncErr := d.Sync(); syncErr != nil {
			s.logger.Debug("Directory sync failed", "dir", dir, "error", syncErr)
		}
		_ = d.Close()
	}
	return nil
}
