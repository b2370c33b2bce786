// Package htpasswd keeps the reverse proxy's basic-auth file in step with
// the configured credentials.
package htpasswd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/smazurov/pimonitor/internal/events"
	"github.com/smazurov/pimonitor/internal/logging"
	"github.com/smazurov/pimonitor/internal/settings"
)

// DefaultPath is where the reverse proxy reads credentials from.
const DefaultPath = "/etc/pimonitor/htpasswd"

// Generate returns a single htpasswd line for user with a bcrypt hash.
func Generate(user, password string, cost int) ([]byte, error) {
	if user == "" || strings.ContainsAny(user, ":\n\r") {
		return nil, fmt.Errorf("invalid htpasswd user %q", user)
	}
	if len(password) > settings.MaxPasswordBytes {
		return nil, fmt.Errorf("htpasswd password longer than %d bytes", settings.MaxPasswordBytes)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return []byte(user + ":" + string(hash) + "\n"), nil
}

// Verify reports whether data holds a bcrypt entry for user matching password.
func Verify(data []byte, user, password string) bool {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		name, hash, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok || name != user {
			continue
		}
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	return false
}

// Writer regenerates the file whenever credentials change.
type Writer struct {
	path    string
	current func() settings.Config
	cost    int
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewWriter creates a writer for path. current returns the committed
// configuration. A zero cost uses bcrypt.DefaultCost.
func NewWriter(path string, current func() settings.Config, cost int) *Writer {
	return &Writer{
		path:    path,
		current: current,
		cost:    cost,
		logger:  logging.GetLogger("htpasswd"),
	}
}

// Path returns the file location.
func (w *Writer) Path() string {
	return w.path
}

// Sync writes the file for cfg, or removes it when auth is disabled.
func (w *Writer) Sync(cfg settings.Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !cfg.EnableAuth {
		if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", w.path, err)
		}
		return nil
	}

	line, err := Generate(cfg.AuthUsername, cfg.AuthPassword, w.cost)
	if err != nil {
		return err
	}
	return writeAtomic(w.path, line)
}

// Watch regenerates the file after every commit that touched credentials.
// The returned function unsubscribes.
func (w *Writer) Watch(bus *events.Bus) func() {
	return bus.Subscribe(func(e events.ConfigReplacedEvent) {
		if !e.Credentials {
			return
		}
		if err := w.Sync(w.current()); err != nil {
			w.logger.Error("Failed to update htpasswd", "path", w.path, "error", err)
			return
		}
		w.logger.Info("Credentials updated", "path", w.path, "source", e.Source)
	})
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".htpasswd-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err = tmp.Chmod(0o640); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
