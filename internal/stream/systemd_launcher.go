package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/logging"
	"github.com/smazurov/pimonitor/internal/process"
	"github.com/smazurov/pimonitor/internal/settings"
)

// UnitManager is the subset of systemd control the launcher needs.
// *systemd.Manager satisfies it.
type UnitManager interface {
	StartUnit(ctx context.Context, unit string) error
	StopUnit(ctx context.Context, unit string) error
	ActiveState(ctx context.Context, unit string) (string, error)
	MainPID(ctx context.Context, unit string) (int, error)
}

// SystemdLauncher asks systemd to run a unit that reads the same config
// file. The unit is started after the config is committed, so it always
// sees the snapshot being applied.
type SystemdLauncher struct {
	manager      UnitManager
	unit         string
	pollInterval time.Duration
	stopTimeout  time.Duration
	logger       *slog.Logger
}

// NewSystemdLauncher creates a launcher for unit.
func NewSystemdLauncher(manager UnitManager, unit string, stopTimeout time.Duration) *SystemdLauncher {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &SystemdLauncher{
		manager:      manager,
		unit:         unit,
		pollInterval: time.Second,
		stopTimeout:  stopTimeout,
		logger:       logging.GetLogger("systemd"),
	}
}

// Launch starts the unit and returns a handle that watches its state.
func (l *SystemdLauncher) Launch(ctx context.Context, _ settings.Config, dev devices.Device) (Handle, error) {
	if err := l.manager.StartUnit(ctx, l.unit); err != nil {
		return nil, err
	}
	pid, err := l.manager.MainPID(ctx, l.unit)
	if err != nil {
		l.logger.Warn("Failed to read MainPID", "unit", l.unit, "error", err)
	}
	l.logger.Info("Unit started", "unit", l.unit, "pid", pid, "device", dev.Path)

	pollCtx, cancel := context.WithCancel(context.Background())
	h := &unitHandle{
		launcher: l,
		pid:      pid,
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go h.poll(pollCtx)
	return h, nil
}

type unitHandle struct {
	launcher *SystemdLauncher
	pid      int
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	exitCode int
	lastNote string
}

func (h *unitHandle) PID() int              { return h.pid }
func (h *unitHandle) Done() <-chan struct{} { return h.done }

func (h *unitHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *unitHandle) Tail() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastNote == "" {
		return nil
	}
	return []string{h.lastNote}
}

func (h *unitHandle) finish(code int, note string) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exitCode = code
		h.lastNote = note
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *unitHandle) poll(ctx context.Context) {
	l := h.launcher
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := l.manager.ActiveState(ctx, l.unit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Debug("Failed to poll unit state", "unit", l.unit, "error", err)
			continue
		}
		switch state {
		case "failed":
			h.finish(1, fmt.Sprintf("unit %s entered failed state", l.unit))
			return
		case "inactive":
			h.finish(0, fmt.Sprintf("unit %s became inactive", l.unit))
			return
		}
		if h.pid > 0 && !process.Alive(h.pid) {
			h.finish(1, fmt.Sprintf("main process %d of %s is gone", h.pid, l.unit))
			return
		}
	}
}

// Stop stops the unit and waits for the stop job within the stop timeout.
func (h *unitHandle) Stop() int {
	h.cancel()
	l := h.launcher
	ctx, cancel := context.WithTimeout(context.Background(), l.stopTimeout)
	defer cancel()
	if err := l.manager.StopUnit(ctx, l.unit); err != nil {
		l.logger.Warn("Failed to stop unit", "unit", l.unit, "error", err)
	}
	h.finish(0, "")
	return h.ExitCode()
}
