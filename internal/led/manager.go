package led

import (
	"log/slog"
	"sync"

	"github.com/smazurov/pimonitor/internal/events"
)

// Manager maps stream and job events onto the LED: solid while the
// stream runs, blinking while it starts, fast blinking when it crashed,
// off when stopped, and a heartbeat while a job holds the device.
type Manager struct {
	controller Controller
	eventBus   *events.Bus
	logger     *slog.Logger

	mu          sync.Mutex
	streamState string
	activeJobs  map[string]struct{}
	current     Pattern
	unsubs      []func()
}

// NewManager creates a manager driving controller.
func NewManager(controller Controller, eventBus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		controller:  controller,
		eventBus:    eventBus,
		logger:      logger,
		streamState: "stopped",
		activeJobs:  make(map[string]struct{}),
	}
}

// Start sets the initial pattern and subscribes to the bus.
func (m *Manager) Start() {
	m.mu.Lock()
	m.updateLocked()
	m.mu.Unlock()

	m.unsubs = append(m.unsubs,
		m.eventBus.Subscribe(func(e events.StreamStateChangedEvent) {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.streamState = e.State
			m.updateLocked()
		}),
		m.eventBus.Subscribe(func(e events.JobStateChangedEvent) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if e.Terminal() {
				delete(m.activeJobs, e.JobID)
			} else {
				m.activeJobs[e.JobID] = struct{}{}
			}
			m.updateLocked()
		}),
	)
	m.logger.Info("LED manager started")
}

// Stop unsubscribes and turns the LED off.
func (m *Manager) Stop() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(PatternOff)
}

// Pattern returns the pattern last applied.
func (m *Manager) Pattern() Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) updateLocked() {
	m.setLocked(m.patternLocked())
}

func (m *Manager) patternLocked() Pattern {
	if len(m.activeJobs) > 0 {
		return PatternHeartbeat
	}
	switch m.streamState {
	case "running":
		return PatternSolid
	case "starting", "restarting":
		return PatternBlink
	case "crashed":
		return PatternFastBlink
	default:
		return PatternOff
	}
}

func (m *Manager) setLocked(p Pattern) {
	if p == m.current {
		return
	}
	if err := m.controller.Set(p); err != nil {
		m.logger.Warn("Failed to set status LED", "pattern", p, "error", err)
		return
	}
	m.current = p
	m.logger.Debug("Status LED updated", "pattern", p)
}
