// Package stream supervises the single live-stream process bound to the
// capture device.
package stream

import (
	"time"

	"github.com/smazurov/pimonitor/internal/settings"
)

// State is a supervisor lifecycle state.
type State string

// Supervisor states.
const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
)

// OwnerStream is the device lock owner name used by the supervisor.
const OwnerStream = "stream"

// Effective is the part of a configuration the live process depends on.
// Two configs with the same Effective value need no restart.
type Effective struct {
	Resolution string        `json:"resolution" example:"1280x720"`
	FPS        int           `json:"fps" example:"30"`
	StreamMode settings.Mode `json:"stream_mode" example:"MJPEG"`
	Device     string        `json:"device" example:"0"`
	HTTPPort   int           `json:"http_port" example:"8080"`
	RTSPPort   int           `json:"rtsp_port" example:"8554"`
}

// EffectiveOf extracts the stream-relevant fields of c.
func EffectiveOf(c settings.Config) Effective {
	return Effective{
		Resolution: c.Resolution,
		FPS:        c.FPS,
		StreamMode: c.StreamMode,
		Device:     c.Device,
		HTTPPort:   c.HTTPPort,
		RTSPPort:   c.RTSPPort,
	}
}

// Status is an immutable snapshot of the supervisor.
type Status struct {
	State        State      `json:"state" example:"running" doc:"Supervisor state"`
	Config       *Effective `json:"config,omitempty" doc:"Configuration the live process runs with"`
	DevicePath   string     `json:"device_path,omitempty" example:"/dev/video0" doc:"Device node in use"`
	PID          int        `json:"pid,omitempty" example:"1234" doc:"Process id while running"`
	StartedAt    *time.Time `json:"started_at,omitempty" doc:"When the current process was spawned"`
	Failures     int        `json:"failures" example:"0" doc:"Consecutive failure count"`
	LastError    string     `json:"last_error,omitempty" doc:"Most recent failure"`
	LastExitCode int        `json:"last_exit_code,omitempty" doc:"Exit code of the last crashed process"`
	Tail         []string   `json:"tail,omitempty" doc:"Last output lines of the crashed process"`
	Pending      bool       `json:"pending" doc:"A configuration is waiting for the device to be released"`
}

// Options bound every wait the supervisor performs.
type Options struct {
	// ReadyWindow is how long a new process must stay alive to count as running.
	ReadyWindow time.Duration `toml:"ready_window"`
	// LockWait is how long Apply waits for a busy device; 0 fails fast.
	LockWait time.Duration `toml:"lock_wait"`
	// BackoffInitial and BackoffMax bound the delay between retries.
	BackoffInitial time.Duration `toml:"backoff_initial"`
	BackoffMax     time.Duration `toml:"backoff_max"`
	// MaxRetries caps consecutive failed attempts before staying crashed.
	MaxRetries int `toml:"max_retries"`
	// StableAfter resets the failure count once a process has run this long.
	StableAfter time.Duration `toml:"stable_after"`
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		ReadyWindow:    2 * time.Second,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     10 * time.Second,
		MaxRetries:     5,
		StableAfter:    30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReadyWindow <= 0 {
		o.ReadyWindow = d.ReadyWindow
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = d.BackoffInitial
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = max(d.BackoffMax, o.BackoffInitial)
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.StableAfter <= 0 {
		o.StableAfter = d.StableAfter
	}
	return o
}

// backoff returns the delay before retry number failures (1-based).
func (o Options) backoff(failures int) time.Duration {
	d := o.BackoffInitial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= o.BackoffMax {
			return o.BackoffMax
		}
	}
	return d
}
