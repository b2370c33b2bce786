package events

// Event type constants for kelindar/event.
const (
	TypeStreamStateChanged uint32 = iota + 1
	TypeStreamCrashed
	TypeJobStateChanged
	TypeConfigReplaced
	TypeDeviceLockChanged
	TypeStreamStats
	TypeDeviceHotplug
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StreamStateChangedEvent is published on every live-stream state transition.
type StreamStateChangedEvent struct {
	State         string `json:"state" example:"running" doc:"New supervisor state"`
	PreviousState string `json:"previous_state" example:"starting" doc:"State before the transition"`
	PID           int    `json:"pid,omitempty" example:"1234" doc:"Process id while running"`
	Failures      int    `json:"failures" example:"0" doc:"Consecutive failure count"`
	Error         string `json:"error,omitempty" doc:"Last failure, if any"`
	Timestamp     string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStateChangedEvent.
func (e StreamStateChangedEvent) Type() uint32 { return TypeStreamStateChanged }

// StreamCrashedEvent is published when the live-stream process exits
// without being asked to.
type StreamCrashedEvent struct {
	ExitCode  int      `json:"exit_code" example:"1" doc:"Exit code of the crashed process"`
	Failures  int      `json:"failures" example:"1" doc:"Consecutive failure count"`
	Tail      []string `json:"tail,omitempty" doc:"Last output lines"`
	Timestamp string   `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamCrashedEvent.
func (e StreamCrashedEvent) Type() uint32 { return TypeStreamCrashed }

// JobStateChangedEvent is published on every job state transition.
type JobStateChangedEvent struct {
	JobID      string  `json:"job_id" example:"7b0c1f5e-2f5d-4c1e-9d8e-0a1b2c3d4e5f" doc:"Job identifier"`
	Kind       string  `json:"kind" example:"record" doc:"record or snapshot"`
	State      string  `json:"state" example:"completed" doc:"New job state"`
	OutputPath string  `json:"output_path,omitempty" example:"/home/pi/pimonitor-recordings/a.mp4" doc:"Destination file"`
	ExitCode   int     `json:"exit_code" example:"0" doc:"Transcoder exit code"`
	Error      string  `json:"error,omitempty" doc:"Failure description"`
	Seconds    float64 `json:"seconds,omitempty" example:"5.2" doc:"Run time for terminal states"`
	Timestamp  string  `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for JobStateChangedEvent.
func (e JobStateChangedEvent) Type() uint32 { return TypeJobStateChanged }

// Terminal reports whether the job has finished.
func (e JobStateChangedEvent) Terminal() bool {
	switch e.State {
	case "completed", "failed", "timed_out", "cancelled":
		return true
	}
	return false
}

// ConfigReplacedEvent is published after a new configuration is committed.
type ConfigReplacedEvent struct {
	Source      string   `json:"source" example:"api" doc:"api or file"`
	Changed     []string `json:"changed" example:"[\"FPS\"]" doc:"File keys whose value changed"`
	Credentials bool     `json:"credentials" doc:"Whether auth settings changed"`
	Timestamp   string   `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ConfigReplacedEvent.
func (e ConfigReplacedEvent) Type() uint32 { return TypeConfigReplaced }

// DeviceLockChangedEvent is published when the capture device changes hands.
type DeviceLockChangedEvent struct {
	Holder    string `json:"holder" example:"stream" doc:"New holder, empty when free"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceLockChangedEvent.
func (e DeviceLockChangedEvent) Type() uint32 { return TypeDeviceLockChanged }

// StreamStatsEvent carries a resource sample of the live-stream process.
type StreamStatsEvent struct {
	PID        int     `json:"pid" example:"1234" doc:"Sampled process"`
	CPUPercent float64 `json:"cpu_percent" example:"12.5" doc:"CPU usage"`
	MemPercent float64 `json:"mem_percent" example:"3.1" doc:"Share of system memory"`
	RSSBytes   uint64  `json:"rss_bytes" example:"52428800" doc:"Resident set size"`
	Timestamp  string  `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStatsEvent.
func (e StreamStatsEvent) Type() uint32 { return TypeStreamStats }

// DeviceHotplugEvent is published when a capture device node appears or disappears.
type DeviceHotplugEvent struct {
	Action    string `json:"action" example:"add" enum:"add,remove" doc:"Kernel action"`
	Path      string `json:"path" example:"/dev/video0" doc:"Device node"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceHotplugEvent.
func (e DeviceHotplugEvent) Type() uint32 { return TypeDeviceHotplug }
