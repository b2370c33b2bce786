// Package jobs runs bounded record and snapshot tasks against the capture
// device.
package jobs

import (
	"time"

	"github.com/smazurov/pimonitor/internal/errs"
)

// Kind is the type of work a job does.
type Kind string

// Job kinds.
const (
	KindRecord   Kind = "record"
	KindSnapshot Kind = "snapshot"
)

// State is a job lifecycle state.
type State string

// Job states.
const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Defaults used when a request leaves a field empty.
const (
	DefaultRecordFilename   = "record.mp4"
	DefaultSnapshotFilename = "snapshot.jpg"
	DefaultRecordDuration   = 10 * time.Second
)

// Params are the caller-supplied job parameters.
type Params struct {
	Filename string
	Duration time.Duration // record only
}

// Job is a point-in-time copy of a job record.
type Job struct {
	ID         string     `json:"id" example:"7b0c1f5e-2f5d-4c1e-9d8e-0a1b2c3d4e5f" doc:"Job identifier"`
	Kind       Kind       `json:"kind" example:"record" doc:"record or snapshot"`
	State      State      `json:"state" example:"running" doc:"Lifecycle state"`
	Filename   string     `json:"filename" example:"a.mp4" doc:"Requested file name"`
	OutputPath string     `json:"output_path" example:"/home/pi/pimonitor-recordings/a.mp4" doc:"Canonical destination"`
	Duration   float64    `json:"duration_seconds,omitempty" example:"5" doc:"Recording length"`
	CreatedAt  time.Time  `json:"created_at" doc:"When the job was accepted"`
	StartedAt  *time.Time `json:"started_at,omitempty" doc:"When the transcoder was spawned"`
	FinishedAt *time.Time `json:"finished_at,omitempty" doc:"When the job reached a terminal state"`
	Deadline   time.Time  `json:"deadline" doc:"Hard wall-clock deadline"`
	ExitCode   int        `json:"exit_code" example:"0" doc:"Transcoder exit code"`
	Error      string     `json:"error,omitempty" doc:"Failure description"`
	ErrorKind  errs.Kind  `json:"error_kind,omitempty" example:"timeout" doc:"Failure classification"`
	Tail       []string   `json:"tail,omitempty" doc:"Last transcoder output lines on failure"`
}
