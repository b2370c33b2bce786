// Package control is the single entry point for reading and mutating the
// appliance: configuration, live stream and jobs.
//
// Mutations are serialized behind one write-lock so a configuration
// commit and the stream restart it causes are never interleaved with
// another mutation. Reads never take that lock.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/errs"
	"github.com/smazurov/pimonitor/internal/events"
	"github.com/smazurov/pimonitor/internal/jobs"
	"github.com/smazurov/pimonitor/internal/logging"
	"github.com/smazurov/pimonitor/internal/settings"
	"github.com/smazurov/pimonitor/internal/stream"
)

// DefaultApplyTimeout bounds how long UpdateConfig waits for the stream to settle.
const DefaultApplyTimeout = 15 * time.Second

// DeviceRegistry lists and resolves capture devices.
type DeviceRegistry interface {
	List() ([]devices.Device, error)
	ResolveRef(ref string) (devices.Device, error)
}

// StreamSupervisor runs the live stream.
type StreamSupervisor interface {
	Apply(ctx context.Context, cfg settings.Config) error
	Stop() error
	Status() stream.Status
}

// JobRunner runs record and snapshot jobs.
type JobRunner interface {
	StartJob(ctx context.Context, kind jobs.Kind, params jobs.Params) (jobs.Job, error)
	Get(id string) (jobs.Job, error)
	List() []jobs.Job
	Cancel(id string) (jobs.Job, error)
}

// Outcome describes what happened to the live stream after a mutation.
type Outcome string

// Restart outcomes.
const (
	OutcomeUnchanged Outcome = "unchanged" // the running process already matched
	OutcomeRestarted Outcome = "restarted" // a process with the new config is running
	OutcomeStored    Outcome = "stored"    // the stream is stopped; the config applies on start
	OutcomePending   Outcome = "pending"   // a job holds the device; applies when it finishes
	OutcomeTimeout   Outcome = "timeout"   // still settling when the apply timeout hit
	OutcomeFailed    Outcome = "failed"    // the stream could not be started
)

// Restart is the stream outcome of a mutation.
type Restart struct {
	Outcome   Outcome   `json:"outcome" example:"restarted" doc:"What happened to the live stream"`
	ErrorKind errs.Kind `json:"error_kind,omitempty" example:"crash_loop" doc:"Failure classification"`
	Error     string    `json:"error,omitempty" doc:"Failure description"`
}

// UpdateResult is returned by configuration mutations.
type UpdateResult struct {
	Config  settings.Config
	Changed []string
	Restart Restart
	Stream  stream.Status
}

// Controller implements the control operations.
type Controller struct {
	store        *settings.Store
	registry     DeviceRegistry
	stream       StreamSupervisor
	jobs         JobRunner
	bus          *events.Bus
	applyTimeout time.Duration
	logger       *slog.Logger

	writeMu       sync.Mutex
	streamEnabled bool
}

// New creates a controller. The stream starts disabled; call StartStream
// once at startup.
func New(store *settings.Store, registry DeviceRegistry, supervisor StreamSupervisor, runner JobRunner, bus *events.Bus, applyTimeout time.Duration) *Controller {
	if applyTimeout <= 0 {
		applyTimeout = DefaultApplyTimeout
	}
	return &Controller{
		store:        store,
		registry:     registry,
		stream:       supervisor,
		jobs:         runner,
		bus:          bus,
		applyTimeout: applyTimeout,
		logger:       logging.GetLogger("control"),
	}
}

// GetConfig returns the last committed configuration.
func (c *Controller) GetConfig() settings.Config {
	return c.store.Current()
}

// ListDevices enumerates capture devices.
func (c *Controller) ListDevices() (list []devices.Device, err error) {
	defer c.guard("ListDevices", &err)
	return c.registry.List()
}

// GetJobStatus returns one job.
func (c *Controller) GetJobStatus(id string) (job jobs.Job, err error) {
	defer c.guard("GetJobStatus", &err)
	return c.jobs.Get(id)
}

// ListJobs returns tracked jobs, newest first.
func (c *Controller) ListJobs() []jobs.Job {
	return c.jobs.List()
}

// StreamStatus returns the supervisor snapshot.
func (c *Controller) StreamStatus() stream.Status {
	return c.stream.Status()
}

// UpdateConfig merges patch into the current configuration, validates the
// result, commits it and applies it to the live stream. Validation and
// persistence failures leave everything unchanged and are returned as
// errors. Once committed, stream failures are reported in the result.
func (c *Controller) UpdateConfig(ctx context.Context, patch settings.Patch) (res UpdateResult, err error) {
	defer c.guard("UpdateConfig", &err)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	prev := c.store.Current()
	next := prev.Merge(patch)
	if err := settings.Validate(next, c.registry); err != nil {
		return UpdateResult{}, err
	}

	changed := settings.Diff(prev, next)
	if len(changed) > 0 {
		if err := c.store.Replace(next); err != nil {
			return UpdateResult{}, err
		}
		c.logger.Info("Configuration updated", "changed", changed)
		c.bus.Publish(events.ConfigReplacedEvent{
			Source:      "api",
			Changed:     changed,
			Credentials: settings.CredentialsChanged(prev, next),
			Timestamp:   events.Now(),
		})
	}

	return c.applyLocked(ctx, prev, next, changed), nil
}

// ReloadConfig re-reads the configuration file after an external edit
// and applies it. A corrupt edit is rejected and the committed snapshot
// stays in effect.
func (c *Controller) ReloadConfig(ctx context.Context) (res UpdateResult, err error) {
	defer c.guard("ReloadConfig", &err)

	// The watcher also fires for our own commits. Those match the live
	// config and must not contend with a concurrent job trigger.
	onDisk, err := c.store.Load()
	if err != nil {
		c.logger.Warn("Ignoring unreadable config edit", "path", c.store.Path(), "error", err)
		return UpdateResult{}, err
	}
	if onDisk == c.store.Current() {
		return UpdateResult{Config: onDisk, Restart: Restart{Outcome: OutcomeUnchanged}, Stream: c.stream.Status()}, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	prev := c.store.Current()
	next, changed, err := c.store.Reload()
	if err != nil {
		c.logger.Warn("Ignoring unreadable config edit", "path", c.store.Path(), "error", err)
		return UpdateResult{}, err
	}
	if !changed {
		return UpdateResult{Config: next, Restart: Restart{Outcome: OutcomeUnchanged}, Stream: c.stream.Status()}, nil
	}

	keys := settings.Diff(prev, next)
	c.logger.Info("Configuration file changed externally", "changed", keys)
	c.bus.Publish(events.ConfigReplacedEvent{
		Source:      "file",
		Changed:     keys,
		Credentials: settings.CredentialsChanged(prev, next),
		Timestamp:   events.Now(),
	})
	return c.applyLocked(ctx, prev, next, keys), nil
}

// applyLocked applies next to the stream within the apply timeout.
func (c *Controller) applyLocked(ctx context.Context, prev, next settings.Config, changed []string) UpdateResult {
	res := UpdateResult{Config: next, Changed: changed}

	if !c.streamEnabled {
		res.Restart = Restart{Outcome: OutcomeStored}
		res.Stream = c.stream.Status()
		return res
	}

	before := c.stream.Status()
	ctx, cancel := context.WithTimeout(ctx, c.applyTimeout)
	defer cancel()
	applyErr := c.stream.Apply(ctx, next)
	res.Stream = c.stream.Status()

	switch {
	case applyErr == nil:
		if before.State == stream.StateRunning && stream.EffectiveOf(prev) == stream.EffectiveOf(next) {
			res.Restart = Restart{Outcome: OutcomeUnchanged}
		} else {
			res.Restart = Restart{Outcome: OutcomeRestarted}
		}
	default:
		res.Restart = restartFailure(applyErr)
		c.logger.Warn("Stream did not apply new configuration", "outcome", res.Restart.Outcome, "error", applyErr)
	}
	return res
}

func restartFailure(err error) Restart {
	kind := errs.KindOf(err)
	r := Restart{ErrorKind: kind, Error: err.Error()}
	switch kind {
	case errs.KindBusy:
		r.Outcome = OutcomePending
	case errs.KindTimeout, errs.KindCancelled:
		r.Outcome = OutcomeTimeout
	default:
		r.Outcome = OutcomeFailed
	}
	return r
}

// TriggerJob starts a record or snapshot job. It never waits for another
// mutation: one in progress means the device is about to change hands,
// which is reported as Busy.
func (c *Controller) TriggerJob(ctx context.Context, kind jobs.Kind, params jobs.Params) (job jobs.Job, err error) {
	defer c.guard("TriggerJob", &err)

	if !c.writeMu.TryLock() {
		return jobs.Job{}, errs.Newf(errs.KindBusy, "a configuration update is in progress")
	}
	defer c.writeMu.Unlock()

	return c.jobs.StartJob(ctx, kind, params)
}

// CancelJob terminates a job through the same path as a timeout.
func (c *Controller) CancelJob(id string) (job jobs.Job, err error) {
	defer c.guard("CancelJob", &err)
	return c.jobs.Cancel(id)
}

// StartStream enables the live stream and starts it with the committed
// configuration.
func (c *Controller) StartStream(ctx context.Context) (res UpdateResult, err error) {
	defer c.guard("StartStream", &err)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.streamEnabled = true
	cfg := c.store.Current()
	res = c.applyLocked(ctx, cfg, cfg, nil)
	if res.Restart.Outcome == OutcomeRestarted {
		c.logger.Info("Stream started", "pid", res.Stream.PID)
	}
	return res, nil
}

// StopStream stops the live stream until the next StartStream.
func (c *Controller) StopStream() (status stream.Status, err error) {
	defer c.guard("StopStream", &err)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.streamEnabled = false
	if err := c.stream.Stop(); err != nil {
		return c.stream.Status(), err
	}
	c.logger.Info("Stream stopped by request")
	return c.stream.Status(), nil
}

// ResumeStream restarts a crashed stream with the committed
// configuration, typically after its capture device reappeared. It is a
// no-op while the stream is disabled or not crashed.
func (c *Controller) ResumeStream(ctx context.Context) (res UpdateResult, err error) {
	defer c.guard("ResumeStream", &err)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cfg := c.store.Current()
	st := c.stream.Status()
	if !c.streamEnabled || st.State != stream.StateCrashed {
		return UpdateResult{Config: cfg, Restart: Restart{Outcome: OutcomeUnchanged}, Stream: st}, nil
	}

	c.logger.Info("Resuming crashed stream", "device", cfg.Device)
	return c.applyLocked(ctx, cfg, cfg, nil), nil
}

// guard converts a panic inside an operation into an internal error so a
// single bad request cannot take the control plane down.
func (c *Controller) guard(op string, err *error) {
	if r := recover(); r != nil {
		c.logger.Error("Panic in control operation", "op", op, "panic", r, "stack", string(debug.Stack()))
		*err = errs.New(errs.KindInternal, op+" failed", fmt.Errorf("panic: %v", r))
	}
}
