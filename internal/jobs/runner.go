package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/errs"
	"github.com/smazurov/pimonitor/internal/events"
	"github.com/smazurov/pimonitor/internal/ffmpeg"
	"github.com/smazurov/pimonitor/internal/logging"
	"github.com/smazurov/pimonitor/internal/process"
	"github.com/smazurov/pimonitor/internal/settings"
	"github.com/smazurov/pimonitor/internal/stream"
)

// StreamGate is the view of the live stream a job needs before taking
// the device. *stream.Supervisor satisfies it.
type StreamGate interface {
	Status() stream.Status
	Suspend(owner string) error
}

// Options bound job execution.
type Options struct {
	// RecordGrace is added to the requested duration to form the deadline.
	RecordGrace time.Duration `toml:"record_grace"`
	// SnapshotTimeout is the deadline of a snapshot job.
	SnapshotTimeout time.Duration `toml:"snapshot_timeout"`
	// MaxRecordDuration caps the requested duration.
	MaxRecordDuration time.Duration `toml:"max_record_duration"`
	// History is how many finished jobs are kept for status queries.
	History int `toml:"history"`
	// PreemptStream stops a running live stream for the job instead of failing with Busy.
	PreemptStream bool `toml:"preempt_stream"`
	// Encoder and Preset select the recording codec.
	Encoder string `toml:"encoder"`
	Preset  string `toml:"preset"`
	// StopGrace and KillGrace bound the termination of a transcoder.
	StopGrace time.Duration `toml:"stop_grace"`
	KillGrace time.Duration `toml:"kill_grace"`
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		RecordGrace:       10 * time.Second,
		SnapshotTimeout:   15 * time.Second,
		MaxRecordDuration: time.Hour,
		History:           50,
		StopGrace:         3 * time.Second,
		KillGrace:         2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RecordGrace <= 0 {
		o.RecordGrace = d.RecordGrace
	}
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = d.SnapshotTimeout
	}
	if o.MaxRecordDuration <= 0 {
		o.MaxRecordDuration = d.MaxRecordDuration
	}
	if o.History <= 0 {
		o.History = d.History
	}
	if o.StopGrace <= 0 {
		o.StopGrace = d.StopGrace
	}
	if o.KillGrace <= 0 {
		o.KillGrace = d.KillGrace
	}
	return o
}

// commandFunc builds the transcoder argv for one job.
type commandFunc func(kind Kind, in ffmpeg.Input, outputPath string, duration time.Duration) ([]string, error)

// Runner starts jobs and tracks them until they are reaped.
type Runner struct {
	opts    Options
	config  func() settings.Config
	devices settings.DeviceLookup
	lock    *devices.Lock
	stream  StreamGate
	bus     *events.Bus
	logger  *slog.Logger
	command commandFunc

	mu     sync.RWMutex
	jobs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

type run struct {
	owner  string
	proc   *process.Process
	cancel chan struct{}
	once   sync.Once
	done   chan struct{}

	mu  sync.Mutex
	job Job
}

func (r *run) snapshot() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.job
	job.Tail = append([]string(nil), r.job.Tail...)
	return job
}

// NewRunner creates a job runner. config returns the committed
// configuration; stream and bus may be nil.
func NewRunner(config func() settings.Config, lookup settings.DeviceLookup, lock *devices.Lock, gate StreamGate, bus *events.Bus, opts Options) *Runner {
	opts = opts.withDefaults()
	r := &Runner{
		opts:    opts,
		config:  config,
		devices: lookup,
		lock:    lock,
		stream:  gate,
		bus:     bus,
		logger:  logging.GetLogger("jobs"),
		jobs:    make(map[string]*run),
	}
	r.command = r.ffmpegCommand
	return r
}

func (r *Runner) ffmpegCommand(kind Kind, in ffmpeg.Input, outputPath string, duration time.Duration) ([]string, error) {
	if kind == KindSnapshot {
		return ffmpeg.SnapshotArgs(ffmpeg.SnapshotParams{Input: in, OutputPath: outputPath})
	}
	return ffmpeg.RecordArgs(ffmpeg.RecordParams{
		Input:      in,
		Duration:   duration,
		OutputPath: outputPath,
		Encoder:    r.opts.Encoder,
		Preset:     r.opts.Preset,
	})
}

// StartJob validates params, takes the device and spawns the transcoder.
// It never queues: a held device fails immediately with Busy.
func (r *Runner) StartJob(ctx context.Context, kind Kind, params Params) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, errs.New(errs.KindCancelled, "request cancelled", err)
	}

	params, err := r.normalize(kind, params)
	if err != nil {
		return Job{}, err
	}

	cfg := r.config()
	if err := os.MkdirAll(cfg.RecordDir, 0o755); err != nil {
		return Job{}, errs.New(errs.KindIOFailure, "create recording directory", err)
	}
	outputPath, err := SafeJoin(cfg.RecordDir, params.Filename)
	if err != nil {
		return Job{}, err
	}
	dev, err := r.devices.ResolveRef(cfg.Device)
	if err != nil {
		return Job{}, err
	}

	deadline := r.opts.SnapshotTimeout
	if kind == KindRecord {
		deadline = params.Duration + r.opts.RecordGrace
	}

	id := uuid.NewString()
	rn := &run{
		owner:  "job:" + id,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
		job: Job{
			ID:         id,
			Kind:       kind,
			State:      StateQueued,
			Filename:   params.Filename,
			OutputPath: outputPath,
			Duration:   params.Duration.Seconds(),
			CreatedAt:  time.Now().UTC(),
		},
	}

	if err := r.acquire(rn.owner); err != nil {
		return Job{}, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = r.lock.Release(rn.owner)
		return Job{}, errs.Newf(errs.KindInternal, "job runner is closed")
	}
	r.jobs[id] = rn
	r.wg.Add(1)
	r.mu.Unlock()

	args, err := r.command(kind, ffmpeg.Input{DevicePath: dev.Path, Resolution: cfg.Resolution, FPS: cfg.FPS}, outputPath, params.Duration)
	if err == nil {
		rn.proc = process.NewProcess(rn.owner, args, r.logger)
		rn.proc.SetTimeouts(r.opts.StopGrace, r.opts.KillGrace)
		rn.proc.SetLogParser(logging.GetLogger("ffmpeg"), ffmpeg.ParseLogLevel)
		r.logger.Debug("Starting job", "id", id, "kind", kind, "command", ffmpeg.CommandString(args))
		err = rn.proc.Start()
	}
	if err != nil {
		spawnErr := errs.New(errs.KindSpawnFailed, "spawn transcoder", err)
		r.finish(rn, StateFailed, spawnErr, -1)
		return rn.snapshot(), spawnErr
	}

	started := rn.proc.StartedAt()
	rn.mu.Lock()
	rn.job.State = StateRunning
	rn.job.StartedAt = &started
	rn.job.Deadline = started.Add(deadline)
	rn.mu.Unlock()
	r.publish(rn.snapshot())
	r.logger.Info("Job started", "id", id, "kind", kind, "output", outputPath, "pid", rn.proc.PID(), "deadline", deadline)

	go r.supervise(rn, deadline)
	return rn.snapshot(), nil
}

func (r *Runner) normalize(kind Kind, p Params) (Params, error) {
	switch kind {
	case KindRecord:
		if p.Filename == "" {
			p.Filename = DefaultRecordFilename
		}
		if p.Duration == 0 {
			p.Duration = DefaultRecordDuration
		}
		if p.Duration < 0 {
			return p, errs.Field("duration", "must be positive")
		}
		if p.Duration > r.opts.MaxRecordDuration {
			return p, errs.Field("duration", fmt.Sprintf("must be at most %s", r.opts.MaxRecordDuration))
		}
	case KindSnapshot:
		if p.Filename == "" {
			p.Filename = DefaultSnapshotFilename
		}
		p.Duration = 0
	default:
		return p, errs.Field("kind", fmt.Sprintf("unknown job kind %q", kind))
	}
	return p, checkExtension(kind, p.Filename)
}

// acquire takes the device for owner. A stream mid-transition or crashed
// is never preempted.
func (r *Runner) acquire(owner string) error {
	if r.stream != nil {
		switch st := r.stream.Status().State; st {
		case stream.StateStarting, stream.StateRestarting, stream.StateCrashed:
			return errs.Busy(fmt.Sprintf("%s (%s)", stream.OwnerStream, st))
		}
		if r.opts.PreemptStream {
			return r.stream.Suspend(owner)
		}
	}
	return r.lock.TryAcquire(owner)
}

// supervise waits for exit, deadline or cancel. Timeout and cancel share
// the same termination path.
func (r *Runner) supervise(rn *run, deadline time.Duration) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-rn.proc.Done():
		code := rn.proc.ExitCode()
		if code != 0 {
			r.finish(rn, StateFailed, errs.Newf(errs.KindProcessExited, "transcoder exited with code %d", code), code)
			return
		}
		if _, err := os.Stat(rn.snapshot().OutputPath); err != nil {
			r.finish(rn, StateFailed, errs.New(errs.KindIOFailure, "transcoder wrote no output", err), code)
			return
		}
		r.finish(rn, StateCompleted, nil, code)
	case <-timer.C:
		r.terminate(rn, StateTimedOut, errs.Newf(errs.KindTimeout, "job exceeded its %s deadline", deadline))
	case <-rn.cancel:
		r.terminate(rn, StateCancelled, errs.Newf(errs.KindCancelled, "job cancelled"))
	}
}

func (r *Runner) terminate(rn *run, state State, cause error) {
	code := rn.proc.Stop()
	r.finish(rn, state, cause, code)
}

// finish records the terminal state and releases the device.
func (r *Runner) finish(rn *run, state State, cause error, code int) {
	now := time.Now().UTC()

	rn.mu.Lock()
	rn.job.State = state
	rn.job.FinishedAt = &now
	rn.job.ExitCode = code
	if cause != nil {
		rn.job.Error = cause.Error()
		rn.job.ErrorKind = errs.KindOf(cause)
	}
	if rn.proc != nil && state != StateCompleted {
		rn.job.Tail = rn.proc.Tail()
	}
	rn.mu.Unlock()

	if err := r.lock.Release(rn.owner); err != nil {
		r.logger.Error("Failed to release capture device", "id", rn.job.ID, "error", err)
	}

	job := rn.snapshot()
	if cause != nil {
		r.logger.Warn("Job ended", "id", job.ID, "state", state, "exit_code", code, "error", cause)
	} else {
		r.logger.Info("Job completed", "id", job.ID, "output", job.OutputPath)
	}
	r.publish(job)

	r.trimHistory()
	close(rn.done)
	r.wg.Done()
}

func (r *Runner) publish(job Job) {
	ev := events.JobStateChangedEvent{
		JobID:      job.ID,
		Kind:       string(job.Kind),
		State:      string(job.State),
		OutputPath: job.OutputPath,
		ExitCode:   job.ExitCode,
		Error:      job.Error,
		Timestamp:  events.Now(),
	}
	if job.StartedAt != nil && job.FinishedAt != nil {
		ev.Seconds = job.FinishedAt.Sub(*job.StartedAt).Seconds()
	}
	r.bus.Publish(ev)
}

// trimHistory drops the oldest finished jobs beyond the history bound.
func (r *Runner) trimHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var finished []Job
	for _, rn := range r.jobs {
		if job := rn.snapshot(); job.State.Terminal() {
			finished = append(finished, job)
		}
	}
	if len(finished) <= r.opts.History {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].CreatedAt.Before(finished[j].CreatedAt)
	})
	for _, job := range finished[:len(finished)-r.opts.History] {
		delete(r.jobs, job.ID)
	}
}

func (r *Runner) lookup(id string) (*run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.jobs[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "job %s not found", id)
	}
	return rn, nil
}

// Get returns the current state of a job.
func (r *Runner) Get(id string) (Job, error) {
	rn, err := r.lookup(id)
	if err != nil {
		return Job{}, err
	}
	return rn.snapshot(), nil
}

// List returns all tracked jobs, newest first.
func (r *Runner) List() []Job {
	r.mu.RLock()
	list := make([]Job, 0, len(r.jobs))
	for _, rn := range r.jobs {
		list = append(list, rn.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

// Wait blocks until the job is terminal or ctx is done.
func (r *Runner) Wait(ctx context.Context, id string) (Job, error) {
	rn, err := r.lookup(id)
	if err != nil {
		return Job{}, err
	}
	select {
	case <-rn.done:
		return rn.snapshot(), nil
	case <-ctx.Done():
		return rn.snapshot(), errs.New(errs.KindTimeout, "job still running", ctx.Err())
	}
}

// Cancel terminates a running job and waits for it to be reaped.
// Cancelling a finished job returns it unchanged.
func (r *Runner) Cancel(id string) (Job, error) {
	rn, err := r.lookup(id)
	if err != nil {
		return Job{}, err
	}
	rn.once.Do(func() { close(rn.cancel) })
	<-rn.done
	return rn.snapshot(), nil
}

// Close cancels every running job and waits for all of them.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	active := make([]*run, 0, len(r.jobs))
	for _, rn := range r.jobs {
		active = append(active, rn)
	}
	r.mu.Unlock()

	for _, rn := range active {
		rn.once.Do(func() { close(rn.cancel) })
	}
	r.wg.Wait()
}
