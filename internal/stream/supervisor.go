package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/errs"
	"github.com/smazurov/pimonitor/internal/events"
	"github.com/smazurov/pimonitor/internal/logging"
	"github.com/smazurov/pimonitor/internal/process"
	"github.com/smazurov/pimonitor/internal/settings"
)

// launchTimeout bounds a single Launch call in background recovery.
const launchTimeout = 30 * time.Second

// Supervisor is the finite-state machine around the live-stream process.
//
// Transitions are serialized by mu. Status reads are lock-free. Every
// process started gets a monitor goroutine tagged with the generation it
// was started under; bumping gen on Apply, Stop or Suspend turns older
// monitors and retry loops into no-ops.
type Supervisor struct {
	launcher Launcher
	devices  settings.DeviceLookup
	lock     *devices.Lock
	bus      *events.Bus
	opts     Options
	logger   *slog.Logger

	status atomic.Pointer[Status]
	stopCh chan struct{}

	mu        sync.Mutex
	state     State
	handle    Handle
	running   settings.Config
	device    devices.Device
	startedAt time.Time
	desired   *settings.Config
	pending   bool
	holding   bool
	gen       uint64
	failures  int
	lastErr   error
	lastExit  int
	lastTail  []string
	closed    bool
}

// NewSupervisor creates a stopped supervisor. bus may be nil.
func NewSupervisor(launcher Launcher, lookup settings.DeviceLookup, lock *devices.Lock, bus *events.Bus, opts Options) *Supervisor {
	s := &Supervisor{
		launcher: launcher,
		devices:  lookup,
		lock:     lock,
		bus:      bus,
		opts:     opts.withDefaults(),
		logger:   logging.GetLogger("stream"),
		stopCh:   make(chan struct{}),
		state:    StateStopped,
	}
	s.status.Store(&Status{State: StateStopped})
	lock.OnRelease(s.onDeviceReleased)
	return s
}

// Status returns the latest snapshot without waiting for transitions.
func (s *Supervisor) Status() Status {
	return *s.status.Load()
}

// Stats samples CPU and memory of the running process.
func (s *Supervisor) Stats() (process.Stats, error) {
	st := s.Status()
	if st.State != StateRunning || st.PID == 0 {
		return process.Stats{}, errs.Newf(errs.KindNotFound, "stream is %s", st.State)
	}
	return process.StatsFor(st.PID)
}

// Apply makes the live process run with cfg. It is a no-op when the
// process is running with the same effective configuration. Otherwise the
// current process is stopped and a new one started; Apply returns once
// the new process survived the readiness window, the retry cap was hit
// or ctx ended. When a job holds the device the config is kept pending,
// started when the job releases the device, and Apply returns Busy.
func (s *Supervisor) Apply(ctx context.Context, cfg settings.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.Newf(errs.KindInternal, "stream supervisor is closed")
	}

	if s.state == StateRunning && s.handle != nil && EffectiveOf(s.running) == EffectiveOf(cfg) {
		s.desired = &cfg
		s.logger.Debug("Configuration unchanged, keeping stream process", "pid", s.handle.PID())
		return nil
	}

	s.desired = &cfg
	s.pending = false
	s.gen++
	gen := s.gen
	s.failures = 0
	s.lastErr = nil
	s.lastExit = 0
	s.lastTail = nil

	if s.handle != nil {
		s.setStateLocked(StateRestarting)
		// The device stays locked across a restart so no job slips in.
		s.stopHandleLocked(false)
	}

	return s.runAttemptsLocked(ctx, gen, cfg)
}

// Stop stops the live process and releases the device. The supervisor
// stays stopped until the next Apply.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.desired = nil
	s.pending = false
	s.failures = 0
	s.lastErr = nil
	s.stopHandleLocked(true)
	s.releaseLocked()
	s.setStateLocked(StateStopped)
	return nil
}

// Suspend hands the device to owner. A running stream is stopped and its
// configuration kept pending until owner releases the device. A stream in
// the middle of a transition, or crashed, makes Suspend fail with Busy.
func (s *Supervisor) Suspend(owner string) error {
	if !s.mu.TryLock() {
		return errs.Busy(fmt.Sprintf("%s (%s)", OwnerStream, s.Status().State))
	}
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		s.gen++
		s.stopHandleLocked(false)
		if err := s.lock.Transfer(OwnerStream, owner); err != nil {
			s.releaseLocked()
			s.setStateLocked(StateStopped)
			return errs.New(errs.KindInternal, "hand over capture device", err)
		}
		s.holding = false
		s.pending = true
		s.logger.Info("Stream suspended for job", "owner", owner)
		s.setStateLocked(StateStopped)
		return nil
	case StateStopped:
		return s.lock.TryAcquire(owner)
	default:
		return errs.Busy(fmt.Sprintf("%s (%s)", OwnerStream, s.state))
	}
}

// Close stops the process and any background retry for good.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stopCh)
	s.gen++
	s.stopHandleLocked(true)
	s.releaseLocked()
	s.setStateLocked(StateStopped)
}

// runAttemptsLocked retries attempt with backoff until success, Busy, the
// retry cap or ctx expiry. On ctx expiry the remaining retries continue
// in the background.
func (s *Supervisor) runAttemptsLocked(ctx context.Context, gen uint64, cfg settings.Config) error {
	for {
		err := s.attemptLocked(ctx, cfg)
		if err == nil || errs.Is(err, errs.KindBusy) {
			return err
		}
		if s.failures > s.opts.MaxRetries {
			return s.crashLoopLocked(err)
		}

		delay := s.opts.backoff(s.failures)
		s.logger.Warn("Stream start failed, retrying", "error", err, "failures", s.failures, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			go s.recover(gen, cfg)
			return errs.New(errs.KindTimeout, "stream did not settle in time, still retrying", err)
		}
		s.setStateLocked(StateRestarting)
	}
}

// attemptLocked makes one start attempt: take the device, spawn, wait
// out the readiness window.
func (s *Supervisor) attemptLocked(ctx context.Context, cfg settings.Config) error {
	if err := s.acquireLocked(ctx); err != nil {
		s.pending = true
		s.logger.Info("Capture device busy, configuration pending", "holder", s.lock.Holder())
		s.setStateLocked(StateStopped)
		return err
	}

	s.setStateLocked(StateStarting)

	dev, err := s.devices.ResolveRef(cfg.Device)
	if err != nil {
		return s.failLocked(err, 0, nil)
	}

	h, err := s.launcher.Launch(ctx, cfg, dev)
	if err != nil {
		return s.failLocked(errs.New(errs.KindSpawnFailed, "spawn stream process", err), 0, nil)
	}

	timer := time.NewTimer(s.opts.ReadyWindow)
	defer timer.Stop()
	select {
	case <-h.Done():
		code := h.ExitCode()
		return s.failLocked(errs.Newf(errs.KindSpawnFailed, "stream process exited during startup with code %d", code), code, h.Tail())
	case <-ctx.Done():
		code := h.Stop()
		return s.failLocked(errs.New(errs.KindTimeout, "stream startup interrupted", ctx.Err()), code, h.Tail())
	case <-timer.C:
	}

	s.handle = h
	s.running = cfg
	s.device = dev
	s.startedAt = time.Now()
	s.lastErr = nil
	s.setStateLocked(StateRunning)
	s.logger.Info("Stream running", "pid", h.PID(), "device", dev.Path, "mode", cfg.StreamMode, "resolution", cfg.Resolution, "fps", cfg.FPS)

	go s.monitor(s.gen, h, s.startedAt)
	return nil
}

// monitor waits for an unexpected exit and starts recovery.
func (s *Supervisor) monitor(gen uint64, h Handle, started time.Time) {
	<-h.Done()

	s.mu.Lock()
	if s.gen != gen || s.handle != h {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	if time.Since(started) >= s.opts.StableAfter {
		s.failures = 0
	}
	code := h.ExitCode()
	tail := h.Tail()
	cfg := s.running
	s.bus.Publish(events.StreamCrashedEvent{
		ExitCode:  code,
		Failures:  s.failures + 1,
		Tail:      tail,
		Timestamp: events.Now(),
	})
	_ = s.failLocked(errs.Newf(errs.KindProcessExited, "stream process exited unexpectedly with code %d", code), code, tail)
	s.mu.Unlock()

	s.recover(gen, cfg)
}

// recover retries in the background with the transition lock released
// during backoff.
func (s *Supervisor) recover(gen uint64, cfg settings.Config) {
	for {
		s.mu.Lock()
		if s.gen != gen || s.closed {
			s.mu.Unlock()
			return
		}
		if s.failures > s.opts.MaxRetries {
			_ = s.crashLoopLocked(s.lastErr)
			s.mu.Unlock()
			return
		}
		delay := s.opts.backoff(s.failures)
		s.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			return
		}

		s.mu.Lock()
		if s.gen != gen || s.closed {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(StateRestarting)
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReadyWindow+launchTimeout)
		err := s.attemptLocked(ctx, cfg)
		cancel()
		s.mu.Unlock()

		if err == nil || errs.Is(err, errs.KindBusy) {
			return
		}
	}
}

// onDeviceReleased resumes a pending configuration once a job is done.
func (s *Supervisor) onDeviceReleased(owner string) {
	if owner == OwnerStream {
		return
	}
	go s.resumePending()
}

func (s *Supervisor) resumePending() {
	s.mu.Lock()
	if s.closed || !s.pending || s.desired == nil || s.handle != nil {
		s.mu.Unlock()
		return
	}
	cfg := *s.desired
	s.pending = false
	s.gen++
	gen := s.gen
	s.failures = 0
	s.logger.Info("Capture device released, resuming stream")

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReadyWindow+launchTimeout)
	err := s.attemptLocked(ctx, cfg)
	cancel()
	s.mu.Unlock()

	if err != nil && !errs.Is(err, errs.KindBusy) {
		s.recover(gen, cfg)
	}
}

func (s *Supervisor) acquireLocked(ctx context.Context) error {
	if s.holding {
		return nil
	}
	var err error
	if s.opts.LockWait > 0 {
		wctx, cancel := context.WithTimeout(ctx, s.opts.LockWait)
		err = s.lock.Acquire(wctx, OwnerStream)
		cancel()
	} else {
		err = s.lock.TryAcquire(OwnerStream)
	}
	if err != nil {
		return err
	}
	s.holding = true
	return nil
}

func (s *Supervisor) releaseLocked() {
	if !s.holding {
		return
	}
	s.holding = false
	if err := s.lock.Release(OwnerStream); err != nil {
		s.logger.Error("Failed to release capture device", "error", err)
	}
}

func (s *Supervisor) stopHandleLocked(release bool) {
	if s.handle != nil {
		h := s.handle
		s.handle = nil
		code := h.Stop()
		s.logger.Info("Stream process stopped", "pid", h.PID(), "exit_code", code)
	}
	if release {
		s.releaseLocked()
	}
}

func (s *Supervisor) failLocked(err error, code int, tail []string) error {
	s.releaseLocked()
	s.failures++
	s.lastErr = err
	s.lastExit = code
	s.lastTail = append([]string(nil), tail...)
	s.logger.Error("Stream process failed", "error", err, "failures", s.failures)
	s.setStateLocked(StateCrashed)
	return err
}

func (s *Supervisor) crashLoopLocked(cause error) error {
	err := errs.New(errs.KindCrashLoop, fmt.Sprintf("stream failed %d times in a row, giving up", s.failures), cause)
	s.lastErr = err
	s.logger.Error("Stream crash loop, not retrying", "failures", s.failures)
	s.setStateLocked(StateCrashed)
	return err
}

func (s *Supervisor) setStateLocked(state State) {
	prev := s.state
	s.state = state

	st := &Status{
		State:        state,
		Failures:     s.failures,
		Pending:      s.pending,
		LastExitCode: s.lastExit,
		Tail:         s.lastTail,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	switch {
	case state == StateRunning && s.handle != nil:
		eff := EffectiveOf(s.running)
		started := s.startedAt
		st.Config = &eff
		st.PID = s.handle.PID()
		st.StartedAt = &started
		st.DevicePath = s.device.Path
	case s.desired != nil:
		eff := EffectiveOf(*s.desired)
		st.Config = &eff
	}
	s.status.Store(st)

	if prev != state {
		s.logger.Debug("Stream state changed", "from", prev, "to", state)
		s.bus.Publish(events.StreamStateChangedEvent{
			State:         string(state),
			PreviousState: string(prev),
			PID:           st.PID,
			Failures:      st.Failures,
			Error:         st.LastError,
			Timestamp:     events.Now(),
		})
	}
}
