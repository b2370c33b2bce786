package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/errs"
	"github.com/smazurov/pimonitor/internal/events"
	"github.com/smazurov/pimonitor/internal/process"
	"github.com/smazurov/pimonitor/internal/settings"
)

type fakeLookup struct{}

func (fakeLookup) ResolveRef(ref string) (devices.Device, error) {
	if ref == "missing" {
		return devices.Device{}, errs.Newf(errs.KindNotFound, "device %s not found", ref)
	}
	return devices.Device{ID: ref, Path: "/dev/video" + ref, Present: true}, nil
}

type fakeHandle struct {
	pid  int
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	code    int
	stopped bool
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Tail() []string        { return []string{"fake output"} }

func (h *fakeHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.mu.Lock()
		h.code = code
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) Stop() int {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.exit(0)
	return h.ExitCode()
}

func (h *fakeHandle) wasStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// fakeLauncher hands out fake handles. The first launchErrors launches
// fail; when exitCode is non-zero every handle exits right away.
type fakeLauncher struct {
	mu           sync.Mutex
	launchErrors int
	exitCode     int
	handles      []*fakeHandle
	configs      []settings.Config
	calls        int
}

func (l *fakeLauncher) Launch(_ context.Context, cfg settings.Config, _ devices.Device) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls <= l.launchErrors {
		return nil, errors.New("exec: not found")
	}
	h := newFakeHandle(1000 + l.calls)
	if l.exitCode != 0 {
		h.exit(l.exitCode)
	}
	l.handles = append(l.handles, h)
	l.configs = append(l.configs, cfg)
	return h, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

func testOptions() Options {
	return Options{
		ReadyWindow:    20 * time.Millisecond,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		MaxRetries:     3,
		StableAfter:    time.Hour,
	}
}

func newTestSupervisor(t *testing.T, l Launcher) (*Supervisor, *devices.Lock) {
	t.Helper()
	return newSupervisorWithOptions(t, l, testOptions())
}

func newSupervisorWithOptions(t *testing.T, l Launcher, opts Options) (*Supervisor, *devices.Lock) {
	t.Helper()
	lock := devices.NewLock()
	s := NewSupervisor(l, fakeLookup{}, lock, nil, opts)
	t.Cleanup(s.Close)
	return s, lock
}

// execOptions leave real processes enough time to fail during startup.
func execOptions() Options {
	o := testOptions()
	o.ReadyWindow = 500 * time.Millisecond
	o.MaxRetries = 1
	return o
}

func testConfig() settings.Config {
	return settings.Defaults("/var/lib/pimonitor/recordings")
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestApplyStartsStream(t *testing.T) {
	l := &fakeLauncher{}
	s, lock := newTestSupervisor(t, l)

	if err := s.Apply(context.Background(), testConfig()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	st := s.Status()
	if st.State != StateRunning {
		t.Fatalf("state = %s, want running", st.State)
	}
	if st.PID != 1001 {
		t.Errorf("PID = %d, want 1001", st.PID)
	}
	if st.DevicePath != "/dev/video0" {
		t.Errorf("DevicePath = %q", st.DevicePath)
	}
	if st.Config == nil || st.Config.FPS != 30 {
		t.Errorf("Config = %+v", st.Config)
	}
	if st.StartedAt == nil {
		t.Error("StartedAt not set")
	}
	if got := lock.Holder(); got != OwnerStream {
		t.Errorf("lock holder = %q, want %q", got, OwnerStream)
	}
}

func TestApplySameConfigIsNoOp(t *testing.T) {
	l := &fakeLauncher{}
	s, _ := newTestSupervisor(t, l)
	cfg := testConfig()

	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	before := s.Status()

	// Fields the live process does not use never restart it.
	cfg.SitePort = 8000
	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	after := s.Status()
	if l.launches() != 1 {
		t.Errorf("launches = %d, want 1", l.launches())
	}
	if after.PID != before.PID || !after.StartedAt.Equal(*before.StartedAt) {
		t.Errorf("process changed: before pid=%d after pid=%d", before.PID, after.PID)
	}
}

func TestApplyRestartsOnChange(t *testing.T) {
	l := &fakeLauncher{}
	s, lock := newTestSupervisor(t, l)
	cfg := testConfig()

	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	var released []string
	var mu sync.Mutex
	lock.OnRelease(func(owner string) {
		mu.Lock()
		released = append(released, owner)
		mu.Unlock()
	})

	cfg.FPS = 25
	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if l.launches() != 2 {
		t.Fatalf("launches = %d, want 2", l.launches())
	}
	if !l.handle(0).wasStopped() {
		t.Error("old process was not stopped")
	}
	st := s.Status()
	if st.State != StateRunning || st.Config.FPS != 25 || st.PID != 1002 {
		t.Errorf("status = %+v", st)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(released) != 0 {
		t.Errorf("device released during restart: %v", released)
	}
}

func TestApplyBusyWhileJobHoldsDevice(t *testing.T) {
	l := &fakeLauncher{}
	s, lock := newTestSupervisor(t, l)

	if err := lock.TryAcquire("job:1"); err != nil {
		t.Fatal(err)
	}

	err := s.Apply(context.Background(), testConfig())
	if !errs.Is(err, errs.KindBusy) {
		t.Fatalf("Apply() error = %v, want busy", err)
	}
	st := s.Status()
	if st.State != StateStopped || !st.Pending {
		t.Fatalf("status = %+v, want stopped and pending", st)
	}
	if l.launches() != 0 {
		t.Fatalf("launched while device busy")
	}

	if err := lock.Release("job:1"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "pending config to start", func() bool {
		return s.Status().State == StateRunning
	})
	if s.Status().Pending {
		t.Error("Pending still set after resume")
	}
}

func TestApplyCrashLoop(t *testing.T) {
	l := &fakeLauncher{exitCode: 1}
	s, lock := newTestSupervisor(t, l)

	err := s.Apply(context.Background(), testConfig())
	if !errs.Is(err, errs.KindCrashLoop) {
		t.Fatalf("Apply() error = %v, want crash_loop", err)
	}

	if got, want := l.launches(), testOptions().MaxRetries+1; got != want {
		t.Errorf("launches = %d, want %d", got, want)
	}
	st := s.Status()
	if st.State != StateCrashed {
		t.Errorf("state = %s, want crashed", st.State)
	}
	if st.LastExitCode != 1 || len(st.Tail) == 0 {
		t.Errorf("status = %+v, want exit code and tail", st)
	}
	if lock.Holder() != "" {
		t.Errorf("lock still held by %q", lock.Holder())
	}

	// No retries happen after giving up.
	time.Sleep(50 * time.Millisecond)
	if got, want := l.launches(), testOptions().MaxRetries+1; got != want {
		t.Errorf("launches after giving up = %d, want %d", got, want)
	}
}

func TestApplyUnknownDevice(t *testing.T) {
	l := &fakeLauncher{}
	s, _ := newTestSupervisor(t, l)

	cfg := testConfig()
	cfg.Device = "missing"
	err := s.Apply(context.Background(), cfg)
	if !errs.Is(err, errs.KindCrashLoop) {
		t.Fatalf("Apply() error = %v, want crash_loop", err)
	}
	if !errs.Is(errors.Unwrap(err), errs.KindNotFound) {
		t.Errorf("cause = %v, want not_found", errors.Unwrap(err))
	}
	if l.launches() != 0 {
		t.Errorf("launches = %d, want 0", l.launches())
	}
}

func TestRecoversAfterCrash(t *testing.T) {
	l := &fakeLauncher{}
	lock := devices.NewLock()
	bus := events.New()
	s := NewSupervisor(l, fakeLookup{}, lock, bus, testOptions())
	t.Cleanup(s.Close)

	crashed := make(chan events.StreamCrashedEvent, 1)
	unsub := bus.Subscribe(func(e events.StreamCrashedEvent) { crashed <- e })
	defer unsub()

	if err := s.Apply(context.Background(), testConfig()); err != nil {
		t.Fatal(err)
	}

	l.handle(0).exit(2)

	select {
	case ev := <-crashed:
		if ev.ExitCode != 2 || ev.Failures != 1 {
			t.Errorf("crash event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no crash event")
	}

	eventually(t, "stream to recover", func() bool {
		st := s.Status()
		return st.State == StateRunning && st.PID == 1002
	})
	if got := lock.Holder(); got != OwnerStream {
		t.Errorf("lock holder = %q after recovery", got)
	}
}

func TestApplyTimeoutKeepsRetrying(t *testing.T) {
	l := &fakeLauncher{launchErrors: 2}
	opts := testOptions()
	opts.BackoffInitial = 100 * time.Millisecond
	opts.BackoffMax = 200 * time.Millisecond
	s := NewSupervisor(l, fakeLookup{}, devices.NewLock(), nil, opts)
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Apply(ctx, testConfig())
	if !errs.Is(err, errs.KindTimeout) {
		t.Fatalf("Apply() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Apply() took %v after deadline", elapsed)
	}

	eventually(t, "background retry to succeed", func() bool {
		return s.Status().State == StateRunning
	})
	if l.launches() != 3 {
		t.Errorf("launches = %d, want 3", l.launches())
	}
}

func TestSuspendHandsDeviceToJob(t *testing.T) {
	l := &fakeLauncher{}
	s, lock := newTestSupervisor(t, l)

	if err := s.Apply(context.Background(), testConfig()); err != nil {
		t.Fatal(err)
	}

	if err := s.Suspend("job:abc"); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if got := lock.Holder(); got != "job:abc" {
		t.Fatalf("lock holder = %q, want job:abc", got)
	}
	st := s.Status()
	if st.State != StateStopped || !st.Pending {
		t.Fatalf("status = %+v", st)
	}
	if !l.handle(0).wasStopped() {
		t.Error("stream process not stopped")
	}

	if err := lock.Release("job:abc"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "stream to resume", func() bool {
		return s.Status().State == StateRunning
	})
	if l.launches() != 2 {
		t.Errorf("launches = %d, want 2", l.launches())
	}
}

func TestSuspendWhenStopped(t *testing.T) {
	s, lock := newTestSupervisor(t, &fakeLauncher{})

	if err := s.Suspend("job:1"); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if lock.Holder() != "job:1" {
		t.Fatalf("lock holder = %q", lock.Holder())
	}
	if err := s.Suspend("job:2"); !errs.Is(err, errs.KindBusy) {
		t.Errorf("second Suspend() = %v, want busy", err)
	}
}

func TestSuspendWhileCrashedIsBusy(t *testing.T) {
	s, _ := newTestSupervisor(t, &fakeLauncher{exitCode: 1})
	_ = s.Apply(context.Background(), testConfig())

	if err := s.Suspend("job:1"); !errs.Is(err, errs.KindBusy) {
		t.Errorf("Suspend() = %v, want busy", err)
	}
}

func TestStop(t *testing.T) {
	l := &fakeLauncher{}
	s, lock := newTestSupervisor(t, l)

	if err := s.Apply(context.Background(), testConfig()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}

	if st := s.Status(); st.State != StateStopped || st.Pending {
		t.Errorf("status = %+v", st)
	}
	if lock.Holder() != "" {
		t.Errorf("lock holder = %q after Stop", lock.Holder())
	}
	if !l.handle(0).wasStopped() {
		t.Error("process not stopped")
	}

	// A job using the device afterwards does not bring the stream back.
	if err := lock.TryAcquire("job:1"); err != nil {
		t.Fatal(err)
	}
	if err := lock.Release("job:1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if l.launches() != 1 {
		t.Errorf("launches = %d after Stop, want 1", l.launches())
	}
}

func TestStatusPublishesStateChanges(t *testing.T) {
	bus := events.New()
	ch := make(chan any, 16)
	unsub := events.SubscribeToChannel[events.StreamStateChangedEvent](bus, ch)
	defer unsub()

	s := NewSupervisor(&fakeLauncher{}, fakeLookup{}, devices.NewLock(), bus, testOptions())
	t.Cleanup(s.Close)
	if err := s.Apply(context.Background(), testConfig()); err != nil {
		t.Fatal(err)
	}

	var states []string
	timeout := time.After(time.Second)
	for len(states) < 2 {
		select {
		case ev := <-ch:
			states = append(states, ev.(events.StreamStateChangedEvent).State)
		case <-timeout:
			t.Fatalf("got states %v", states)
		}
	}
	if states[0] != string(StateStarting) || states[1] != string(StateRunning) {
		t.Errorf("states = %v, want [starting running]", states)
	}
}

func TestExecLauncherRunsProcess(t *testing.T) {
	l := NewExecLauncher("sleep 10", "", 100*time.Millisecond, 100*time.Millisecond)
	s, _ := newSupervisorWithOptions(t, l, execOptions())

	if err := s.Apply(context.Background(), testConfig()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	pid := s.Status().PID
	if !process.Alive(pid) {
		t.Fatalf("process %d not alive", pid)
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "process to exit", func() bool { return !process.Alive(pid) })
}

func TestExecLauncherStartupFailure(t *testing.T) {
	l := NewExecLauncher(`sh -c "echo cannot open device; exit 3"`, "", 100*time.Millisecond, 100*time.Millisecond)
	s, _ := newSupervisorWithOptions(t, l, execOptions())

	err := s.Apply(context.Background(), testConfig())
	if !errs.Is(err, errs.KindCrashLoop) {
		t.Fatalf("Apply() error = %v, want crash_loop", err)
	}
	st := s.Status()
	if st.LastExitCode != 3 {
		t.Errorf("LastExitCode = %d, want 3", st.LastExitCode)
	}
	if len(st.Tail) == 0 || !strings.Contains(st.Tail[len(st.Tail)-1], "cannot open device") {
		t.Errorf("Tail = %v", st.Tail)
	}
}

func TestExecLauncherCommand(t *testing.T) {
	l := NewExecLauncher("", "", 0, 0)
	dev := devices.Device{Path: "/dev/video2"}

	cfg := testConfig()
	args, err := l.Command(cfg, dev)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(args, " ")
	want := "ustreamer --device /dev/video2 --resolution 1280x720 --desired-fps 30 --host 0.0.0.0 --port 8080"
	if got != want {
		t.Errorf("MJPEG command = %q\nwant %q", got, want)
	}

	cfg.StreamMode = settings.ModeH264RTSP
	cfg.FPS = 25
	args, err = l.Command(cfg, dev)
	if err != nil {
		t.Fatal(err)
	}
	got = strings.Join(args, " ")
	want = "v4l2rtspserver -W 1280 -H 720 -F 25 -P 8554 -u stream /dev/video2"
	if got != want {
		t.Errorf("RTSP command = %q\nwant %q", got, want)
	}
}

func TestBackoff(t *testing.T) {
	o := Options{BackoffInitial: 100 * time.Millisecond, BackoffMax: time.Second}.withDefaults()
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{20, time.Second},
	}
	for _, tt := range tests {
		if got := o.backoff(tt.failures); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
