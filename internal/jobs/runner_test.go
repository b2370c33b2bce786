package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/errs"
	"github.com/smazurov/pimonitor/internal/events"
	"github.com/smazurov/pimonitor/internal/ffmpeg"
	"github.com/smazurov/pimonitor/internal/settings"
	"github.com/smazurov/pimonitor/internal/stream"
)

type fakeLookup struct{}

func (fakeLookup) ResolveRef(ref string) (devices.Device, error) {
	return devices.Device{ID: ref, Path: "/dev/video" + ref, Present: true}, nil
}

type fakeGate struct {
	mu        sync.Mutex
	state     stream.State
	lock      *devices.Lock
	suspended []string
}

func (g *fakeGate) Status() stream.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return stream.Status{State: g.state}
}

func (g *fakeGate) Suspend(owner string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != stream.StateRunning {
		return g.lock.TryAcquire(owner)
	}
	if err := g.lock.Transfer(stream.OwnerStream, owner); err != nil {
		return err
	}
	g.state = stream.StateStopped
	g.suspended = append(g.suspended, owner)
	return nil
}

type testEnv struct {
	runner *Runner
	lock   *devices.Lock
	dir    string
}

func testOptions() Options {
	return Options{
		RecordGrace:     100 * time.Millisecond,
		SnapshotTimeout: 500 * time.Millisecond,
		History:         10,
		StopGrace:       100 * time.Millisecond,
		KillGrace:       100 * time.Millisecond,
	}
}

// newTestEnv builds a runner whose transcoder is the shell script script,
// run with the output path as $1.
func newTestEnv(t *testing.T, script string, gate StreamGate, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := settings.Defaults(dir)
	lock := devices.NewLock()
	if g, ok := gate.(*fakeGate); ok {
		g.lock = lock
	}
	r := NewRunner(func() settings.Config { return cfg }, fakeLookup{}, lock, gate, nil, opts)
	r.command = func(_ Kind, _ ffmpeg.Input, out string, _ time.Duration) ([]string, error) {
		return []string{"sh", "-c", script, "sh", out}, nil
	}
	t.Cleanup(r.Close)
	return &testEnv{runner: r, lock: lock, dir: dir}
}

func (e *testEnv) wait(t *testing.T, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	job, err := e.runner.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) error = %v", id, err)
	}
	return job
}

func TestRecordCompletes(t *testing.T) {
	env := newTestEnv(t, `echo frame > "$1"`, nil, testOptions())

	job, err := env.runner.StartJob(context.Background(), KindRecord, Params{Filename: "a.mp4", Duration: time.Second})
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if job.State != StateRunning {
		t.Errorf("initial state = %s, want running", job.State)
	}

	job = env.wait(t, job.ID)
	if job.State != StateCompleted {
		t.Fatalf("state = %s (%s), want completed", job.State, job.Error)
	}
	resolved, err := filepath.EvalSymlinks(env.dir)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(resolved, "a.mp4")
	if job.OutputPath != want {
		t.Errorf("OutputPath = %q, want %q", job.OutputPath, want)
	}
	if job.FinishedAt == nil || job.Duration != 1 {
		t.Errorf("job = %+v", job)
	}
	if h := env.lock.Holder(); h != "" {
		t.Errorf("lock held by %q after completion", h)
	}
}

func TestSnapshotDefaults(t *testing.T) {
	env := newTestEnv(t, `echo jpeg > "$1"`, nil, testOptions())

	job, err := env.runner.StartJob(context.Background(), KindSnapshot, Params{})
	if err != nil {
		t.Fatal(err)
	}
	job = env.wait(t, job.ID)
	if job.State != StateCompleted {
		t.Fatalf("state = %s (%s)", job.State, job.Error)
	}
	if filepath.Base(job.OutputPath) != DefaultSnapshotFilename {
		t.Errorf("OutputPath = %q", job.OutputPath)
	}
	if !job.Deadline.After(*job.StartedAt) {
		t.Errorf("deadline %v not after start %v", job.Deadline, job.StartedAt)
	}
}

func TestRecordTimesOutWithinDeadline(t *testing.T) {
	env := newTestEnv(t, `sleep 10`, nil, testOptions())

	start := time.Now()
	job, err := env.runner.StartJob(context.Background(), KindRecord, Params{Filename: "slow.mp4", Duration: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	job = env.wait(t, job.ID)
	elapsed := time.Since(start)

	if job.State != StateTimedOut {
		t.Fatalf("state = %s, want timed_out", job.State)
	}
	if job.ErrorKind != errs.KindTimeout {
		t.Errorf("ErrorKind = %s", job.ErrorKind)
	}
	// duration + record grace + stop grace + kill grace, with slack.
	if limit := 100*time.Millisecond + 300*time.Millisecond + time.Second; elapsed > limit {
		t.Errorf("job took %v, want under %v", elapsed, limit)
	}
	if h := env.lock.Holder(); h != "" {
		t.Errorf("lock held by %q after timeout", h)
	}
}

func TestTranscoderCrash(t *testing.T) {
	env := newTestEnv(t, `echo "[error] /dev/video0: Device or resource busy"; exit 2`, nil, testOptions())

	job, err := env.runner.StartJob(context.Background(), KindRecord, Params{Filename: "a.mp4", Duration: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	job = env.wait(t, job.ID)

	if job.State != StateFailed || job.ExitCode != 2 {
		t.Fatalf("job = %+v, want failed with exit 2", job)
	}
	if job.ErrorKind != errs.KindProcessExited {
		t.Errorf("ErrorKind = %q, want %q", job.ErrorKind, errs.KindProcessExited)
	}
	if len(job.Tail) == 0 || !strings.Contains(job.Tail[len(job.Tail)-1], "resource busy") {
		t.Errorf("Tail = %v", job.Tail)
	}
	if h := env.lock.Holder(); h != "" {
		t.Errorf("lock held by %q after crash", h)
	}
}

func TestNoOutputIsFailure(t *testing.T) {
	env := newTestEnv(t, `true`, nil, testOptions())

	job, err := env.runner.StartJob(context.Background(), KindSnapshot, Params{Filename: "x.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	job = env.wait(t, job.ID)
	if job.State != StateFailed || job.ErrorKind != errs.KindIOFailure {
		t.Errorf("job = %+v, want failed io_failure", job)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, `sleep 10`, nil, testOptions())

	job, err := env.runner.StartJob(context.Background(), KindRecord, Params{Filename: "a.mp4", Duration: 30 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if h := env.lock.Holder(); h != "job:"+job.ID {
		t.Fatalf("lock holder = %q", h)
	}

	job, err = env.runner.Cancel(job.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if job.State != StateCancelled || job.ErrorKind != errs.KindCancelled {
		t.Errorf("job = %+v, want cancelled", job)
	}
	if h := env.lock.Holder(); h != "" {
		t.Errorf("lock held by %q after cancel", h)
	}

	// Cancelling again returns the finished job.
	again, err := env.runner.Cancel(job.ID)
	if err != nil || again.State != StateCancelled {
		t.Errorf("second Cancel() = %v, %v", again.State, err)
	}
}

func TestBusyWhenStreamHoldsDevice(t *testing.T) {
	gate := &fakeGate{state: stream.StateRunning}
	env := newTestEnv(t, `echo x > "$1"`, gate, testOptions())
	if err := env.lock.TryAcquire(stream.OwnerStream); err != nil {
		t.Fatal(err)
	}

	_, err := env.runner.StartJob(context.Background(), KindRecord, Params{Filename: "a.mp4", Duration: 5 * time.Second})
	if !errs.Is(err, errs.KindBusy) {
		t.Fatalf("StartJob() error = %v, want busy", err)
	}
	if env.lock.Holder() != stream.OwnerStream {
		t.Errorf("stream lost the device")
	}
	if len(env.runner.List()) != 0 {
		t.Errorf("rejected job was recorded")
	}
}

func TestBusyWhileStreamUnsettled(t *testing.T) {
	for _, st := range []stream.State{stream.StateStarting, stream.StateRestarting, stream.StateCrashed} {
		t.Run(string(st), func(t *testing.T) {
			gate := &fakeGate{state: st}
			opts := testOptions()
			opts.PreemptStream = true
			env := newTestEnv(t, `echo x > "$1"`, gate, opts)

			_, err := env.runner.StartJob(context.Background(), KindSnapshot, Params{})
			if !errs.Is(err, errs.KindBusy) {
				t.Errorf("StartJob() error = %v, want busy", err)
			}
			if env.lock.Holder() != "" {
				t.Errorf("lock taken by %q", env.lock.Holder())
			}
		})
	}
}

func TestPreemptStream(t *testing.T) {
	gate := &fakeGate{state: stream.StateRunning}
	opts := testOptions()
	opts.PreemptStream = true
	env := newTestEnv(t, `echo x > "$1"`, gate, opts)
	if err := env.lock.TryAcquire(stream.OwnerStream); err != nil {
		t.Fatal(err)
	}

	released := make(chan string, 1)
	env.lock.OnRelease(func(owner string) { released <- owner })

	job, err := env.runner.StartJob(context.Background(), KindSnapshot, Params{})
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if len(gate.suspended) != 1 || gate.suspended[0] != "job:"+job.ID {
		t.Errorf("suspended = %v", gate.suspended)
	}

	env.wait(t, job.ID)
	select {
	case owner := <-released:
		if owner != "job:"+job.ID {
			t.Errorf("released by %q", owner)
		}
	case <-time.After(time.Second):
		t.Fatal("device not released")
	}
}

func TestConcurrentJobsSingleWinner(t *testing.T) {
	env := newTestEnv(t, `sleep 10`, nil, testOptions())

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.runner.StartJob(context.Background(), KindRecord, Params{
				Filename: "c" + string(rune('a'+i)) + ".mp4",
				Duration: 30 * time.Second,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, busy int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errs.Is(err, errs.KindBusy):
			busy++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || busy != n-1 {
		t.Errorf("ok=%d busy=%d, want 1 and %d", ok, busy, n-1)
	}
}

// idleStream is a stream process that runs until stopped.
type idleStream struct {
	once sync.Once
	done chan struct{}
}

func (h *idleStream) PID() int              { return 4242 }
func (h *idleStream) Done() <-chan struct{} { return h.done }
func (h *idleStream) ExitCode() int         { return 0 }
func (h *idleStream) Tail() []string        { return nil }
func (h *idleStream) Stop() int {
	h.once.Do(func() { close(h.done) })
	return 0
}

type idleLauncher struct{}

func (idleLauncher) Launch(context.Context, settings.Config, devices.Device) (stream.Handle, error) {
	return &idleStream{done: make(chan struct{})}, nil
}

func TestStreamApplyAndJobSingleWinner(t *testing.T) {
	for i := range 30 {
		dir := t.TempDir()
		cfg := settings.Defaults(dir)
		lock := devices.NewLock()
		sup := stream.NewSupervisor(idleLauncher{}, fakeLookup{}, lock, nil, stream.Options{
			ReadyWindow:    20 * time.Millisecond,
			BackoffInitial: 5 * time.Millisecond,
			BackoffMax:     20 * time.Millisecond,
			MaxRetries:     3,
			StableAfter:    time.Hour,
		})
		r := NewRunner(func() settings.Config { return cfg }, fakeLookup{}, lock, sup, nil, testOptions())
		r.command = func(_ Kind, _ ffmpeg.Input, out string, _ time.Duration) ([]string, error) {
			return []string{"sh", "-c", "sleep 10", "sh", out}, nil
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		var applyErr, jobErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			applyErr = sup.Apply(ctx, cfg)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, jobErr = r.StartJob(context.Background(), KindRecord, Params{Filename: "race.mp4", Duration: 30 * time.Second})
		}()
		close(start)
		wg.Wait()

		sup.Close()
		r.Close()

		switch {
		case applyErr == nil && jobErr == nil:
			t.Fatalf("iteration %d: stream and job both own the device", i)
		case applyErr == nil && !errs.Is(jobErr, errs.KindBusy):
			t.Fatalf("iteration %d: job error = %v, want busy", i, jobErr)
		case jobErr == nil && !errs.Is(applyErr, errs.KindBusy):
			t.Fatalf("iteration %d: apply error = %v, want busy", i, applyErr)
		case applyErr != nil && jobErr != nil:
			t.Fatalf("iteration %d: no winner: apply=%v job=%v", i, applyErr, jobErr)
		}
	}
}

func TestStartJobValidation(t *testing.T) {
	env := newTestEnv(t, `true`, nil, testOptions())
	if err := os.Symlink(os.TempDir(), filepath.Join(env.dir, "out")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		kind   Kind
		params Params
		field  string
	}{
		{"parent escape", KindRecord, Params{Filename: "../a.mp4"}, "filename"},
		{"nested escape", KindRecord, Params{Filename: "x/../../a.mp4"}, "filename"},
		{"absolute", KindRecord, Params{Filename: "/etc/a.mp4"}, "filename"},
		{"symlinked dir", KindRecord, Params{Filename: "out/a.mp4"}, "filename"},
		{"missing dir", KindRecord, Params{Filename: "nope/a.mp4"}, "filename"},
		{"bad record ext", KindRecord, Params{Filename: "a.jpg"}, "filename"},
		{"bad snapshot ext", KindSnapshot, Params{Filename: "a.mp4"}, "filename"},
		{"negative duration", KindRecord, Params{Filename: "a.mp4", Duration: -time.Second}, "duration"},
		{"too long", KindRecord, Params{Filename: "a.mp4", Duration: 2 * time.Hour}, "duration"},
		{"unknown kind", Kind("timelapse"), Params{}, "kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.runner.StartJob(context.Background(), tt.kind, tt.params)
			if !errs.Is(err, errs.KindValidation) {
				t.Fatalf("StartJob() error = %v, want validation", err)
			}
			var e *errs.Error
			if !errors.As(err, &e) || e.Field != tt.field {
				t.Errorf("field = %v, want %s", err, tt.field)
			}
			if env.lock.Holder() != "" {
				t.Errorf("lock held after rejected job")
			}
		})
	}
}

func TestSpawnFailureReleasesLock(t *testing.T) {
	env := newTestEnv(t, `true`, nil, testOptions())
	env.runner.command = func(Kind, ffmpeg.Input, string, time.Duration) ([]string, error) {
		return []string{"/nonexistent/ffmpeg"}, nil
	}

	job, err := env.runner.StartJob(context.Background(), KindSnapshot, Params{})
	if !errs.Is(err, errs.KindSpawnFailed) {
		t.Fatalf("StartJob() error = %v, want spawn_failed", err)
	}
	if job.State != StateFailed {
		t.Errorf("state = %s", job.State)
	}
	if got, err := env.runner.Get(job.ID); err != nil || got.State != StateFailed {
		t.Errorf("Get() = %+v, %v", got, err)
	}
	if env.lock.Holder() != "" {
		t.Errorf("lock held by %q", env.lock.Holder())
	}
}

func TestHistoryIsBounded(t *testing.T) {
	opts := testOptions()
	opts.History = 2
	env := newTestEnv(t, `echo x > "$1"`, nil, opts)

	var ids []string
	for range 3 {
		job, err := env.runner.StartJob(context.Background(), KindSnapshot, Params{})
		if err != nil {
			t.Fatal(err)
		}
		env.wait(t, job.ID)
		ids = append(ids, job.ID)
	}

	list := env.runner.List()
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
	if list[0].ID != ids[2] || list[1].ID != ids[1] {
		t.Errorf("List() order = %s, %s", list[0].ID, list[1].ID)
	}
	if _, err := env.runner.Get(ids[0]); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Get(oldest) = %v, want not_found", err)
	}
}

func TestJobEvents(t *testing.T) {
	dir := t.TempDir()
	cfg := settings.Defaults(dir)
	bus := events.New()
	ch := make(chan any, 8)
	unsub := events.SubscribeToChannel[events.JobStateChangedEvent](bus, ch)
	defer unsub()

	r := NewRunner(func() settings.Config { return cfg }, fakeLookup{}, devices.NewLock(), nil, bus, testOptions())
	r.command = func(_ Kind, _ ffmpeg.Input, out string, _ time.Duration) ([]string, error) {
		return []string{"sh", "-c", `echo x > "$1"`, "sh", out}, nil
	}
	t.Cleanup(r.Close)

	job, err := r.StartJob(context.Background(), KindSnapshot, Params{})
	if err != nil {
		t.Fatal(err)
	}

	var states []string
	timeout := time.After(2 * time.Second)
	for len(states) < 2 {
		select {
		case ev := <-ch:
			e := ev.(events.JobStateChangedEvent)
			if e.JobID != job.ID {
				t.Fatalf("event for %s", e.JobID)
			}
			states = append(states, e.State)
		case <-timeout:
			t.Fatalf("events = %v", states)
		}
	}
	if states[0] != "running" || states[1] != "completed" {
		t.Errorf("states = %v", states)
	}
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	env := newTestEnv(t, `sleep 10`, nil, testOptions())

	job, err := env.runner.StartJob(context.Background(), KindRecord, Params{Filename: "a.mp4", Duration: 30 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	env.runner.Close()

	got, _ := env.runner.Get(job.ID)
	if got.State != StateCancelled {
		t.Errorf("state = %s after Close", got.State)
	}
	if _, err := env.runner.StartJob(context.Background(), KindSnapshot, Params{}); err == nil {
		t.Error("StartJob() after Close = nil")
	}
	if env.lock.Holder() != "" {
		t.Errorf("lock held by %q", env.lock.Holder())
	}
}
