package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/pimonitor/internal/devices"
)

type fakeUnits struct {
	mu      sync.Mutex
	state   string
	pid     int
	starts  int
	stops   int
	failErr error
}

func (f *fakeUnits) StartUnit(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.starts++
	f.state = "active"
	return nil
}

func (f *fakeUnits) StopUnit(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = "inactive"
	return nil
}

func (f *fakeUnits) ActiveState(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeUnits) MainPID(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pid, nil
}

func (f *fakeUnits) set(state string) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

func newTestSystemdLauncher(units UnitManager) *SystemdLauncher {
	l := NewSystemdLauncher(units, "pimonitor-stream.service", time.Second)
	l.pollInterval = 5 * time.Millisecond
	return l
}

func TestSystemdLauncherDetectsFailure(t *testing.T) {
	units := &fakeUnits{}
	l := newTestSystemdLauncher(units)

	h, err := l.Launch(context.Background(), testConfig(), devices.Device{Path: "/dev/video0"})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	select {
	case <-h.Done():
		t.Fatal("handle done while unit active")
	case <-time.After(30 * time.Millisecond):
	}

	units.set("failed")
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("failed unit not detected")
	}
	if h.ExitCode() != 1 {
		t.Errorf("ExitCode() = %d, want 1", h.ExitCode())
	}
	if len(h.Tail()) != 1 {
		t.Errorf("Tail() = %v", h.Tail())
	}
}

func TestSystemdLauncherStop(t *testing.T) {
	units := &fakeUnits{}
	l := newTestSystemdLauncher(units)

	h, err := l.Launch(context.Background(), testConfig(), devices.Device{Path: "/dev/video0"})
	if err != nil {
		t.Fatal(err)
	}
	if code := h.Stop(); code != 0 {
		t.Errorf("Stop() = %d, want 0", code)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done not closed after Stop")
	}

	units.mu.Lock()
	defer units.mu.Unlock()
	if units.starts != 1 || units.stops != 1 {
		t.Errorf("starts=%d stops=%d, want 1/1", units.starts, units.stops)
	}
}

func TestSystemdLauncherStartError(t *testing.T) {
	units := &fakeUnits{failErr: errors.New("unit not found")}
	l := newTestSystemdLauncher(units)

	if _, err := l.Launch(context.Background(), testConfig(), devices.Device{}); err == nil {
		t.Fatal("Launch() = nil, want error")
	}
}

func TestSupervisorWithSystemdLauncher(t *testing.T) {
	units := &fakeUnits{}
	s, _ := newTestSupervisor(t, newTestSystemdLauncher(units))

	if err := s.Apply(context.Background(), testConfig()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if s.Status().State != StateRunning {
		t.Fatalf("state = %s", s.Status().State)
	}

	units.set("failed")
	eventually(t, "unit to be restarted", func() bool {
		units.mu.Lock()
		defer units.mu.Unlock()
		return units.starts >= 2
	})
}
