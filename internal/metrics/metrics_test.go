package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smazurov/pimonitor/internal/events"
)

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSetStreamState(t *testing.T) {
	SetStreamState("running")
	for _, s := range streamStates {
		want := 0.0
		if s == "running" {
			want = 1
		}
		if got := testutil.ToFloat64(streamState.WithLabelValues(s)); got != want {
			t.Errorf("state %s = %v, want %v", s, got, want)
		}
	}
}

func TestSetDeviceHolder(t *testing.T) {
	tests := []struct {
		holder    string
		stream    float64
		job       float64
		ownerType string
	}{
		{"stream", 1, 0, "stream"},
		{"job:7b0c", 0, 1, "job"},
		{"", 0, 0, ""},
	}
	for _, tt := range tests {
		SetDeviceHolder(tt.holder)
		if got := ownerType(tt.holder); got != tt.ownerType {
			t.Errorf("ownerType(%q) = %q, want %q", tt.holder, got, tt.ownerType)
		}
		if got := testutil.ToFloat64(deviceHeld.WithLabelValues("stream")); got != tt.stream {
			t.Errorf("holder %q: stream = %v, want %v", tt.holder, got, tt.stream)
		}
		if got := testutil.ToFloat64(deviceHeld.WithLabelValues("job")); got != tt.job {
			t.Errorf("holder %q: job = %v, want %v", tt.holder, got, tt.job)
		}
	}
}

func TestRecorderFollowsEvents(t *testing.T) {
	bus := events.New()
	r := NewRecorder(bus)
	defer r.Close()

	starts := testutil.ToFloat64(streamStarts)
	crashes := testutil.ToFloat64(streamCrashes)
	done := testutil.ToFloat64(jobsFinished.WithLabelValues("snapshot", "completed"))
	spawnFailed := testutil.ToFloat64(jobsFinished.WithLabelValues("record", "failed"))
	fromAPI := testutil.ToFloat64(configReplacements.WithLabelValues("api"))
	active := testutil.ToFloat64(jobsActive)

	bus.Publish(events.StreamStateChangedEvent{State: "running", PreviousState: "starting"})
	bus.Publish(events.StreamCrashedEvent{ExitCode: 1, Failures: 1})
	bus.Publish(events.StreamStateChangedEvent{State: "crashed", PreviousState: "running", Failures: 1})
	bus.Publish(events.JobStateChangedEvent{JobID: "a", Kind: "snapshot", State: "running"})
	bus.Publish(events.JobStateChangedEvent{JobID: "a", Kind: "snapshot", State: "completed", Seconds: 0.4})
	bus.Publish(events.JobStateChangedEvent{JobID: "b", Kind: "record", State: "failed", ExitCode: -1})
	bus.Publish(events.ConfigReplacedEvent{Source: "api", Changed: []string{"FPS"}})
	bus.Publish(events.DeviceLockChangedEvent{Holder: "job:a"})

	eventually(t, func() bool {
		return testutil.ToFloat64(streamStarts) == starts+1 &&
			testutil.ToFloat64(streamCrashes) == crashes+1 &&
			testutil.ToFloat64(streamFailures) == 1 &&
			testutil.ToFloat64(streamState.WithLabelValues("crashed")) == 1 &&
			testutil.ToFloat64(jobsFinished.WithLabelValues("snapshot", "completed")) == done+1 &&
			testutil.ToFloat64(jobsFinished.WithLabelValues("record", "failed")) == spawnFailed+1 &&
			testutil.ToFloat64(configReplacements.WithLabelValues("api")) == fromAPI+1 &&
			testutil.ToFloat64(deviceHeld.WithLabelValues("job")) == 1
	})
	if got := testutil.ToFloat64(jobsActive); got != active {
		t.Errorf("active jobs = %v, want %v", got, active)
	}
}

func TestRecorderStreamStats(t *testing.T) {
	bus := events.New()
	r := NewRecorder(bus)
	defer r.Close()

	bus.Publish(events.StreamStatsEvent{PID: 10, CPUPercent: 12.5, RSSBytes: 2048})
	eventually(t, func() bool {
		return testutil.ToFloat64(streamCPU) == 12.5 && testutil.ToFloat64(streamRSS) == 2048
	})
}
