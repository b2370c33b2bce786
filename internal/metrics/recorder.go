package metrics

import (
	"sync"

	"github.com/smazurov/pimonitor/internal/events"
)

// Recorder keeps the Prometheus series in step with the event bus.
type Recorder struct {
	unsubs []func()

	mu      sync.Mutex
	running map[string]struct{}
}

// NewRecorder subscribes to bus and starts recording.
func NewRecorder(bus *events.Bus) *Recorder {
	SetStreamState("stopped")
	SetDeviceHolder("")

	r := &Recorder{running: make(map[string]struct{})}
	r.unsubs = append(r.unsubs,
		bus.Subscribe(func(e events.StreamStateChangedEvent) {
			SetStreamState(e.State)
			SetStreamFailures(e.Failures)
			if e.State == "running" {
				IncStreamStarts()
			} else {
				SetStreamResources(0, 0)
			}
		}),
		bus.Subscribe(func(events.StreamCrashedEvent) {
			IncStreamCrashes()
		}),
		bus.Subscribe(func(e events.StreamStatsEvent) {
			SetStreamResources(e.CPUPercent, e.RSSBytes)
		}),
		bus.Subscribe(r.onJob),
		bus.Subscribe(func(e events.ConfigReplacedEvent) {
			IncConfigReplacements(e.Source)
		}),
		bus.Subscribe(func(e events.DeviceLockChangedEvent) {
			SetDeviceHolder(e.Holder)
		}),
	)
	return r
}

func (r *Recorder) onJob(e events.JobStateChangedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case e.State == "running":
		r.running[e.JobID] = struct{}{}
		AddActiveJobs(1)
	case e.Terminal():
		// Spawn failures never reach running.
		if _, ok := r.running[e.JobID]; ok {
			delete(r.running, e.JobID)
			AddActiveJobs(-1)
		}
		ObserveJob(e.Kind, e.State, e.Seconds)
	}
}

// Close unsubscribes from the bus.
func (r *Recorder) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}
