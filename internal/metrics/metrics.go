// Package metrics provides Prometheus metrics for the live stream, jobs and
// configuration commits.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// streamStates lists every supervisor state so the state gauge always
// exports a full set of series.
var streamStates = []string{"stopped", "starting", "running", "restarting", "crashed"}

var (
	streamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pimonitor",
		Subsystem: "stream",
		Name:      "state",
		Help:      "1 for the current live-stream state, 0 otherwise",
	}, []string{"state"})

	streamStarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pimonitor",
		Subsystem: "stream",
		Name:      "starts_total",
		Help:      "Live-stream processes that reached running",
	})

	streamCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pimonitor",
		Subsystem: "stream",
		Name:      "crashes_total",
		Help:      "Unexpected live-stream process exits",
	})

	streamFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pimonitor",
		Subsystem: "stream",
		Name:      "consecutive_failures",
		Help:      "Consecutive failed start attempts",
	})

	streamCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pimonitor",
		Subsystem: "stream",
		Name:      "cpu_percent",
		Help:      "CPU usage of the live-stream process",
	})

	streamRSS = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pimonitor",
		Subsystem: "stream",
		Name:      "rss_bytes",
		Help:      "Resident set size of the live-stream process",
	})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pimonitor",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Jobs that reached a terminal state",
	}, []string{"kind", "state"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pimonitor",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Run time of finished jobs",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900, 3600},
	}, []string{"kind"})

	jobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pimonitor",
		Subsystem: "jobs",
		Name:      "active",
		Help:      "Jobs currently running",
	})

	configReplacements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pimonitor",
		Subsystem: "config",
		Name:      "replacements_total",
		Help:      "Committed configuration changes",
	}, []string{"source"})

	deviceHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pimonitor",
		Subsystem: "device",
		Name:      "held",
		Help:      "1 while the capture device is held, by owner type",
	}, []string{"owner"})
)

// SetStreamState marks state as the current live-stream state.
func SetStreamState(state string) {
	for _, s := range streamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		streamState.WithLabelValues(s).Set(v)
	}
}

// IncStreamStarts counts a process that reached running.
func IncStreamStarts() {
	streamStarts.Inc()
}

// IncStreamCrashes counts an unexpected process exit.
func IncStreamCrashes() {
	streamCrashes.Inc()
}

// SetStreamFailures sets the consecutive failure count.
func SetStreamFailures(n int) {
	streamFailures.Set(float64(n))
}

// SetStreamResources records the latest process sample.
func SetStreamResources(cpuPercent float64, rssBytes uint64) {
	streamCPU.Set(cpuPercent)
	streamRSS.Set(float64(rssBytes))
}

// ObserveJob records a finished job.
func ObserveJob(kind, state string, seconds float64) {
	jobsFinished.WithLabelValues(kind, state).Inc()
	if seconds > 0 {
		jobDuration.WithLabelValues(kind).Observe(seconds)
	}
}

// AddActiveJobs adjusts the running job gauge.
func AddActiveJobs(delta float64) {
	jobsActive.Add(delta)
}

// IncConfigReplacements counts a configuration commit.
func IncConfigReplacements(source string) {
	configReplacements.WithLabelValues(source).Inc()
}

// SetDeviceHolder records who holds the capture device. Job owners are
// collapsed into "job" to keep the label set bounded.
func SetDeviceHolder(holder string) {
	owner := ownerType(holder)
	for _, o := range []string{"stream", "job"} {
		v := 0.0
		if o == owner {
			v = 1
		}
		deviceHeld.WithLabelValues(o).Set(v)
	}
}

func ownerType(holder string) string {
	switch {
	case holder == "":
		return ""
	case len(holder) >= 4 && holder[:4] == "job:":
		return "job"
	default:
		return "stream"
	}
}
