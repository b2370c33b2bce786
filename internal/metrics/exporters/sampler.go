package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/pimonitor/internal/events"
	"github.com/smazurov/pimonitor/internal/process"
	"github.com/smazurov/pimonitor/internal/stream"
)

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// StreamSource is the supervisor view the sampler needs.
type StreamSource interface {
	Status() stream.Status
	Stats() (process.Stats, error)
}

// Sampler periodically publishes resource usage of the running stream.
type Sampler struct {
	source   StreamSource
	eventBus EventPublisher
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSampler creates a sampler. A non-positive interval defaults to 5s.
func NewSampler(source StreamSource, eventBus EventPublisher, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{
		source:   source,
		eventBus: eventBus,
		interval: interval,
	}
}

// Start begins the sampling loop.
func (s *Sampler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Stop stops the sampler and waits for the goroutine to finish.
func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sampler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	status := s.source.Status()
	if status.State != stream.StateRunning || status.PID == 0 {
		return
	}
	stats, err := s.source.Stats()
	if err != nil {
		return
	}
	s.eventBus.Publish(events.StreamStatsEvent{
		PID:        status.PID,
		CPUPercent: stats.CPUPercent,
		MemPercent: stats.MemPercent,
		RSSBytes:   stats.RSSBytes,
		Timestamp:  events.Now(),
	})
}
