package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/pimonitor/internal/events"
)

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of supervisor, job, configuration and device events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"stream-state":    events.StreamStateChangedEvent{},
		"stream-crashed":  events.StreamCrashedEvent{},
		"stream-stats":    events.StreamStatsEvent{},
		"job-state":       events.JobStateChangedEvent{},
		"config-replaced": events.ConfigReplacedEvent{},
		"device-lock":     events.DeviceLockChangedEvent{},
		"device-hotplug":  events.DeviceHotplugEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.StreamStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.StreamCrashedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.StreamStatsEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.JobStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.ConfigReplacedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.DeviceLockChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.DeviceHotplugEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Current state first, so clients need no separate fetch.
		status := s.ctrl.StreamStatus()
		if err := send.Data(events.StreamStateChangedEvent{
			State:     string(status.State),
			PID:       status.PID,
			Failures:  status.Failures,
			Error:     status.LastError,
			Timestamp: events.Now(),
		}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
