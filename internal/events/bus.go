// Package events is the in-process event bus. Publishers never block on
// subscribers; each subscriber receives events in publish order.
package events

import (
	"time"

	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
// A nil bus drops the event, so components work without one.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case StreamStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case StreamCrashedEvent:
		event.Publish(b.dispatcher, e)
	case JobStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case ConfigReplacedEvent:
		event.Publish(b.dispatcher, e)
	case DeviceLockChangedEvent:
		event.Publish(b.dispatcher, e)
	case StreamStatsEvent:
		event.Publish(b.dispatcher, e)
	case DeviceHotplugEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type determines which events it receives.
// Returns an unsubscribe function.
// Usage: unsub := bus.Subscribe(func(e JobStateChangedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(StreamStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamCrashedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(JobStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ConfigReplacedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DeviceLockChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamStatsEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DeviceHotplugEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}

// Now formats the current time the way events carry it.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
