package mqtt

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/pimonitor/internal/events"
)

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	msgs   []message
	closed bool
}

func (f *fakePublisher) Publish(topic string, _ byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, message{topic, retained, payload})
	return nil
}

func (f *fakePublisher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakePublisher) byTopic() map[string]message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]message, len(f.msgs))
	for _, m := range f.msgs {
		out[m.topic] = m
	}
	return out
}

func TestNewUnconfiguredIsInert(t *testing.T) {
	b, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if b.Enabled() {
		t.Error("bridge enabled without a broker")
	}
	b.Start(events.New())
	b.Close()
}

func TestTopicPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "pimonitor/config"},
		{"home/cam1/", "home/cam1/config"},
		{"/lab", "lab/config"},
	}
	for _, tt := range tests {
		if got := NewBridge(nil, tt.prefix).Topic("config"); got != tt.want {
			t.Errorf("Topic() with prefix %q = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestBridgeForwardsEvents(t *testing.T) {
	pub := &fakePublisher{}
	b := NewBridge(pub, "cam")
	bus := events.New()
	b.Start(bus)

	bus.Publish(events.StreamStateChangedEvent{State: "running", PreviousState: "starting", PID: 7})
	bus.Publish(events.JobStateChangedEvent{JobID: "j1", Kind: "snapshot", State: "completed"})
	bus.Publish(events.ConfigReplacedEvent{Source: "file", Changed: []string{"FPS"}})
	bus.Publish(events.DeviceLockChangedEvent{Holder: "stream"})

	want := []string{"cam/stream/state", "cam/jobs/j1", "cam/config", "cam/device"}
	deadline := time.Now().Add(2 * time.Second)
	for len(pub.byTopic()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Close()

	got := pub.byTopic()
	for _, topic := range want {
		if _, ok := got[topic]; !ok {
			t.Errorf("no message on %s", topic)
		}
	}
	if !got["cam/stream/state"].retained || got["cam/config"].retained {
		t.Error("retain flags wrong")
	}

	var state events.StreamStateChangedEvent
	if err := json.Unmarshal(got["cam/stream/state"].payload, &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.State != "running" || state.PID != 7 {
		t.Errorf("payload = %+v", state)
	}
	if !pub.closed {
		t.Error("publisher not closed")
	}
}
