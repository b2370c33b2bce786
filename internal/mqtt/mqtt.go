// Package mqtt mirrors appliance events onto an MQTT broker. It is inert
// unless a broker host is configured.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/smazurov/pimonitor/internal/events"
	"github.com/smazurov/pimonitor/internal/logging"
)

// Config selects the broker.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool {
	return c.Host != ""
}

// Publisher sends one message.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Client is a Publisher backed by paho.
type Client struct {
	client paho.Client
}

// Dial connects to the broker with automatic reconnect.
func Dial(cfg Config) (*Client, error) {
	port := cfg.Port
	if port == 0 {
		port = 1883
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "pimonitor"
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, port))
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	cli := paho.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	return &Client{client: cli}, nil
}

// Publish sends payload and waits for the broker to accept it.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// Bridge publishes bus events under a topic prefix:
//
//	<prefix>/stream/state    retained
//	<prefix>/stream/crashed
//	<prefix>/jobs/<id>       retained while the job is tracked
//	<prefix>/config
//	<prefix>/device          retained
//	<prefix>/device/hotplug
type Bridge struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
	unsubs []func()
}

// New dials the broker and returns a bridge. With an unconfigured cfg the
// bridge is inert.
func New(cfg Config) (*Bridge, error) {
	if !cfg.Enabled() {
		return NewBridge(nil, cfg.TopicPrefix), nil
	}
	cli, err := Dial(cfg)
	if err != nil {
		return nil, err
	}
	return NewBridge(cli, cfg.TopicPrefix), nil
}

// NewBridge creates a bridge over pub. A nil pub disables publishing.
func NewBridge(pub Publisher, prefix string) *Bridge {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "pimonitor"
	}
	return &Bridge{
		pub:    pub,
		prefix: prefix,
		logger: logging.GetLogger("mqtt"),
	}
}

// Enabled reports whether the bridge publishes anything.
func (b *Bridge) Enabled() bool {
	return b.pub != nil
}

// Start subscribes to bus.
func (b *Bridge) Start(bus *events.Bus) {
	if !b.Enabled() {
		return
	}
	b.unsubs = append(b.unsubs,
		bus.Subscribe(func(e events.StreamStateChangedEvent) {
			b.send("stream/state", true, e)
		}),
		bus.Subscribe(func(e events.StreamCrashedEvent) {
			b.send("stream/crashed", false, e)
		}),
		bus.Subscribe(func(e events.JobStateChangedEvent) {
			b.send("jobs/"+e.JobID, true, e)
		}),
		bus.Subscribe(func(e events.ConfigReplacedEvent) {
			b.send("config", false, e)
		}),
		bus.Subscribe(func(e events.DeviceLockChangedEvent) {
			b.send("device", true, e)
		}),
		bus.Subscribe(func(e events.DeviceHotplugEvent) {
			b.send("device/hotplug", false, e)
		}),
	)
}

// Close unsubscribes and disconnects.
func (b *Bridge) Close() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	if b.pub != nil {
		b.pub.Close()
	}
}

// Topic returns the full topic for suffix.
func (b *Bridge) Topic(suffix string) string {
	return b.prefix + "/" + suffix
}

func (b *Bridge) send(suffix string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("Failed to encode event", "topic", suffix, "error", err)
		return
	}
	topic := b.Topic(suffix)
	if err := b.pub.Publish(topic, 1, retained, payload); err != nil {
		b.logger.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}
