package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"

	"github.com/rl1809/smart-fridge/internal/config"
	"github.com/rl1809/smart-fridge/internal/core/domain"
)

var ErrMQTTNotConnected = errors.New("mqtt not connected")

type MQTTConfig struct {
	Broker      string // host:port
	ClientID    string
	DeviceID    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// MQTTClient delivers telemetry over MQTT. Publishes use QoS 1 so a nil
// error means the broker acknowledged the message. Config deltas and OTA
// manifests arrive on retained topics and are handed out on the next pull.
type MQTTClient struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu          sync.Mutex
	configDelta map[string]interface{}
	manifest    *domain.OTAManifest
}

func NewMQTTClient(cfg MQTTConfig, logger *slog.Logger) *MQTTClient {
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "fridge"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = cfg.DeviceID
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &MQTTClient{cfg: cfg, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(false)
	opts.OnConnect = c.onConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", cfg.Broker)
	}

	c.client = mqtt.NewClient(opts)
	return c
}

func (c *MQTTClient) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", c.cfg.TopicPrefix, c.cfg.DeviceID, suffix)
}

// onConnect (re)subscribes to the downstream topics.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.logger.Info("mqtt connection established", "broker", c.cfg.Broker, "client_id", c.cfg.ClientID)

	subs := map[string]mqtt.MessageHandler{
		c.Topic("config"): c.handleConfig,
		c.Topic("ota"):    c.handleOTA,
	}
	for topic, handler := range subs {
		token := client.Subscribe(topic, c.cfg.QoS, handler)
		if !token.WaitTimeout(c.cfg.Timeout) {
			c.logger.Warn("mqtt subscribe timeout", "topic", topic)
			continue
		}
		if err := token.Error(); err != nil {
			c.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		}
	}
}

func (c *MQTTClient) handleConfig(_ mqtt.Client, msg mqtt.Message) {
	var delta map[string]interface{}
	if err := json.Unmarshal(msg.Payload(), &delta); err != nil {
		c.logger.Warn("invalid config delta", "topic", msg.Topic(), "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.configDelta
	if pending == nil {
		pending = make(map[string]interface{}, len(delta))
	}
	// rejected here so that a pulled delta always applies cleanly
	if err := config.Merge(pending, delta); err != nil {
		c.logger.Warn("rejected config delta", "topic", msg.Topic(), "error", err)
		return
	}
	c.configDelta = pending
}

func (c *MQTTClient) handleOTA(_ mqtt.Client, msg mqtt.Message) {
	var manifest domain.OTAManifest
	if err := json.Unmarshal(msg.Payload(), &manifest); err != nil {
		c.logger.Warn("invalid ota manifest", "topic", msg.Topic(), "error", err)
		return
	}

	c.mu.Lock()
	c.manifest = &manifest
	c.mu.Unlock()
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("mqtt operation timeout after %s", timeout)
	}
}

func (c *MQTTClient) publish(ctx context.Context, suffix string, v interface{}) error {
	if !c.client.IsConnectionOpen() {
		return ErrMQTTNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", suffix, err)
	}

	topic := c.Topic(suffix)
	if err := wait(ctx, c.client.Publish(topic, c.cfg.QoS, false, payload), c.cfg.Timeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	c.logger.Debug("mqtt published", "topic", topic, "size", len(payload))
	return nil
}

func (c *MQTTClient) Connect(ctx context.Context, hello domain.DeviceHello) error {
	if !c.client.IsConnected() {
		if err := wait(ctx, c.client.Connect(), c.cfg.Timeout); err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
	}
	return c.publish(ctx, "hello", ConnectRequest{
		DeviceID:  hello.DeviceID,
		Version:   hello.Version,
		Timestamp: hello.Timestamp,
	})
}

func (c *MQTTClient) Heartbeat(ctx context.Context, deviceID string) error {
	return c.publish(ctx, "heartbeat", HeartbeatRequest{DeviceID: deviceID, Timestamp: time.Now()})
}

func (c *MQTTClient) PushStatus(ctx context.Context, deviceID string, item domain.TelemetryItem) error {
	return c.publish(ctx, "status", StatusRequest{DeviceID: deviceID, Item: item})
}

func (c *MQTTClient) PushBatch(ctx context.Context, deviceID string, kind domain.TelemetryKind, items []domain.TelemetryItem) error {
	return c.publish(ctx, string(kind), BatchRequest{DeviceID: deviceID, Kind: kind, Items: items})
}

// PullConfig returns the config received since the last pull, flattened to
// dotted paths.
func (c *MQTTClient) PullConfig(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	if !c.client.IsConnectionOpen() {
		return nil, ErrMQTTNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delta := c.configDelta
	c.configDelta = nil
	return delta, nil
}

func (c *MQTTClient) PullOTAManifest(ctx context.Context, deviceID, version string) (*domain.OTAManifest, error) {
	if !c.client.IsConnectionOpen() {
		return nil, ErrMQTTNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manifest == nil || c.manifest.Version == version {
		return &domain.OTAManifest{HasUpdate: false, Version: version}, nil
	}
	m := *c.manifest
	m.HasUpdate = true
	return &m, nil
}

func (c *MQTTClient) Close() error {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	}
	return nil
}
