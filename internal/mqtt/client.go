// Package mqtt subscribes to device telemetry published on the field broker.
package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/digital-egiz/telemetry-core/internal/registry"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// Message is a telemetry publish with the device identity taken from its topic
type Message struct {
	Topic    string
	Identity registry.Identity
	Payload  []byte
}

// Handler processes one telemetry message
type Handler func(ctx context.Context, msg Message) error

// Client is a paho client subscribed to the telemetry topics
type Client struct {
	client  paho.Client
	prefix  string
	qos     byte
	timeout time.Duration
	handler Handler
	logger  *utils.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient configures a client. Subscriptions are (re)established on every connect.
func NewClient(cfg *config.MQTTConfig, timeout time.Duration, handler Handler, logger *utils.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		prefix:  strings.Trim(cfg.TopicPrefix, "/"),
		qos:     byte(cfg.QoS),
		timeout: timeout,
		handler: handler,
		logger:  logger.Named("mqtt"),
		ctx:     ctx,
		cancel:  cancel,
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.BrokerURL))
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = "telemetry-core-" + time.Now().UTC().Format("150405.000")
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(true)

	opts.OnConnectionLost = func(_ paho.Client, err error) {
		c.logger.Warn("MQTT connection lost", zap.Error(err))
	}
	opts.OnConnect = func(pc paho.Client) {
		c.logger.Info("MQTT connected", zap.String("client_id", clientID))
		c.subscribe(pc)
	}

	c.client = paho.NewClient(opts)
	return c
}

// brokerURL accepts mqtt:// URLs the way other services in the stack spell them
func brokerURL(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return "tcp://mosquitto:1883"
	}
	if strings.HasPrefix(url, "mqtt://") {
		return "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	return url
}

// Connect dials the broker and waits for the first connection
func (c *Client) Connect() error {
	tok := c.client.Connect()
	if !tok.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("timed out connecting to MQTT broker")
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

func (c *Client) subscribe(pc paho.Client) {
	filters := make(map[string]byte)
	for _, topic := range Topics(c.prefix) {
		filters[topic] = c.qos
	}

	tok := pc.SubscribeMultiple(filters, c.onMessage)
	if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		c.logger.Error("Failed to subscribe to telemetry topics", zap.Error(tok.Error()))
		return
	}
	c.logger.Info("Subscribed to telemetry topics", zap.Any("topics", filters))
}

func (c *Client) onMessage(_ paho.Client, m paho.Message) {
	id, err := ParseTopic(c.prefix, m.Topic())
	if err != nil {
		c.logger.Warn("Ignoring message on unexpected topic", zap.String("topic", m.Topic()), zap.Error(err))
		return
	}

	ctx := c.ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.handler(ctx, Message{Topic: m.Topic(), Identity: id, Payload: m.Payload()}); err != nil {
		c.logger.Warn("Failed to process telemetry message",
			zap.String("topic", m.Topic()),
			zap.Error(err))
	}
}

// Close cancels in-flight handlers and disconnects
func (c *Client) Close() {
	c.cancel()
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(1000)
	}
	c.logger.Info("MQTT client closed")
}

// Topics returns the subscription filters under prefix
func Topics(prefix string) []string {
	return []string{
		join(prefix, "devices/+/telemetry"),
		join(prefix, "gateways/+/+/telemetry"),
	}
}

func join(prefix, rest string) string {
	if prefix == "" {
		return rest
	}
	return prefix + "/" + rest
}

// ParseTopic extracts the device identity from a telemetry topic:
// <prefix>/devices/<device_id>/telemetry or <prefix>/gateways/<gateway_id>/<edge_key>/telemetry
func ParseTopic(prefix, topic string) (registry.Identity, error) {
	rest := topic
	if prefix != "" {
		if !strings.HasPrefix(topic, prefix+"/") {
			return registry.Identity{}, fmt.Errorf("topic outside prefix %q", prefix)
		}
		rest = strings.TrimPrefix(topic, prefix+"/")
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 3 && parts[0] == "devices" && parts[2] == "telemetry":
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil || id == 0 {
			return registry.Identity{}, fmt.Errorf("invalid device id %q", parts[1])
		}
		return registry.Identity{DeviceID: uint(id)}, nil

	case len(parts) == 4 && parts[0] == "gateways" && parts[3] == "telemetry":
		gw, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil || gw == 0 {
			return registry.Identity{}, fmt.Errorf("invalid gateway id %q", parts[1])
		}
		if parts[2] == "" {
			return registry.Identity{}, fmt.Errorf("empty edge key")
		}
		return registry.Identity{GatewayID: uint(gw), EdgeKey: parts[2]}, nil
	}

	return registry.Identity{}, fmt.Errorf("unrecognized telemetry topic")
}
