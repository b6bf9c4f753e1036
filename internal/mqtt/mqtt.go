// Package mqtt wraps the paho client behind the small surface the bridge
// needs.
package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cecbridge/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClientAPI is the minimal surface area the bridge needs.
// It enables unit testing without requiring a live broker.
type ClientAPI interface {
	Subscribe(topic string, cb Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
	PublishWith(topic string, payload []byte, retain bool) error
}

// Message is re-exported type for handlers
type Message = mqtt.Message

// Handler is handler signature
type Handler = mqtt.MessageHandler

// Conn is the paho client passed to handlers
type Conn = mqtt.Client

// Client is a connected paho client.
type Client struct {
	cli    mqtt.Client
	logger *zap.Logger
}

var _ ClientAPI = (*Client)(nil)

// BrokerAddress normalises mqtt:// and tls:// URLs into the schemes paho
// understands.
func BrokerAddress(brokerURL string) (string, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host, nil
	case "ssl", "tls", "mqtts":
		return "ssl://" + u.Host, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, nil
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

// New connects to the broker described by cfg.
func New(cfg config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	logger = logger.Named("mqtt")

	server, err := BrokerAddress(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(server)
	opts.SetClientID(cfg.ClientID + "-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", server))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("MQTT connection lost, will auto-reconnect", zap.Error(err))
	}

	username, password := cfg.Username, cfg.Password
	if u, _ := url.Parse(cfg.BrokerURL); u != nil && u.User != nil && username == "" {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	if strings.HasPrefix(server, "ssl://") || strings.HasPrefix(server, "wss://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return &Client{cli: cli, logger: logger}, nil
}

func (c *Client) Subscribe(topic string, cb Handler) error {
	t := c.cli.Subscribe(topic, 0, cb)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	c.logger.Info("MQTT subscribed", zap.String("topic", topic))
	return nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	return c.PublishWith(topic, payload, false)
}

func (c *Client) PublishWith(topic string, payload []byte, retain bool) error {
	t := c.cli.Publish(topic, 0, retain, payload)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	t := c.cli.Unsubscribe(topic)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	c.logger.Info("MQTT unsubscribed", zap.String("topic", topic))
	return nil
}

// Close disconnects, giving in-flight publishes a moment to finish.
func (c *Client) Close() {
	c.cli.Disconnect(250)
}
