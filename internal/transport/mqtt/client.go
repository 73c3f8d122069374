package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt client not connected")

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MessageHandler receives the payload of one inbound message.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client wraps a paho client. Subscriptions are restored after every
// reconnect.
type Client struct {
	cfg    Config
	client paho.Client
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	subs map[string]MessageHandler
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]MessageHandler),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	// Handlers publish and wait for the ack, so each inbound message gets
	// its own goroutine instead of blocking paho's incoming loop.
	opts.SetOrderMatters(false)

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
		c.resubscribe()
	})

	c.client = paho.NewClient(opts)
	return c
}

// Connect blocks until the broker accepted the connection or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.cfg.Broker, err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Publish sends payload to topic with the configured QoS and waits at
// most PublishTimeout for the broker to acknowledge it.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()
	if err := wait(ctx, c.client.Publish(topic, c.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic. The subscription is kept across
// reconnects.
func (c *Client) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	if !c.client.IsConnected() {
		return nil
	}
	if err := wait(ctx, c.client.Subscribe(topic, c.cfg.QoS, c.dispatch(handler))); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	c.logger.Info("Subscribed to topic", zap.String("topic", topic))
	return nil
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for topic, handler := range c.subs {
		token := c.client.Subscribe(topic, c.cfg.QoS, c.dispatch(handler))
		if token.Wait() && token.Error() != nil {
			c.logger.Error("Failed to subscribe to topic", zap.String("topic", topic), zap.Error(token.Error()))
			continue
		}
		c.logger.Info("Subscribed to topic", zap.String("topic", topic))
	}
}

func (c *Client) dispatch(handler MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		handler(c.ctx, msg.Topic(), msg.Payload())
	}
}

// Close disconnects and stops handlers that are still running.
func (c *Client) Close() {
	c.cancel()
	if c.client.IsConnected() {
		c.client.Disconnect(1000)
		c.logger.Info("Disconnected from MQTT broker")
	}
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
