package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wargotik/wargot-ha-addons/internal/config"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Client is a thin paho wrapper that publishes without blocking the caller.
// Publish results are awaited in the background and failures are logged.
type Client struct {
	cfg     config.MQTTConfig
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.RWMutex
	inner pahomqtt.Client
}

// NewClient prepares a client for cfg. Nothing is dialled until Connect.
func NewClient(cfg config.MQTTConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger, timeout: 5 * time.Second}
}

func (c *Client) options(onConnect func()) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port))
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetWill(bridgeStateTopic(c.cfg.BaseTopic), PayloadOffline, 1, true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		c.logger.Info("mqtt: connected", slog.String("broker", c.cfg.Host))
		if onConnect != nil {
			onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.Warn("mqtt: connection lost", slog.Any("error", err))
	})
	return opts
}

// Connect dials the broker. onConnect runs after every (re)connect. When the
// broker is not reachable within timeout Connect returns an error, but the
// client keeps retrying in the background.
func (c *Client) Connect(timeout time.Duration, onConnect func()) error {
	inner := pahomqtt.NewClient(c.options(onConnect))
	c.mu.Lock()
	c.inner = inner
	c.mu.Unlock()

	tok := inner.Connect()
	if !tok.WaitTimeout(timeout) {
		return errors.New("mqtt: connect timed out, retrying in background")
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	return nil
}

// Publish sends payload at QoS 1.
func (c *Client) Publish(topic string, retain bool, payload []byte) {
	c.mu.RLock()
	inner := c.inner
	c.mu.RUnlock()
	if inner == nil {
		return
	}

	tok := inner.Publish(topic, 1, retain, payload)
	go func() {
		if !tok.WaitTimeout(c.timeout) {
			c.logger.Warn("mqtt: publish timed out", slog.String("topic", topic))
			return
		}
		if err := tok.Error(); err != nil {
			c.logger.Warn("mqtt: publish failed", slog.String("topic", topic), slog.Any("error", err))
		}
	}()
}

// Close marks the bridge offline and disconnects.
func (c *Client) Close() {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()
	if inner == nil {
		return
	}
	if inner.IsConnected() {
		inner.Publish(bridgeStateTopic(c.cfg.BaseTopic), 1, true, PayloadOffline).WaitTimeout(500 * time.Millisecond)
	}
	inner.Disconnect(500)
}

func bridgeStateTopic(base string) string {
	return base + "/bridge/state"
}
