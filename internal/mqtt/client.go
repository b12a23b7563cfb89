// Package mqtt fans collaboration events out to an external MQTT broker.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/opticut/collab/internal/conf"
	"github.com/opticut/collab/internal/errors"
	"github.com/opticut/collab/internal/logging"
)

// Client is the broker connection the event consumer publishes through.
type Client interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic, payload string) error
	IsConnected() bool
	Disconnect()
}

// Config carries the broker connection parameters.
type Config struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	Retain            bool
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultPublishTimeout    = 10 * time.Second
	defaultDisconnectTimeout = 250 * time.Millisecond
)

type client struct {
	mu             sync.Mutex
	config         Config
	internalClient pahomqtt.Client
	logger         *slog.Logger
}

// NewClient builds an MQTT client from the application settings.
func NewClient(settings *conf.Settings) Client {
	mqttSettings := settings.Realtime.MQTT
	clientID := mqttSettings.ClientID
	if clientID == "" {
		clientID = settings.Main.Name
	}
	return &client{
		config: Config{
			Broker:            mqttSettings.Broker,
			ClientID:          clientID,
			Username:          mqttSettings.Username,
			Password:          mqttSettings.Password,
			Retain:            mqttSettings.Retain,
			ConnectTimeout:    orDefault(mqttSettings.ConnectTimeout, defaultConnectTimeout),
			PublishTimeout:    orDefault(mqttSettings.PublishTimeout, defaultPublishTimeout),
			DisconnectTimeout: orDefault(mqttSettings.DisconnectTimeout, defaultDisconnectTimeout),
		},
		logger: logging.ForService("mqtt"),
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Connect establishes the broker connection. The paho client keeps
// reconnecting on its own once the first connection succeeds.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.internalClient = pahomqtt.NewClient(opts)

	timeout := c.config.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	token := c.internalClient.Connect()
	if !token.WaitTimeout(timeout) {
		return connectError(fmt.Errorf("connection to %s timed out after %s", c.config.Broker, timeout))
	}
	if err := token.Error(); err != nil {
		return connectError(fmt.Errorf("connecting to %s: %w", c.config.Broker, err))
	}
	return nil
}

// Publish sends one message to the broker at QoS 0.
func (c *client) Publish(ctx context.Context, topic, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnectedLocked() {
		return publishError(errors.NewStd("not connected to broker"), topic)
	}

	token := c.internalClient.Publish(topic, 0, c.config.Retain, payload)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return publishError(fmt.Errorf("publish timed out after %s", c.config.PublishTimeout), topic)
	}
	if err := token.Error(); err != nil {
		return publishError(err, topic)
	}
	return nil
}

func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnectedLocked()
}

func (c *client) isConnectedLocked() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the broker connection, waiting briefly for in-flight
// messages to drain.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
	}
}

func (c *client) onConnect(_ pahomqtt.Client) {
	c.logger.Info("connected to broker", "broker", c.config.Broker)
}

func (c *client) onConnectionLost(_ pahomqtt.Client, err error) {
	c.logger.Warn("connection to broker lost", "broker", c.config.Broker, "error", err)
}

func connectError(err error) error {
	return errors.New(err).
		Component("mqtt").
		Category(errors.CategoryMQTTPublish).
		Build()
}

func publishError(err error, topic string) error {
	return errors.New(err).
		Component("mqtt").
		Category(errors.CategoryMQTTPublish).
		Context("topic", topic).
		Build()
}
