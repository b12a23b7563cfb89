package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opticut/collab/internal/events"
	"github.com/opticut/collab/internal/logging"
)

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "collab"

// Consumer bridges the event bus to the broker. Each event is published as
// JSON to {prefix}/{tenant}/{event_type}. Publish failures are logged and
// swallowed: MQTT fan-out is best-effort like every other broadcast path.
type Consumer struct {
	client Client
	prefix string
	logger *slog.Logger
}

// NewConsumer wraps a connected client as an event bus consumer.
func NewConsumer(client Client, topicPrefix string) *Consumer {
	prefix := strings.Trim(topicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Consumer{
		client: client,
		prefix: prefix,
		logger: logging.ForService("mqtt"),
	}
}

// Name implements events.Consumer.
func (c *Consumer) Name() string {
	return "mqtt-fanout"
}

// ProcessEvent implements events.Consumer.
func (c *Consumer) ProcessEvent(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return nil
	}

	topic := c.Topic(event)
	if err := c.client.Publish(ctx, topic, string(payload)); err != nil {
		c.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
	return nil
}

// Topic returns the broker topic for an event.
func (c *Consumer) Topic(event events.Event) string {
	return fmt.Sprintf("%s/%s/%s", c.prefix, event.TenantID, event.Type)
}
