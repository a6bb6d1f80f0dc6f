// Package relay fans plugin and admin events out to cross-host transports
// so a pool spread across multiple daemon instances still sees a
// consistent event stream. Each relay is optional and enabled by config;
// the in-process eventbus.Bus remains authoritative for a single host.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubRelay publishes execution-core events onto a Google Cloud Pub/Sub
// topic for durable, cross-host fan-out, the way the original product's
// event bus layered Pub/Sub delivery on top of its in-memory bus.
type PubSubRelay struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPubSubRelay connects to projectID and publishes onto topicID,
// creating the topic if it does not already exist.
func NewPubSubRelay(projectID, topicID string, logger *slog.Logger) (*PubSubRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("relay: pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("relay: topic exists check: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("relay: create topic: %w", err)
		}
		logger.Info("relay: created pubsub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	logger.Info("relay: connected to pubsub", "project", projectID, "topic", topicID)
	return &PubSubRelay{client: client, topic: topic, logger: logger}, nil
}

// Publish sends payload under topic, ordered by pluginID so one plugin's
// events never reorder relative to each other.
func (r *PubSubRelay) Publish(ctx context.Context, topic, pluginID string, payload []byte) error {
	msg := &pubsub.Message{
		Data:        payload,
		Attributes:  map[string]string{"topic": topic, "pluginId": pluginID},
		OrderingKey: pluginID,
	}
	result := r.topic.Publish(ctx, msg)
	_, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("relay: pubsub publish: %w", err)
	}
	return nil
}

// Close releases the underlying Pub/Sub client.
func (r *PubSubRelay) Close() error {
	r.topic.Stop()
	return r.client.Close()
}
