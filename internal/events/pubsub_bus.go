package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// DurableForwarder forwards every event it observes to a Google Cloud
// Pub/Sub topic for durable, cross-service delivery, while the bus
// itself stays a local, subscriber-bounded collaborator. Grounded on
// the teacher's PubSubEventBus (internal/events/pubsub_bus.go),
// restructured from a Bus subtype into an optional decorator so the
// kernel still hosts exactly one local bus.
type DurableForwarder struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewDurableForwarder dials Pub/Sub and ensures topicID exists.
func NewDurableForwarder(ctx context.Context, projectID, topicID string) (*DurableForwarder, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created pubsub topic", "topic_id", topicID)
	}
	topic.EnableMessageOrdering = true

	return &DurableForwarder{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}, nil
}

// Forward publishes event to the durable topic, ordered by tenant.
func (f *DurableForwarder) Forward(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		f.logger.Printf("failed to marshal event %s: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-tenantid":    event.TenantID,
		},
		OrderingKey: event.TenantID,
	}

	result := f.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			f.logger.Printf("pubsub publish failed: %s -> %v", event.ID, err)
		}
	}()
}

// Attach subscribes to every channel on bus and forwards each event it
// sees. Returns the subscription so the caller can detach it later.
func (f *DurableForwarder) Attach(bus *Bus) *Subscription {
	sub := bus.SubscribePattern("**")
	go func() {
		for event := range sub.C {
			f.Forward(event)
		}
	}()
	return sub
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (f *DurableForwarder) HealthCheck(ctx context.Context) error {
	exists, err := f.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close stops the topic and closes the underlying client.
func (f *DurableForwarder) Close() error {
	f.topic.Stop()
	if err := f.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}
