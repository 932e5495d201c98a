// Package pubsub publishes run-complete notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Attributer is implemented by payloads that carry message attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Publisher wraps one Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Connection owns the client behind a Publisher.
type Connection struct {
	*Publisher
	client *pubsub.Client
}

// Dial connects with Application Default Credentials and checks that topicID
// exists and is active before returning a publisher for it.
func Dial(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*Connection, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	name := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
	if err == nil && topic.GetState() != pubsubpb.Topic_ACTIVE {
		err = fmt.Errorf("topic %s is not active", name)
	}
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after topic lookup failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("get pubsub topic %q: %w", topicID, err)
	}
	return &Connection{Publisher: New(client.Publisher(topicID)), client: client}, nil
}

// Close flushes pending messages and closes the client.
func (c *Connection) Close() error {
	c.Stop()
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// Publish marshals the payload to JSON and publishes it. The topic argument is
// informational; the destination is fixed by the wrapped publisher. Trace context
// from ctx is propagated through message attributes.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p == nil || p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := buildMessage(ctx, payload)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p == nil || p.publisher == nil {
		return
	}
	p.publisher.Stop()
}

func buildMessage(ctx context.Context, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := make(map[string]string)
	if a, ok := payload.(Attributer); ok {
		for k, v := range a.Attributes() {
			attrs[k] = v
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: attrs})
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
