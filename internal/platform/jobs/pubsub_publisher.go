// Package jobs publishes order lifecycle events to Pub/Sub for downstream
// consumers such as accounting exports and the operator dashboard.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
)

// Event types carried on the order events topic.
const (
	EventOrderStatusChanged   = "order.status.changed"
	EventFulfillmentCompleted = "fulfillment.completed"
)

// OrderEventMessage is the JSON payload published for every order event.
type OrderEventMessage struct {
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id"`
	FulfillmentID string    `json:"fulfillment_id,omitempty"`
	Status        string    `json:"status"`
	Recipient     string    `json:"recipient,omitempty"`
	StarsTotal    int64     `json:"stars_total,omitempty"`
	StarsSent     int64     `json:"stars_sent,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PubSubOrderEventPublisher publishes order events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderEventPublisher constructs a publisher bound to the topic.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues the event and returns the server message id.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", message.Type)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "status", message.Status)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
