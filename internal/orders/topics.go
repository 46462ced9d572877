package orders

import kafkax "github.com/ariefcatur/go-storefront/internal/kafka"

const (
	TopicOrderCreated       = "order.created"
	TopicOrderStatusChanged = "order.status.changed"
)

// Partition key = order_id so every event of one order stays in order.
func PartitionKey(orderID string) string { return orderID }

// TopicFor maps an order event type to the topic it is published on.
func TopicFor(eventType string) (string, bool) {
	switch eventType {
	case EventOrderCreated:
		return TopicOrderCreated, true
	case EventOrderStatusChanged:
		return TopicOrderStatusChanged, true
	}
	return "", false
}

// EventRouter sends each envelope to the publisher registered for its topic.
// Envelopes without a route are dropped.
type EventRouter map[string]EventPublisher

func (r EventRouter) TryPublishEnvelope(key string, env kafkax.Envelope) bool {
	topic, ok := TopicFor(env.EventType)
	if !ok {
		return false
	}
	p, ok := r[topic]
	if !ok || p == nil {
		return false
	}
	return p.TryPublishEnvelope(key, env)
}
