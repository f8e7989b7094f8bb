package publisher

import "github.com/maxpert/gitsync/event"

// Sink represents a destination for relayed events (e.g., RabbitMQ, NATS, Kafka)
type Sink interface {
	// Publish sends a payload to the sink; key is the project name
	Publish(key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether an event should be published to a sink
type Filter interface {
	// Match returns true if the event should be published
	Match(eventType, project string) bool
}

// Publisher accepts verified events for downstream delivery
type Publisher interface {
	Publish(ev *event.Event)
}
