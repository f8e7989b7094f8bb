package sink

import "github.com/maxpert/gitsync/publisher"

// Compile-time interface verification
var (
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*NatsSink)(nil)
	_ publisher.Sink = (*RabbitMQSink)(nil)
	_ publisher.Sink = (*LogSink)(nil)
	_ publisher.Sink = (*MockSink)(nil)
)
