// Package publisher forwards relayed Gerrit events to downstream systems
// (RabbitMQ, NATS, Kafka, log).
//
// # Architecture
//
//  1. Sink: a transport that accepts a key and a payload
//  2. Worker: one goroutine per sink with a bounded buffer and retry with
//     exponential backoff, so a failing sink never stalls the others
//  3. Set: fans an event out to every worker of a source
//
// Sinks are created through factories registered by type. The sink package
// registers the built-in transports from its init functions:
//
//	import _ "github.com/maxpert/gitsync/publisher/sink"
//
//	set, err := publisher.NewSet(cfg.Config.Sources[0].Publishers)
//	if err != nil {
//		return err
//	}
//	defer set.Close()
//
//	set.Publish(ev)
//
// # Filters
//
// GlobFilter limits a sink to matching event types and projects:
//
//	filter, err := NewGlobFilter(
//		[]string{"ref-updated", "change-*"}, // type patterns
//		[]string{"platform/*"},              // project patterns
//	)
//
// # Delivery
//
// Delivery is at-most-once per sink. A message that exhausts its retries is
// logged and counted, and a full buffer drops new messages. Close flushes
// whatever is buffered with a single attempt per message.
package publisher
