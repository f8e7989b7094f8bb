package sink

import (
	"encoding/json"

	"github.com/maxpert/gitsync/cfg"
	"github.com/maxpert/gitsync/publisher"
	"github.com/rs/zerolog/log"
)

func init() {
	publisher.RegisterSink(cfg.PublisherLog, func(config cfg.PublisherConfiguration) (publisher.Sink, error) {
		return &LogSink{name: config.Name}, nil
	})
}

// LogSink writes events to the process log
type LogSink struct {
	name string
}

// Publish logs the payload, inline when it is valid JSON
func (l *LogSink) Publish(key string, value []byte) error {
	entry := log.Info().Str("sink", l.name).Str("project", key)
	if json.Valid(value) {
		entry = entry.RawJSON("event", value)
	} else {
		entry = entry.Bytes("event", value)
	}
	entry.Msg("Relayed event")
	return nil
}

// Close is a no-op for LogSink
func (l *LogSink) Close() error {
	return nil
}
