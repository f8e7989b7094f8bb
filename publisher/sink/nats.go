package sink

import (
	"fmt"
	"time"

	"github.com/maxpert/gitsync/cfg"
	"github.com/maxpert/gitsync/publisher"
	"github.com/nats-io/nats.go"
)

const natsFlushTimeout = 5 * time.Second

func init() {
	publisher.RegisterSink(cfg.PublisherNATS, func(config cfg.PublisherConfiguration) (publisher.Sink, error) {
		if config.URL == "" {
			return nil, fmt.Errorf("nats sink requires url")
		}
		return NewNatsSink(config.URL, config.Subject)
	})
}

// NatsSink implements the Sink interface for core NATS publishing
type NatsSink struct {
	nc      *nats.Conn
	subject string
}

// NewNatsSink connects to NATS; messages go to subject
func NewNatsSink(url, subject string) (*NatsSink, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats sink requires a subject")
	}

	nc, err := nats.Connect(url,
		nats.Name("gitsync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NatsSink{nc: nc, subject: subject}, nil
}

// Publish sends the payload to the configured subject with the project as a
// "key" header, then flushes so failures surface to the worker's retry
func (n *NatsSink) Publish(key string, value []byte) error {
	msg := &nats.Msg{
		Subject: n.subject,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}

	if err := n.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.subject, err)
	}
	if err := n.nc.FlushTimeout(natsFlushTimeout); err != nil {
		return fmt.Errorf("failed to flush %s: %w", n.subject, err)
	}
	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}
