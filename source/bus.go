package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/gitsync/cfg"
	"github.com/maxpert/gitsync/publisher/sink"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const busBuffer = 256

// handleBody feeds every line of a message body to handle
func handleBody(body []byte, handle func([]byte) error) error {
	for _, line := range bytes.Split(body, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := handle(line); err != nil {
			return err
		}
	}
	return nil
}

// RabbitMQStream consumes a fanout exchange through an exclusive,
// server-named queue that lives as long as the connection
type RabbitMQStream struct {
	config sink.RabbitMQConfig
}

// NewRabbitMQStream creates a stream for the given broker settings
func NewRabbitMQStream(c cfg.RabbitMQConfiguration) *RabbitMQStream {
	return &RabbitMQStream{config: sink.RabbitMQConfig{
		Host:     c.Host,
		Port:     c.Port,
		Exchange: c.Exchange,
		Username: c.Username,
		Password: c.Password,
	}}
}

// Stream subscribes and delivers until the connection closes or ctx ends
func (r *RabbitMQStream) Stream(ctx context.Context, handle func([]byte) error) error {
	conn, err := amqp.Dial(r.config.URI())
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ %s:%d: %w", r.config.Host, r.config.Port, err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := sink.DeclareFanout(ch, r.config.Exchange); err != nil {
		return err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", r.config.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", q.Name, r.config.Exchange, err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", q.Name, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	log.Info().Str("exchange", r.config.Exchange).Str("queue", q.Name).Msg("Subscribed to RabbitMQ")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			return fmt.Errorf("rabbitmq connection closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			if err := handleBody(d.Body, handle); err != nil {
				return err
			}
		}
	}
}

// NATSStream subscribes to a core NATS subject
type NATSStream struct {
	url     string
	subject string
}

// NewNATSStream creates a stream for the given server and subject
func NewNATSStream(c cfg.NATSConfiguration) *NATSStream {
	return &NATSStream{url: c.URL, subject: c.Subject}
}

// Stream subscribes and delivers until the connection closes or ctx ends
func (n *NATSStream) Stream(ctx context.Context, handle func([]byte) error) error {
	closed := make(chan struct{})
	nc, err := nats.Connect(n.url, nats.ClosedHandler(func(*nats.Conn) {
		close(closed)
	}))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS %s: %w", n.url, err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, busBuffer)
	sub, err := nc.ChanSubscribe(n.subject, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}
	defer sub.Unsubscribe()

	log.Info().Str("subject", n.subject).Msg("Subscribed to NATS")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return fmt.Errorf("nats connection closed: %v", nc.LastError())
		case msg := <-msgs:
			if err := handleBody(msg.Data, handle); err != nil {
				return err
			}
		}
	}
}

// KafkaStream reads a topic as a member of a consumer group
type KafkaStream struct {
	config kafka.ReaderConfig
}

// NewKafkaStream creates a stream for the given brokers, topic and group
func NewKafkaStream(c cfg.KafkaConfiguration) *KafkaStream {
	return &KafkaStream{config: kafka.ReaderConfig{
		Brokers:  c.Brokers,
		Topic:    c.Topic,
		GroupID:  c.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	}}
}

// Stream reads and delivers until the reader fails or ctx ends
func (k *KafkaStream) Stream(ctx context.Context, handle func([]byte) error) error {
	reader := kafka.NewReader(k.config)
	defer reader.Close()

	log.Info().Str("topic", k.config.Topic).Str("group", k.config.GroupID).Msg("Consuming Kafka topic")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("failed to read from %s: %w", k.config.Topic, err)
		}
		if err := handleBody(msg.Value, handle); err != nil {
			return err
		}
	}
}
