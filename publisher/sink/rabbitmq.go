package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/gitsync/cfg"
	"github.com/maxpert/gitsync/publisher"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const rabbitPublishTimeout = 5 * time.Second

func init() {
	publisher.RegisterSink(cfg.PublisherRabbitMQ, func(config cfg.PublisherConfiguration) (publisher.Sink, error) {
		if config.Host == "" || config.Exchange == "" {
			return nil, fmt.Errorf("rabbitmq sink requires host and exchange")
		}
		return NewRabbitMQSink(RabbitMQConfig{
			Host:     config.Host,
			Port:     config.Port,
			Exchange: config.Exchange,
			Username: config.Username,
			Password: config.Password,
		})
	})
}

// RabbitMQConfig holds configuration for RabbitMQSink
type RabbitMQConfig struct {
	Host     string
	Port     int
	Exchange string // Fanout exchange, declared on connect
	Username string
	Password string
}

// URI builds the AMQP connection string
func (c RabbitMQConfig) URI() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    "/",
	}.String()
}

// RabbitMQSink publishes to a fanout exchange, reconnecting lazily after a
// broken connection
type RabbitMQSink struct {
	config RabbitMQConfig
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
}

// NewRabbitMQSink connects and declares the exchange
func NewRabbitMQSink(config RabbitMQConfig) (*RabbitMQSink, error) {
	s := &RabbitMQSink{config: config}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RabbitMQSink) connect() error {
	conn, err := amqp.Dial(s.config.URI())
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ %s:%d: %w", s.config.Host, s.config.Port, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareFanout(ch, s.config.Exchange); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	s.conn, s.ch = conn, ch
	return nil
}

// DeclareFanout declares a non-durable fanout exchange, the shape Gerrit's
// event exchanges are created with
func DeclareFanout(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, false, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return nil
}

// Publish sends the payload to the exchange
func (s *RabbitMQSink) Publish(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.IsClosed() {
		log.Info().Str("exchange", s.config.Exchange).Msg("Reconnecting to RabbitMQ")
		if err := s.connect(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), rabbitPublishTimeout)
	defer cancel()

	err := s.ch.PublishWithContext(ctx, s.config.Exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        value,
	})
	if err != nil {
		// Force a reconnect on the next attempt
		s.conn.Close()
		return fmt.Errorf("failed to publish to %s: %w", s.config.Exchange, err)
	}
	return nil
}

// Close releases the channel and connection
func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	if s.ch != nil {
		s.ch.Close()
	}
	err := s.conn.Close()
	s.conn, s.ch = nil, nil
	return err
}
