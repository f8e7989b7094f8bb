package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/gitsync/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of messages buffered per sink
	DefaultQueueSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of attempts before giving up on a message
	DefaultMaxRetries = 5
)

// WorkerConfig configures a sink delivery worker
type WorkerConfig struct {
	Name            string        // Sink name (for logs and metrics)
	Sink            Sink          // Destination sink
	Filter          Filter        // Event filter
	QueueSize       int           // Buffered messages before drops
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum publish attempts per message
}

type message struct {
	eventType string
	key       string
	value     []byte
}

// Worker delivers messages to a single sink so a slow or failing sink never
// holds up the others
type Worker struct {
	config      WorkerConfig
	queue       chan message
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a new sink delivery worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		queue:  make(chan message, config.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Name returns the sink name
func (w *Worker) Name() string {
	return w.config.Name
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Debug().Str("sink", w.config.Name).Msg("Starting sink worker")

	go w.deliverLoop()
}

// Stop flushes buffered messages with a single attempt each, then closes the sink
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	if err := w.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Str("sink", w.config.Name).Msg("Failed to close sink")
	}

	log.Debug().Str("sink", w.config.Name).Msg("Sink worker stopped")
}

// Enqueue buffers a message for delivery. Returns false if the event was
// filtered out or dropped.
func (w *Worker) Enqueue(eventType, key string, value []byte) bool {
	if !w.config.Filter.Match(eventType, key) {
		telemetry.PublishTotal.With(w.config.Name, "filtered").Inc()
		return false
	}

	if !w.running.Load() {
		telemetry.PublishTotal.With(w.config.Name, "dropped").Inc()
		log.Warn().Str("sink", w.config.Name).Str("project", key).Msg("Sink worker not running, dropping event")
		return false
	}

	select {
	case w.queue <- message{eventType: eventType, key: key, value: value}:
		return true
	default:
		telemetry.PublishTotal.With(w.config.Name, "dropped").Inc()
		log.Error().Str("sink", w.config.Name).Str("project", key).Msg("Sink queue full, dropping event")
		return false
	}
}

// Pending returns the number of buffered messages
func (w *Worker) Pending() int {
	return len(w.queue)
}

func (w *Worker) deliverLoop() {
	defer close(w.doneCh)

	for {
		select {
		case msg := <-w.queue:
			w.deliver(msg)
		case <-w.stopCh:
			for {
				select {
				case msg := <-w.queue:
					w.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) deliver(msg message) {
	if err := w.publishWithRetry(msg.key, msg.value); err != nil {
		telemetry.PublishTotal.With(w.config.Name, "error").Inc()
		log.Error().
			Err(err).
			Str("sink", w.config.Name).
			Str("type", msg.eventType).
			Str("project", msg.key).
			Msg("Failed to publish event")
		return
	}

	telemetry.PublishTotal.With(w.config.Name, "ok").Inc()
	log.Debug().
		Str("sink", w.config.Name).
		Str("type", msg.eventType).
		Str("project", msg.key).
		Msg("Published event")
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d): %w", w.config.MaxRetries, err)
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry: %w", err)
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
