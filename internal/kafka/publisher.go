package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/pgwatch/internal/model"
	"github.com/couchcryptid/pgwatch/internal/observability"
	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

const queueSize = 64

// MessageWriter abstracts the kafka writer for testability.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher turns connectivity transitions into events on a Kafka topic.
// Listen never blocks the caller; events that do not fit in the queue are dropped.
type Publisher struct {
	writer   MessageWriter
	topic    string
	host     string
	database string
	logger   *slog.Logger
	metrics  *observability.Metrics
	events   chan model.ConnectivityEvent

	mu   sync.Mutex
	last *bool // last state queued, so the registration callback and repeats are not republished
}

// NewPublisher creates a publisher writing to topic on brokers. host and
// database identify the supervised server in every event.
func NewPublisher(brokers []string, topic, host, database string, m *observability.Metrics, logger *slog.Logger) *Publisher {
	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	return newPublisher(writer, topic, host, database, m, logger)
}

func newPublisher(w MessageWriter, topic, host, database string, m *observability.Metrics, logger *slog.Logger) *Publisher {
	return &Publisher{
		writer:   w,
		topic:    topic,
		host:     host,
		database: database,
		logger:   logger,
		metrics:  m,
		events:   make(chan model.ConnectivityEvent, queueSize),
	}
}

// Listen is registered with the connectivity manager.
func (p *Publisher) Listen(connected bool) {
	p.mu.Lock()
	if p.last != nil && *p.last == connected {
		p.mu.Unlock()
		return
	}
	p.last = &connected
	p.mu.Unlock()

	event := model.ConnectivityEvent{
		ID:        uuid.NewString(),
		Connected: connected,
		Host:      p.host,
		Database:  p.database,
		At:        time.Now().UTC(),
	}
	select {
	case p.events <- event:
	default:
		p.metrics.KafkaEventsDropped.Inc()
		p.logger.Warn("connectivity event dropped, publish queue full", "id", event.ID, "connected", connected)
	}
}

// Run writes queued events until the context is cancelled. Failed writes are
// retried with exponential backoff so events keep their order.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("kafka publisher started", "topic", p.topic)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-p.events:
			if !p.publish(ctx, event) {
				return nil
			}
		}
	}
}

// Drain writes whatever is still queued, stopping when the queue is empty or
// ctx is done. Call it after Run has returned to flush the final shutdown event.
func (p *Publisher) Drain(ctx context.Context) {
	for {
		select {
		case event := <-p.events:
			if !p.publish(ctx, event) {
				return
			}
		default:
			return
		}
	}
}

// publish reports false when the context ended before the event was written.
func (p *Publisher) publish(ctx context.Context, event model.ConnectivityEvent) bool {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal connectivity event", "error", err, "id", event.ID)
		return true
	}
	msg := kafkago.Message{Key: []byte(p.host), Value: value, Time: event.At}

	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.metrics.KafkaEventsPublished.Inc()
			p.logger.Debug("published connectivity event", "id", event.ID, "connected", event.Connected)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		p.metrics.KafkaPublishErrors.Inc()
		p.logger.Error("write kafka message", "error", err, "id", event.ID, "retry_in", backoff)
		if !retry.SleepWithContext(ctx, backoff) {
			return false
		}
		backoff = retry.NextBackoff(backoff, maxBackoff)
	}
}

// Close shuts down the underlying Kafka writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
