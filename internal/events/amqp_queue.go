package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueueConfig configures the RabbitMQ transport.
type AMQPQueueConfig struct {
	URL            string
	Exchange       string
	Queue          string
	PublishTimeout time.Duration
	Prefetch       int
	Logger         *slog.Logger
}

// AMQPQueue publishes events to a durable direct exchange bound to a single
// work queue. Consumers share the queue, so each event is delivered once.
type AMQPQueue struct {
	conn           *amqp.Connection
	publishMu      sync.Mutex
	channel        *amqp.Channel
	exchange       string
	queue          string
	publishTimeout time.Duration
	prefetch       int
	logger         *slog.Logger
}

// NewAMQPQueue dials the broker and declares the exchange and queue.
func NewAMQPQueue(cfg AMQPQueueConfig) (*AMQPQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	q := &AMQPQueue{
		exchange:       strings.TrimSpace(cfg.Exchange),
		queue:          strings.TrimSpace(cfg.Queue),
		publishTimeout: cfg.PublishTimeout,
		prefetch:       cfg.Prefetch,
		logger:         cfg.Logger,
	}
	if q.exchange == "" {
		q.exchange = "credits"
	}
	if q.queue == "" {
		q.queue = "credits.events"
	}
	if q.publishTimeout <= 0 {
		q.publishTimeout = 5 * time.Second
	}
	if q.prefetch <= 0 {
		q.prefetch = 32
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q.conn = conn
	q.channel = channel
	if err := q.declare(channel); err != nil {
		q.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}
	return q, nil
}

func (q *AMQPQueue) declare(channel *amqp.Channel) error {
	if err := channel.ExchangeDeclare(q.exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := channel.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	// Direct exchange routes on the queue name.
	if err := channel.QueueBind(q.queue, q.queue, q.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Publish sends the event as a persistent JSON message.
func (q *AMQPQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return ErrTypeRequired
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, q.publishTimeout)
	defer cancel()

	q.publishMu.Lock()
	defer q.publishMu.Unlock()
	err = q.channel.PublishWithContext(ctx, q.exchange, q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         event.Key(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated channel and consumes with manual acks.
func (q *AMQPQueue) Subscribe() Subscription {
	channel, err := q.conn.Channel()
	if err != nil {
		q.logger.Error("amqp subscribe failed", "error", err)
		return newClosedSubscription()
	}
	if err := channel.Qos(q.prefetch, 0, false); err != nil {
		q.logger.Warn("amqp qos failed", "error", err)
	}
	deliveries, err := channel.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		channel.Close()
		q.logger.Error("amqp consume failed", "queue", q.queue, "error", err)
		return newClosedSubscription()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &amqpSubscription{
		channel: channel,
		cancel:  cancel,
		ch:      make(chan Event, q.prefetch),
		done:    make(chan struct{}),
		logger:  q.logger,
	}
	go sub.run(ctx, deliveries)
	return sub
}

// Ping reports whether the broker connection is still open.
func (q *AMQPQueue) Ping(context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// Close closes the publishing channel and the connection.
func (q *AMQPQueue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

type amqpSubscription struct {
	channel *amqp.Channel
	cancel  context.CancelFunc
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func (s *amqpSubscription) Events() <-chan Event {
	return s.ch
}

func (s *amqpSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
	<-s.done
	s.channel.Close()
}

func (s *amqpSubscription) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(s.done)
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				s.logger.Warn("amqp delivery channel closed")
				return
			}
			var event Event
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				s.logger.Error("amqp decode failed", "error", err)
				delivery.Nack(false, false)
				continue
			}
			select {
			case s.ch <- event:
				delivery.Ack(false)
			case <-ctx.Done():
				delivery.Nack(false, true)
				return
			}
		}
	}
}
