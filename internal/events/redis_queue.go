package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"

	"credits-generator/internal/redisconn"
)

// RedisQueueConfig configures the Redis Streams transport.
type RedisQueueConfig struct {
	Redis        redisconn.Config
	Stream       string
	Group        string
	BlockTimeout time.Duration
	Buffer       int
	Logger       *slog.Logger
}

// RedisQueue publishes events to a stream and consumes them through a
// consumer group, so each event reaches one subscriber across all replicas.
type RedisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	logger       *slog.Logger
	buffer       int

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

// NewRedisQueue connects to Redis and makes sure the consumer group exists.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	client, err := redisconn.New(cfg.Redis)
	if err != nil {
		return nil, err
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "credits:events"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "credits-workers"
	}
	queue := &RedisQueue{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		buffer:       cfg.Buffer,
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	if queue.blockTimeout <= 0 {
		queue.blockTimeout = 2 * time.Second
	}
	if queue.buffer <= 0 {
		queue.buffer = 128
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

// Publish appends the event to the stream.
func (q *RedisQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return ErrTypeRequired
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

// Subscribe starts a consumer in the group. Events are acknowledged once
// they have been handed to the subscriber.
func (q *RedisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		queue:    q,
		consumer: randomConsumerID(),
		cancel:   cancel,
		ch:       make(chan Event, q.buffer),
		done:     make(chan struct{}),
	}
	go sub.run(ctx)
	return sub
}

// Ping checks that Redis answers.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !redisconn.IsBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	queue    *RedisQueue
	consumer string
	cancel   context.CancelFunc
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

// Close stops the consumer and waits for its loop to exit.
func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
	<-s.done
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.queue.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.queue.logger.Warn("redis queue group ensure failed", "error", err)
			s.pause(ctx)
			continue
		}
		messages, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.queue.logger.Warn("redis queue read failed", "error", err)
			s.pause(ctx)
			continue
		}
		for _, message := range messages {
			payload, _ := message.Values["payload"].(string)
			var event Event
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				s.queue.logger.Error("redis queue decode failed", "id", message.ID, "error", err)
				s.ack(ctx, message.ID)
				continue
			}
			select {
			case s.ch <- event:
				s.ack(ctx, message.ID)
			case <-ctx.Done():
				s.requeue(message.ID, payload)
				return
			}
		}
	}
}

func (s *redisSubscription) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := s.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.queue.group,
		Consumer: s.consumer,
		Streams:  []string{s.queue.stream, ">"},
		Count:    32,
		Block:    s.queue.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.queue.client.XAck(ctx, s.queue.stream, s.queue.group, id).Err(); err != nil {
		s.queue.logger.Warn("redis ack failed", "id", id, "error", err)
	}
}

// requeue hands an undelivered entry back to the stream for another consumer.
func (s *redisSubscription) requeue(id, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.ack(ctx, id)
	if payload == "" {
		return
	}
	err := s.queue.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.queue.stream,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		s.queue.logger.Warn("redis requeue failed", "id", id, "error", err)
	}
}

func (s *redisSubscription) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
	}
}

func randomConsumerID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return "consumer-" + hex.EncodeToString(buf[:])
}
