package events

import (
	"context"
	"errors"
	"sync"
)

// ErrTypeRequired is returned when publishing an event without a type.
var ErrTypeRequired = errors.New("event type is required")

// Queue delivers events to subscribers.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription represents an active event stream. Events is closed once the
// subscription ends.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue suitable for tests and
// single-process deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return ErrTypeRequired
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Full subscribers miss the event rather than stall publishers.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Event, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}

// closedSubscription is returned when a transport cannot start consuming.
type closedSubscription struct {
	ch chan Event
}

func newClosedSubscription() Subscription {
	ch := make(chan Event)
	close(ch)
	return closedSubscription{ch: ch}
}

func (s closedSubscription) Events() <-chan Event { return s.ch }

func (closedSubscription) Close() {}
