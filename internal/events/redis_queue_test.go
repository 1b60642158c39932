package events

import (
	"context"
	"testing"
	"time"

	"credits-generator/internal/redisconn"
	"credits-generator/internal/testsupport/redisstub"
)

func newTestRedisQueue(t *testing.T, srv *redisstub.Server, buffer int) *RedisQueue {
	t.Helper()
	queue, err := NewRedisQueue(context.Background(), RedisQueueConfig{
		Redis:        redisconn.Config{Addr: srv.Addr(), Password: "secret"},
		Stream:       "test-stream",
		Group:        "test-group",
		BlockTimeout: 50 * time.Millisecond,
		Buffer:       buffer,
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	t.Cleanup(func() {
		_ = queue.Close()
	})
	return queue
}

func startStub(t *testing.T) *redisstub.Server {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	return srv
}

func TestRedisQueueDeliversAndAcks(t *testing.T) {
	srv := startStub(t)
	queue := newTestRedisQueue(t, srv, 4)
	sub := queue.Subscribe()
	defer sub.Close()

	event := Event{
		Source:     "twitch",
		Type:       "cheer",
		Username:   "alice",
		Data:       map[string]any{"bits": 100.0},
		OccurredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Key() != "twitch:cheer" || got.Username != "alice" {
			t.Fatalf("unexpected event %+v", got)
		}
		if bits, _ := got.Value("bits"); bits != 100.0 {
			t.Fatalf("unexpected bits %v", bits)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	deadline := time.Now().Add(time.Second)
	for srv.Pending("test-stream", "test-group") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected delivered entry to be acknowledged")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisQueueGroupCreationIsIdempotent(t *testing.T) {
	srv := startStub(t)
	newTestRedisQueue(t, srv, 1)
	newTestRedisQueue(t, srv, 1)
}

func TestRedisQueueRequeuesOnCancellation(t *testing.T) {
	srv := startStub(t)
	queue := newTestRedisQueue(t, srv, 1)
	sub := queue.Subscribe()

	first := Event{Source: "twitch", Type: "follow", Username: "buffer-fill"}
	second := Event{Source: "twitch", Type: "follow", Username: "needs-requeue"}
	if err := queue.Publish(context.Background(), first); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if err := queue.Publish(context.Background(), second); err != nil {
		t.Fatalf("publish second: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	sub.Close()

	var drained []Event
	for event := range sub.Events() {
		drained = append(drained, event)
	}
	if len(drained) != 1 || drained[0].Username != "buffer-fill" {
		t.Fatalf("unexpected drained events %+v", drained)
	}

	replacement := queue.Subscribe()
	defer replacement.Close()
	select {
	case got := <-replacement.Events():
		if got.Username != "needs-requeue" {
			t.Fatalf("expected requeued event, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requeued event")
	}
}

func TestRedisQueueRejectsUntypedEvents(t *testing.T) {
	srv := startStub(t)
	queue := newTestRedisQueue(t, srv, 1)
	if err := queue.Publish(context.Background(), Event{}); err != ErrTypeRequired {
		t.Fatalf("expected ErrTypeRequired, got %v", err)
	}
}
