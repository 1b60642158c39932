package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"credits-generator/internal/events"
	"credits-generator/internal/observability/logging"
)

func TestConsumerRunAppliesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	queue := events.NewMemoryQueue(8)
	consumer := NewConsumer(queue, f.service, logging.Discard(), f.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx)
	}()

	publish := func(event events.Event) {
		deadline := time.Now().Add(time.Second)
		for {
			if err := queue.Publish(context.Background(), event); err != nil {
				t.Fatalf("publish: %v", err)
			}
			// Publishing before Run subscribes drops the event; retry until
			// the ledger reflects it.
			if f.ledgerHas("raid", event.Username) || event.Type != "raid" {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", event.Key())
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	publish(events.Event{Source: "twitch", Type: "raid", Username: "raider", Data: map[string]any{"viewerCount": 9.0}})
	if err := queue.Publish(context.Background(), events.Event{Source: "twitch", Type: "hype-train"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(f.metrics.QueueEventCounter("other", "unknown")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("expected unknown event to be counted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := testutil.ToFloat64(f.metrics.QueueEventCounter("twitch:raid", "registered")); got < 1 {
		t.Fatalf("expected raid to be counted, got %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumerStopsWhenSubscriptionCloses(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	consumer := NewConsumer(closedQueue{}, f.service, nil, nil)
	if err := consumer.Run(context.Background()); err == nil {
		t.Fatal("expected an error once the subscription closes")
	}
}

type closedQueue struct{}

func (closedQueue) Publish(context.Context, events.Event) error { return nil }

func (closedQueue) Subscribe() events.Subscription {
	return closedSub{ch: closedChannel()}
}

type closedSub struct{ ch chan events.Event }

func (s closedSub) Events() <-chan events.Event { return s.ch }

func (closedSub) Close() {}

func closedChannel() chan events.Event {
	ch := make(chan events.Event)
	close(ch)
	return ch
}

func (f *fixture) ledgerHas(category, username string) bool {
	records, _ := f.ledger.CreditsForType(category)
	for _, record := range records {
		if record.Username == username {
			return true
		}
	}
	return false
}
