package ingest

import (
	"context"
	"errors"
	"log/slog"

	"credits-generator/internal/events"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
)

// EventHandler applies a single event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event events.Event) (Outcome, error)
}

// Consumer drains a queue subscription into an EventHandler.
type Consumer struct {
	queue   events.Queue
	handler EventHandler
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewConsumer builds a Consumer. A nil logger falls back to slog.Default.
func NewConsumer(queue events.Queue, handler EventHandler, logger *slog.Logger, recorder *metrics.Recorder) *Consumer {
	return &Consumer{
		queue:   queue,
		handler: handler,
		logger:  logging.WithComponent(logging.OrDefault(logger), "events"),
		metrics: recorder,
	}
}

// Run handles events until ctx is cancelled or the subscription ends. Handler
// errors are logged and counted; they never stop the loop.
func (c *Consumer) Run(ctx context.Context) error {
	sub := c.queue.Subscribe()
	defer sub.Close()
	c.logger.Info("event consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("event consumer stopped")
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return errors.New("event subscription closed")
			}
			c.handle(ctx, event)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, event events.Event) {
	outcome, err := c.handler.HandleEvent(ctx, event)
	switch {
	case errors.Is(err, ErrUnknownEvent):
		c.metrics.ObserveQueueEvent("other", "unknown")
	case err != nil:
		c.logger.Warn("event handling failed", "event", event.Key(), "error", err)
		c.metrics.ObserveQueueEvent(event.Key(), "error")
	default:
		c.metrics.ObserveQueueEvent(event.Key(), string(outcome))
	}
}
