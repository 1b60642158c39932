package main

import (
	"context"
	"log/slog"
	"time"

	"credits-generator/internal/events"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
	"credits-generator/internal/serverutil"
)

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func newTimeTicker(d time.Duration) sweepTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// generationStore is the part of storage.Generations the sweeper needs.
type generationStore interface {
	Cleanup() int
	Len() int
}

// generationSweeper drops expired generations on every tick and exports the
// remaining count.
func generationSweeper(store generationStore, interval time.Duration, recorder *metrics.Recorder, logger *slog.Logger, newTicker tickerFactory) serverutil.Worker {
	logger = logging.WithComponent(logging.OrDefault(logger), "generations")
	return serverutil.Worker{
		Name: "generation sweeper",
		Run: func(ctx context.Context) error {
			if interval <= 0 {
				interval = time.Minute
			}
			ticker := newTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C():
					if removed := store.Cleanup(); removed > 0 {
						logger.Debug("expired generations removed", "count", removed)
					}
					recorder.SetGenerations(store.Len())
				}
			}
		},
	}
}

// notificationLogger drains an in-process notification queue so
// credits-ended events remain visible when no external display consumes
// them.
func notificationLogger(queue events.Queue, logger *slog.Logger) serverutil.Worker {
	logger = logging.WithComponent(logging.OrDefault(logger), "notifications")
	return serverutil.Worker{
		Name: "notification logger",
		Run: func(ctx context.Context) error {
			sub := queue.Subscribe()
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-sub.Events():
					if !ok {
						return nil
					}
					logger.Info("credits ended", "source", event.Source, "generation_id", event.String("generationId"))
				}
			}
		},
	}
}
