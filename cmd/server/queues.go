package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"credits-generator/internal/api"
	"credits-generator/internal/events"
	"credits-generator/internal/observability/logging"
)

type queueRole string

const (
	queueInbound       queueRole = "events"
	queueNotifications queueRole = "notifications"
)

// configureQueue builds the transport for role. The inline and none drivers
// return a nil queue: inbound events are then handled on the request and
// credits-ended notifications are dropped.
func configureQueue(ctx context.Context, driver string, role queueRole, cfg queueConfig, logger *slog.Logger) (events.Queue, *api.HealthCheck, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	component := string(role) + "-queue"
	switch driver {
	case "", "inline", "none":
		return nil, nil, nil
	case "memory":
		return events.NewMemoryQueue(128), nil, nil
	case "redis":
		if !cfg.Redis.Enabled() {
			return nil, nil, fmt.Errorf("redis addr is required for the %s queue", role)
		}
		stream, group := cfg.EventsStream, cfg.EventsGroup
		if role == queueNotifications {
			stream, group = cfg.NotificationsStream, cfg.NotificationsGroup
		}
		queue, err := events.NewRedisQueue(ctx, events.RedisQueueConfig{
			Redis:  cfg.Redis,
			Stream: stream,
			Group:  group,
			Logger: logging.WithComponent(logger, component),
		})
		if err != nil {
			return nil, nil, err
		}
		return queue, &api.HealthCheck{Name: component, Check: queue.Ping}, nil
	case "amqp":
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return nil, nil, fmt.Errorf("amqp url is required for the %s queue", role)
		}
		name := cfg.EventsQueue
		if role == queueNotifications {
			name = cfg.NotificationsQueue
		}
		queue, err := events.NewAMQPQueue(events.AMQPQueueConfig{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
			Queue:    name,
			Prefetch: cfg.AMQPPrefetch,
			Logger:   logging.WithComponent(logger, component),
		})
		if err != nil {
			return nil, nil, err
		}
		return queue, &api.HealthCheck{Name: component, Check: queue.Ping}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported %s queue driver %q", role, driver)
	}
}
