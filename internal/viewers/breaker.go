package viewers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
)

// ErrUnavailable is returned while the breaker rejects lookups.
var ErrUnavailable = errors.New("viewer directory unavailable")

// BreakerConfig tunes the circuit breaker around a Directory.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Breaker guards a Directory with a circuit breaker. A missing viewer is a
// normal answer and never counts as a failure.
type Breaker struct {
	next    Directory
	cb      *gobreaker.CircuitBreaker[Viewer]
	name    string
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewBreaker wraps next.
func NewBreaker(next Directory, cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "viewer-directory"
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.6
	}
	logger := logging.WithComponent(logging.OrDefault(cfg.Logger), "viewers")
	b := &Breaker{next: next, name: cfg.Name, logger: logger, metrics: cfg.Metrics}
	b.metrics.SetBreakerState(cfg.Name, stateToFloat(gobreaker.StateClosed))
	b.cb = gobreaker.NewCircuitBreaker[Viewer](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("viewer directory breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			b.metrics.SetBreakerState(name, stateToFloat(to))
		},
	})
	return b
}

func (b *Breaker) LookupViewer(ctx context.Context, username string) (Viewer, error) {
	viewer, err := b.cb.Execute(func() (Viewer, error) {
		return b.next.LookupViewer(ctx, username)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Viewer{}, errors.Join(ErrUnavailable, err)
	}
	return viewer, err
}

// State reports the breaker's current state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
