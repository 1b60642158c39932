package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"credits-generator/internal/auth"
	"credits-generator/internal/avatar"
	"credits-generator/internal/credits"
	"credits-generator/internal/displays"
	"credits-generator/internal/events"
	"credits-generator/internal/ingest"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
	"credits-generator/internal/storage"
	"credits-generator/internal/viewers"
)

// HealthCheck checks one dependency for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler serves the credits API. Ingest, Aggregator, Avatars and
// Generations are required; the rest are optional.
type Handler struct {
	Ingest      *ingest.Service
	Aggregator  *credits.Aggregator
	Avatars     *avatar.Cache
	Generations *storage.Generations

	// Viewers accepts directory upserts. Nil disables PUT /api/viewers.
	Viewers viewers.Writer
	// Inbound receives POST /api/events when set; otherwise events are
	// handled inline.
	Inbound events.Queue
	// Notifications receives credits-ended events.
	Notifications events.Queue
	// Displays pushes generation events to connected credits pages.
	Displays     *displays.Gateway
	DataFilePath string
	HealthChecks []HealthCheck

	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, logging.WithComponent(h.Logger, "api"))
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Health reports the status of every configured dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	components := make([]componentStatus, 0, len(h.HealthChecks))
	for _, check := range h.HealthChecks {
		status := componentStatus{Component: check.Name, Status: "ok"}
		if err := check.Check(r.Context()); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"status":     overallStatus,
		"components": components,
	})
}

// writeDomainError maps service errors onto HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ingest.ErrInvalidRequest),
		errors.Is(err, ingest.ErrInvalidCategory),
		errors.Is(err, ingest.ErrReservedCategory),
		errors.Is(err, ingest.ErrInvalidEvent),
		errors.Is(err, ingest.ErrUnknownEvent),
		errors.Is(err, credits.ErrTooManyArguments),
		errors.Is(err, events.ErrTypeRequired):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrTokenRequired), errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, storage.ErrGenerationNotFound), errors.Is(err, viewers.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, viewers.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, credits.ErrEnumeration):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.logger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err)
}
