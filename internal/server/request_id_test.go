package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"credits-generator/internal/observability/logging"
)

func TestRequestIDMiddlewareAnnotatesContextAndHeaders(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Errorf("expected request id to be preserved, got %q", requestID)
		}
		if logging.LoggerFromContext(r.Context()) == nil {
			t.Error("expected a request logger on the context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-Id") != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestRequestIDMiddlewareReplacesOversizedIDs(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("x", 200))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-Id"); got != "generated" {
		t.Fatalf("expected generated id, got %q", got)
	}
}

func TestRequestLoggerCarriesRequestID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	chain := requestIDMiddlewareWithGenerator(logger, func() string { return "generated-id" },
		logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))

	chain.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/session/reset", nil))

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if payload["request_id"] != "generated-id" {
		t.Fatalf("expected request_id to be propagated, got %v", payload["request_id"])
	}
	if payload["status"] != float64(http.StatusNoContent) {
		t.Fatalf("unexpected status %v", payload["status"])
	}
}

func TestNewRequestIDIsHex(t *testing.T) {
	t.Parallel()

	id := newRequestID()
	if len(id) != 32 {
		t.Fatalf("expected 32 hex characters, got %q", id)
	}
}
