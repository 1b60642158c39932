package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"credits-generator/internal/api"
	"credits-generator/internal/auth"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
)

type Config struct {
	Addr          string
	RateLimit     RateLimitConfig
	CORS          CORSConfig
	Security      SecurityConfig
	Authenticator *auth.Authenticator
	Logger        *slog.Logger
	AuditLogger   *slog.Logger
	Metrics       *metrics.Recorder
}

// Server owns the configured http.Server. Running it is left to
// serverutil.Run so workers share its lifecycle.
type Server struct {
	httpServer  *http.Server
	rateLimiter *rateLimiter
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := logging.WithComponent(logging.OrDefault(cfg.Logger), "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("configure rate limiter: %w", err)
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(func(next http.Handler) http.Handler { return requestIDMiddleware(logger, next) })
	router.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))
	router.Use(chimiddleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(recorder, next) })
	router.Use(func(next http.Handler) http.Handler { return securityHeadersMiddleware(cfg.Security, next) })
	router.Use(func(next http.Handler) http.Handler { return corsMiddleware(policy, logger, next) })
	router.Use(func(next http.Handler) http.Handler { return rateLimitMiddleware(rl, next) })
	router.Use(func(next http.Handler) http.Handler { return auditMiddleware(cfg.AuditLogger, next) })
	mountRoutes(router, handler, recorder, cfg.Authenticator)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{httpServer: httpServer, rateLimiter: rl}, nil
}

func mountRoutes(r chi.Router, handler *api.Handler, recorder *metrics.Recorder, authenticator *auth.Authenticator) {
	r.Get("/healthz", handler.Health)
	r.Handle("/metrics", recorder.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return operatorMiddleware(authenticator, next) })

		r.Post("/events", handler.IngestEvent)
		r.Post("/session/reset", handler.ResetSession)
		r.Post("/generations", handler.CreateGeneration)

		r.Route("/credits", func(r chi.Router) {
			r.Get("/", handler.Snapshot)
			r.Post("/custom", handler.RegisterCustom)
			r.Post("/manual", handler.RegisterManual)
			r.Post("/bulk", handler.RegisterBulk)
			r.Post("/clear", handler.ClearCredits)
			r.Post("/datafile", handler.WriteDataFile)
			r.Get("/{category}", handler.CategoryUsers)
		})

		r.Route("/users/{username}", func(r chi.Router) {
			r.Post("/clear", handler.ClearUser)
			r.Get("/block", handler.BlockStatus)
			r.Put("/block", handler.BlockUser)
			r.Delete("/block", handler.UnblockUser)
		})

		r.Delete("/avatars", handler.ClearAvatars)
		r.Get("/avatars/{username}", handler.Avatar)
		r.Put("/avatars/{username}", handler.SetAvatar)

		r.Put("/viewers/{username}", handler.UpsertViewer)
	})

	r.Route(api.IntegrationPrefix, func(r chi.Router) {
		r.Get("/credits.html", handler.LegacyCreditsPage)
		r.Get("/ws", handler.DisplayFeed)
		r.Get("/{id}/data.json", handler.GenerationData)
		r.Get("/{id}/complete", handler.CompleteGeneration)
	})
}

// HTTPServer returns the server to hand to serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases the rate limiter's Redis connection, if any.
func (s *Server) Close() error {
	return s.rateLimiter.Close()
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func mutating(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

// operatorMiddleware requires the operator token on mutating requests.
func operatorMiddleware(authenticator *auth.Authenticator, next http.Handler) http.Handler {
	if !authenticator.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !mutating(r) {
			next.ServeHTTP(w, r)
			return
		}
		if err := authenticator.Authenticate(r); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="credits"`)
			api.WriteError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func auditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		if !shouldAudit(r) {
			return
		}
		logging.WithContext(r.Context(), logger).Info("audit",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rr.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", clientIP(r.RemoteAddr))
	})
}

func shouldAudit(r *http.Request) bool {
	return mutating(r) && strings.HasPrefix(r.URL.Path, "/api/")
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
