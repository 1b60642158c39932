package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/cors"
)

// CORSConfig lists the origins, such as a control panel or an overlay host,
// allowed to call the API from a browser. Same-origin requests are always
// permitted.
type CORSConfig struct {
	AllowedOrigins []string
}

type corsPolicy struct {
	allowed map[string]struct{}
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{allowed: make(map[string]struct{}, len(cfg.AllowedOrigins))}
	for _, origin := range cfg.AllowedOrigins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			policy.allowed[normalized] = struct{}{}
		}
	}
	return policy, nil
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}

func (p corsPolicy) allows(r *http.Request, origin string) bool {
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return false
	}
	if _, ok := p.allowed[normalized]; ok {
		return true
	}
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return false
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return normalized == scheme+"://"+host
}

// corsMiddleware rejects requests from origins outside the policy and lets
// go-chi/cors answer preflights and decorate allowed responses.
func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	decorated := cors.New(cors.Options{
		AllowOriginFunc: policy.allows,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:  []string{"Content-Type", "Authorization"},
		ExposedHeaders:  []string{"X-Request-Id", "Retry-After"},
		MaxAge:          300,
	}).Handler(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && !policy.allows(r, origin) {
			if logger != nil {
				logger.Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
			}
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		decorated.ServeHTTP(w, r)
	})
}
