package server

import "net/http"

// SecurityConfig sets the hardening headers on every response. Empty fields
// use defaults suited to a JSON API; FrameAncestors must be widened when a
// streaming tool embeds the credits display.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameAncestors        string
	ReferrerPolicy        string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.FrameAncestors == "" {
		cfg.FrameAncestors = "'none'"
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = "no-referrer"
	}
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = "default-src 'none'; frame-ancestors " + cfg.FrameAncestors
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("Referrer-Policy", effective.ReferrerPolicy)
		if effective.FrameAncestors == "'none'" {
			header.Set("X-Frame-Options", "DENY")
		}
		next.ServeHTTP(w, r)
	})
}
