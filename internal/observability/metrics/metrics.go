package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"credits-generator/internal/models"
)

// Recorder owns the Prometheus collectors for HTTP traffic, credit
// registrations, avatar resolution, existing-state enumeration, event
// consumption, and circuit breaker state. Each Recorder has its own registry
// so tests can inspect values without touching global state.
type Recorder struct {
	registry          *prometheus.Registry
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	credits           *prometheus.CounterVec
	avatarResolutions *prometheus.CounterVec
	enumerations      *prometheus.CounterVec
	queueEvents       *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	generations       prometheus.Gauge
}

var defaultRecorder = New()

// New constructs a Recorder with every collector registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_http_requests_total",
			Help: "Total number of HTTP requests processed by the API",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credits_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_registrations_total",
			Help: "Credit registrations by category and outcome",
		}, []string{"category", "outcome"}),
		avatarResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_avatar_resolutions_total",
			Help: "Avatar resolutions by the source that produced the URL",
		}, []string{"source"}),
		enumerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_enumerations_total",
			Help: "Existing-state enumerations by enumerator and outcome",
		}, []string{"enumerator", "outcome"}),
		queueEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_queue_events_total",
			Help: "Inbound platform events consumed from the queue by outcome",
		}, []string{"event", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credits_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		generations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "credits_generations_active",
			Help: "Number of rendered credit generations currently addressable",
		}),
	}
	r.registry.MustRegister(
		r.requests,
		r.requestDuration,
		r.credits,
		r.avatarResolutions,
		r.enumerations,
		r.queueEvents,
		r.breakerState,
		r.generations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records a completed HTTP request.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	route = normalizePath(route)
	r.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCredit records a registration attempt. Custom categories share a
// single label value to keep cardinality bounded.
func (r *Recorder) ObserveCredit(category string, registered bool) {
	if r == nil {
		return
	}
	outcome := "registered"
	if !registered {
		outcome = "rejected"
	}
	r.credits.WithLabelValues(categoryLabel(category), outcome).Inc()
}

// ObserveAvatarResolution records which path produced an avatar URL.
func (r *Recorder) ObserveAvatarResolution(source string) {
	if r == nil {
		return
	}
	r.avatarResolutions.WithLabelValues(normalizeName(source)).Inc()
}

// ObserveEnumeration records an existing-state fetch.
func (r *Recorder) ObserveEnumeration(enumerator, outcome string) {
	if r == nil {
		return
	}
	r.enumerations.WithLabelValues(normalizeName(enumerator), normalizeName(outcome)).Inc()
}

// ObserveQueueEvent records the outcome of handling an inbound event.
func (r *Recorder) ObserveQueueEvent(event, outcome string) {
	if r == nil {
		return
	}
	r.queueEvents.WithLabelValues(normalizeName(event), normalizeName(outcome)).Inc()
}

// SetBreakerState exports a circuit breaker state value.
func (r *Recorder) SetBreakerState(name string, state float64) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(normalizeName(name)).Set(state)
}

// SetGenerations exports the number of stored generations.
func (r *Recorder) SetGenerations(count int) {
	if r == nil {
		return
	}
	r.generations.Set(float64(count))
}

// Handler serves the registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func categoryLabel(category string) string {
	if models.IsBuiltIn(category) {
		return category
	}
	return "custom"
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" || strings.HasPrefix(part, "{") {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 24 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

// BreakerStateGauge returns the state gauge for a named breaker.
func (r *Recorder) BreakerStateGauge(name string) prometheus.Gauge {
	return r.breakerState.WithLabelValues(normalizeName(name))
}

// AvatarResolutionCounter returns the counter for an avatar source.
func (r *Recorder) AvatarResolutionCounter(source string) prometheus.Counter {
	return r.avatarResolutions.WithLabelValues(normalizeName(source))
}

// EnumerationCounter returns the counter for an enumerator outcome.
func (r *Recorder) EnumerationCounter(enumerator, outcome string) prometheus.Counter {
	return r.enumerations.WithLabelValues(normalizeName(enumerator), normalizeName(outcome))
}

// QueueEventCounter returns the counter for an inbound event outcome.
func (r *Recorder) QueueEventCounter(event, outcome string) prometheus.Counter {
	return r.queueEvents.WithLabelValues(normalizeName(event), normalizeName(outcome))
}

// CreditCounter returns the registration counter for a category outcome.
func (r *Recorder) CreditCounter(category, outcome string) prometheus.Counter {
	return r.credits.WithLabelValues(categoryLabel(category), outcome)
}
