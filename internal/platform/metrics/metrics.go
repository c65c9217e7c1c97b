package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the streaming core.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	transcoderStarts    prometheus.Counter
	transcoderSpawnFail prometheus.Counter
	transcoderCrashes   prometheus.Counter
	transcoderStops     prometheus.Counter
	stderrErrors        prometheus.Counter
	activeTranscoders   prometheus.Gauge
	playerRecoveries    *prometheus.CounterVec
	playerTerminal      prometheus.Counter
	whepAttempts        *prometheus.CounterVec
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camstream_requests_total",
			Help: "HTTP requests received, by route pattern",
		}, []string{"route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camstream_errors_total",
			Help: "HTTP responses with error status, by route pattern and status class",
		}, []string{"route", "class"}),
		transcoderStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camstream_transcoder_starts_total",
			Help: "Transcoder processes spawned successfully",
		}),
		transcoderSpawnFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camstream_transcoder_spawn_failures_total",
			Help: "Transcoder processes that failed to spawn",
		}),
		transcoderCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camstream_transcoder_crashes_total",
			Help: "Transcoder processes that exited with a non-zero code without being stopped",
		}),
		transcoderStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camstream_transcoder_stops_total",
			Help: "Explicit transcoder stops",
		}),
		stderrErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camstream_transcoder_stderr_errors_total",
			Help: "Transcoder diagnostic lines classified as errors",
		}),
		activeTranscoders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camstream_active_transcoders",
			Help: "Number of registered transcoder processes",
		}),
		playerRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camstream_player_recoveries_total",
			Help: "Recovery actions executed by players, by error kind",
		}, []string{"kind"}),
		playerTerminal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camstream_player_terminal_total",
			Help: "Players that reached a terminal error state",
		}),
		whepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camstream_whep_attempts_total",
			Help: "WHEP negotiation attempts, by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.transcoderStarts,
		m.transcoderSpawnFail,
		m.transcoderCrashes,
		m.transcoderStops,
		m.stderrErrors,
		m.activeTranscoders,
		m.playerRecoveries,
		m.playerTerminal,
		m.whepAttempts,
	)

	return m
}

// IncRequests counts one request served by route, a chi route pattern such
// as "/hls/{camera_id}/stream.m3u8".
func (m *Metrics) IncRequests(route string) {
	if m != nil {
		m.requestsTotal.WithLabelValues(route).Inc()
	}
}

// IncErrors counts one error response for route; class is "4xx" or "5xx".
func (m *Metrics) IncErrors(route, class string) {
	if m != nil {
		m.errorsTotal.WithLabelValues(route, class).Inc()
	}
}

func (m *Metrics) IncTranscoderStarts() {
	if m != nil {
		m.transcoderStarts.Inc()
	}
}

func (m *Metrics) IncTranscoderSpawnFailures() {
	if m != nil {
		m.transcoderSpawnFail.Inc()
	}
}

func (m *Metrics) IncTranscoderCrashes() {
	if m != nil {
		m.transcoderCrashes.Inc()
	}
}

func (m *Metrics) IncTranscoderStops() {
	if m != nil {
		m.transcoderStops.Inc()
	}
}

func (m *Metrics) IncStderrErrors() {
	if m != nil {
		m.stderrErrors.Inc()
	}
}

// SetActiveTranscoders sets the active transcoders gauge.
func (m *Metrics) SetActiveTranscoders(n int) {
	if m != nil {
		m.activeTranscoders.Set(float64(n))
	}
}

// IncPlayerRecovery counts one recovery action for the given error kind.
func (m *Metrics) IncPlayerRecovery(kind string) {
	if m != nil {
		m.playerRecoveries.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncPlayerTerminal() {
	if m != nil {
		m.playerTerminal.Inc()
	}
}

// IncWhepAttempt counts one negotiation attempt. outcome is "ok", "not_found"
// for a 404 from the gateway, or "error" for any other failure.
func (m *Metrics) IncWhepAttempt(outcome string) {
	if m != nil {
		m.whepAttempts.WithLabelValues(outcome).Inc()
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active transcoders).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
