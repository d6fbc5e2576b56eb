// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{model,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{model,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_account_rotations_total{reason}
	accountRotations *prometheus.CounterVec

	// gateway_active_account_index
	activeAccount prometheus.Gauge

	// gateway_token_refreshes_total{outcome}
	tokenRefreshes *prometheus.CounterVec

	// gateway_model_fallbacks_total{from,to}
	modelFallbacks *prometheus.CounterVec

	// gateway_accounts_exhausted_total
	accountsExhausted prometheus.Counter

	// gateway_token_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_stream_records_total{result}
	streamRecords *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream streaming attempts (includes rotations and fallbacks)",
			},
			[]string{"model", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"model", "outcome"},
		),

		accountRotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_account_rotations_total",
				Help: "Account rotations by trigger",
			},
			[]string{"reason"},
		),

		activeAccount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_account_index",
			Help: "Index of the currently selected upstream account",
		}),

		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_token_refreshes_total",
				Help: "OAuth token refresh attempts",
			},
			[]string{"outcome"},
		),

		modelFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_model_fallbacks_total",
				Help: "Model fallback substitutions on rate limiting",
			},
			[]string{"from", "to"},
		),

		accountsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_accounts_exhausted_total",
			Help: "Requests that failed after every account was tried",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_token_cache_operations_total",
				Help: "Token cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		streamRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_records_total",
				Help: "Upstream stream records decoded or skipped",
			},
			[]string{"result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"model", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.accountRotations,
		r.activeAccount,
		r.tokenRefreshes,
		r.modelFallbacks,
		r.accountsExhausted,
		r.cacheOps,
		r.streamRecords,
		r.rateLimitTotal,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream streaming attempt.
func (r *Registry) ObserveUpstreamAttempt(model, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(model, outcome).Inc()
	r.upstreamDuration.WithLabelValues(model, outcome).Observe(dur.Seconds())
}

// RecordRotation records one account rotation and the new active index.
func (r *Registry) RecordRotation(reason string, newIndex int) {
	r.accountRotations.WithLabelValues(reason).Inc()
	r.activeAccount.Set(float64(newIndex))
}

func (r *Registry) RecordTokenRefresh(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	r.tokenRefreshes.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordFallback(from, to string) {
	r.modelFallbacks.WithLabelValues(from, to).Inc()
}

func (r *Registry) RecordAccountsExhausted() {
	r.accountsExhausted.Inc()
}

func (r *Registry) CacheGetHit()  { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss() { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheSetOK()   { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheDelete()  { r.cacheOps.WithLabelValues("delete", "ok").Inc() }

func (r *Registry) RecordStreamRecord(ok bool) {
	result := "decoded"
	if !ok {
		result = "skipped"
	}
	r.streamRecords.WithLabelValues(result).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
