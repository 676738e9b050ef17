package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	MarketRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_requests_total",
			Help: "Total number of marketplace requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)
	MarketRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "market_request_duration_seconds",
			Help:    "Marketplace request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"endpoint"},
	)
	RateLimitHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "market_rate_limit_hits_total",
			Help: "Total number of upstream rate-limit responses",
		},
	)

	ProxiesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxies_active",
			Help: "Number of active proxies in the pool",
		},
	)
	ProxiesQuarantined = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxies_quarantined",
			Help: "Number of proxies currently quarantined",
		},
	)
	ProxyQuarantinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_quarantines_total",
			Help: "Total number of quarantine placements",
		},
	)
	ProxyRevivalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_revivals_total",
			Help: "Total number of proxies revived by the background prober",
		},
	)

	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of task descriptors published to the stream",
		},
	)
	StreamDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_depth",
			Help: "Entries currently sitting in the parsing task stream",
		},
	)
	TasksProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of checks currently running on this replica",
		},
	)
	ChecksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checks_completed_total",
			Help: "Total number of completed checks by outcome",
		},
		[]string{"outcome"},
	)
	ListingsParsedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "listings_parsed_total",
			Help: "Total number of listings extracted from result pages",
		},
	)
	MatchesFoundTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matches_found_total",
			Help: "Total number of listings that passed every task filter",
		},
	)
	StickerResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sticker_resolutions_total",
			Help: "Total number of sticker price resolutions by strategy",
		},
		[]string{"strategy"},
	)
	CacheDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_degraded_total",
			Help: "Total number of operations served by the in-process cache fallback",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(MarketRequestsTotal)
	prometheus.MustRegister(MarketRequestDuration)
	prometheus.MustRegister(RateLimitHitsTotal)
	prometheus.MustRegister(ProxiesActive)
	prometheus.MustRegister(ProxiesQuarantined)
	prometheus.MustRegister(ProxyQuarantinesTotal)
	prometheus.MustRegister(ProxyRevivalsTotal)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(StreamDepth)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(ChecksCompletedTotal)
	prometheus.MustRegister(ListingsParsedTotal)
	prometheus.MustRegister(MatchesFoundTotal)
	prometheus.MustRegister(StickerResolutionsTotal)
	prometheus.MustRegister(CacheDegradedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveMarketRequest records one marketplace round trip.
func ObserveMarketRequest(endpoint, outcome string, dur time.Duration) {
	MarketRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	MarketRequestDuration.WithLabelValues(endpoint).Observe(dur.Seconds())
}

func StartCheck()    { TasksProcessing.Inc() }
func CompleteCheck() { TasksProcessing.Dec(); ChecksCompletedTotal.WithLabelValues("ok").Inc() }
func FailCheck()     { TasksProcessing.Dec(); ChecksCompletedTotal.WithLabelValues("error").Inc() }
