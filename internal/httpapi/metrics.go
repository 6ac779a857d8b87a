package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"minerd/internal/manager"
)

const namespace = "minerd"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs handled, by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	stageSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_seconds",
			Help:      "Duration of job stages (request, loading, inference, upload, submit, stream)",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"stage"},
	)

	pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Main loop polls, including throttled ones",
	})

	pollsThrottledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_throttled_total",
		Help:      "Polls skipped because the backend was saturated",
	})

	residentSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "resident_slots",
		Help:      "Residency slots currently holding a model",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight,
		jobsTotal, stageSeconds, pollsTotal, pollsThrottledTotal, residentSlots)
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware instruments requests for Prometheus
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inflightPath := r.URL.Path
		httpInflight.WithLabelValues(inflightPath).Inc()
		defer httpInflight.WithLabelValues(inflightPath).Dec()

		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sr, r)
		// The route pattern is only known once chi has routed the request.
		path := routePatternOrPath(r)
		statusLabel := strconv.Itoa(sr.status)
		dur := time.Since(start).Seconds()
		httpRequestsTotal.WithLabelValues(path, r.Method, statusLabel).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, statusLabel).Observe(dur)
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// MinerMetrics records worker measurements into the process registry. The
// zero value is ready to use.
type MinerMetrics struct{}

func (MinerMetrics) ObserveJob(modelID, outcome string) {
	jobsTotal.WithLabelValues(modelID, outcome).Inc()
}

func (MinerMetrics) ObserveStage(stage string, d time.Duration) {
	stageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

func (MinerMetrics) ObservePoll(throttled bool) {
	pollsTotal.Inc()
	if throttled {
		pollsThrottledTotal.Inc()
	}
}

// ResidencyPublisher keeps the resident_slots gauge in step with residency
// events and forwards every event to Next.
type ResidencyPublisher struct {
	Resident func() int
	Next     manager.EventPublisher
}

func (p ResidencyPublisher) Publish(e manager.Event) {
	switch e.Name {
	case manager.EventEnsureReady, manager.EventEvict, manager.EventUnloadDone, manager.EventEnsureError:
		if p.Resident != nil {
			residentSlots.Set(float64(p.Resident()))
		}
	}
	if p.Next != nil {
		p.Next.Publish(e)
	}
}
