package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestratord",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestratord",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestratord",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)

	backpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestratord",
			Subsystem: "http",
			Name:      "backpressure_total",
			Help:      "Total backpressure rejections (429)",
		},
		[]string{"reason"},
	)

	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestratord",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Jobs accepted by the pool, by job type",
		},
		[]string{"type"},
	)

	jobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestratord",
			Subsystem: "jobs",
			Name:      "terminal_total",
			Help:      "Jobs reaching a terminal state, by state",
		},
		[]string{"state"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orchestratord",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Queue-to-terminal latency per job",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 120, 300},
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestratord",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs currently waiting in the priority queue",
		},
	)

	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestratord",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Currently connected WebSocket sessions",
		},
	)

	dreamTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchestratord",
			Subsystem: "dream",
			Name:      "ticks_total",
			Help:      "Dream Controller ticks that submitted a child job",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal, httpRequestDuration, httpInflight, backpressureTotal,
		jobsSubmittedTotal, jobsTerminalTotal, jobDuration,
		queueDepth, wsConnections, dreamTicksTotal,
	)
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
		path := routePatternOrPath(r)
		method := r.Method
		httpInflight.WithLabelValues(path).Inc()
		defer httpInflight.WithLabelValues(path).Dec()

		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sr, r)
		statusLabel := itoa(sr.status)
		dur := time.Since(start).Seconds()
		httpRequestsTotal.WithLabelValues(path, method, statusLabel).Inc()
		httpRequestDuration.WithLabelValues(path, method, statusLabel).Observe(dur)
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

// IncrementBackpressure is called when returning 429 to the client
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}

// ObserveJobSubmitted records a pool admission for jobType.
func ObserveJobSubmitted(jobType string) {
	jobsSubmittedTotal.WithLabelValues(jobType).Inc()
}

// ObserveJobTerminal records a terminal transition plus the job's
// queue-to-terminal latency.
func ObserveJobTerminal(state string, dur time.Duration) {
	jobsTerminalTotal.WithLabelValues(state).Inc()
	jobDuration.Observe(dur.Seconds())
}

// SetQueueDepth updates the backlog gauge, driven by queue:state events.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetWSConnections updates the live-session gauge, driven by the hub.
func SetWSConnections(n int) {
	wsConnections.Set(float64(n))
}

// IncDreamTick counts one Dream Controller child submission.
func IncDreamTick() {
	dreamTicksTotal.Inc()
}

// fast integer to ascii for small set of status codes
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
