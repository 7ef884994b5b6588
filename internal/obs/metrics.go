package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики домена: сверка и списания
var (
	reconRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_runs_total",
			Help: "Reconciliation runs by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	reconMinutesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_minutes_applied_total",
		Help: "Minutes automatically applied against debts by reconciliation.",
	})

	reconFlaggedUserDays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_flagged_user_days_total",
		Help: "User-days flagged for manual review.",
	})

	deductionsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_deductions_written_total",
		Help: "Deduction rows written by the ledger.",
	})
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		reconRunsTotal, reconMinutesApplied, reconFlaggedUserDays, deductionsWritten,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReconRun records one reconciliation run.
func ObserveReconRun(mode, outcome string, minutesApplied, flagged int) {
	reconRunsTotal.WithLabelValues(mode, outcome).Inc()
	if minutesApplied > 0 {
		reconMinutesApplied.Add(float64(minutesApplied))
	}
	if flagged > 0 {
		reconFlaggedUserDays.Add(float64(flagged))
	}
}

// ObserveDeduction counts a deduction row written.
func ObserveDeduction() {
	deductionsWritten.Inc()
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush пробрасывается вниз, иначе SSE-поток застревает в буфере.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
