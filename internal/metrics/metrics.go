package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	pushDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_push_dispatches_total",
			Help: "Push dispatches by audience kind",
		},
		[]string{"kind"},
	)

	pushTickets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_push_tickets_total",
			Help: "Send tickets by status",
		},
		[]string{"status"},
	)

	pushReceipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_push_receipts_total",
			Help: "Delivery receipts by outcome",
		},
		[]string{"outcome"},
	)

	tokensPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_push_tokens_pruned_total",
			Help: "Dead push tokens removed after transport feedback",
		},
	)

	fundsTeamsSynced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_funds_teams_synced_total",
			Help: "Team fundraising totals written by the sync job",
		},
	)

	accountsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_accounts_swept_total",
			Help: "Stale accounts removed by the sweep job",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch counts one push dispatch by audience kind
func RecordDispatch(kind string) {
	pushDispatches.WithLabelValues(kind).Inc()
}

// RecordTickets counts send tickets by status
func RecordTickets(ok, failed int) {
	pushTickets.WithLabelValues("ok").Add(float64(ok))
	pushTickets.WithLabelValues("error").Add(float64(failed))
}

// RecordReceipts counts delivery receipts by outcome
func RecordReceipts(delivered, failed, unknown int) {
	pushReceipts.WithLabelValues("delivered").Add(float64(delivered))
	pushReceipts.WithLabelValues("failed").Add(float64(failed))
	pushReceipts.WithLabelValues("unknown").Add(float64(unknown))
}

// RecordTokenPruned counts one removed push token
func RecordTokenPruned() {
	tokensPruned.Inc()
}

// RecordFundsTeamsSynced counts teams written by the funds sync job
func RecordFundsTeamsSynced(n int) {
	fundsTeamsSynced.Add(float64(n))
}

// RecordAccountsSwept counts accounts removed by the sweep job
func RecordAccountsSwept(n int) {
	accountsSwept.Add(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
