// Package metrics exposes Prometheus collectors for the settlement services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific collectors.
	Registry = prometheus.NewRegistry()

	acceptanceClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "arbiter",
			Name:      "claims_total",
			Help:      "Acceptance claims by outcome.",
		},
		[]string{"outcome"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Committed workflow transitions by event type.",
		},
		[]string{"event"},
	)

	ledgerRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "ledger",
			Name:      "retries_total",
			Help:      "Optimistic transaction attempts retried after a conflict or transient error.",
		},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "notify",
			Name:      "dispatch_total",
			Help:      "Notification dispatches by event type and success.",
		},
		[]string{"event", "success"},
	)

	expiredOffers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "registry",
			Name:      "expired_offers_total",
			Help:      "Offers expired by the stale-offer sweep.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradeflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)
)

func init() {
	Registry.MustRegister(
		acceptanceClaims,
		transitions,
		ledgerRetries,
		notifications,
		expiredOffers,
		httpRequests,
		httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordClaim counts an acceptance claim outcome ("won", "already_taken", ...).
func RecordClaim(outcome string) {
	acceptanceClaims.WithLabelValues(outcome).Inc()
}

// RecordTransition counts a committed transition.
func RecordTransition(event string) {
	transitions.WithLabelValues(event).Inc()
}

// RecordLedgerRetry counts a retried optimistic transaction.
func RecordLedgerRetry() {
	ledgerRetries.Inc()
}

// RecordNotification counts a notification dispatch.
func RecordNotification(event string, success bool) {
	notifications.WithLabelValues(event, strconv.FormatBool(success)).Inc()
}

// RecordExpiredOffers counts offers closed by the sweep.
func RecordExpiredOffers(n int) {
	if n > 0 {
		expiredOffers.Add(float64(n))
	}
}

// RecordHTTPRequest observes one served request.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
