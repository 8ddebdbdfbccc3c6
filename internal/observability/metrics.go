package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	messagesCreated    *prometheus.CounterVec
	reviewDecisions    *prometheus.CounterVec
	claims             *prometheus.CounterVec
	deliveryReports    *prometheus.CounterVec
	messagesCanceled   prometheus.Counter
	persistenceErrors  *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		messagesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_messages_created_total",
				Help: "Create calls by channel and whether the call inserted or replayed",
			},
			[]string{"channel", "outcome"},
		),
		reviewDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_review_decisions_total",
				Help: "Review decisions applied to pending messages",
			},
			[]string{"decision"},
		),
		claims: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_claims_total",
				Help: "Claim attempts by result",
			},
			[]string{"result"},
		),
		deliveryReports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_delivery_reports_total",
				Help: "Delivery outcomes reported by workers",
			},
			[]string{"outcome"},
		),
		messagesCanceled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "outbound_messages_canceled_total",
				Help: "Messages moved to CANCELED",
			},
		),
		persistenceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_persistence_errors_total",
				Help: "Store failures by operation",
			},
			[]string{"op"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outbound_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) MessageCreated(channel string, wasCreated bool) {
	outcome := "replayed"
	if wasCreated {
		outcome = "created"
	}
	m.messagesCreated.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) ReviewDecided(decision string) {
	m.reviewDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ClaimAttempted(claimed bool) {
	result := "empty"
	if claimed {
		result = "claimed"
	}
	m.claims.WithLabelValues(result).Inc()
}

func (m *Metrics) DeliveryReported(outcome string) {
	m.deliveryReports.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MessageCanceled() {
	m.messagesCanceled.Inc()
}

func (m *Metrics) PersistenceFailed(op string) {
	m.persistenceErrors.WithLabelValues(op).Inc()
}

// ObserveHTTP records one served request. route is the chi route pattern, not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
