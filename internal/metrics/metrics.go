// Package metrics holds the Prometheus collectors for the coordination
// engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	Operations        *prometheus.CounterVec
	CapacityAvailable *prometheus.GaugeVec
	Subscribers       prometheus.Gauge
	FanoutDelivered   prometheus.Counter
	FanoutRetries     prometheus.Counter
	FanoutResyncs     prometheus.Counter
	FanoutStale       prometheus.Counter
	PublishFailures   prometheus.Counter
	CreditDeliveries  *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	RateLimited       prometheus.Counter
	Notifications     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and prometheus.NewRegistry()
// in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_operations_total",
				Help: "Coordination operations by name and outcome code",
			},
			[]string{"operation", "outcome"},
		),
		CapacityAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "opportunity_capacity_available",
				Help: "Remaining slots per opportunity as of the last committed change",
			},
			[]string{"opportunity"},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fanout_subscribers",
				Help: "Currently registered fan-out subscribers",
			},
		),
		FanoutDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fanout_events_delivered_total",
				Help: "Events pushed successfully to a subscriber",
			},
		),
		FanoutRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fanout_push_retries_total",
				Help: "Push attempts repeated after a transient subscriber failure",
			},
		),
		FanoutResyncs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fanout_resyncs_total",
				Help: "Subscribers told to reload after a buffer overflow or exhausted retries",
			},
		),
		FanoutStale: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fanout_stale_events_total",
				Help: "Events dropped because a newer version was already dispatched",
			},
		),
		PublishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fanout_publish_failures_total",
				Help: "Committed mutations whose event could not be handed to the fan-out bus",
			},
		),
		CreditDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hour_credit_deliveries_total",
				Help: "Hour credit delivery attempts to the hours ledger by outcome",
			},
			[]string{"outcome"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "http_rate_limited_total",
				Help: "Requests rejected by the token bucket",
			},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "Notification jobs by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.Operations,
			m.CapacityAvailable,
			m.Subscribers,
			m.FanoutDelivered,
			m.FanoutRetries,
			m.FanoutResyncs,
			m.FanoutStale,
			m.PublishFailures,
			m.CreditDeliveries,
			m.HTTPRequests,
			m.HTTPDuration,
			m.RateLimited,
			m.Notifications,
		)
	}
	return m
}

// Operation counts one coordination operation outcome.
func (m *Metrics) Operation(name, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(name, outcome).Inc()
}

// Capacity records the remaining slots of an opportunity.
func (m *Metrics) Capacity(opportunityID string, available int) {
	if m == nil {
		return
	}
	m.CapacityAvailable.WithLabelValues(opportunityID).Set(float64(available))
}

// SubscriberAdded and SubscriberRemoved track the live registry size.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.FanoutDelivered.Inc()
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.FanoutRetries.Inc()
}

func (m *Metrics) Resync() {
	if m == nil {
		return
	}
	m.FanoutResyncs.Inc()
}

func (m *Metrics) Stale() {
	if m == nil {
		return
	}
	m.FanoutStale.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// CreditDelivery counts an hours-ledger delivery by outcome
// ("delivered", "retry", "failed").
func (m *Metrics) CreditDelivery(outcome string) {
	if m == nil {
		return
	}
	m.CreditDeliveries.WithLabelValues(outcome).Inc()
}

// Limited counts a rate-limited request.
func (m *Metrics) Limited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// Notification counts a notification job at stage ("enqueue", "send").
func (m *Metrics) Notification(stage, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(stage, outcome).Inc()
}
