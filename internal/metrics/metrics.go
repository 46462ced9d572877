// Package metrics holds the Prometheus collectors of the storefront. All
// methods are safe on a nil *Metrics so tests can leave it out.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ordersCreated    prometheus.Counter
	orderFailures    *prometheus.CounterVec
	cartAdjustments  *prometheus.CounterVec
	cartPersistFails *prometheus.CounterVec
	invalidations    *prometheus.CounterVec
	paymentFailures  prometheus.Counter
	eventsDropped    *prometheus.CounterVec
	requests         *prometheus.CounterVec
	latency          *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_orders_created_total",
			Help: "Orders committed together with their stock decrement",
		}),
		orderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_order_failures_total",
			Help: "Order transactions that did not commit, by reason",
		}, []string{"reason"}),
		cartAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_cart_adjustments_total",
			Help: "Cart lines corrected during validation, by kind",
		}, []string{"kind"}),
		cartPersistFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_cart_persist_failures_total",
			Help: "Cart saves that failed, by target",
		}, []string{"target"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_cache_invalidations_total",
			Help: "Cache invalidation signals, by type and result",
		}, []string{"type", "result"}),
		paymentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_payment_failures_total",
			Help: "Payment failure callbacks received",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_events_dropped_total",
			Help: "Domain events not published because the producer was full or closed",
		}, []string{"event_type"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.ordersCreated, m.orderFailures, m.cartAdjustments, m.cartPersistFails,
		m.invalidations, m.paymentFailures, m.eventsDropped, m.requests, m.latency,
	)
	return m
}

func (m *Metrics) OrderCreated() {
	if m != nil {
		m.ordersCreated.Inc()
	}
}

func (m *Metrics) OrderFailed(reason string) {
	if m != nil {
		m.orderFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) CartAdjusted(kind string) {
	if m != nil {
		m.cartAdjustments.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) CartPersistFailed(target string) {
	if m != nil {
		m.cartPersistFails.WithLabelValues(target).Inc()
	}
}

func (m *Metrics) Invalidation(kind, result string) {
	if m != nil {
		m.invalidations.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) PaymentFailed() {
	if m != nil {
		m.paymentFailures.Inc()
	}
}

func (m *Metrics) EventDropped(eventType string) {
	if m != nil {
		m.eventsDropped.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Request(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, status).Inc()
	m.latency.WithLabelValues(method, route).Observe(seconds)
}
