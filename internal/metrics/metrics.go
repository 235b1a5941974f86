// Package metrics holds the Prometheus collectors shared by the realtime
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcomes.
const (
	DeliveryDelivered = "delivered"
	DeliveryDropped   = "dropped"
	DeliveryClosed    = "closed"
)

// SessionsActive tracks the number of registered websocket sessions.
var SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "chat_relay_sessions_active",
	Help: "Current number of authenticated websocket sessions",
})

// MessagesRouted counts messages persisted and fanned out.
var MessagesRouted = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chat_relay_messages_routed_total",
	Help: "Total number of messages routed",
})

// Deliveries counts per-session deliveries by outcome.
var Deliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chat_relay_deliveries_total",
		Help: "Total number of frames pushed to sessions, by outcome",
	},
	[]string{"outcome"},
)

// RateLimited counts requests rejected by the rate limiter.
var RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chat_relay_rate_limited_total",
	Help: "Total number of requests rejected by the rate limiter",
})

// RouteDuration observes how long Route takes, including persistence.
var RouteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "chat_relay_route_duration_seconds",
	Help:    "Message routing duration in seconds",
	Buckets: prometheus.DefBuckets,
})

// Register registers every collector with reg.
// Panics if registration fails (following prometheus convention).
func Register(reg prometheus.Registerer) {
	reg.MustRegister(SessionsActive)
	reg.MustRegister(MessagesRouted)
	reg.MustRegister(Deliveries)
	reg.MustRegister(RateLimited)
	reg.MustRegister(RouteDuration)
}
