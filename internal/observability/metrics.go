// README: Prometheus collectors for transitions, timers, notifications and HTTP traffic.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chauffeur"

var (
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Negotiation transitions by action and outcome"},
		[]string{"action", "result"},
	)
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "version_conflicts_total", Help: "Optimistic version conflicts seen by the engine"})

	TimersArmed = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "expiry_timers_armed", Help: "Outstanding negotiation deadlines held in memory"})
	ExpiryFired = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "expiry_fired_total", Help: "Deadline firings by outcome"}, []string{"result"})

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by channel and status"},
		[]string{"channel", "status"},
	)
	NotificationAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "notification_attempts",
		Help:      "Attempts needed before a notification settled",
		Buckets:   []float64{1, 2, 3, 4, 5, 8},
	})
	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "feed_subscribers", Help: "Open live feed subscriptions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
