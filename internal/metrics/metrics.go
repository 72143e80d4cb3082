// Package metrics provides the Prometheus metrics of the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alert_relay"

// Inbound results.
const (
	InboundAccepted      = "accepted"
	InboundDuplicate     = "duplicate"
	InboundRateLimited   = "rate_limited"
	InboundNotApplicable = "not_applicable"
	InboundMismatch      = "mismatch"
	InboundQueueFull     = "queue_full"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Ingest
	InboundMessages *prometheus.CounterVec
	SkippedMessages prometheus.Gauge

	// Delivery
	QueueDepth        prometheus.Gauge
	DeliveryAttempts  *prometheus.CounterVec
	DeliveryOutcomes  *prometheus.CounterVec
	DeliveryDeferrals prometheus.Counter
	DeliveryLatency   *prometheus.HistogramVec

	// Votes
	Votes *prometheus.CounterVec
}

// New registers the metrics on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Inbound source messages by pipeline result",
		}, []string{"result"}),
		SkippedMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "skipped_messages",
			Help:      "Messages held in the skipped log after an intake rate-limit rejection",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "queue_depth",
			Help:      "Items waiting in the delivery queue",
		}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Send attempts by destination and error class",
		}, []string{"destination", "class"}),
		DeliveryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "outcomes_total",
			Help:      "Terminal delivery outcomes by destination",
		}, []string{"destination", "outcome"}),
		DeliveryDeferrals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "deferrals_total",
			Help:      "Items deferred because the delivery limiter was saturated",
		}),
		DeliveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_seconds",
			Help:      "Latency of a single send call",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination"}),
		Votes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "votes",
			Name:      "cast_total",
			Help:      "Vote casts by choice and result",
		}, []string{"choice", "result"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
