package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConsumerMetrics tracks order event handling.
type ConsumerMetrics struct {
	Events    *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewConsumerMetrics() *ConsumerMetrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgrid",
		Subsystem: "orders",
		Name:      "events_consumed_total",
		Help:      "Total number of order events consumed.",
	}, []string{"type", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "marketgrid",
		Subsystem: "orders",
		Name:      "event_handle_duration_ms",
		Help:      "Order event handling latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"type"})

	prometheus.MustRegister(events, latency)
	return &ConsumerMetrics{Events: events, LatencyMS: latency}
}

// Observe records one handled event.
func (m *ConsumerMetrics) Observe(eventType, outcome string, elapsed time.Duration) {
	m.Events.WithLabelValues(eventType, outcome).Inc()
	m.LatencyMS.WithLabelValues(eventType).Observe(float64(elapsed.Milliseconds()))
}

func Handler() http.Handler {
	return promhttp.Handler()
}
