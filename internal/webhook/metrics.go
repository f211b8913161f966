package webhook

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mattjoyce/hookrelay/internal/relay"
)

// Metrics holds the gateway's Prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	requests       *prometheus.CounterVec
	relayDuration  prometheus.Histogram
	relayResponses *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_requests_total",
				Help: "Webhook requests by terminal outcome",
			},
			[]string{"outcome"},
		),
		relayDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hookrelay_relay_duration_seconds",
				Help:    "Time spent relaying to the downstream endpoint",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
			},
		),
		relayResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_relay_responses_total",
				Help: "Relay results by HTTP status returned to the caller",
			},
			[]string{"code"},
		),
	}
}

func (m *Metrics) observeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRelay(resp relay.Response) {
	if m == nil {
		return
	}
	m.relayDuration.Observe(resp.Duration.Seconds())
	m.relayResponses.WithLabelValues(strconv.Itoa(resp.Status)).Inc()
}
