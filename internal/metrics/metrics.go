// Package metrics holds the Prometheus collectors shared by gateways and
// token providers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeTransport = "transport_error"
	OutcomeServer    = "server_error"
	OutcomeDecode    = "decode_error"
	OutcomeCanceled  = "canceled"
	OutcomeEmpty     = "empty"
)

// Metrics records request, token and batch query activity.
type Metrics struct {
	requests        *prometheus.CounterVec   // By method and outcome
	requestDuration *prometheus.HistogramVec // By method
	tokenRequests   *prometheus.CounterVec   // By provider and outcome
	batchPages      prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// disables metrics and returns nil. Collectors already registered by
// another client on the same registry are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcgis",
			Name:      "requests_total",
			Help:      "Total number of ArcGIS REST requests by HTTP method and outcome",
		}, []string{"method", "outcome"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arcgis",
			Name:      "request_duration_seconds",
			Help:      "ArcGIS REST request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),

		tokenRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcgis",
			Name:      "token_requests_total",
			Help:      "Total number of token generation requests by provider and outcome",
		}, []string{"provider", "outcome"}),

		batchPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arcgis",
			Name:      "batch_query_pages_total",
			Help:      "Total number of continuation pages fetched by batch queries",
		}),
	}

	var err error

	if m.requests, err = register(reg, m.requests); err != nil {
		return nil, err
	}

	if m.requestDuration, err = register(reg, m.requestDuration); err != nil {
		return nil, err
	}

	if m.tokenRequests, err = register(reg, m.tokenRequests); err != nil {
		return nil, err
	}

	if m.batchPages, err = register(reg, m.batchPages); err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}

		return c, err
	}

	return c, nil
}

// ObserveRequest counts one HTTP round trip and its duration.
func (m *Metrics) ObserveRequest(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// TokenRequest counts one token generation attempt.
func (m *Metrics) TokenRequest(provider, outcome string) {
	if m == nil {
		return
	}

	m.tokenRequests.WithLabelValues(provider, outcome).Inc()
}

// BatchPage counts one continuation page fetched by a batch query.
func (m *Metrics) BatchPage() {
	if m == nil {
		return
	}

	m.batchPages.Inc()
}
