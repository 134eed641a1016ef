// Package metrics exports broker activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/h1v3-io/hitl/pkg/protocol"
)

const namespace = "hitl"

// Outcome label values.
const (
	OutcomeAnswered = "answered"
	OutcomeExpired  = "expired"
)

// Metrics counts request lifecycle events. It implements broker.Listener.
type Metrics struct {
	created        *prometheus.CounterVec
	resolved       *prometheus.CounterVec
	resolveSeconds *prometheus.HistogramVec
}

// New creates the request metrics and registers them with reg, if non-nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_created_total",
			Help:      "Total number of requests created.",
		}, []string{"widget_type"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_resolved_total",
			Help:      "Total number of requests that reached a terminal state.",
		}, []string{"widget_type", "outcome"}),
		resolveSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_resolve_seconds",
			Help:      "Time from creation to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"outcome"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.created, m.resolved, m.resolveSeconds} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Notify records ev.
func (m *Metrics) Notify(ev protocol.Event) {
	req := ev.Request
	if req == nil {
		return
	}
	switch ev.Type {
	case protocol.EventNewRequest:
		m.created.WithLabelValues(string(req.Type)).Inc()
	case protocol.EventRequestCompleted:
		m.recordResolved(req, OutcomeAnswered)
	case protocol.EventRequestExpired:
		m.recordResolved(req, OutcomeExpired)
	}
}

func (m *Metrics) recordResolved(req *protocol.Request, outcome string) {
	m.resolved.WithLabelValues(string(req.Type), outcome).Inc()
	if req.ResolvedAt != nil && !req.CreatedAt.IsZero() {
		m.resolveSeconds.WithLabelValues(outcome).Observe(req.ResolvedAt.Sub(req.CreatedAt).Seconds())
	}
}

// RegisterGauge exposes fn as a gauge sampled at scrape time.
func RegisterGauge(reg prometheus.Registerer, name, help string, fn func() float64) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
