package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is an Observer exporting broker activity to Prometheus.
type Metrics struct {
	pending     prometheus.Gauge
	allocations prometheus.Counter
	settlements *prometheus.CounterVec
	unknown     *prometheus.CounterVec
}

// NewMetrics registers the broker collectors with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "flowrpc_pending",
			Help: "Calls waiting for a completion.",
		}),
		allocations: f.NewCounter(prometheus.CounterOpts{
			Name: "flowrpc_allocations_total",
			Help: "Calls allocated in a correlation table.",
		}),
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowrpc_settlements_total",
			Help: "Calls settled, by outcome.",
		}, []string{"outcome"}),
		unknown: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowrpc_unknown_completions_total",
			Help: "Completions that matched no pending call, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) OnAllocate(string, string) {
	m.allocations.Inc()
	m.pending.Inc()
}

func (m *Metrics) OnSettle(s Settlement) {
	m.pending.Dec()
	m.settlements.WithLabelValues(string(s.Kind)).Inc()
}

func (m *Metrics) OnUnknown(_ string, reason UnknownReason) {
	m.unknown.WithLabelValues(string(reason)).Inc()
}
