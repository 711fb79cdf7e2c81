package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by every Server of a process. A nil *Metrics records
// nothing.
type Metrics struct {
	associations *prometheus.CounterVec
	active       prometheus.Gauge
	receivers    prometheus.Gauge
}

// NewMetrics creates the receiver metrics and registers them with reg when
// it is not nil. Collectors already registered under the same name are
// reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		associations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomscp_associations_total",
			Help: "Association requests by outcome (accepted, rejected, failed, dropped)",
		}, []string{"result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dicomscp_associations_active",
			Help: "Associations in data transfer",
		}),
		receivers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dicomscp_receivers_running",
			Help: "Ports with a running receiver",
		}),
	}
	if reg != nil {
		m.associations = register(reg, m.associations)
		m.active = register(reg, m.active)
		m.receivers = register(reg, m.receivers)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) association(result string) {
	if m == nil {
		return
	}
	m.associations.WithLabelValues(result).Inc()
}

func (m *Metrics) activeAdd(n float64) {
	if m == nil {
		return
	}
	m.active.Add(n)
}

func (m *Metrics) setReceivers(n int) {
	if m == nil {
		return
	}
	m.receivers.Set(float64(n))
}
