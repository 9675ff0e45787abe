package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts delivered signals per engine and severity.
type Metrics struct {
	signals *prometheus.CounterVec
	cancel  func()
}

// NewMetrics registers the signal counter on reg and subscribes it to hub.
// Call Close to unsubscribe; the collector stays registered.
func NewMetrics(hub *Hub, reg prometheus.Registerer) (*Metrics, error) {
	signals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tabsync",
		Name:      "signals_total",
		Help:      "Telemetry signals delivered by the hub, by engine and severity.",
	}, []string{"engine", "severity"})

	if err := reg.Register(signals); err != nil {
		return nil, fmt.Errorf("register signal counter: %w", err)
	}

	m := &Metrics{signals: signals}
	m.cancel = hub.Subscribe(func(s Signal) {
		m.signals.WithLabelValues(s.Engine, s.Severity.String()).Inc()
	})
	return m, nil
}

// Counter returns the underlying counter for one label pair.
func (m *Metrics) Counter(engine string, sev Severity) prometheus.Counter {
	return m.signals.WithLabelValues(engine, sev.String())
}

// Close stops counting.
func (m *Metrics) Close() {
	m.cancel()
}
