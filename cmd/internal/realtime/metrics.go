package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	rejects     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "finlearn",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Authenticated websocket connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finlearn",
			Subsystem: "ws",
			Name:      "frames_total",
			Help:      "Inbound frames by envelope type.",
		}, []string{"type"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finlearn",
			Subsystem: "ws",
			Name:      "rejects_total",
			Help:      "Connections refused or closed by policy.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.frames, m.rejects)
	}
	return m
}

func (m *Metrics) connDelta(d float64) {
	if m == nil {
		return
	}
	m.connections.Add(d)
}

func (m *Metrics) frame(typ string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(typ).Inc()
}

func (m *Metrics) reject(reason string) {
	if m == nil {
		return
	}
	m.rejects.WithLabelValues(reason).Inc()
}
