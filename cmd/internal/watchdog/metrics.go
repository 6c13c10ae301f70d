package watchdog

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the watchdog collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	forcedLogouts   *prometheus.CounterVec
	signOutFailures prometheus.Counter
	timerResets     prometheus.Counter
	armed           prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		forcedLogouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finlearn",
			Subsystem: "watchdog",
			Name:      "forced_logouts_total",
			Help:      "Forced logouts by reason.",
		}, []string{"reason"}),
		signOutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "finlearn",
			Subsystem: "watchdog",
			Name:      "signout_failures_total",
			Help:      "Forced logouts whose sign-out call failed on every attempt.",
		}),
		timerResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "finlearn",
			Subsystem: "watchdog",
			Name:      "timer_resets_total",
			Help:      "Inactivity timer re-arms caused by qualifying input.",
		}),
		armed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "finlearn",
			Subsystem: "watchdog",
			Name:      "armed",
			Help:      "Watchdogs currently monitoring a protected view.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.forcedLogouts, m.signOutFailures, m.timerResets, m.armed)
	}
	return m
}

func (m *Metrics) forcedLogout(r Reason) {
	if m == nil {
		return
	}
	m.forcedLogouts.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) signOutFailed() {
	if m == nil {
		return
	}
	m.signOutFailures.Inc()
}

func (m *Metrics) timerReset() {
	if m == nil {
		return
	}
	m.timerResets.Inc()
}

func (m *Metrics) armedDelta(d float64) {
	if m == nil {
		return
	}
	m.armed.Add(d)
}
