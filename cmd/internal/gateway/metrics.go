package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gateway collectors. A nil *Metrics disables them.
type Metrics struct {
	sessions prometheus.Gauge
	frames   *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// NewMetrics creates the gateway collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chanlayer",
			Subsystem: "gateway",
			Name:      "sessions",
			Help:      "Open websocket sessions.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chanlayer",
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Envelopes read from clients, by type.",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chanlayer",
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Error envelopes sent to clients, by code.",
		}, []string{"code"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.sessions, m.frames, m.errors} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) frame(typ string) {
	if m != nil {
		m.frames.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) errorSent(code string) {
	if m != nil {
		m.errors.WithLabelValues(code).Inc()
	}
}
