package pipeline

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for sessions and phases. A nil
// *Metrics is a valid no-op.
type Metrics struct {
	phaseDuration *prometheus.HistogramVec
	phaseRetries  *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	loops         prometheus.Histogram
	active        prometheus.Gauge
}

// NewMetrics constructs pipeline metrics registered on reg. Collectors that
// are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Duration of pipeline phases including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"phase", "status"}),
		phaseRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "pipeline",
			Name:      "phase_retries_total",
			Help:      "Phase attempts repeated after a transient failure or timeout.",
		}, []string{"phase"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "pipeline",
			Name:      "sessions_total",
			Help:      "Finished sessions by mode and outcome.",
		}, []string{"mode", "status"}),
		loops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Subsystem: "pipeline",
			Name:      "session_loops",
			Help:      "Planning/execution/observation cycles per session.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "pipeline",
			Name:      "sessions_active",
			Help:      "Sessions currently running.",
		}),
	}

	var err error
	if m.phaseDuration, err = register(reg, m.phaseDuration); err != nil {
		return nil, err
	}
	if m.phaseRetries, err = register(reg, m.phaseRetries); err != nil {
		return nil, err
	}
	if m.sessions, err = register(reg, m.sessions); err != nil {
		return nil, err
	}
	if m.loops, err = register(reg, m.loops); err != nil {
		return nil, err
	}
	if m.active, err = register(reg, m.active); err != nil {
		return nil, err
	}

	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) phase(name string, err error, dur time.Duration, attempts int) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.phaseDuration.WithLabelValues(name, status).Observe(dur.Seconds())
	if attempts > 1 {
		m.phaseRetries.WithLabelValues(name).Add(float64(attempts - 1))
	}
}

func (m *Metrics) begin() func(mode string, loops int, err error) {
	if m == nil {
		return func(string, int, error) {}
	}
	m.active.Inc()
	return func(mode string, loops int, err error) {
		m.active.Dec()
		status := "success"
		if err != nil {
			status = "error"
		}
		m.sessions.WithLabelValues(mode, status).Inc()
		m.loops.Observe(float64(loops))
	}
}
