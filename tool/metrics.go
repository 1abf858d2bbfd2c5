package tool

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report dispatcher activity.
// A nil *Metrics is a valid no-op.
type Metrics struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
	retries  *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// NewMetrics constructs dispatcher metrics registered on reg. Collectors
// already registered under the same name are reused, so several dispatchers
// can share one registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Subsystem: "tool",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of tool dispatches including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "origin", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "tool",
			Name:      "dispatch_failures_total",
			Help:      "Tool dispatches that ended in an error result.",
		}, []string{"tool", "error_type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "tool",
			Name:      "dispatch_retries_total",
			Help:      "Additional attempts made for transient tool failures.",
		}, []string{"tool"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "tool",
			Name:      "dispatch_in_flight",
			Help:      "Tool calls currently executing.",
		}),
	}

	var err error
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.failures, err = register(reg, m.failures); err != nil {
		return nil, err
	}
	if m.retries, err = register(reg, m.retries); err != nil {
		return nil, err
	}
	if m.inFlight, err = register(reg, m.inFlight); err != nil {
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

func (m *Metrics) observe(tool string, origin Origin, success bool, dur time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.duration.WithLabelValues(tool, string(origin), status).Observe(dur.Seconds())
}

func (m *Metrics) failure(tool, errorType string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(tool, errorType).Inc()
}

func (m *Metrics) retried(tool string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retries.WithLabelValues(tool).Add(float64(n))
}

func (m *Metrics) begin() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}
