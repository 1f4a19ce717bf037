package status

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports event counts and build durations.
type Metrics struct {
	events        *prometheus.CounterVec
	builds        *prometheus.CounterVec
	deployments   *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "status_events_total",
			Help:      "Status events published, by kind.",
		}, []string{"kind"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "builds_total",
			Help:      "Build transitions, by target and status.",
		}, []string{"target", "status"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "deployments_total",
			Help:      "Rollout transitions, by target and state.",
		}, []string{"target", "state"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "webhook_rejections_total",
			Help:      "Rejected webhook deliveries, by reason.",
		}, []string{"reason"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conveyor",
			Name:      "build_duration_seconds",
			Help:      "Wall time from ACTIVE to a terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"target", "status"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.events, m.builds, m.deployments, m.rejected, m.buildDuration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) Name() string { return "metrics" }

func (m *Metrics) Write(ctx context.Context, ev Event) error {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
	switch {
	case ev.Kind == KindEventRejected:
		reason := ev.Attrs["reason"]
		if reason == "" {
			reason = "unknown"
		}
		m.rejected.WithLabelValues(reason).Inc()
	case strings.HasPrefix(string(ev.Kind), "build."):
		m.builds.WithLabelValues(ev.Target, ev.Status).Inc()
		if ev.DurationMS > 0 {
			m.buildDuration.WithLabelValues(ev.Target, ev.Status).Observe(float64(ev.DurationMS) / 1000)
		}
	case strings.HasPrefix(string(ev.Kind), "deploy."):
		m.deployments.WithLabelValues(ev.Target, ev.Status).Inc()
	}
	return nil
}
