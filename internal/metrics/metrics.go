// Package metrics exposes Prometheus collectors for the decision loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinel-agent/warden/internal/alerting"
	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/enforcement"
	"github.com/sentinel-agent/warden/internal/scoring"
	"github.com/sentinel-agent/warden/internal/source"
	"github.com/sentinel-agent/warden/internal/types"
)

// Metrics holds every collector on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions      *prometheus.CounterVec
	degraded       prometheus.Counter
	scores         prometheus.Histogram
	mode           prometheus.Gauge
	movingAverage  prometheus.Gauge
	postureChanges *prometheus.CounterVec
	ruleActions    *prometheus.CounterVec
	ruleFailures   *prometheus.CounterVec
	activeRules    *prometheus.GaugeVec
	pendingRemoval prometheus.Gauge
	alertsRead     prometheus.Gauge
	alertsDropped  prometheus.Gauge
	deepSaturated  prometheus.Gauge
	notifications  *prometheus.GaugeVec
}

// New builds the collectors, or returns nil when metrics are disabled.
func New(cfg config.MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "warden"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "scoring",
			Name:      "decisions_total",
			Help:      "Decisions recorded, by evaluation method",
		}, []string{"method"}),
		degraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "scoring",
			Name:      "degraded_total",
			Help:      "Decisions whose score was substituted after a tier fault",
		}),
		scores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "scoring",
			Name:      "score",
			Help:      "Distribution of final threat scores",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		mode: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "posture",
			Name:      "mode",
			Help:      "Effective posture (0 portal, 1 shield, 2 lockdown)",
		}),
		movingAverage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "posture",
			Name:      "moving_average",
			Help:      "Moving average of recent scores",
		}),
		postureChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "posture",
			Name:      "changes_total",
			Help:      "Posture transitions",
		}, []string{"from", "to", "reason"}),
		ruleActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "enforcement",
			Name:      "actions_total",
			Help:      "Rule registry mutations, by action and kind",
		}, []string{"action", "kind"}),
		ruleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "enforcement",
			Name:      "failures_total",
			Help:      "Backend failures, by action and kind",
		}, []string{"action", "kind"}),
		activeRules: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "enforcement",
			Name:      "active_rules",
			Help:      "Rules currently installed, by kind",
		}, []string{"kind"}),
		pendingRemoval: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "enforcement",
			Name:      "pending_removals",
			Help:      "Rules whose kernel removal failed and will be retried",
		}),
		alertsRead: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "source",
			Name:      "alerts_emitted",
			Help:      "Alerts emitted by the sources since start",
		}),
		alertsDropped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "source",
			Name:      "lines_rejected",
			Help:      "Lines skipped as malformed or filtered since start",
		}),
		deepSaturated: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "scoring",
			Name:      "deep_saturated",
			Help:      "Deep analysis tasks refused because the pool was full",
		}),
		notifications: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "notify",
			Name:      "notifications",
			Help:      "Notification outcomes since start",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveDecision records one processed alert.
func (m *Metrics) ObserveDecision(d types.Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d.Method)).Inc()
	if d.Degraded {
		m.degraded.Inc()
	}
	m.scores.Observe(d.Score)
	m.mode.Set(float64(d.NewMode))
	m.movingAverage.Set(d.MovingAverage)
}

// ObservePostureChange records a transition.
func (m *Metrics) ObservePostureChange(c types.PostureChange) {
	if m == nil {
		return
	}
	m.postureChanges.WithLabelValues(c.From.String(), c.To.String(), c.Reason).Inc()
	m.mode.Set(float64(c.To))
	m.movingAverage.Set(c.MovingAverage)
}

// ObserveEnforcement records one engine event.
func (m *Metrics) ObserveEnforcement(ev enforcement.Event) {
	if m == nil {
		return
	}
	if ev.Err != "" {
		m.ruleFailures.WithLabelValues(string(ev.Action), string(ev.Key.Kind)).Inc()
		return
	}
	m.ruleActions.WithLabelValues(string(ev.Action), string(ev.Key.Kind)).Inc()
}

// Snapshot is the set of component stats sampled on every tick.
type Snapshot struct {
	Enforcement enforcement.Stats
	Scoring     scoring.Stats
	Source      source.StatsSnapshot
	Notify      alerting.DispatcherStats
}

// ObserveSnapshot refreshes the gauges fed from component stats.
func (m *Metrics) ObserveSnapshot(s Snapshot) {
	if m == nil {
		return
	}
	for _, k := range enforcement.Kinds {
		m.activeRules.WithLabelValues(string(k)).Set(float64(s.Enforcement.ByKind[string(k)]))
	}
	m.pendingRemoval.Set(float64(s.Enforcement.PendingRemovals))

	m.alertsRead.Set(float64(s.Source.Emitted))
	m.alertsDropped.Set(float64(s.Source.Malformed + s.Source.Skipped + s.Source.Filtered))
	if s.Scoring.Deep != nil {
		m.deepSaturated.Set(float64(s.Scoring.Deep.Dropped))
	}

	m.notifications.WithLabelValues("sent").Set(float64(s.Notify.Sent))
	m.notifications.WithLabelValues("failed").Set(float64(s.Notify.Failed))
	m.notifications.WithLabelValues("dropped").Set(float64(s.Notify.Dropped))
	m.notifications.WithLabelValues("throttled").Set(float64(s.Notify.Throttled))
}
