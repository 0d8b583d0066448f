package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/enforcement"
	"github.com/sentinel-agent/warden/internal/scoring"
	"github.com/sentinel-agent/warden/internal/types"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

// value returns the counter or gauge value of the series whose labels match.
func value(t *testing.T, fams map[string]*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	f, ok := fams[name]
	if !ok {
		t.Fatalf("metric %s not found", name)
	}
	for _, m := range f.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if !match {
			continue
		}
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
	}
	t.Fatalf("no series of %s matches %v", name, labels)
	return 0
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNew_DisabledIsNilSafe(t *testing.T) {
	m := New(config.MetricsConfig{Enabled: false})
	if m != nil {
		t.Fatal("disabled metrics should be nil")
	}
	m.ObserveDecision(types.Decision{})
	m.ObservePostureChange(types.PostureChange{})
	m.ObserveEnforcement(enforcement.Event{})
	m.ObserveSnapshot(Snapshot{})
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestObserveDecision(t *testing.T) {
	m := New(config.MetricsConfig{Enabled: true, Namespace: "test"})
	m.ObserveDecision(types.Decision{Method: types.MethodHybrid, Score: 80, NewMode: types.ModeLockdown, MovingAverage: 71})
	m.ObserveDecision(types.Decision{Method: types.MethodLegacy, Score: 50, Degraded: true})

	fams := gather(t, m)
	if v := value(t, fams, "test_scoring_decisions_total", map[string]string{"method": "hybrid"}); v != 1 {
		t.Errorf("hybrid decisions = %v; want 1", v)
	}
	if v := value(t, fams, "test_scoring_degraded_total", nil); v != 1 {
		t.Errorf("degraded = %v; want 1", v)
	}
	if got := fams["test_scoring_score"].GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("score samples = %d; want 2", got)
	}
}

func TestObservePostureChange(t *testing.T) {
	m := New(config.MetricsConfig{Enabled: true})
	m.ObservePostureChange(types.PostureChange{From: types.ModePortal, To: types.ModeShield, Reason: "score", MovingAverage: 31})

	fams := gather(t, m)
	if v := value(t, fams, "warden_posture_changes_total", map[string]string{"from": "portal", "to": "shield"}); v != 1 {
		t.Errorf("changes = %v; want 1", v)
	}
	if v := value(t, fams, "warden_posture_mode", nil); v != 1 {
		t.Errorf("mode = %v; want 1 (shield)", v)
	}
}

func TestObserveEnforcementAndSnapshot(t *testing.T) {
	m := New(config.MetricsConfig{Enabled: true})
	key := enforcement.Key{Target: "203.0.113.7", Kind: enforcement.KindBlock}
	m.ObserveEnforcement(enforcement.Event{Key: key, Action: enforcement.StepInstall})
	m.ObserveEnforcement(enforcement.Event{Key: key, Action: enforcement.StepRemove, Err: "boom"})
	m.ObserveSnapshot(Snapshot{
		Enforcement: enforcement.Stats{ByKind: map[string]int{"block": 3}, PendingRemovals: 1},
		Scoring:     scoring.Stats{Deep: &scoring.PoolStats{Dropped: 4}},
	})

	fams := gather(t, m)
	if v := value(t, fams, "warden_enforcement_actions_total", map[string]string{"action": "install", "kind": "block"}); v != 1 {
		t.Errorf("install actions = %v; want 1", v)
	}
	if v := value(t, fams, "warden_enforcement_failures_total", map[string]string{"action": "remove"}); v != 1 {
		t.Errorf("remove failures = %v; want 1", v)
	}
	if v := value(t, fams, "warden_enforcement_active_rules", map[string]string{"kind": "block"}); v != 3 {
		t.Errorf("active block rules = %v; want 3", v)
	}
	if v := value(t, fams, "warden_scoring_deep_saturated", nil); v != 4 {
		t.Errorf("deep saturated = %v; want 4", v)
	}
}

func TestHandler_ServesExposition(t *testing.T) {
	m := New(config.MetricsConfig{Enabled: true})
	m.ObserveDecision(types.Decision{Method: types.MethodFastAI, Score: 10})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != 200 || !strings.Contains(string(body), `warden_scoring_decisions_total{method="fast-ai"} 1`) {
		t.Errorf("status %d body missing decision counter", rec.Code)
	}
}
