package scoring

import (
	"context"
	"errors"
	"math"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeTier struct {
	name   string
	v      Verdict
	err    error
	panics bool
	calls  int
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Evaluate(_ context.Context, _ types.Alert) (Verdict, error) {
	f.calls++
	if f.panics {
		panic("rule table corrupted")
	}
	return f.v, f.err
}

type fakeDeep struct {
	v     Verdict
	err   error
	hold  chan struct{} // blocks regardless of ctx when set
	calls atomic.Int32
}

func (f *fakeDeep) Analyze(ctx context.Context, _ types.Alert, _ Verdict) (Verdict, error) {
	f.calls.Add(1)
	if f.hold != nil {
		<-f.hold
	}
	if f.err != nil {
		return Verdict{}, f.err
	}
	return f.v, nil
}

type slowDeep struct{}

func (slowDeep) Analyze(ctx context.Context, _ types.Alert, _ Verdict) (Verdict, error) {
	<-ctx.Done()
	return Verdict{}, ctx.Err()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestScorer(t *testing.T, cfg config.ScoringConfig, tiers Tiers) *Scorer {
	t.Helper()
	s, err := NewScorer(cfg, config.DefaultConfig().Deep, tiers, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScorer() error: %v", err)
	}
	return s
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// ---------------------------------------------------------------------------
// Cascade combination
// ---------------------------------------------------------------------------

func TestScorer_KnownThreatPath(t *testing.T) {
	legacy := &fakeTier{name: TierLegacy, v: Verdict{Score: 55, Category: types.CategorySQLi, Confidence: 1}}
	fast := &fakeTier{name: TierFastAI, v: Verdict{Score: RiskScore(4), Risk: 4, Category: types.CategorySQLi, Confidence: 0.85}}
	deep := &fakeDeep{v: Verdict{Score: 100, Risk: 5}}
	s := newTestScorer(t, config.DefaultConfig().Scoring, Tiers{
		Legacy: legacy,
		Fast:   fast,
		Deep:   NewDeepPool(deep, 2, time.Second, zerolog.Nop()),
	})

	res := s.Score(context.Background(), types.Alert{ID: "a1", Signature: "SQL Injection", Category: types.CategorySQLi})

	if !near(res.Score, 65) {
		t.Errorf("Score = %v; want 65", res.Score)
	}
	if res.Method != types.MethodHybrid {
		t.Errorf("Method = %s; want hybrid", res.Method)
	}
	if res.FloorApplied {
		t.Error("65 is above the sqli floor; floor should not apply")
	}
	if res.Category != types.CategorySQLi || res.AlertID != "a1" {
		t.Errorf("Category/AlertID = %s/%s", res.Category, res.AlertID)
	}
	if deep.calls.Load() != 0 {
		t.Error("confident known threat must not escalate")
	}
	if len(res.Tiers) != 2 || res.Subscores[TierLegacy] != 55 || res.Subscores[TierFastAI] != 80 {
		t.Errorf("Tiers = %v Subscores = %v", res.Tiers, res.Subscores)
	}
}

func TestScorer_UnknownThreatEscalates(t *testing.T) {
	legacy := &fakeTier{name: TierLegacy, v: Verdict{Score: 20, Category: types.CategoryUnknown, Confidence: 1}}
	fast := &fakeTier{name: TierFastAI, v: Verdict{Score: 30, Risk: 2, Category: types.CategoryUnknown, Confidence: 0.4, Uncertain: true}}
	deep := &fakeDeep{v: Verdict{Score: RiskScore(2), Risk: 2, Category: types.CategoryUnknown, Confidence: 0.8}}
	s := newTestScorer(t, config.DefaultConfig().Scoring, Tiers{
		Legacy: legacy,
		Fast:   fast,
		Deep:   NewDeepPool(deep, 2, time.Second, zerolog.Nop()),
	})

	res := s.Score(context.Background(), types.Alert{ID: "b1", Category: types.CategoryUnknown})

	if !near(res.Score, 37) {
		t.Errorf("Score = %v; want 37", res.Score)
	}
	if res.Method != types.MethodDeepAI {
		t.Errorf("Method = %s; want deep-ai", res.Method)
	}
	if res.Confidence != 0.8 {
		t.Errorf("Confidence = %v; want the deep confidence", res.Confidence)
	}
	if len(res.Tiers) != 3 || res.Tiers[2] != TierDeepAI {
		t.Errorf("Tiers = %v; want all three", res.Tiers)
	}
	if st := s.Stats(); st.Escalated != 1 || st.DeepUsed != 1 || st.ByMethod["deep-ai"] != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestScorer_DeepCategoryDrivesFloor(t *testing.T) {
	fast := &fakeTier{name: TierFastAI, v: Verdict{Score: 25, Risk: 2, Category: types.CategoryUnknown, Confidence: 0.3}}
	deep := &fakeDeep{v: Verdict{Score: 50, Risk: 3, Category: types.CategoryRCE, Confidence: 0.9}}
	s := newTestScorer(t, config.DefaultConfig().Scoring, Tiers{
		Legacy: &fakeTier{name: TierLegacy, v: Verdict{Score: 10}},
		Fast:   fast,
		Deep:   NewDeepPool(deep, 1, time.Second, zerolog.Nop()),
	})

	res := s.Score(context.Background(), types.Alert{Category: types.CategoryUnknown})
	// 0.7*50 + 0.3*25 = 42.5, raised to the rce floor
	if res.Category != types.CategoryRCE || res.Score != 70 || !res.FloorApplied {
		t.Errorf("result = %+v; want rce floored to 70", res)
	}
}

func TestScorer_SingleTierPaths(t *testing.T) {
	legacyOnly := newTestScorer(t, config.DefaultConfig().Scoring, Tiers{
		Legacy: &fakeTier{name: TierLegacy, v: Verdict{Score: 42, Category: types.CategoryRecon}},
	})
	if res := legacyOnly.Score(context.Background(), types.Alert{Category: types.CategoryRecon}); res.Method != types.MethodLegacy || res.Score != 42 {
		t.Errorf("legacy only = %s %v", res.Method, res.Score)
	}

	fastOnly := newTestScorer(t, config.DefaultConfig().Scoring, Tiers{
		Fast: &fakeTier{name: TierFastAI, v: Verdict{Score: 25, Risk: 2, Category: types.CategoryPortScan, Confidence: 0.8}},
	})
	if res := fastOnly.Score(context.Background(), types.Alert{Category: types.CategoryPortScan}); res.Method != types.MethodFastAI || res.Score != 25 {
		t.Errorf("fast only = %s %v", res.Method, res.Score)
	}

	if _, err := NewScorer(config.DefaultConfig().Scoring, config.DeepConfig{}, Tiers{}, zerolog.Nop()); err == nil {
		t.Error("no tiers should be rejected")
	}
}

// ---------------------------------------------------------------------------
// Floors and benign overrides
// ---------------------------------------------------------------------------

func TestScorer_FloorsHoldForEveryFlooredCategory(t *testing.T) {
	cfg := config.DefaultConfig().Scoring
	for category, floor := range cfg.Floors {
		t.Run(category, func(t *testing.T) {
			s := newTestScorer(t, cfg, Tiers{
				Legacy: &fakeTier{name: TierLegacy, v: Verdict{Score: 0, Category: category}},
				Fast:   &fakeTier{name: TierFastAI, v: Verdict{Score: 0, Risk: 1, Category: category, Confidence: 0.9}},
			})
			res := s.Score(context.Background(), types.Alert{Category: category, Signature: "anything"})
			if res.Score < floor {
				t.Errorf("Score = %v; want >= floor %v", res.Score, floor)
			}
			if !res.FloorApplied || res.Subscores[types.SubscoreFloor] != floor {
				t.Errorf("FloorApplied=%v floor subscore=%v", res.FloorApplied, res.Subscores[types.SubscoreFloor])
			}
		})
	}
}

func TestScorer_BenignOverrideSuppressesFloor(t *testing.T) {
	cfg := config.DefaultConfig().Scoring
	cfg.BenignOverrides = []config.BenignOverride{
		{Name: "vuln-scanner", SignatureContains: "SQL", DestCIDR: "10.0.0.0/8", DestPort: 443},
	}
	s := newTestScorer(t, cfg, Tiers{
		Legacy: &fakeTier{name: TierLegacy, v: Verdict{Score: 10}},
		Fast:   &fakeTier{name: TierFastAI, v: Verdict{Score: 25, Risk: 2, Category: types.CategorySQLi, Confidence: 0.9}},
	})

	a := types.Alert{Category: types.CategorySQLi, Signature: "ET WEB SQL injection attempt", DestIP: "10.1.2.3", DestPort: 443}
	res := s.Score(context.Background(), a)
	// 0.6*10 + 0.4*25 = 16
	if !res.BenignOverride || res.FloorApplied || !near(res.Score, 16) {
		t.Errorf("result = %+v; want override, unfloored 16", res)
	}

	a.DestPort = 80
	if res := s.Score(context.Background(), a); res.BenignOverride || res.Score != 60 {
		t.Errorf("port mismatch = %+v; want floored 60", res)
	}

	a.DestPort = 443
	a.DestIP = "192.168.1.1"
	if res := s.Score(context.Background(), a); res.BenignOverride {
		t.Error("destination outside override CIDR should not match")
	}
}

func TestScorer_BadOverrideCIDR(t *testing.T) {
	cfg := config.DefaultConfig().Scoring
	cfg.BenignOverrides = []config.BenignOverride{{Name: "x", DestCIDR: "nope"}}
	_, err := NewScorer(cfg, config.DeepConfig{}, Tiers{Fast: &fakeTier{name: TierFastAI}}, zerolog.Nop())
	if !werrors.Is(err, werrors.ErrConfig) {
		t.Errorf("error = %v; want %s", err, werrors.ErrConfig)
	}
}

func TestScorer_ClampsAndRounds(t *testing.T) {
	s := newTestScorer(t, config.DefaultConfig().Scoring, Tiers{
		Legacy: &fakeTier{name: TierLegacy, v: Verdict{Score: 300}},
		Fast:   &fakeTier{name: TierFastAI, v: Verdict{Score: 100, Risk: 5, Category: types.CategoryDoS, Confidence: 0.9}},
	})
	if res := s.Score(context.Background(), types.Alert{Category: types.CategoryDoS}); res.Score != 100 {
		t.Errorf("Score = %v; want clamped 100", res.Score)
	}
}

// ---------------------------------------------------------------------------
// Failure semantics
// ---------------------------------------------------------------------------

func TestScorer_TierFaultUsesDefault(t *testing.T) {
	tests := []struct {
		name   string
		legacy *fakeTier
		fast   *fakeTier
	}{
		{
			name:   "legacy panic",
			legacy: &fakeTier{name: TierLegacy, panics: true},
			fast:   &fakeTier{name: TierFastAI, v: Verdict{Score: 100, Risk: 5, Category: types.CategoryRCE, Confidence: 1}},
		},
		{
			name:   "fast error",
			legacy: &fakeTier{name: TierLegacy, v: Verdict{Score: 90}},
			fast:   &fakeTier{name: TierFastAI, err: errors.New("boom")},
		},
		{
			name:   "fast NaN",
			legacy: &fakeTier{name: TierLegacy, v: Verdict{Score: 90}},
			fast:   &fakeTier{name: TierFastAI, v: Verdict{Score: math.NaN()}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScorer(t, config.DefaultConfig().Scoring, Tiers{Legacy: tt.legacy, Fast: tt.fast})
			res := s.Score(context.Background(), types.Alert{ID: "x", Category: types.CategorySQLi})
			if res.Score != 50 || res.Category != types.CategoryUnknown || !res.Degraded {
				t.Errorf("result = %+v; want degraded unknown 50", res)
			}
			if res.AlertID != "x" {
				t.Errorf("AlertID = %q", res.AlertID)
			}
			if s.Stats().Faults != 1 {
				t.Errorf("Faults = %d; want 1", s.Stats().Faults)
			}
		})
	}
}

func TestScorer_DeepFailureFallsBack(t *testing.T) {
	deep := &fakeDeep{err: werrors.New(werrors.ErrDeepInvalidResp, "garbage")}
	s := newTestScorer(t, config.DefaultConfig().Scoring, Tiers{
		Legacy: &fakeTier{name: TierLegacy, v: Verdict{Score: 40}},
		Fast:   &fakeTier{name: TierFastAI, v: Verdict{Score: 30, Risk: 2, Category: types.CategoryUnknown, Confidence: 0.4}},
		Deep:   NewDeepPool(deep, 1, time.Second, zerolog.Nop()),
	})

	res := s.Score(context.Background(), types.Alert{Category: types.CategoryUnknown})
	// 0.6*40 + 0.4*30
	if res.Method != types.MethodHybrid || !near(res.Score, 36) {
		t.Errorf("result = %s %v; want hybrid 36", res.Method, res.Score)
	}
	if res.Degraded {
		t.Error("deep fallback is not a degraded result")
	}
	if st := s.Stats(); st.DeepFallbacks != 1 || st.Deep == nil || st.Deep.Failed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestScorer_ShouldEscalate(t *testing.T) {
	s := newTestScorer(t, config.DefaultConfig().Scoring, Tiers{Fast: &fakeTier{name: TierFastAI}})
	tests := []struct {
		name string
		v    Verdict
		want bool
	}{
		{name: "confident known", v: Verdict{Risk: 4, Category: types.CategorySQLi, Confidence: 0.85}, want: false},
		{name: "low confidence", v: Verdict{Risk: 4, Category: types.CategorySQLi, Confidence: 0.5}, want: true},
		{name: "unknown category", v: Verdict{Risk: 3, Category: types.CategoryUnknown, Confidence: 0.9}, want: true},
		{name: "benign category", v: Verdict{Risk: 1, Category: types.CategoryBenign, Confidence: 0.9}, want: true},
		{name: "low risk uncertain", v: Verdict{Risk: 2, Category: types.CategoryRecon, Confidence: 0.8, Uncertain: true}, want: true},
		{name: "high risk uncertain", v: Verdict{Risk: 4, Category: types.CategoryRecon, Confidence: 0.8, Uncertain: true}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.ShouldEscalate(tt.v); got != tt.want {
				t.Errorf("ShouldEscalate(%+v) = %v; want %v", tt.v, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// DeepPool
// ---------------------------------------------------------------------------

func TestScorer_BeginDoesNotWaitOnDeepTier(t *testing.T) {
	hold := make(chan struct{})
	deep := &fakeDeep{v: Verdict{Score: RiskScore(2), Risk: 2, Category: types.CategoryUnknown, Confidence: 0.8}, hold: hold}
	fast := &fakeTier{name: TierFastAI, v: Verdict{Score: 30, Risk: 2, Category: types.CategoryUnknown, Confidence: 0.4, Uncertain: true}}
	s := newTestScorer(t, config.DefaultConfig().Scoring, Tiers{
		Legacy: &fakeTier{name: TierLegacy, v: Verdict{Score: 20, Confidence: 1}},
		Fast:   fast,
		Deep:   NewDeepPool(deep, 1, 5*time.Second, zerolog.Nop()),
	})

	start := time.Now()
	p := s.Begin(context.Background(), types.Alert{ID: "b1", Category: types.CategoryUnknown})
	if time.Since(start) > time.Second {
		t.Fatal("Begin waited on the deep tier")
	}
	if !p.Deferred() {
		t.Fatal("escalated alert should carry a deep task")
	}
	select {
	case <-p.Done():
		t.Fatal("Done closed before the analyzer returned")
	default:
	}

	close(hold)
	res := p.Result()
	if !near(res.Score, 37) || res.Method != types.MethodDeepAI {
		t.Fatalf("result = %s %v; want deep-ai 37", res.Method, res.Score)
	}
	if again := p.Result(); again.Score != res.Score || s.Stats().Scored != 1 {
		t.Errorf("Result is not stable: %v, scored %d", again.Score, s.Stats().Scored)
	}

	fast.v = Verdict{Score: 80, Risk: 4, Category: types.CategorySQLi, Confidence: 0.9}
	if known := s.Begin(context.Background(), types.Alert{ID: "k1", Category: types.CategorySQLi}); known.Deferred() {
		t.Error("confident fast verdict must not escalate")
	}
}

func TestDeepPool_Timeout(t *testing.T) {
	p := NewDeepPool(slowDeep{}, 1, 20*time.Millisecond, zerolog.Nop())
	start := time.Now()
	_, err := p.Analyze(context.Background(), types.Alert{}, Verdict{})
	if !werrors.Is(err, werrors.ErrDeepTimeout) {
		t.Fatalf("error = %v; want %s", err, werrors.ErrDeepTimeout)
	}
	if time.Since(start) > time.Second {
		t.Error("waiter did not stop at the timeout")
	}
	if p.Stats().TimedOut != 1 {
		t.Errorf("TimedOut = %d; want 1", p.Stats().TimedOut)
	}
}

func TestDeepPool_SaturationDrops(t *testing.T) {
	hold := make(chan struct{})
	deep := &fakeDeep{v: Verdict{Risk: 3}, hold: hold}
	p := NewDeepPool(deep, 1, 20*time.Millisecond, zerolog.Nop())

	// The first task ignores cancellation, so its slot stays busy after the
	// waiter times out.
	if _, err := p.Analyze(context.Background(), types.Alert{}, Verdict{}); !werrors.Is(err, werrors.ErrDeepTimeout) {
		t.Fatalf("first call error = %v; want timeout", err)
	}
	if _, err := p.Analyze(context.Background(), types.Alert{}, Verdict{}); !werrors.Is(err, werrors.ErrDeepSaturated) {
		t.Fatalf("second call error = %v; want saturated", err)
	}
	if deep.calls.Load() != 1 {
		t.Errorf("analyzer calls = %d; dropped request must not reach it", deep.calls.Load())
	}

	close(hold)
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().InFlight != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slot never released")
		}
		time.Sleep(5 * time.Millisecond)
	}

	v, err := p.Analyze(context.Background(), types.Alert{}, Verdict{})
	if err != nil || v.Risk != 3 {
		t.Fatalf("after release = %+v, %v", v, err)
	}
	st := p.Stats()
	if st.Dropped != 1 || st.Submitted != 2 || st.Completed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDeepPool_PanicContained(t *testing.T) {
	p := NewDeepPool(panicDeep{}, 1, time.Second, zerolog.Nop())
	if _, err := p.Analyze(context.Background(), types.Alert{}, Verdict{}); !werrors.Is(err, werrors.ErrDeepUnavailable) {
		t.Errorf("error = %v; want %s", err, werrors.ErrDeepUnavailable)
	}
}

type panicDeep struct{}

func (panicDeep) Analyze(context.Context, types.Alert, Verdict) (Verdict, error) {
	panic("nil map")
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_FromDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	s, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	res := s.Score(ctx, types.Alert{
		ID:          "real",
		SrcIP:       "203.0.113.7",
		DestIP:      "192.168.1.10",
		Signature:   "ET WEB_SERVER Possible SQL Injection Attempt UNION SELECT",
		Category:    types.CategorySQLi,
		Severity:    1,
		Payload:     "GET /?id=1 UNION SELECT password FROM users",
		RawCategory: "Web Application Attack",
	})
	// legacy saturates at 100, fast sqli risk 4 = 80: 0.6*100 + 0.4*80
	if res.Method != types.MethodHybrid || !near(res.Score, 92) {
		t.Errorf("result = %s %v (%s); want hybrid 92", res.Method, res.Score, res.Reason)
	}
	if st := s.Stats(); st.Deep != nil {
		t.Error("deep tier is disabled by default")
	}
}
