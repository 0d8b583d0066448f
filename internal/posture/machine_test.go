package posture

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() config.PostureConfig {
	return config.PostureConfig{
		WindowSize: 5,
		T1:         30,
		T2:         60,
		UnlockWait: config.UnlockWaitConfig{
			Shield:   5 * time.Minute,
			Lockdown: 15 * time.Minute,
		},
		MaxOverride: 24 * time.Hour,
	}
}

func newTestMachine(cfg config.PostureConfig) (*Machine, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewMachine(cfg, zerolog.Nop(), WithClock(clock.Now)), clock
}

func pushAll(m *Machine, scores ...float64) Transition {
	var t Transition
	for _, s := range scores {
		t = m.ApplyScore(s)
	}
	return t
}

// ---------------------------------------------------------------------------
// Window
// ---------------------------------------------------------------------------

func TestWindow_Ring(t *testing.T) {
	w := NewWindow(3)
	if w.Average() != 0 {
		t.Errorf("empty Average() = %v; want 0", w.Average())
	}
	w.Push(10)
	w.Push(20)
	if avg := w.Push(30); avg != 20 {
		t.Errorf("Average() = %v; want 20", avg)
	}
	if avg := w.Push(60); avg != 110.0/3 {
		t.Errorf("after eviction Average() = %v; want %v", avg, 110.0/3)
	}
	got := w.Scores()
	if len(got) != 3 || got[0] != 20 || got[2] != 60 {
		t.Errorf("Scores() = %v; want [20 30 60]", got)
	}
	w.Reset()
	if w.Len() != 0 || w.Average() != 0 {
		t.Error("Reset() should empty the window")
	}
}

// ---------------------------------------------------------------------------
// Thresholds and promotion
// ---------------------------------------------------------------------------

func TestMachine_LowAverageStaysPortal(t *testing.T) {
	cfg := testConfig()
	cfg.T1, cfg.T2 = 20, 50
	m, _ := newTestMachine(cfg)

	tr := pushAll(m, 10, 20, 15, 25, 20)

	if tr.MovingAverage != 18 {
		t.Errorf("MovingAverage = %v; want 18", tr.MovingAverage)
	}
	if tr.Desired != types.ModePortal || tr.New != types.ModePortal || tr.Changed {
		t.Errorf("transition = %+v; want steady Portal", tr)
	}
}

func TestMachine_DesiredFor(t *testing.T) {
	m, _ := newTestMachine(testConfig())
	tests := []struct {
		avg  float64
		want types.Mode
	}{
		{0, types.ModePortal},
		{29.99, types.ModePortal},
		{30, types.ModeShield},
		{59.9, types.ModeShield},
		{60, types.ModeLockdown},
		{100, types.ModeLockdown},
	}
	for _, tt := range tests {
		if got := m.DesiredFor(tt.avg); got != tt.want {
			t.Errorf("DesiredFor(%v) = %s; want %s", tt.avg, got, tt.want)
		}
	}
}

func TestMachine_PromotionIsImmediate(t *testing.T) {
	m, _ := newTestMachine(testConfig())

	tr := m.ApplyScore(100)
	// single score of 100 in a window of one sample
	if !tr.Changed || tr.Previous != types.ModePortal || tr.New != types.ModeLockdown {
		t.Errorf("transition = %+v; want Portal -> Lockdown", tr)
	}
	if m.Mode() != types.ModeLockdown {
		t.Errorf("Mode() = %s", m.Mode())
	}
}

// ---------------------------------------------------------------------------
// Hysteresis
// ---------------------------------------------------------------------------

func TestMachine_LockdownHoldsUntilUnlockWait(t *testing.T) {
	m, clock := newTestMachine(testConfig())

	tr := pushAll(m, 85, 85, 85, 85, 85)
	if tr.New != types.ModeLockdown || tr.MovingAverage != 85 {
		t.Fatalf("after burst: %+v; want Lockdown at 85", tr)
	}

	tr = pushAll(m, 40, 40, 40, 40, 40)
	if tr.MovingAverage != 40 || tr.Desired != types.ModeShield {
		t.Fatalf("after calm: %+v; want avg 40 desiring Shield", tr)
	}
	if tr.New != types.ModeLockdown || !tr.GateActive {
		t.Fatalf("after calm: %+v; want Lockdown with gate active", tr)
	}

	clock.Advance(14 * time.Minute)
	if tr := m.Tick(clock.Now()); tr.New != types.ModeLockdown {
		t.Fatalf("before wait elapsed: %s; want Lockdown", tr.New)
	}

	clock.Advance(time.Minute)
	tr = m.Tick(clock.Now())
	if !tr.Changed || tr.New != types.ModeShield {
		t.Fatalf("after wait: %+v; want Lockdown -> Shield", tr)
	}
	if tr.GateActive {
		t.Error("desired equals Shield, no further gate expected")
	}
}

func TestMachine_NeverSkipsALevel(t *testing.T) {
	m, clock := newTestMachine(testConfig())
	pushAll(m, 100, 100, 100, 100, 100)
	pushAll(m, 0, 0, 0, 0, 0)

	clock.Advance(15 * time.Minute)
	tr := m.Tick(clock.Now())
	if tr.New != types.ModeShield {
		t.Fatalf("first step = %s; want Shield, not Portal", tr.New)
	}
	if !tr.GateActive {
		t.Error("desired Portal is still below Shield; the next gate should be running")
	}

	if tr := m.ApplyScore(0); tr.New != types.ModeShield {
		t.Errorf("immediately after step = %s; want Shield", tr.New)
	}

	clock.Advance(5 * time.Minute)
	if tr := m.Tick(clock.Now()); tr.New != types.ModePortal {
		t.Errorf("after shield wait = %s; want Portal", tr.New)
	}
}

func TestMachine_ReBreachResetsTimer(t *testing.T) {
	m, clock := newTestMachine(testConfig())
	pushAll(m, 90, 90, 90, 90, 90)
	pushAll(m, 10, 10, 10, 10, 10)

	clock.Advance(10 * time.Minute)
	tr := pushAll(m, 100, 100, 100, 100, 100)
	if tr.GateActive {
		t.Fatal("re-breach should clear the gate")
	}

	pushAll(m, 10, 10, 10, 10, 10)
	clock.Advance(10 * time.Minute)
	if tr := m.Tick(clock.Now()); tr.New != types.ModeLockdown {
		t.Fatalf("20 minutes since first dip but only 10 since re-breach: %s; want Lockdown", tr.New)
	}

	clock.Advance(5 * time.Minute)
	if tr := m.Tick(clock.Now()); tr.New != types.ModeShield {
		t.Errorf("full wait after re-breach = %s; want Shield", tr.New)
	}
}

func TestMachine_ZeroWaitStepsOneLevelPerInput(t *testing.T) {
	cfg := testConfig()
	cfg.UnlockWait = config.UnlockWaitConfig{}
	m, _ := newTestMachine(cfg)

	m.ApplyScore(100)
	m.Reset()
	m.ApplyScore(100)
	tr := m.ApplyScore(0)
	// avg 50 desires Shield
	if tr.New != types.ModeShield {
		t.Errorf("New = %s; want Shield", tr.New)
	}
}

// ---------------------------------------------------------------------------
// Override
// ---------------------------------------------------------------------------

func TestMachine_OverrideHoldsAndWindowAccumulates(t *testing.T) {
	m, clock := newTestMachine(testConfig())

	tr, err := m.SetOverride(types.ModeLockdown, 10*time.Minute, "operator")
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Changed || tr.New != types.ModeLockdown || !tr.Overridden || tr.Reason != ReasonOverride {
		t.Fatalf("SetOverride transition = %+v", tr)
	}

	tr = pushAll(m, 5, 5, 5)
	if tr.New != types.ModeLockdown || !tr.Overridden {
		t.Errorf("under override = %+v; want Lockdown", tr)
	}
	if s := m.Summary(); len(s.Scores) != 3 || s.Override == nil || s.Override.Actor != "operator" {
		t.Errorf("summary = %+v; want 3 samples and the override", s)
	}

	// Expiry resumes from Lockdown with normal hysteresis.
	clock.Advance(10 * time.Minute)
	tr = m.ApplyScore(5)
	if tr.Reason != ReasonOverrideExpired || tr.New != types.ModeLockdown || !tr.GateActive {
		t.Fatalf("at expiry = %+v; want Lockdown with gate started", tr)
	}
	if m.Summary().Override != nil {
		t.Error("override should be gone")
	}

	clock.Advance(15 * time.Minute)
	if tr := m.Tick(clock.Now()); tr.New != types.ModeShield {
		t.Errorf("after lockdown wait = %s; want Shield", tr.New)
	}
}

func TestMachine_OverrideExpiresOnTick(t *testing.T) {
	m, clock := newTestMachine(testConfig())
	pushAll(m, 80, 80)
	if _, err := m.SetOverride(types.ModePortal, time.Minute, "api"); err != nil {
		t.Fatal(err)
	}
	if m.Mode() != types.ModePortal {
		t.Fatalf("Mode() = %s; want Portal", m.Mode())
	}

	clock.Advance(time.Minute)
	tr := m.Tick(clock.Now())
	if tr.Reason != ReasonOverrideExpired || tr.New != types.ModeLockdown || !tr.Changed {
		t.Errorf("expiry = %+v; want immediate promotion to Lockdown", tr)
	}
}

func TestMachine_ClearOverride(t *testing.T) {
	m, _ := newTestMachine(testConfig())
	m.SetOverride(types.ModeShield, time.Hour, "telegram:42")

	tr := m.ClearOverride("telegram:42")
	if tr.Overridden || tr.Reason != ReasonOverrideCleared {
		t.Errorf("ClearOverride = %+v", tr)
	}
	// empty window desires Portal; the shield gate starts
	if tr.New != types.ModeShield || !tr.GateActive {
		t.Errorf("ClearOverride = %+v; want Shield with gate", tr)
	}
}

func TestMachine_OverrideValidation(t *testing.T) {
	m, clock := newTestMachine(testConfig())

	if _, err := m.SetOverride(types.Mode(7), time.Minute, "x"); !werrors.Is(err, werrors.ErrInvalidInput) {
		t.Errorf("bad mode error = %v", err)
	}
	if _, err := m.SetOverride(types.ModeShield, -time.Minute, "x"); !werrors.Is(err, werrors.ErrInvalidInput) {
		t.Errorf("negative ttl error = %v", err)
	}

	if _, err := m.SetOverride(types.ModeShield, 48*time.Hour, "x"); err != nil {
		t.Fatal(err)
	}
	want := clock.Now().Add(24 * time.Hour)
	if got := m.Summary().Override.ExpiresAt; !got.Equal(want) {
		t.Errorf("ExpiresAt = %v; want capped at %v", got, want)
	}
}

// ---------------------------------------------------------------------------
// Reset and Summary
// ---------------------------------------------------------------------------

func TestMachine_Reset(t *testing.T) {
	m, _ := newTestMachine(testConfig())
	pushAll(m, 90, 90)
	m.SetOverride(types.ModeLockdown, time.Hour, "x")

	tr := m.Reset()
	if tr.New != types.ModePortal || !tr.Changed || tr.Reason != ReasonReset {
		t.Errorf("Reset() = %+v", tr)
	}
	s := m.Summary()
	if len(s.Scores) != 0 || s.Override != nil || s.GateActive || s.Mode != types.ModePortal {
		t.Errorf("summary after reset = %+v", s)
	}
}

func TestMachine_SummaryTracksChanges(t *testing.T) {
	m, clock := newTestMachine(testConfig())
	pushAll(m, 100)
	pushAll(m, 0, 0, 0, 0, 0)

	s := m.Summary()
	if s.Mode != types.ModeLockdown || s.Desired != types.ModePortal || !s.GateActive {
		t.Fatalf("summary = %+v", s)
	}
	if s.UnlockAt == nil || !s.UnlockAt.Equal(clock.Now().Add(15*time.Minute)) {
		t.Errorf("UnlockAt = %v", s.UnlockAt)
	}
	if s.Changes != 1 || len(s.Recent) != 1 || s.Recent[0].To != types.ModeLockdown {
		t.Errorf("changes = %d recent = %+v", s.Changes, s.Recent)
	}
	if s.T1 != 30 || s.T2 != 60 || s.WindowSize != 5 {
		t.Errorf("thresholds = %v/%v window %d", s.T1, s.T2, s.WindowSize)
	}
}
