// Package posture folds per-alert scores into a moving average and decides
// the network's defensive mode with hysteresis on the way down.
package posture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

// Transition reasons.
const (
	ReasonScore           = "score"
	ReasonTick            = "tick"
	ReasonOverride        = "override"
	ReasonOverrideCleared = "override_cleared"
	ReasonOverrideExpired = "override_expired"
	ReasonReset           = "reset"
)

const maxRecentChanges = 32

// Transition is the result of every state-machine input.
type Transition struct {
	At            time.Time  `json:"at"`
	Previous      types.Mode `json:"previous"`
	New           types.Mode `json:"new"`
	Desired       types.Mode `json:"desired"`
	MovingAverage float64    `json:"moving_average"`
	GateActive    bool       `json:"gate_active"`
	Overridden    bool       `json:"overridden"`
	Changed       bool       `json:"changed"`
	Reason        string     `json:"reason"`
	Actor         string     `json:"actor,omitempty"`
}

// Change converts a mode-changing transition into a log record.
func (t Transition) Change() types.PostureChange {
	return types.PostureChange{
		Timestamp:     t.At,
		From:          t.Previous,
		To:            t.New,
		MovingAverage: t.MovingAverage,
		Reason:        t.Reason,
		Actor:         t.Actor,
	}
}

// Override is an operator-imposed mode with an expiry.
type Override struct {
	Mode      types.Mode `json:"mode"`
	ExpiresAt time.Time  `json:"expires_at"`
	Actor     string     `json:"actor,omitempty"`
}

// Summary is a read-only snapshot of the machine.
type Summary struct {
	Mode          types.Mode            `json:"mode"`
	Desired       types.Mode            `json:"desired"`
	MovingAverage float64               `json:"moving_average"`
	Scores        []float64             `json:"scores"`
	WindowSize    int                   `json:"window_size"`
	T1            float64               `json:"t1"`
	T2            float64               `json:"t2"`
	GateActive    bool                  `json:"gate_active"`
	GateSince     *time.Time            `json:"gate_since,omitempty"`
	UnlockAt      *time.Time            `json:"unlock_at,omitempty"`
	Override      *Override             `json:"override,omitempty"`
	LastChange    time.Time             `json:"last_change"`
	Changes       int64                 `json:"changes"`
	Recent        []types.PostureChange `json:"recent,omitempty"`
}

// Machine is the posture state machine. All inputs are serialized by one
// mutex; Summary reads a published snapshot without locking.
type Machine struct {
	cfg    config.PostureConfig
	now    func() time.Time
	logger zerolog.Logger

	mu         sync.Mutex
	window     *Window
	mode       types.Mode
	desired    types.Mode
	gateSince  time.Time
	override   *Override
	lastChange time.Time
	changes    int64
	recent     []types.PostureChange

	snapshot atomic.Pointer[Summary]
}

// Option customizes a Machine.
type Option func(*Machine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a machine in Portal with an empty window.
func NewMachine(cfg config.PostureConfig, logger zerolog.Logger, opts ...Option) *Machine {
	m := &Machine{
		cfg:    cfg,
		now:    time.Now,
		window: NewWindow(cfg.WindowSize),
		mode:   types.ModePortal,
		logger: logger.With().Str("component", "posture").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastChange = m.now()
	m.publish()
	return m
}

// DesiredFor maps a moving average to a mode.
func (m *Machine) DesiredFor(avg float64) types.Mode {
	switch {
	case avg >= m.cfg.T2:
		return types.ModeLockdown
	case avg >= m.cfg.T1:
		return types.ModeShield
	default:
		return types.ModePortal
	}
}

// ApplyScore pushes a score into the window and re-evaluates the mode.
// While an override is active the window still accumulates but the mode
// does not move.
func (m *Machine) ApplyScore(score float64) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	avg := m.window.Push(score)
	m.desired = m.DesiredFor(avg)
	defer m.publish()

	if t, ok := m.expireOverrideLocked(now); ok {
		return t
	}
	if m.override != nil {
		return m.transitionLocked(now, m.mode, ReasonScore, "")
	}
	return m.stepLocked(now, ReasonScore, "")
}

// Tick commits pending demotions and override expiry without a new score.
func (m *Machine) Tick(now time.Time) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.publish()

	if t, ok := m.expireOverrideLocked(now); ok {
		return t
	}
	if m.override != nil {
		return m.transitionLocked(now, m.mode, ReasonTick, "")
	}
	return m.stepLocked(now, ReasonTick, "")
}

// stepLocked applies promotion and gated demotion toward m.desired.
func (m *Machine) stepLocked(now time.Time, reason, actor string) Transition {
	prev := m.mode

	switch {
	case m.desired > m.mode:
		m.mode = m.desired
		m.gateSince = time.Time{}
	case m.desired == m.mode:
		m.gateSince = time.Time{}
	default:
		if m.gateSince.IsZero() {
			m.gateSince = now
		}
		if now.Sub(m.gateSince) >= m.unlockWait(m.mode) {
			m.mode--
			m.gateSince = time.Time{}
			if m.desired < m.mode {
				m.gateSince = now
			}
		}
	}

	t := m.transitionLocked(now, prev, reason, actor)
	m.recordLocked(t)
	return t
}

func (m *Machine) unlockWait(mode types.Mode) time.Duration {
	if mode == types.ModeLockdown {
		return m.cfg.UnlockWait.Lockdown
	}
	return m.cfg.UnlockWait.Shield
}

// SetOverride forces mode for ttl. A ttl of zero or beyond max_override is
// capped at max_override.
func (m *Machine) SetOverride(mode types.Mode, ttl time.Duration, actor string) (Transition, error) {
	if mode < types.ModePortal || mode > types.ModeLockdown {
		return Transition{}, werrors.Newf(werrors.ErrInvalidInput, "invalid mode %d", mode)
	}
	if ttl < 0 {
		return Transition{}, werrors.New(werrors.ErrInvalidInput, "override ttl must not be negative")
	}
	if ttl == 0 || (m.cfg.MaxOverride > 0 && ttl > m.cfg.MaxOverride) {
		ttl = m.cfg.MaxOverride
	}
	if ttl <= 0 {
		return Transition{}, werrors.New(werrors.ErrInvalidInput, "override ttl required when max_override is unset")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	prev := m.mode
	m.override = &Override{Mode: mode, ExpiresAt: now.Add(ttl), Actor: actor}
	m.mode = mode
	m.gateSince = time.Time{}

	t := m.transitionLocked(now, prev, ReasonOverride, actor)
	m.recordLocked(t)
	m.publish()

	m.logger.Info().
		Str("mode", mode.String()).
		Dur("ttl", ttl).
		Str("actor", actor).
		Msg("posture override set")
	return t, nil
}

// ClearOverride ends an active override. The machine resumes from the
// override mode and normal hysteresis applies from there.
func (m *Machine) ClearOverride(actor string) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.override == nil {
		return m.transitionLocked(now, m.mode, ReasonOverrideCleared, actor)
	}
	m.override = nil
	m.logger.Info().Str("mode", m.mode.String()).Str("actor", actor).Msg("posture override cleared")

	t := m.stepLocked(now, ReasonOverrideCleared, actor)
	m.publish()
	return t
}

// expireOverrideLocked ends an override whose time is up and re-evaluates
// from the override mode.
func (m *Machine) expireOverrideLocked(now time.Time) (Transition, bool) {
	if m.override == nil || now.Before(m.override.ExpiresAt) {
		return Transition{}, false
	}
	actor := m.override.Actor
	m.override = nil
	m.logger.Info().Str("mode", m.mode.String()).Msg("posture override expired")
	return m.stepLocked(now, ReasonOverrideExpired, actor), true
}

// Reset returns to Portal and clears the window, timer and override.
func (m *Machine) Reset() Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	prev := m.mode
	m.window.Reset()
	m.mode = types.ModePortal
	m.desired = types.ModePortal
	m.gateSince = time.Time{}
	m.override = nil

	t := m.transitionLocked(now, prev, ReasonReset, "")
	m.recordLocked(t)
	m.publish()
	return t
}

// Mode returns the effective mode.
func (m *Machine) Mode() types.Mode {
	return m.snapshot.Load().Mode
}

// Summary returns the latest published snapshot.
func (m *Machine) Summary() Summary {
	return *m.snapshot.Load()
}

func (m *Machine) transitionLocked(now time.Time, prev types.Mode, reason, actor string) Transition {
	return Transition{
		At:            now,
		Previous:      prev,
		New:           m.mode,
		Desired:       m.desired,
		MovingAverage: m.window.Average(),
		GateActive:    !m.gateSince.IsZero(),
		Overridden:    m.override != nil,
		Changed:       prev != m.mode,
		Reason:        reason,
		Actor:         actor,
	}
}

// recordLocked keeps mode changes for the summary.
func (m *Machine) recordLocked(t Transition) {
	if !t.Changed {
		return
	}
	m.changes++
	m.lastChange = t.At
	m.logger.Info().
		Str("from", t.Previous.String()).
		Str("to", t.New.String()).
		Float64("moving_average", t.MovingAverage).
		Str("reason", t.Reason).
		Msg("posture changed")

	m.recent = append(m.recent, t.Change())
	if len(m.recent) > maxRecentChanges {
		m.recent = m.recent[len(m.recent)-maxRecentChanges:]
	}
}

// publish stores a fresh snapshot. Callers hold mu, except the constructor.
func (m *Machine) publish() {
	s := &Summary{
		Mode:          m.mode,
		Desired:       m.desired,
		MovingAverage: m.window.Average(),
		Scores:        m.window.Scores(),
		WindowSize:    m.window.Cap(),
		T1:            m.cfg.T1,
		T2:            m.cfg.T2,
		GateActive:    !m.gateSince.IsZero(),
		LastChange:    m.lastChange,
		Changes:       m.changes,
		Recent:        append([]types.PostureChange(nil), m.recent...),
	}
	if !m.gateSince.IsZero() {
		since := m.gateSince
		unlock := since.Add(m.unlockWait(m.mode))
		s.GateSince, s.UnlockAt = &since, &unlock
	}
	if m.override != nil {
		o := *m.override
		s.Override = &o
	}
	m.snapshot.Store(s)
}

// String renders a transition for logs and chat replies.
func (t Transition) String() string {
	if t.Changed {
		return fmt.Sprintf("%s -> %s (avg %.1f, %s)", t.Previous, t.New, t.MovingAverage, t.Reason)
	}
	return fmt.Sprintf("%s (avg %.1f, desired %s)", t.New, t.MovingAverage, t.Desired)
}
