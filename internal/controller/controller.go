// Package controller runs the decision loop: every alert is scored, folded
// into the posture, enforced against its source and logged exactly once.
package controller

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/enforcement"
	"github.com/sentinel-agent/warden/internal/metrics"
	"github.com/sentinel-agent/warden/internal/posture"
	"github.com/sentinel-agent/warden/internal/scoring"
	"github.com/sentinel-agent/warden/internal/types"
)

// Scorer scores one alert. It must never fail.
type Scorer interface {
	Score(ctx context.Context, a types.Alert) types.ScoreResult
}

// AsyncScorer is a Scorer whose deep tier can run detached from the
// decision workers.
type AsyncScorer interface {
	Scorer
	Begin(ctx context.Context, a types.Alert) *scoring.Pending
}

// DecisionLog persists decisions and posture changes.
type DecisionLog interface {
	SaveDecision(d *types.Decision) error
	SavePostureChange(c *types.PostureChange) error
}

// AuditLog records operator actions.
type AuditLog interface {
	SaveAuditEntry(e *types.AuditEntry) error
}

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(before time.Time) (int64, error)
}

// Notifier receives posture changes and high-score decisions. Both calls
// must return without blocking.
type Notifier interface {
	NotifyPostureChange(c types.PostureChange) bool
	NotifyAlert(d types.Decision) bool
}

// Stats counts controller outcomes.
type Stats struct {
	Processed      int64     `json:"processed"`
	Degraded       int64     `json:"degraded"`
	Panics         int64     `json:"panics"`
	PostureChanges int64     `json:"posture_changes"`
	Mitigations    int64     `json:"mitigations"`
	LogFailures    int64     `json:"log_failures"`
	Offenders      int       `json:"offenders"`
	LastSweep      time.Time `json:"last_sweep"`
}

// TickReport describes one scheduler pass.
type TickReport struct {
	Transition *posture.Transition     `json:"transition,omitempty"`
	Actions    []string                `json:"actions,omitempty"`
	Released   []string                `json:"released,omitempty"`
	Swept      bool                    `json:"swept"`
	Sweep      enforcement.SweepReport `json:"sweep"`
	Pruned     int64                   `json:"pruned,omitempty"`
}

// Controller wires the scorer, posture machine and enforcement engine.
type Controller struct {
	cfg      *config.Config
	scorer   Scorer
	posture  *posture.Machine
	engine   *enforcement.Engine
	logs     []DecisionLog
	audit    AuditLog
	pruner   Pruner
	notifier Notifier
	metrics  *metrics.Metrics
	snapshot func() metrics.Snapshot
	handlers []func(types.Decision)
	now      func() time.Time
	logger   zerolog.Logger

	sweepInterval time.Duration
	tickInterval  time.Duration

	// mu serializes posture input, offender tracking and enforcement so a
	// preset is never applied for a mode that has already been replaced.
	mu        sync.Mutex
	offenders *offenderSet
	lastSweep time.Time
	lastPrune time.Time

	processed, degraded, panics, changes, mitigations, logFailures atomic.Int64

	sweptAt atomic.Pointer[time.Time]
}

// Option customizes a Controller.
type Option func(*Controller)

// WithDecisionLog adds a decision sink. Sinks are written in order.
func WithDecisionLog(l DecisionLog) Option {
	return func(c *Controller) { c.logs = append(c.logs, l) }
}

// WithAuditLog records operator actions to a.
func WithAuditLog(a AuditLog) Option {
	return func(c *Controller) { c.audit = a }
}

// WithPruner enables history retention.
func WithPruner(p Pruner) Option {
	return func(c *Controller) { c.pruner = p }
}

// WithNotifier sends posture changes and high-score alerts to n.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithMetrics records decisions and transitions to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSnapshotSource supplies component stats sampled on every tick.
func WithSnapshotSource(fn func() metrics.Snapshot) Option {
	return func(c *Controller) { c.snapshot = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithTickInterval overrides how often Run calls Tick.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) { c.tickInterval = d }
}

// New creates a controller.
func New(cfg *config.Config, scorer Scorer, machine *posture.Machine, engine *enforcement.Engine, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:           cfg,
		scorer:        scorer,
		posture:       machine,
		engine:        engine,
		now:           time.Now,
		sweepInterval: cfg.Enforcement.SweepInterval,
		tickInterval:  time.Second,
		offenders:     newOffenderSet(cfg.Offenders.TTL, cfg.Offenders.Max),
		logger:        logger.With().Str("component", "controller").Logger(),
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = 30 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.snapshot == nil {
		c.snapshot = func() metrics.Snapshot {
			return metrics.Snapshot{Enforcement: c.engine.Stats()}
		}
	}
	return c
}

// OnDecision registers fn to receive every recorded decision. Register
// before Run; fn must not block.
func (c *Controller) OnDecision(fn func(types.Decision)) {
	c.handlers = append(c.handlers, fn)
}

// Process handles one alert end to end and returns the logged decision.
// It never fails: a panic anywhere after intake still yields a degraded
// decision.
func (c *Controller) Process(ctx context.Context, alert types.Alert) types.Decision {
	return c.complete(ctx, alert, func() types.ScoreResult { return c.scorer.Score(ctx, alert) })
}

// complete folds a score into the posture, enforces and records it.
func (c *Controller) complete(ctx context.Context, alert types.Alert, score func() types.ScoreResult) (d types.Decision) {
	d = types.Decision{
		ID:        uuid.NewString(),
		Timestamp: c.now(),
		AlertID:   alert.ID,
		SrcIP:     alert.SrcIP,
		Signature: alert.Signature,
		Category:  alert.Category,
	}

	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.logger.Error().
				Interface("panic", r).
				Str("alert_id", alert.ID).
				Msg("recovered from panic while processing alert")
			if d.Method == "" {
				d.Score = c.cfg.Scoring.DefaultScore
				d.Category = types.CategoryUnknown
			}
			s := c.posture.Summary()
			d.NewMode, d.DesiredMode, d.MovingAverage, d.GateActive = s.Mode, s.Desired, s.MovingAverage, s.GateActive
			d.Degraded = true
			d.Reason = fmt.Sprintf("internal error: %v", r)
		}
		c.record(d)
	}()

	res := score()
	d.Score = res.Score
	d.Category = res.Category
	d.Method = res.Method
	d.Confidence = res.Confidence
	d.Tiers = res.Tiers
	d.Degraded = res.Degraded || alert.Degraded
	d.Reason = res.Reason

	c.decide(ctx, alert, &d)
	return d
}

func (c *Controller) decide(ctx context.Context, alert types.Alert, d *types.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.posture.ApplyScore(d.Score)
	d.PreviousMode = t.Previous
	d.NewMode = t.New
	d.DesiredMode = t.Desired
	d.MovingAverage = t.MovingAverage
	d.GateActive = t.GateActive

	target, ok := c.targetFor(alert.SrcIP)
	tracked := false
	if ok && d.Score >= c.cfg.Offenders.MinScore {
		_, evicted := c.offenders.track(target, d.Score, d.Timestamp)
		if evicted != "" {
			d.Actions = append(d.Actions, c.releaseLocked(ctx, evicted)...)
		}
		tracked = true
	}

	if t.Changed {
		d.Actions = append(d.Actions, c.transitionLocked(ctx, t)...)
	} else if tracked {
		// Re-applying is idempotent and refreshes the TTL of live rules.
		d.Actions = append(d.Actions, c.enforcePresetLocked(ctx, target, t.New)...)
	}

	if ok && c.cfg.Mitigation.BlockScore > 0 && d.Score >= c.cfg.Mitigation.BlockScore {
		d.Actions = append(d.Actions, c.mitigateLocked(ctx, target)...)
	}
}

// targetFor canonicalizes a source address. Unparseable and protected
// addresses are never tracked or enforced.
func (c *Controller) targetFor(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	target := addr.Unmap().String()
	if c.engine.IsProtected(target) {
		return "", false
	}
	return target, true
}

// transitionLocked applies the new mode's preset to every offender and
// publishes the change.
func (c *Controller) transitionLocked(ctx context.Context, t posture.Transition) []string {
	var actions []string
	for _, ip := range c.offenders.ips() {
		actions = append(actions, c.enforcePresetLocked(ctx, ip, t.New)...)
	}

	change := t.Change()
	change.Actions = actions
	c.changes.Add(1)

	c.logger.Info().
		Str("from", change.From.String()).
		Str("to", change.To.String()).
		Float64("moving_average", change.MovingAverage).
		Str("reason", change.Reason).
		Str("actor", change.Actor).
		Int("actions", len(actions)).
		Msg("posture changed")

	for _, l := range c.logs {
		if err := l.SavePostureChange(&change); err != nil {
			c.logFailures.Add(1)
			c.logger.Error().Err(err).Msg("failed to log posture change")
		}
	}
	c.metrics.ObservePostureChange(change)
	if c.notifier != nil {
		c.notifier.NotifyPostureChange(change)
	}
	return actions
}

func (c *Controller) enforcePresetLocked(ctx context.Context, target string, mode types.Mode) []string {
	rep := c.engine.ApplyPreset(ctx, target, c.cfg.Presets.For(mode), c.cfg.Enforcement.PostureTTL)
	if rep.Err != nil {
		c.logger.Warn().
			Err(rep.Err).
			Str("target", target).
			Str("mode", mode.String()).
			Int("failed", rep.Failed).
			Msg("posture preset partially applied")
	}
	return rep.Summaries()
}

// releaseLocked tears down an offender's posture group. Mitigation blocks
// keep their own TTL.
func (c *Controller) releaseLocked(ctx context.Context, target string) []string {
	rep := c.engine.ApplyPreset(ctx, target, types.ActionPreset{}, 0)
	if rep.Err != nil {
		c.logger.Warn().Err(rep.Err).Str("target", target).Msg("failed to release offender")
	}
	return rep.Summaries()
}

func (c *Controller) mitigateLocked(ctx context.Context, target string) []string {
	res, err := c.engine.Apply(ctx, enforcement.Spec{
		Target: target,
		Kind:   enforcement.KindBlock,
		TTL:    c.cfg.Mitigation.BlockTTL,
		Group:  enforcement.MitigationGroup(target),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("target", target).Msg("mitigation block failed")
		return nil
	}
	if !res.Applied {
		return nil
	}
	c.mitigations.Add(1)
	return []string{res.Summary}
}

// record fans a finished decision out to every sink. Sink failures are
// logged and counted, never returned.
func (c *Controller) record(d types.Decision) {
	c.processed.Add(1)
	if d.Degraded {
		c.degraded.Add(1)
	}

	for _, l := range c.logs {
		if err := l.SaveDecision(&d); err != nil {
			c.logFailures.Add(1)
			c.logger.Error().Err(err).Str("decision_id", d.ID).Msg("failed to log decision")
		}
	}
	c.metrics.ObserveDecision(d)

	if c.notifier != nil && c.cfg.Notify.AlertMinScore > 0 && d.Score >= c.cfg.Notify.AlertMinScore {
		c.notifier.NotifyAlert(d)
	}
	for _, fn := range c.handlers {
		fn(d)
	}

	ev := c.logger.Debug()
	if d.ModeChanged() || len(d.Actions) > 0 {
		ev = c.logger.Info()
	}
	ev.Str("alert_id", d.AlertID).
		Str("src_ip", d.SrcIP).
		Float64("score", d.Score).
		Str("method", string(d.Method)).
		Str("mode", d.NewMode.String()).
		Bool("degraded", d.Degraded).
		Strs("actions", d.Actions).
		Msg("decision")
}

// Tick commits time-driven state: pending demotions and override expiry on
// every call; offender expiry, the enforcement sweep and history pruning
// once per sweep interval.
func (c *Controller) Tick(ctx context.Context, now time.Time) TickReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	var report TickReport
	if t := c.posture.Tick(now); t.Changed {
		report.Transition = &t
		report.Actions = c.transitionLocked(ctx, t)
	}

	if c.lastSweep.IsZero() || now.Sub(c.lastSweep) >= c.sweepInterval {
		c.lastSweep = now
		for _, ip := range c.offenders.expire(now) {
			report.Released = append(report.Released, ip)
			report.Actions = append(report.Actions, c.releaseLocked(ctx, ip)...)
		}
		report.Sweep = c.engine.CleanupExpired(ctx, now)
		report.Swept = true
		report.Pruned = c.pruneLocked(now)
		swept := now
		c.sweptAt.Store(&swept)
		c.metrics.ObserveSnapshot(c.snapshot())
	}
	return report
}

func (c *Controller) pruneLocked(now time.Time) int64 {
	days := c.cfg.Storage.HistoryRetentionDays
	if c.pruner == nil || days <= 0 {
		return 0
	}
	if !c.lastPrune.IsZero() && now.Sub(c.lastPrune) < time.Hour {
		return 0
	}
	c.lastPrune = now
	n, err := c.pruner.Prune(now.AddDate(0, 0, -days))
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to prune history")
		return 0
	}
	if n > 0 {
		c.logger.Info().Int64("rows", n).Int("retention_days", days).Msg("pruned history")
	}
	return n
}

// SetMode imposes an operator override and enforces the new mode.
func (c *Controller) SetMode(ctx context.Context, mode types.Mode, ttl time.Duration, actor string) (posture.Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.posture.SetOverride(mode, ttl, actor)
	if err != nil {
		return t, err
	}
	c.auditLocked("set_mode", actor, fmt.Sprintf("mode=%s ttl=%s", mode, ttl))
	if t.Changed {
		c.transitionLocked(ctx, t)
	}
	return t, nil
}

// ClearOverride returns control to the moving average.
func (c *Controller) ClearOverride(ctx context.Context, actor string) posture.Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.posture.ClearOverride(actor)
	c.auditLocked("clear_override", actor, "mode="+t.New.String())
	if t.Changed {
		c.transitionLocked(ctx, t)
	}
	return t
}

// Reset returns the posture to Portal, clears the score window and releases
// every tracked offender.
func (c *Controller) Reset(ctx context.Context, actor string) posture.Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.posture.Reset()
	t.Actor = actor
	if t.Changed {
		c.transitionLocked(ctx, t)
	}
	for _, ip := range c.offenders.clear() {
		c.releaseLocked(ctx, ip)
	}
	c.auditLocked("reset", actor, "")
	return t
}

func (c *Controller) auditLocked(action, actor, details string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.SaveAuditEntry(&types.AuditEntry{Action: action, Actor: actor, Details: details}); err != nil {
		c.logger.Error().Err(err).Str("action", action).Msg("failed to write audit entry")
	}
}

// Summary returns the posture snapshot.
func (c *Controller) Summary() posture.Summary {
	return c.posture.Summary()
}

// ActiveRules returns the enforcement registry.
func (c *Controller) ActiveRules() []enforcement.Rule {
	return c.engine.ActiveRules()
}

// EngineStats returns enforcement counters.
func (c *Controller) EngineStats() enforcement.Stats {
	return c.engine.Stats()
}

// Offenders returns the tracked sources in first-seen order.
func (c *Controller) Offenders() []Offender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offenders.list()
}

// Stats returns controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	n := c.offenders.len()
	c.mu.Unlock()

	s := Stats{
		Processed:      c.processed.Load(),
		Degraded:       c.degraded.Load(),
		Panics:         c.panics.Load(),
		PostureChanges: c.changes.Load(),
		Mitigations:    c.mitigations.Load(),
		LogFailures:    c.logFailures.Load(),
		Offenders:      n,
	}
	if t := c.sweptAt.Load(); t != nil {
		s.LastSweep = *t
	}
	return s
}
