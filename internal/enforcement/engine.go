package enforcement

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
)

// Event is emitted for every state-changing enforcement action, including
// failures. Observers run after the engine lock is released.
type Event struct {
	Time   time.Time  `json:"time"`
	Key    Key        `json:"key"`
	Group  string     `json:"group,omitempty"`
	Action StepAction `json:"action"`
	RuleID string     `json:"rule_id,omitempty"`
	Params Params     `json:"params"`
	Err    string     `json:"error,omitempty"`
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Backend          string         `json:"backend"`
	Active           int            `json:"active"`
	PendingRemovals  int            `json:"pending_removals"`
	Groups           int            `json:"groups"`
	ByKind           map[string]int `json:"by_kind"`
	Installs         int64          `json:"installs"`
	Replacements     int64          `json:"replacements"`
	Noops            int64          `json:"noops"`
	Removals         int64          `json:"removals"`
	Expired          int64          `json:"expired"`
	ApplyFailures    int64          `json:"apply_failures"`
	RemoveFailures   int64          `json:"remove_failures"`
	ProtectedRejects int64          `json:"protected_rejects"`
}

// Engine owns the rule registry. Every mutation, including the backend call
// it triggers, runs under one mutex so kernel state and registry never
// diverge between a check and an install.
type Engine struct {
	backend   Backend
	protected []netip.Prefix
	backoff   time.Duration
	honeypot  string
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	rules    map[Key]*Rule
	groups   map[string][]Key
	claims   map[Key]map[string]time.Time // holding groups and their expiries; zero means none
	pending  map[string]*Rule // failed removals by rule ID
	counters Stats
	events   []Event
	observer func(Event)

	rulesSnap atomic.Pointer[[]Rule]
	statsSnap atomic.Pointer[Stats]
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock replaces time.Now for TTL bookkeeping.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithObserver registers a callback for enforcement events.
func WithObserver(fn func(Event)) EngineOption {
	return func(e *Engine) { e.observer = fn }
}

// NewEngine creates an engine over backend. Loopback, the unspecified
// addresses, the configured protected CIDRs and the honeypot are never
// enforced against.
func NewEngine(cfg config.EnforcementConfig, backend Backend, logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	protected := []netip.Prefix{
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	}
	for _, cidr := range cfg.ProtectedCIDRs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, werrors.Wrap(werrors.ErrConfig, fmt.Sprintf("invalid protected cidr %q", cidr), err)
		}
		protected = append(protected, p.Masked())
	}
	if cfg.HoneypotAddr != "" {
		hp, err := netip.ParseAddr(cfg.HoneypotAddr)
		if err != nil {
			return nil, werrors.Wrap(werrors.ErrConfig, "invalid honeypot address", err)
		}
		hp = hp.Unmap()
		protected = append(protected, netip.PrefixFrom(hp, hp.BitLen()))
	}

	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	e := &Engine{
		backend:   backend,
		protected: protected,
		backoff:   backoff,
		honeypot:  cfg.HoneypotAddr,
		now:       time.Now,
		rules:     make(map[Key]*Rule),
		groups:    make(map[string][]Key),
		claims:    make(map[Key]map[string]time.Time),
		pending:   make(map[string]*Rule),
		logger:    logger.With().Str("component", "enforcement").Logger(),
	}
	e.counters.Backend = backend.Name()
	for _, opt := range opts {
		opt(e)
	}
	e.publishLocked()
	return e, nil
}

// IsProtected reports whether target may never be enforced against.
func (e *Engine) IsProtected(target string) bool {
	addr, err := normalizeTarget(target)
	if err != nil {
		return false
	}
	return e.isProtected(addr)
}

func (e *Engine) isProtected(addr netip.Addr) bool {
	if addr.IsUnspecified() {
		return true
	}
	for _, p := range e.protected {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Apply installs the rule spec describes. An identical active rule only has
// its TTL refreshed, and spec's group joins the groups holding it; a rule
// with different params is replaced.
func (e *Engine) Apply(ctx context.Context, spec Spec) (ActionResult, error) {
	e.mu.Lock()
	res, err := e.applyLocked(ctx, spec)
	e.publishLocked()
	events := e.drainLocked()
	e.mu.Unlock()

	e.notify(events)
	return res, err
}

func (e *Engine) applyLocked(ctx context.Context, spec Spec) (ActionResult, error) {
	addr, err := normalizeTarget(spec.Target)
	if err != nil {
		return ActionResult{Key: spec.Key(), Action: StepInstall}, err
	}
	spec.Target = addr.String()
	key := spec.Key()
	res := ActionResult{Key: key, Action: StepInstall}

	if e.isProtected(addr) {
		e.counters.ProtectedRejects++
		e.logger.Warn().Str("target", spec.Target).Str("kind", string(spec.Kind)).Msg("refusing to enforce against protected target")
		return res, werrors.Newf(werrors.ErrProtectedTarget, "target %s is protected", spec.Target)
	}
	if !e.backend.Supports(spec.Kind) {
		return res, werrors.Newf(werrors.ErrUnsupported, "backend %s does not support %s", e.backend.Name(), spec.Kind)
	}

	now := e.now()
	expires := time.Time{}
	if spec.TTL > 0 {
		expires = now.Add(spec.TTL)
	}

	carried := make(map[string]time.Time)
	if existing, ok := e.rules[key]; ok {
		group := spec.Group
		if group == "" {
			group = existing.Group
		}
		if existing.Params == spec.Params {
			e.claimLocked(key, group, expires)
			existing.UpdatedAt = now
			e.counters.Noops++
			res.Action = StepNoop
			res.RuleID = existing.ID
			res.Handle = existing.Handle
			res.Summary = fmt.Sprintf("%s already active", key)
			return res, nil
		}

		res.Action = StepReplace
		if err := e.removeWithRetry(ctx, existing); err != nil {
			e.counters.RemoveFailures++
			e.recordLocked(Event{Key: key, Group: existing.Group, Action: StepReplace, RuleID: existing.ID, Params: spec.Params, Err: err.Error()})
			return res, werrors.Wrap(werrors.ErrApplyFailed, fmt.Sprintf("replace %s: removing previous rule", key), err)
		}
		for g, exp := range e.claims[key] {
			if g != group {
				carried[g] = exp
			}
		}
		e.unregisterLocked(existing)
		spec.Group = group
	}

	rule := &Rule{
		ID:        uuid.NewString(),
		Target:    spec.Target,
		Kind:      spec.Kind,
		Params:    spec.Params,
		Group:     spec.Group,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expires,
	}

	handle, err := e.installWithRetry(ctx, *rule)
	if err != nil {
		e.counters.ApplyFailures++
		e.recordLocked(Event{Key: key, Group: spec.Group, Action: res.Action, RuleID: rule.ID, Params: spec.Params, Err: err.Error()})
		e.logger.Error().Err(err).Str("rule", key.String()).Msg("rule install failed")
		return res, werrors.Wrap(werrors.ErrApplyFailed, fmt.Sprintf("install %s", key), err)
	}
	rule.Handle = handle
	e.rules[key] = rule
	for g, exp := range carried {
		e.claimLocked(key, g, exp)
	}
	e.claimLocked(key, rule.Group, expires)

	if res.Action == StepReplace {
		e.counters.Replacements++
	} else {
		e.counters.Installs++
	}
	e.recordLocked(Event{Key: key, Group: rule.Group, Action: res.Action, RuleID: rule.ID, Params: rule.Params})
	e.logger.Info().
		Str("rule", key.String()).
		Str("action", string(res.Action)).
		Str("group", rule.Group).
		Str("backend", handle.Backend).
		Msg("rule applied")

	res.Applied = true
	res.RuleID = rule.ID
	res.Handle = handle
	res.Summary = fmt.Sprintf("%s %s", res.Action, key)
	return res, nil
}

// Remove tears down the rule for (target, kind) whichever groups hold it.
// Removing an absent rule is a no-op. A failed removal leaves the rule in the pending set for the next
// sweep.
func (e *Engine) Remove(ctx context.Context, target string, kind Kind) (ActionResult, error) {
	e.mu.Lock()
	res, err := e.removeKeyLocked(ctx, e.canonicalKey(target, kind))
	e.publishLocked()
	events := e.drainLocked()
	e.mu.Unlock()

	e.notify(events)
	return res, err
}

func (e *Engine) canonicalKey(target string, kind Kind) Key {
	if addr, err := normalizeTarget(target); err == nil {
		target = addr.String()
	}
	return Key{Target: target, Kind: kind}
}

func (e *Engine) removeKeyLocked(ctx context.Context, key Key) (ActionResult, error) {
	res := ActionResult{Key: key, Action: StepRemove}
	rule, ok := e.rules[key]
	if !ok {
		res.Action = StepNoop
		res.Summary = fmt.Sprintf("%s not active", key)
		return res, nil
	}
	res.RuleID = rule.ID
	res.Handle = rule.Handle

	e.unregisterLocked(rule)
	if err := e.backend.Remove(ctx, *rule); err != nil {
		e.pending[rule.ID] = rule
		e.counters.RemoveFailures++
		e.recordLocked(Event{Key: key, Group: rule.Group, Action: StepRemove, RuleID: rule.ID, Params: rule.Params, Err: err.Error()})
		e.logger.Warn().Err(err).Str("rule", key.String()).Msg("rule removal failed, queued for retry")
		return res, werrors.Wrap(werrors.ErrRemoveFailed, fmt.Sprintf("remove %s", key), err)
	}

	e.counters.Removals++
	e.recordLocked(Event{Key: key, Group: rule.Group, Action: StepRemove, RuleID: rule.ID, Params: rule.Params})
	e.logger.Info().Str("rule", key.String()).Str("group", rule.Group).Msg("rule removed")
	res.Applied = true
	res.Summary = fmt.Sprintf("remove %s", key)
	return res, nil
}

// RemoveGroup releases a group in reverse install order. Rules another
// group still holds stay installed.
func (e *Engine) RemoveGroup(ctx context.Context, group string) ([]ActionResult, error) {
	e.mu.Lock()
	results, err := e.removeGroupLocked(ctx, group)
	e.publishLocked()
	events := e.drainLocked()
	e.mu.Unlock()

	e.notify(events)
	return results, err
}

func (e *Engine) removeGroupLocked(ctx context.Context, group string) ([]ActionResult, error) {
	keys := append([]Key(nil), e.groups[group]...)
	var (
		results []ActionResult
		errs    []error
	)
	for i := len(keys) - 1; i >= 0; i-- {
		res, err := e.releaseLocked(ctx, keys[i], group)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	delete(e.groups, group)
	return results, errors.Join(errs...)
}

// RemoveRulesForTarget tears down every rule for target: its posture and
// mitigation groups first, then anything ungrouped, newest first.
func (e *Engine) RemoveRulesForTarget(ctx context.Context, target string) ([]ActionResult, error) {
	if addr, err := normalizeTarget(target); err == nil {
		target = addr.String()
	}

	e.mu.Lock()
	var (
		results []ActionResult
		errs    []error
	)
	for _, group := range []string{PostureGroup(target), MitigationGroup(target)} {
		res, err := e.removeGroupLocked(ctx, group)
		results = append(results, res...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	var rest []*Rule
	for _, r := range e.rules {
		if r.Target == target {
			rest = append(rest, r)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].CreatedAt.After(rest[j].CreatedAt) })
	for _, r := range rest {
		res, err := e.removeKeyLocked(ctx, r.Key())
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	e.publishLocked()
	events := e.drainLocked()
	e.mu.Unlock()

	e.notify(events)
	return results, errors.Join(errs...)
}

// SweepReport summarizes one CleanupExpired pass.
type SweepReport struct {
	Expired  int           `json:"expired"`
	Retried  int           `json:"retried"`
	Failed   int           `json:"failed"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// CleanupExpired removes rules whose TTL passed at now and retries pending
// removals.
func (e *Engine) CleanupExpired(ctx context.Context, now time.Time) SweepReport {
	start := time.Now()
	e.mu.Lock()

	var (
		report SweepReport
		errs   []error
	)
	var expired []Key
	for key, r := range e.rules {
		if r.Expired(now) {
			expired = append(expired, key)
			continue
		}
		// Drop lapsed claims of groups that share the rule with a live one.
		for g, exp := range e.claims[key] {
			if !exp.IsZero() && !now.Before(exp) {
				e.releaseLocked(ctx, key, g)
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].String() < expired[j].String() })
	for _, key := range expired {
		if _, err := e.removeKeyLocked(ctx, key); err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		report.Expired++
		e.counters.Expired++
	}

	for id, r := range e.pending {
		key := r.Key()
		if err := e.backend.Remove(ctx, *r); err != nil {
			report.Failed++
			errs = append(errs, werrors.Wrap(werrors.ErrRemoveFailed, fmt.Sprintf("retry remove %s", key), err))
			continue
		}
		delete(e.pending, id)
		report.Retried++
		e.counters.Removals++
		e.recordLocked(Event{Key: key, Group: r.Group, Action: StepRemove, RuleID: r.ID, Params: r.Params})
	}

	e.publishLocked()
	events := e.drainLocked()
	e.mu.Unlock()
	e.notify(events)

	report.Err = errors.Join(errs...)
	report.Duration = time.Since(start)
	if report.Expired > 0 || report.Retried > 0 || report.Failed > 0 {
		e.logger.Info().
			Int("expired", report.Expired).
			Int("retried", report.Retried).
			Int("failed", report.Failed).
			Msg("enforcement sweep")
	}
	return report
}

// Start runs CleanupExpired every interval until ctx is done.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CleanupExpired(ctx, e.now())
		}
	}
}

// ActiveRules returns the registered rules, oldest first.
func (e *Engine) ActiveRules() []Rule {
	return append([]Rule(nil), *e.rulesSnap.Load()...)
}

// Rule returns the active rule for (target, kind).
func (e *Engine) Rule(target string, kind Kind) (Rule, bool) {
	key := e.canonicalKey(target, kind)
	for _, r := range *e.rulesSnap.Load() {
		if r.Key() == key {
			return r, true
		}
	}
	return Rule{}, false
}

// Stats returns the latest counter snapshot.
func (e *Engine) Stats() Stats {
	s := *e.statsSnap.Load()
	s.ByKind = make(map[string]int, len(s.ByKind))
	for k, v := range e.statsSnap.Load().ByKind {
		s.ByKind[k] = v
	}
	return s
}

// Backend returns the engine's backend.
func (e *Engine) Backend() Backend { return e.backend }

func (e *Engine) installWithRetry(ctx context.Context, rule Rule) (Handle, error) {
	var handle Handle
	b := retry.WithMaxRetries(1, retry.NewConstant(e.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		h, err := e.backend.Install(ctx, rule)
		if err != nil {
			e.logger.Debug().Err(err).Str("rule", rule.Key().String()).Msg("install attempt failed")
			return retry.RetryableError(err)
		}
		handle = h
		return nil
	})
	return handle, err
}

func (e *Engine) removeWithRetry(ctx context.Context, rule *Rule) error {
	b := retry.WithMaxRetries(1, retry.NewConstant(e.backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := e.backend.Remove(ctx, *rule); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (e *Engine) unregisterLocked(rule *Rule) {
	key := rule.Key()
	delete(e.rules, key)
	for g := range e.claims[key] {
		e.dropFromGroupLocked(g, key)
	}
	delete(e.claims, key)
}

// claimLocked records that group wants key until expires. A group's own
// claim is only ever extended. The rule expires with its last claim.
func (e *Engine) claimLocked(key Key, group string, expires time.Time) {
	c := e.claims[key]
	if c == nil {
		c = make(map[string]time.Time)
		e.claims[key] = c
	}
	if old, ok := c[group]; ok {
		c[group] = laterExpiry(old, expires)
	} else {
		c[group] = expires
		if group != "" {
			e.groups[group] = append(e.groups[group], key)
		}
	}
	if r := e.rules[key]; r != nil {
		r.ExpiresAt = claimExpiry(c)
		if r.Group == "" {
			r.Group = group
		}
	}
}

// releaseLocked drops group's claim on key and uninstalls the rule once no
// claim is left.
func (e *Engine) releaseLocked(ctx context.Context, key Key, group string) (ActionResult, error) {
	c := e.claims[key]
	if _, held := c[group]; held {
		delete(c, group)
		e.dropFromGroupLocked(group, key)
	}
	r, ok := e.rules[key]
	if !ok || len(c) == 0 {
		return e.removeKeyLocked(ctx, key)
	}

	r.ExpiresAt = claimExpiry(c)
	if _, held := c[r.Group]; !held {
		r.Group = firstClaim(c)
	}
	e.recordLocked(Event{Key: key, Group: group, Action: StepRelease, RuleID: r.ID, Params: r.Params})
	e.logger.Debug().Str("rule", key.String()).Str("group", group).Str("held_by", r.Group).Msg("rule released by group")
	return ActionResult{
		Key:     key,
		Action:  StepRelease,
		RuleID:  r.ID,
		Handle:  r.Handle,
		Summary: fmt.Sprintf("release %s (held by %s)", key, r.Group),
	}, nil
}

func (e *Engine) dropFromGroupLocked(group string, key Key) {
	if group == "" {
		return
	}
	keys := e.groups[group]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(e.groups, group)
	} else {
		e.groups[group] = keys
	}
}

// claimGroups lists the named groups holding key.
func (e *Engine) claimGroups(key Key) []string {
	var out []string
	for g := range e.claims[key] {
		if g != "" {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) recordLocked(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.events = append(e.events, ev)
}

func (e *Engine) drainLocked() []Event {
	events := e.events
	e.events = nil
	return events
}

func (e *Engine) notify(events []Event) {
	if e.observer == nil {
		return
	}
	for _, ev := range events {
		e.observer(ev)
	}
}

func (e *Engine) publishLocked() {
	rules := make([]Rule, 0, len(e.rules))
	byKind := make(map[string]int)
	for key, r := range e.rules {
		snap := *r
		snap.Groups = e.claimGroups(key)
		rules = append(rules, snap)
		byKind[string(r.Kind)]++
	}
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].Key().String() < rules[j].Key().String()
	})
	e.rulesSnap.Store(&rules)

	s := e.counters
	s.Active = len(rules)
	s.PendingRemovals = len(e.pending)
	s.Groups = len(e.groups)
	s.ByKind = byKind
	e.statsSnap.Store(&s)
}

// claimExpiry is the latest claim expiry, zero if any claim has none.
func claimExpiry(c map[string]time.Time) time.Time {
	var latest time.Time
	first := true
	for _, exp := range c {
		if first {
			latest, first = exp, false
			continue
		}
		latest = laterExpiry(latest, exp)
	}
	return latest
}

func firstClaim(c map[string]time.Time) string {
	var names []string
	for g := range c {
		names = append(names, g)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// laterExpiry picks the later of two expiries, where zero means never.
func laterExpiry(a, b time.Time) time.Time {
	if a.IsZero() || b.IsZero() {
		return time.Time{}
	}
	if b.After(a) {
		return b
	}
	return a
}
