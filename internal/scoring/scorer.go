package scoring

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

// Tiers holds the evaluators the Scorer cascades through. A nil tier is
// disabled.
type Tiers struct {
	Legacy Evaluator
	Fast   Evaluator
	Deep   *DeepPool
}

// Scorer runs the cascade and owns every weighting and floor decision.
type Scorer struct {
	tiers         Tiers
	weights       config.WeightsConfig
	defaultScore  float64
	floors        map[string]float64
	overrides     []benignOverride
	threshold     float64
	lowRiskCutoff int
	logger        zerolog.Logger

	scored        atomic.Int64
	degraded      atomic.Int64
	faults        atomic.Int64
	escalated     atomic.Int64
	deepUsed      atomic.Int64
	deepFallbacks atomic.Int64
	floorsApplied atomic.Int64
	overridden    atomic.Int64
	byMethod      [4]atomic.Int64
}

type benignOverride struct {
	name      string
	signature string
	prefix    netip.Prefix
	hasPrefix bool
	port      int
}

// Stats is a snapshot of scorer counters.
type Stats struct {
	Scored          int64            `json:"scored"`
	Degraded        int64            `json:"degraded"`
	Faults          int64            `json:"faults"`
	Escalated       int64            `json:"escalated"`
	DeepUsed        int64            `json:"deep_used"`
	DeepFallbacks   int64            `json:"deep_fallbacks"`
	FloorsApplied   int64            `json:"floors_applied"`
	BenignOverrides int64            `json:"benign_overrides"`
	ByMethod        map[string]int64 `json:"by_method"`
	Deep            *PoolStats       `json:"deep,omitempty"`
}

var methods = [4]types.EvaluationMethod{types.MethodLegacy, types.MethodFastAI, types.MethodDeepAI, types.MethodHybrid}

// New builds the tiers enabled in cfg and the Scorer around them.
func New(cfg *config.Config, logger zerolog.Logger) (*Scorer, error) {
	var tiers Tiers

	if cfg.Scoring.LegacyEnabled {
		legacy, err := NewLegacyEvaluator(cfg.Scoring, logger)
		if err != nil {
			return nil, err
		}
		tiers.Legacy = legacy
	}

	if cfg.Scoring.FastEnabled {
		var rules []FastRule
		if cfg.Scoring.FastRulesFile != "" {
			loaded, err := LoadFastRules(cfg.Scoring.FastRulesFile)
			if err != nil {
				return nil, werrors.Wrap(werrors.ErrConfig, "loading fast rules", err)
			}
			rules = loaded
		}
		fast, err := NewFastClassifier(rules)
		if err != nil {
			return nil, werrors.Wrap(werrors.ErrConfig, "building fast classifier", err)
		}
		tiers.Fast = fast
	}

	if cfg.Deep.Enabled {
		analyzer, err := NewLLMAnalyzer(cfg.Deep, logger)
		if err != nil {
			return nil, err
		}
		tiers.Deep = NewDeepPool(analyzer, cfg.Deep.Workers, cfg.Deep.Timeout, logger)
	}

	return NewScorer(cfg.Scoring, cfg.Deep, tiers, logger)
}

// NewScorer wires explicit tiers. At least one of Legacy and Fast is required.
func NewScorer(cfg config.ScoringConfig, deep config.DeepConfig, tiers Tiers, logger zerolog.Logger) (*Scorer, error) {
	if tiers.Legacy == nil && tiers.Fast == nil {
		return nil, werrors.New(werrors.ErrConfig, "at least one of the legacy and fast tiers must be enabled")
	}
	s := &Scorer{
		tiers:         tiers,
		weights:       cfg.Weights,
		defaultScore:  cfg.DefaultScore,
		floors:        cfg.Floors,
		threshold:     deep.ConfidenceThreshold,
		lowRiskCutoff: deep.LowRiskCutoff,
		logger:        logger.With().Str("component", "scorer").Logger(),
	}
	for _, o := range cfg.BenignOverrides {
		bo := benignOverride{name: o.Name, signature: strings.ToLower(o.SignatureContains), port: o.DestPort}
		if o.DestCIDR != "" {
			p, err := netip.ParsePrefix(o.DestCIDR)
			if err != nil {
				return nil, werrors.Wrap(werrors.ErrConfig, fmt.Sprintf("benign override %q", o.Name), err)
			}
			bo.prefix, bo.hasPrefix = p.Masked(), true
		}
		s.overrides = append(s.overrides, bo)
	}
	return s, nil
}

// Start runs background housekeeping for stateful tiers until ctx ends.
func (s *Scorer) Start(ctx context.Context) {
	if legacy, ok := s.tiers.Legacy.(*LegacyEvaluator); ok && legacy.Frequency() != nil {
		go legacy.Frequency().Start(ctx)
	}
}

// Score runs the cascade for one alert and waits for the deep tier when it
// escalates. It never fails: tier faults yield the configured default score
// with category unknown, and deep-tier problems fall back to the fast-tier
// combination.
func (s *Scorer) Score(ctx context.Context, a types.Alert) types.ScoreResult {
	return s.Begin(ctx, a).Result()
}

// Pending is an alert whose first two tiers have run. When the fast verdict
// escalated, the deep analysis runs detached and Done is closed once it
// settles.
type Pending struct {
	s       *Scorer
	alert   types.Alert
	res     types.ScoreResult
	legacy  *Verdict
	fast    *Verdict
	reasons []string
	task    *DeepTask

	once  sync.Once
	final types.ScoreResult
}

var settled = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Deferred reports whether a deep analysis is still attached.
func (p *Pending) Deferred() bool { return p.task != nil }

// Done is closed when Result will not block.
func (p *Pending) Done() <-chan struct{} {
	if p.task == nil {
		return settled
	}
	return p.task.Done()
}

// Result combines the tiers. It blocks until Done is closed and returns the
// same value on every call.
func (p *Pending) Result() types.ScoreResult {
	p.once.Do(func() { p.final = p.s.finish(p) })
	return p.final
}

// Begin runs tiers 1 and 2 inline and submits the deep tier without waiting
// for it. Saturation drops the deep request and the result stays on the
// fast-tier combination.
func (s *Scorer) Begin(ctx context.Context, a types.Alert) *Pending {
	s.scored.Add(1)
	p := &Pending{
		s:     s,
		alert: a,
		res: types.ScoreResult{
			AlertID:   a.ID,
			Subscores: make(map[string]float64),
			Degraded:  a.Degraded,
		},
	}

	if s.tiers.Legacy != nil {
		v, err := s.evaluate(ctx, s.tiers.Legacy, a)
		if err != nil {
			p.once.Do(func() { p.final = s.fallback(a, err) })
			return p
		}
		p.legacy = &v
		p.res.Subscores[TierLegacy] = v.Score
		p.res.Tiers = append(p.res.Tiers, TierLegacy)
	}
	if s.tiers.Fast != nil {
		v, err := s.evaluate(ctx, s.tiers.Fast, a)
		if err != nil {
			p.once.Do(func() { p.final = s.fallback(a, err) })
			return p
		}
		p.fast = &v
		p.res.Subscores[TierFastAI] = v.Score
		p.res.Tiers = append(p.res.Tiers, TierFastAI)
	}

	if s.tiers.Deep != nil && p.fast != nil && s.ShouldEscalate(*p.fast) {
		s.escalated.Add(1)
		task, err := s.tiers.Deep.Submit(ctx, a, *p.fast)
		if err != nil {
			s.deepFallback(p, err)
		} else {
			p.task = task
		}
	}
	return p
}

func (s *Scorer) deepFallback(p *Pending, err error) {
	s.deepFallbacks.Add(1)
	p.reasons = append(p.reasons, fmt.Sprintf("deep tier unavailable (%s)", werrors.GetCode(err)))
	s.logger.Debug().Err(err).Str("alert_id", p.alert.ID).Msg("deep analysis fell back to fast tier")
}

func (s *Scorer) finish(p *Pending) types.ScoreResult {
	a, res, legacy, fast, reasons := p.alert, p.res, p.legacy, p.fast, p.reasons

	var deep Verdict
	deepOK := false
	if p.task != nil {
		v, err := p.task.Result()
		if err != nil {
			s.deepFallback(p, err)
			reasons = p.reasons
		} else {
			s.deepUsed.Add(1)
			deep, deepOK = v, true
		}
	}

	var score float64
	switch {
	case deepOK:
		res.Subscores[TierDeepAI] = deep.Score
		res.Tiers = append(res.Tiers, TierDeepAI)
		score = s.weights.Deep*deep.Score + s.weights.FastWithDeep*fast.Score
		res.Method = types.MethodDeepAI
		res.Category = firstKnown(deep.Category, fast.Category, a.Category)
		res.Confidence = deep.Confidence
		reasons = append(reasons, fmt.Sprintf("deep risk %d (%s)", deep.Risk, deep.Rationale))
	case legacy != nil && fast != nil:
		score = s.weights.Legacy*legacy.Score + s.weights.Fast*fast.Score
		res.Method = types.MethodHybrid
		res.Category = firstKnown(a.Category, fast.Category, legacy.Category)
		res.Confidence = fast.Confidence
		reasons = append(reasons, fmt.Sprintf("legacy %.0f (%s)", legacy.Score, legacy.Rationale), fmt.Sprintf("fast risk %d (%s)", fast.Risk, fast.Rationale))
	case legacy != nil:
		score = legacy.Score
		res.Method = types.MethodLegacy
		res.Category = firstKnown(a.Category, legacy.Category)
		res.Confidence = legacy.Confidence
		reasons = append(reasons, fmt.Sprintf("legacy %.0f (%s)", legacy.Score, legacy.Rationale))
	default:
		score = fast.Score
		res.Method = types.MethodFastAI
		res.Category = firstKnown(fast.Category, a.Category)
		res.Confidence = fast.Confidence
		reasons = append(reasons, fmt.Sprintf("fast risk %d (%s)", fast.Risk, fast.Rationale))
	}

	if floor, ok := s.floors[res.Category]; ok {
		res.Subscores[types.SubscoreFloor] = floor
		if name := s.matchOverride(a); name != "" {
			res.BenignOverride = true
			s.overridden.Add(1)
			reasons = append(reasons, fmt.Sprintf("benign override %q suppresses %s floor", name, res.Category))
		} else if score < floor {
			score = floor
			res.FloorApplied = true
			s.floorsApplied.Add(1)
			reasons = append(reasons, fmt.Sprintf("%s floor %.0f", res.Category, floor))
		}
	}

	res.Score = round2(clampScore(score))
	res.Reason = string(res.Method) + ": " + strings.Join(reasons, "; ")
	s.count(res)
	return res
}

// ShouldEscalate reports whether a fast verdict warrants deep analysis.
func (s *Scorer) ShouldEscalate(fast Verdict) bool {
	switch {
	case fast.Confidence < s.threshold:
		return true
	case fast.Category == types.CategoryUnknown, fast.Category == types.CategoryBenign:
		return true
	case fast.Risk <= s.lowRiskCutoff && fast.Uncertain:
		return true
	}
	return false
}

// evaluate calls one tier and converts panics and bad output into errors.
func (s *Scorer) evaluate(ctx context.Context, e Evaluator, a types.Alert) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = werrors.Newf(werrors.ErrScoreEvaluation, "%s tier panic: %v", e.Name(), r)
		}
	}()
	v, err = e.Evaluate(ctx, a)
	if err != nil {
		return v, werrors.Wrap(werrors.ErrScoreEvaluation, e.Name()+" tier failed", err)
	}
	if math.IsNaN(v.Score) || math.IsInf(v.Score, 0) {
		return v, werrors.Newf(werrors.ErrScoreEvaluation, "%s tier returned %v", e.Name(), v.Score)
	}
	return v, nil
}

func (s *Scorer) fallback(a types.Alert, err error) types.ScoreResult {
	s.faults.Add(1)
	s.logger.Warn().Err(err).Str("alert_id", a.ID).Str("src_ip", a.SrcIP).Msg("scoring fault, using default score")

	method := types.MethodHybrid
	switch {
	case s.tiers.Fast == nil:
		method = types.MethodLegacy
	case s.tiers.Legacy == nil:
		method = types.MethodFastAI
	}
	res := types.ScoreResult{
		AlertID:   a.ID,
		Score:     clampScore(s.defaultScore),
		Category:  types.CategoryUnknown,
		Method:    method,
		Subscores: map[string]float64{},
		Reason:    fmt.Sprintf("default score after fault: %v", err),
		Degraded:  true,
	}
	s.count(res)
	return res
}

func (s *Scorer) count(res types.ScoreResult) {
	if res.Degraded {
		s.degraded.Add(1)
	}
	for i, m := range methods {
		if m == res.Method {
			s.byMethod[i].Add(1)
		}
	}
}

func (s *Scorer) matchOverride(a types.Alert) string {
	sig := strings.ToLower(a.Signature)
	for _, o := range s.overrides {
		if o.signature != "" && !strings.Contains(sig, o.signature) {
			continue
		}
		if o.port != 0 && o.port != a.DestPort {
			continue
		}
		if o.hasPrefix {
			addr, err := netip.ParseAddr(a.DestIP)
			if err != nil || !o.prefix.Contains(addr.Unmap()) {
				continue
			}
		}
		return o.name
	}
	return ""
}

// Stats returns the scorer counters.
func (s *Scorer) Stats() Stats {
	st := Stats{
		Scored:          s.scored.Load(),
		Degraded:        s.degraded.Load(),
		Faults:          s.faults.Load(),
		Escalated:       s.escalated.Load(),
		DeepUsed:        s.deepUsed.Load(),
		DeepFallbacks:   s.deepFallbacks.Load(),
		FloorsApplied:   s.floorsApplied.Load(),
		BenignOverrides: s.overridden.Load(),
		ByMethod:        make(map[string]int64, len(methods)),
	}
	for i, m := range methods {
		st.ByMethod[string(m)] = s.byMethod[i].Load()
	}
	if s.tiers.Deep != nil {
		ps := s.tiers.Deep.Stats()
		st.Deep = &ps
	}
	return st
}

func firstKnown(categories ...string) string {
	for _, c := range categories {
		if c != "" && c != types.CategoryUnknown {
			return c
		}
	}
	return types.CategoryUnknown
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
