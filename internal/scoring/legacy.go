package scoring

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

// TierLegacy is the name of the deterministic rule tier.
const TierLegacy = types.SubscoreLegacy

// LegacyEvaluator is tier 1: severity, signature keywords, payload
// heuristics, target criticality, source reputation and bursts.
type LegacyEvaluator struct {
	cfg      config.ScoringConfig
	keywords []config.KeywordRule
	payloads []compiledPattern
	freq     *FrequencyTracker
	logger   zerolog.Logger
}

type compiledPattern struct {
	name   string
	re     *regexp.Regexp
	points float64
}

// NewLegacyEvaluator compiles the configured rule tables.
func NewLegacyEvaluator(cfg config.ScoringConfig, logger zerolog.Logger) (*LegacyEvaluator, error) {
	l := &LegacyEvaluator{
		cfg:    cfg,
		logger: logger.With().Str("component", "legacy_tier").Logger(),
	}
	for _, k := range cfg.KeywordRules {
		k.Match = strings.ToLower(k.Match)
		l.keywords = append(l.keywords, k)
	}
	for _, p := range cfg.PayloadPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, werrors.Wrap(werrors.ErrConfig, fmt.Sprintf("compiling payload pattern %q", p.Name), err)
		}
		l.payloads = append(l.payloads, compiledPattern{name: p.Name, re: re, points: p.Points})
	}
	if cfg.Burst.Window > 0 && cfg.Burst.Threshold > 0 {
		l.freq = NewFrequencyTracker(cfg.Burst.Window, logger)
	}
	return l, nil
}

// Name implements Evaluator.
func (l *LegacyEvaluator) Name() string { return TierLegacy }

// Frequency exposes the burst tracker so the caller can run its cleanup loop.
// It is nil when bursts are disabled.
func (l *LegacyEvaluator) Frequency() *FrequencyTracker { return l.freq }

// Evaluate implements Evaluator.
func (l *LegacyEvaluator) Evaluate(_ context.Context, a types.Alert) (Verdict, error) {
	var reasons []string

	score, ok := l.cfg.SeverityBase[a.Severity]
	if !ok {
		score = l.cfg.SeverityBase[3]
	}
	reasons = append(reasons, fmt.Sprintf("severity %d base %.0f", a.Severity, score))

	category := a.Category
	sig := strings.ToLower(a.Signature)
	for _, k := range l.keywords {
		if k.Match == "" || !strings.Contains(sig, k.Match) {
			continue
		}
		score += k.Points
		reasons = append(reasons, fmt.Sprintf("keyword %q +%.0f", k.Match, k.Points))
		if category == types.CategoryUnknown && k.Category != "" {
			category = k.Category
		}
	}

	if a.Payload != "" {
		for _, p := range l.payloads {
			if p.re.MatchString(a.Payload) {
				score += p.points
				reasons = append(reasons, fmt.Sprintf("payload %s +%.0f", p.name, p.points))
			}
		}
	}

	if bonus := l.cfg.CriticalityBonus[a.TargetCriticality]; bonus != 0 {
		score += bonus
		reasons = append(reasons, fmt.Sprintf("%s target +%.0f", a.TargetCriticality, bonus))
	}

	switch ClassifyIP(a.SrcIP) {
	case IPPublic:
		score += l.cfg.PublicSourceBonus
	case IPInvalid, IPUnspecified:
		score += l.cfg.InvalidSourceBonus
		reasons = append(reasons, "invalid source")
	}

	if a.Kind == types.KindHoneypot {
		score += l.cfg.HoneypotBonus
		reasons = append(reasons, "honeypot touch")
	}

	if l.freq != nil {
		n := l.freq.Increment(a.Signature + "|" + a.SrcIP)
		if n >= l.cfg.Burst.Threshold {
			score += l.cfg.Burst.Bonus
			reasons = append(reasons, fmt.Sprintf("burst %d in %s", n, l.cfg.Burst.Window))
		}
	}

	return Verdict{
		Score:      clampScore(score),
		Category:   category,
		Confidence: 1,
		Rationale:  strings.Join(reasons, ", "),
	}, nil
}
