// Package scoring turns a normalized alert into a threat score through a
// three-tier cascade: deterministic rules, a fast pattern classifier and an
// optional deep analyzer backed by an LLM.
package scoring

import (
	"context"

	"github.com/sentinel-agent/warden/internal/types"
)

// Evaluator is implemented by every scoring tier.
type Evaluator interface {
	// Name identifies the tier in subscores and logs.
	Name() string
	// Evaluate scores a single alert. Implementations must not keep
	// per-call state that changes the result for identical input unless
	// they document it (the legacy tier tracks bursts).
	Evaluate(ctx context.Context, alert types.Alert) (Verdict, error)
}

// Verdict is the output of one tier.
type Verdict struct {
	Score      float64 `json:"score"`
	Risk       int     `json:"risk,omitempty"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
	Uncertain  bool    `json:"uncertain,omitempty"`
}

// RiskScore maps a risk level in 1..5 onto 20..100 (risk·20).
// Out-of-range levels are clamped.
func RiskScore(risk int) float64 {
	if risk < 1 {
		risk = 1
	}
	if risk > 5 {
		risk = 5
	}
	return float64(risk) * 20
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
