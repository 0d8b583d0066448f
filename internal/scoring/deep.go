package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

// TierDeepAI is the name of the deep analyzer tier.
const TierDeepAI = types.SubscoreDeepAI

// DeepAnalyzer is tier 3. hint is the fast-tier verdict that triggered the
// escalation.
type DeepAnalyzer interface {
	Analyze(ctx context.Context, alert types.Alert, hint Verdict) (Verdict, error)
}

const deepSystemPrompt = `You are a network intrusion triage analyst for a small protected network.
You receive one IDS or honeypot alert and a preliminary classification.
Judge how dangerous the source is to the protected network.

Reply with a single JSON object and nothing else:
{"risk": 1-5, "category": "<category>", "confidence": 0.0-1.0, "rationale": "<one sentence>"}

risk 1 = harmless, 3 = suspicious, 5 = active compromise attempt.
category must be one of: %s.`

// LLMAnalyzer implements DeepAnalyzer over a ChatClient.
type LLMAnalyzer struct {
	client ChatClient
	system string
	logger zerolog.Logger
}

// NewLLMAnalyzer builds the provider client from cfg.
func NewLLMAnalyzer(cfg config.DeepConfig, logger zerolog.Logger) (*LLMAnalyzer, error) {
	client, err := NewChatClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewLLMAnalyzerWithClient(client, logger), nil
}

// NewLLMAnalyzerWithClient wraps an existing client.
func NewLLMAnalyzerWithClient(client ChatClient, logger zerolog.Logger) *LLMAnalyzer {
	return &LLMAnalyzer{
		client: client,
		system: fmt.Sprintf(deepSystemPrompt, strings.Join(types.Categories(), ", ")),
		logger: logger.With().Str("component", "deep_tier").Str("provider", client.Provider()).Logger(),
	}
}

// Analyze implements DeepAnalyzer.
func (a *LLMAnalyzer) Analyze(ctx context.Context, alert types.Alert, hint Verdict) (Verdict, error) {
	out, err := a.client.Complete(ctx, a.system, buildDeepPrompt(alert, hint))
	if err != nil {
		return Verdict{}, err
	}
	v, err := ParseDeepVerdict(out)
	if err != nil {
		a.logger.Debug().Str("alert_id", alert.ID).Str("reply", truncate(out, 200)).Msg("unusable deep reply")
		return Verdict{}, err
	}
	return v, nil
}

func buildDeepPrompt(a types.Alert, hint Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Signature: %s\n", a.Signature)
	fmt.Fprintf(&b, "Raw category: %s\n", a.RawCategory)
	fmt.Fprintf(&b, "Normalized category: %s\n", a.Category)
	fmt.Fprintf(&b, "Severity: %d\n", a.Severity)
	fmt.Fprintf(&b, "Source: %s (%s)\n", a.SrcIP, ClassifyIP(a.SrcIP))
	fmt.Fprintf(&b, "Destination: %s:%d/%s\n", a.DestIP, a.DestPort, a.Protocol)
	if a.TargetCriticality != "" {
		fmt.Fprintf(&b, "Target criticality: %s\n", a.TargetCriticality)
	}
	if a.Kind == types.KindHoneypot {
		b.WriteString("Observed by a honeypot: no legitimate client should touch it.\n")
	}
	if a.Payload != "" {
		fmt.Fprintf(&b, "Payload excerpt: %q\n", truncate(a.Payload, 512))
	}
	fmt.Fprintf(&b, "Preliminary: risk %d, category %s, confidence %.2f (%s)\n",
		hint.Risk, hint.Category, hint.Confidence, hint.Rationale)
	return b.String()
}

// ParseDeepVerdict extracts the JSON verdict from a model reply.
// Fenced or surrounded JSON is accepted; anything else is ErrDeepInvalidResp.
func ParseDeepVerdict(content string) (Verdict, error) {
	var raw struct {
		Risk       *int     `json:"risk"`
		Category   string   `json:"category"`
		Confidence *float64 `json:"confidence"`
		Rationale  string   `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &raw); err != nil {
		return Verdict{}, werrors.Wrap(werrors.ErrDeepInvalidResp, "decoding deep verdict", err)
	}
	if raw.Risk == nil || *raw.Risk < 1 || *raw.Risk > 5 {
		return Verdict{}, werrors.New(werrors.ErrDeepInvalidResp, "deep verdict risk missing or outside 1-5")
	}
	if raw.Confidence == nil {
		return Verdict{}, werrors.New(werrors.ErrDeepInvalidResp, "deep verdict confidence missing")
	}

	category := strings.ToLower(strings.TrimSpace(raw.Category))
	category = strings.NewReplacer(" ", "_", "-", "_").Replace(category)
	if !types.IsCanonicalCategory(category) {
		category = types.CategoryUnknown
	}

	return Verdict{
		Score:      RiskScore(*raw.Risk),
		Risk:       *raw.Risk,
		Category:   category,
		Confidence: clampUnit(*raw.Confidence),
		Rationale:  raw.Rationale,
	}, nil
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON strips markdown fences and returns the outermost JSON object.
func extractJSON(content string) string {
	if m := fenceRe.FindStringSubmatch(content); len(m) > 1 {
		content = m[1]
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
