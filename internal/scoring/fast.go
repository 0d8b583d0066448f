package scoring

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sentinel-agent/warden/internal/types"
)

// TierFastAI is the name of the fast classifier tier.
const TierFastAI = types.SubscoreFastAI

// FastRule is one entry of the ordered fast-classifier table. A rule
// matches when the alert category is listed, or the signature contains
// one of the keywords, or the payload matches the pattern.
type FastRule struct {
	Name       string   `yaml:"name"`
	Categories []string `yaml:"categories,omitempty"`
	Keywords   []string `yaml:"keywords,omitempty"`
	Payload    string   `yaml:"payload,omitempty"`
	Risk       int      `yaml:"risk"`
	Category   string   `yaml:"category,omitempty"` // empty keeps the alert category
	Confidence float64  `yaml:"confidence"`
	Uncertain  bool     `yaml:"uncertain,omitempty"`
}

// DefaultFastRules is the built-in table, most specific first.
func DefaultFastRules() []FastRule {
	return []FastRule{
		{Name: "shell-payload", Payload: `(;|\|\||&&|\$\(|` + "`" + `)\s*(cat|wget|curl|sh|bash|nc|python)\b`, Risk: 5, Category: types.CategoryCommandInjection, Confidence: 0.9},
		{Name: "rce", Categories: []string{types.CategoryRCE}, Keywords: []string{"remote code execution", "log4j", "jndi:", "deserialization"}, Risk: 5, Category: types.CategoryRCE, Confidence: 0.9},
		{Name: "malware", Categories: []string{types.CategoryMalware}, Keywords: []string{"trojan", "malware", "cnc", "botnet", "ransomware"}, Risk: 5, Category: types.CategoryMalware, Confidence: 0.85},
		{Name: "command-injection", Categories: []string{types.CategoryCommandInjection}, Keywords: []string{"command injection"}, Risk: 4, Category: types.CategoryCommandInjection, Confidence: 0.85},
		{Name: "sqli", Categories: []string{types.CategorySQLi}, Keywords: []string{"sql injection", "union select"}, Payload: `(?i)union\s+select|or\s+1=1`, Risk: 4, Category: types.CategorySQLi, Confidence: 0.85},
		{Name: "credential-access", Categories: []string{types.CategoryCredentialAccess}, Keywords: []string{"credential", "mimikatz", "password dump"}, Risk: 4, Category: types.CategoryCredentialAccess, Confidence: 0.75},
		{Name: "lateral-movement", Categories: []string{types.CategoryLateralMovement}, Risk: 4, Category: types.CategoryLateralMovement, Confidence: 0.75},
		{Name: "exploit", Categories: []string{types.CategoryExploit}, Keywords: []string{"exploit", "cve-"}, Risk: 4, Category: types.CategoryExploit, Confidence: 0.75},
		{Name: "honeypot", Categories: []string{types.CategoryHoneypot}, Risk: 4, Category: types.CategoryHoneypot, Confidence: 0.8},
		{Name: "xss", Categories: []string{types.CategoryXSS}, Keywords: []string{"cross site scripting", "xss"}, Payload: `(?i)<\s*script`, Risk: 3, Category: types.CategoryXSS, Confidence: 0.8},
		{Name: "traversal", Categories: []string{types.CategoryPathTraversal}, Keywords: []string{"directory traversal", "path traversal"}, Payload: `\.\./|%2e%2e%2f`, Risk: 3, Category: types.CategoryPathTraversal, Confidence: 0.8},
		{Name: "brute-force", Categories: []string{types.CategoryBruteForce}, Keywords: []string{"brute force", "login attempt"}, Risk: 3, Category: types.CategoryBruteForce, Confidence: 0.8},
		{Name: "dos", Categories: []string{types.CategoryDoS}, Keywords: []string{"flood", "denial of service"}, Risk: 3, Category: types.CategoryDoS, Confidence: 0.7},
		{Name: "port-scan", Categories: []string{types.CategoryPortScan}, Keywords: []string{"scan"}, Risk: 2, Category: types.CategoryPortScan, Confidence: 0.8},
		{Name: "recon", Categories: []string{types.CategoryRecon}, Risk: 2, Category: types.CategoryRecon, Confidence: 0.6, Uncertain: true},
		{Name: "policy", Categories: []string{types.CategoryPolicy}, Risk: 1, Category: types.CategoryPolicy, Confidence: 0.8},
		{Name: "benign", Categories: []string{types.CategoryBenign}, Risk: 1, Category: types.CategoryBenign, Confidence: 0.9},
	}
}

// FastClassifier is tier 2. It is a pure function of the normalized alert:
// rules are evaluated in order and the first match wins.
type FastClassifier struct {
	rules []fastRule
}

type fastRule struct {
	FastRule
	categories map[string]struct{}
	keywords   []string
	payload    *regexp.Regexp
}

// NewFastClassifier compiles the rule table. A nil table selects
// DefaultFastRules.
func NewFastClassifier(rules []FastRule) (*FastClassifier, error) {
	if rules == nil {
		rules = DefaultFastRules()
	}
	c := &FastClassifier{}
	for _, r := range rules {
		if r.Risk < 1 || r.Risk > 5 {
			return nil, fmt.Errorf("fast rule %q: risk must be 1-5, got %d", r.Name, r.Risk)
		}
		fr := fastRule{FastRule: r, categories: make(map[string]struct{})}
		for _, cat := range r.Categories {
			fr.categories[cat] = struct{}{}
		}
		for _, k := range r.Keywords {
			fr.keywords = append(fr.keywords, strings.ToLower(k))
		}
		if r.Payload != "" {
			re, err := regexp.Compile(r.Payload)
			if err != nil {
				return nil, fmt.Errorf("fast rule %q: %w", r.Name, err)
			}
			fr.payload = re
		}
		c.rules = append(c.rules, fr)
	}
	return c, nil
}

// Name implements Evaluator.
func (c *FastClassifier) Name() string { return TierFastAI }

// Evaluate implements Evaluator.
func (c *FastClassifier) Evaluate(_ context.Context, a types.Alert) (Verdict, error) {
	sig := strings.ToLower(a.Signature)
	for _, r := range c.rules {
		if !r.matches(a, sig) {
			continue
		}
		category := r.Category
		if category == "" {
			category = a.Category
		}
		return Verdict{
			Score:      RiskScore(r.Risk),
			Risk:       r.Risk,
			Category:   category,
			Confidence: r.Confidence,
			Rationale:  "matched " + r.Name,
			Uncertain:  r.Uncertain,
		}, nil
	}
	return c.fallback(a), nil
}

func (r fastRule) matches(a types.Alert, sig string) bool {
	if _, ok := r.categories[a.Category]; ok {
		return true
	}
	for _, k := range r.keywords {
		if strings.Contains(sig, k) {
			return true
		}
	}
	return r.payload != nil && a.Payload != "" && r.payload.MatchString(a.Payload)
}

// fallback derives a low-confidence verdict from severity alone.
func (c *FastClassifier) fallback(a types.Alert) Verdict {
	risk := 2
	switch a.Severity {
	case 1:
		risk = 4
	case 2:
		risk = 3
	}
	return Verdict{
		Score:      RiskScore(risk),
		Risk:       risk,
		Category:   a.Category,
		Confidence: 0.4,
		Rationale:  "no rule matched; severity only",
		Uncertain:  true,
	}
}

// LoadFastRules reads an ordered rule table from a YAML file of the form
// `rules: [...]`.
func LoadFastRules(path string) ([]FastRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fast rules: %w", err)
	}
	var doc struct {
		Rules []FastRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing fast rules: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("fast rules file %s has no rules", path)
	}
	return doc.Rules, nil
}
