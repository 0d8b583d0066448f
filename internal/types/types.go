// Package types defines core data structures used across Warden.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Severity levels for alerts and notifications.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a string severity to the enum.
func ParseSeverity(s string) Severity {
	switch s {
	case "info":
		return SeverityInfo
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// SeverityFromScore buckets a 0-100 threat score.
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 85:
		return SeverityCritical
	case score >= 65:
		return SeverityHigh
	case score >= 40:
		return SeverityMedium
	case score >= 15:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Canonical alert categories. Every Alert carries one of these after normalization.
const (
	CategorySQLi             = "sqli"
	CategoryXSS              = "xss"
	CategoryRCE              = "rce"
	CategoryCommandInjection = "command_injection"
	CategoryPathTraversal    = "path_traversal"
	CategoryBruteForce       = "brute_force"
	CategoryCredentialAccess = "credential_access"
	CategoryPortScan         = "port_scan"
	CategoryRecon            = "recon"
	CategoryDoS              = "dos"
	CategoryMalware          = "malware"
	CategoryExploit          = "exploit"
	CategoryLateralMovement  = "lateral_movement"
	CategoryHoneypot         = "honeypot"
	CategoryPolicy           = "policy"
	CategoryBenign           = "benign"
	CategoryUnknown          = "unknown"
)

// Categories lists the canonical vocabulary.
func Categories() []string {
	return []string{
		CategorySQLi, CategoryXSS, CategoryRCE, CategoryCommandInjection,
		CategoryPathTraversal, CategoryBruteForce, CategoryCredentialAccess,
		CategoryPortScan, CategoryRecon, CategoryDoS, CategoryMalware, CategoryExploit,
		CategoryLateralMovement, CategoryHoneypot, CategoryPolicy, CategoryBenign,
		CategoryUnknown,
	}
}

// MajorCategories is the built-in allow-list used when none is configured.
// It excludes only categories that are informational by nature.
func MajorCategories() []string {
	var out []string
	for _, c := range Categories() {
		if c == CategoryBenign || c == CategoryPolicy {
			continue
		}
		out = append(out, c)
	}
	return out
}

// IsCanonicalCategory reports whether c belongs to the canonical vocabulary.
func IsCanonicalCategory(c string) bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// AlertKind distinguishes IDS alerts from deception-service events.
type AlertKind string

const (
	KindIDS      AlertKind = "ids"
	KindHoneypot AlertKind = "honeypot"
)

// Alert is a single normalized intrusion or deception event.
type Alert struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	SrcIP             string    `json:"src_ip"`
	DestIP            string    `json:"dest_ip"`
	DestPort          int       `json:"dest_port"`
	Protocol          string    `json:"protocol"`
	Signature         string    `json:"signature"`
	SignatureID       int       `json:"signature_id,omitempty"`
	RawCategory       string    `json:"raw_category"`
	Category          string    `json:"category"`
	Severity          int       `json:"severity"` // IDS convention: 1 is most severe
	Payload           string    `json:"payload,omitempty"`
	TargetCriticality string    `json:"target_criticality,omitempty"`
	Source            string    `json:"source"`
	Kind              AlertKind `json:"kind"`
	Degraded          bool      `json:"degraded,omitempty"`
}

// Level maps the raw IDS severity onto the Severity enum.
func (a Alert) Level() Severity {
	switch a.Severity {
	case 1:
		return SeverityHigh
	case 2:
		return SeverityMedium
	case 3:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// EvaluationMethod records which scoring path produced a ScoreResult.
type EvaluationMethod string

const (
	MethodLegacy EvaluationMethod = "legacy"
	MethodFastAI EvaluationMethod = "fast-ai"
	MethodDeepAI EvaluationMethod = "deep-ai"
	MethodHybrid EvaluationMethod = "hybrid"
)

// Subscore keys used in ScoreResult.Subscores.
const (
	SubscoreLegacy = "legacy"
	SubscoreFastAI = "fast_ai"
	SubscoreDeepAI = "deep_ai"
	SubscoreFloor  = "floor"
)

// ScoreResult is the outcome of the scoring cascade for one alert.
type ScoreResult struct {
	AlertID        string             `json:"alert_id"`
	Score          float64            `json:"score"`
	Category       string             `json:"category"`
	Confidence     float64            `json:"confidence"`
	Method         EvaluationMethod   `json:"evaluation_method"`
	Subscores      map[string]float64 `json:"subscores"`
	Tiers          []string           `json:"tiers"`
	Reason         string             `json:"reason"`
	Degraded       bool               `json:"degraded,omitempty"`
	FloorApplied   bool               `json:"floor_applied,omitempty"`
	BenignOverride bool               `json:"benign_override,omitempty"`
}

// Mode is the network defensive posture. Higher values are more restrictive.
type Mode int

const (
	ModePortal Mode = iota
	ModeShield
	ModeLockdown
)

func (m Mode) String() string {
	switch m {
	case ModePortal:
		return "portal"
	case ModeShield:
		return "shield"
	case ModeLockdown:
		return "lockdown"
	default:
		return "unknown"
	}
}

// ParseMode converts a mode name (case-insensitive) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "portal":
		return ModePortal, nil
	case "shield":
		return ModeShield, nil
	case "lockdown":
		return ModeLockdown, nil
	default:
		return ModePortal, fmt.Errorf("unknown mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so modes serialize by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ActionPreset is the enforcement tuple attached to a posture.
type ActionPreset struct {
	DelayMs   int  `yaml:"delay_ms" json:"delay_ms"`
	ShapeKbps int  `yaml:"shape_kbps" json:"shape_kbps"` // 0 = no shaping
	Block     bool `yaml:"block" json:"block"`
	Redirect  bool `yaml:"redirect" json:"redirect"` // send to honeypot
}

// IsZero reports whether the preset enforces nothing.
func (p ActionPreset) IsZero() bool {
	return p.DelayMs == 0 && p.ShapeKbps == 0 && !p.Block && !p.Redirect
}

// Decision is the append-only record written for every processed alert.
type Decision struct {
	ID            string           `json:"id"`
	Timestamp     time.Time        `json:"timestamp"`
	AlertID       string           `json:"alert_id"`
	SrcIP         string           `json:"src_ip"`
	Signature     string           `json:"signature"`
	Score         float64          `json:"score"`
	Category      string           `json:"category"`
	Method        EvaluationMethod `json:"evaluation_method"`
	Confidence    float64          `json:"confidence"`
	Tiers         []string         `json:"tiers"`
	Degraded      bool             `json:"degraded"`
	PreviousMode  Mode             `json:"previous_mode"`
	NewMode       Mode             `json:"new_mode"`
	DesiredMode   Mode             `json:"desired_mode"`
	MovingAverage float64          `json:"moving_average"`
	GateActive    bool             `json:"gate_active"`
	Actions       []string         `json:"actions"`
	Reason        string           `json:"reason"`
}

// ModeChanged reports whether this decision moved the posture.
func (d Decision) ModeChanged() bool {
	return d.PreviousMode != d.NewMode
}

// PostureChange is emitted whenever the effective mode changes.
type PostureChange struct {
	Timestamp     time.Time `json:"timestamp"`
	From          Mode      `json:"from"`
	To            Mode      `json:"to"`
	MovingAverage float64   `json:"moving_average"`
	Reason        string    `json:"reason"` // "score", "override", "override_expired", "reset"
	Actor         string    `json:"actor,omitempty"`
	Actions       []string  `json:"actions,omitempty"`
}

// AuditEntry records an operator action such as a mode override.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Details   string    `json:"details,omitempty"`
}
