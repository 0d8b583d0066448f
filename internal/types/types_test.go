package types

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Severity.String()
// ---------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		name     string
		severity Severity
		want     string
	}{
		{name: "info", severity: SeverityInfo, want: "info"},
		{name: "low", severity: SeverityLow, want: "low"},
		{name: "medium", severity: SeverityMedium, want: "medium"},
		{name: "high", severity: SeverityHigh, want: "high"},
		{name: "critical", severity: SeverityCritical, want: "critical"},
		{name: "invalid positive", severity: Severity(99), want: "unknown"},
		{name: "invalid negative", severity: Severity(-1), want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.severity.String()
			if got != tt.want {
				t.Errorf("Severity(%d).String() = %q, want %q", int(tt.severity), got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ParseSeverity()
// ---------------------------------------------------------------------------

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Severity
	}{
		{name: "info", input: "info", want: SeverityInfo},
		{name: "high", input: "high", want: SeverityHigh},
		{name: "critical", input: "critical", want: SeverityCritical},
		{name: "empty string defaults to info", input: "", want: SeverityInfo},
		{name: "unknown string defaults to info", input: "banana", want: SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSeverity(tt.input)
			if got != tt.want {
				t.Errorf("ParseSeverity(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestSeverityFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Severity
	}{
		{0, SeverityInfo},
		{14.9, SeverityInfo},
		{15, SeverityLow},
		{40, SeverityMedium},
		{65, SeverityHigh},
		{85, SeverityCritical},
		{100, SeverityCritical},
	}

	for _, tt := range tests {
		if got := SeverityFromScore(tt.score); got != tt.want {
			t.Errorf("SeverityFromScore(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Alert
// ---------------------------------------------------------------------------

func TestAlert_Level(t *testing.T) {
	tests := []struct {
		raw  int
		want Severity
	}{
		{1, SeverityHigh},
		{2, SeverityMedium},
		{3, SeverityLow},
		{4, SeverityInfo},
		{0, SeverityInfo},
	}

	for _, tt := range tests {
		a := Alert{Severity: tt.raw}
		if got := a.Level(); got != tt.want {
			t.Errorf("Alert{Severity: %d}.Level() = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestAlert_JSONFieldNames(t *testing.T) {
	a := Alert{
		ID:        "a-1",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		SrcIP:     "203.0.113.9",
		Category:  CategorySQLi,
		Kind:      KindIDS,
	}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal to map: %v", err)
	}

	for _, key := range []string{"id", "timestamp", "src_ip", "dest_ip", "dest_port", "signature", "category", "severity", "source", "kind"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("expected JSON key %q not found in marshaled Alert", key)
		}
	}
	if _, ok := raw["payload"]; ok {
		t.Error("payload should be omitted when empty")
	}
}

// ---------------------------------------------------------------------------
// Categories
// ---------------------------------------------------------------------------

func TestMajorCategories(t *testing.T) {
	majors := MajorCategories()
	set := make(map[string]bool, len(majors))
	for _, c := range majors {
		set[c] = true
	}

	if set[CategoryBenign] || set[CategoryPolicy] {
		t.Errorf("major categories must exclude benign and policy: %v", majors)
	}
	for _, c := range []string{CategorySQLi, CategoryPortScan, CategoryHoneypot, CategoryUnknown} {
		if !set[c] {
			t.Errorf("major categories missing %q", c)
		}
	}
	if len(majors) != len(Categories())-2 {
		t.Errorf("len(MajorCategories()) = %d, want %d", len(majors), len(Categories())-2)
	}
}

func TestIsCanonicalCategory(t *testing.T) {
	if !IsCanonicalCategory("brute_force") {
		t.Error("brute_force should be canonical")
	}
	if IsCanonicalCategory("Brute Force") {
		t.Error("non-normalized names are not canonical")
	}
}

// ---------------------------------------------------------------------------
// Mode
// ---------------------------------------------------------------------------

func TestMode_Ordering(t *testing.T) {
	if !(ModePortal < ModeShield && ModeShield < ModeLockdown) {
		t.Fatal("modes must be ordered portal < shield < lockdown")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{"portal", ModePortal, false},
		{"Shield", ModeShield, false},
		{" LOCKDOWN ", ModeLockdown, false},
		{"auto", ModePortal, true},
		{"", ModePortal, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestMode_JSONByName(t *testing.T) {
	d := Decision{PreviousMode: ModeShield, NewMode: ModeLockdown}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal to map: %v", err)
	}
	if raw["previous_mode"] != "shield" || raw["new_mode"] != "lockdown" {
		t.Errorf("modes marshaled as %v / %v, want names", raw["previous_mode"], raw["new_mode"])
	}

	var decoded Decision
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.NewMode != ModeLockdown || !decoded.ModeChanged() {
		t.Errorf("decoded = %+v, want lockdown and changed", decoded)
	}
}

// ---------------------------------------------------------------------------
// ActionPreset
// ---------------------------------------------------------------------------

func TestActionPreset_IsZero(t *testing.T) {
	if !(ActionPreset{}).IsZero() {
		t.Error("empty preset should be zero")
	}
	if (ActionPreset{DelayMs: 100}).IsZero() {
		t.Error("delay preset should not be zero")
	}
	if (ActionPreset{Redirect: true}).IsZero() {
		t.Error("redirect preset should not be zero")
	}
}
