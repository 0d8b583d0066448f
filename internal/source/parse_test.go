package source

import (
	"errors"
	"testing"
	"time"

	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

const eveAlertLine = `{"timestamp":"2026-03-01T10:15:30.123456+0000","flow_id":1,"event_type":"alert","src_ip":"203.0.113.7","src_port":51515,"dest_ip":"192.168.1.10","dest_port":80,"proto":"TCP","alert":{"action":"allowed","gid":1,"signature_id":2006446,"rev":13,"signature":"ET WEB_SERVER Possible SQL Injection Attempt UNION SELECT","category":"Web Application Attack","severity":1},"payload_printable":"GET /?id=1 UNION SELECT password FROM users"}`

const canaryLoginLine = `{"dst_host":"192.168.1.53","dst_port":22,"local_time":"2026-03-01 10:16:00.000000","logdata":{"USERNAME":"root","PASSWORD":"toor"},"logtype":4002,"node_id":"canary-1","src_host":"198.51.100.23","src_port":40000,"utc_time":"2026-03-01 10:16:00.000000"}`

// ---------------------------------------------------------------------------
// EVE
// ---------------------------------------------------------------------------

func TestParseLine_EVEAlert(t *testing.T) {
	rec, err := ParseLine(FormatEVE, []byte(eveAlertLine))
	if err != nil {
		t.Fatalf("ParseLine() error: %v", err)
	}

	if rec.SrcIP != "203.0.113.7" || rec.DestIP != "192.168.1.10" || rec.DestPort != 80 {
		t.Errorf("addresses = %s -> %s:%d", rec.SrcIP, rec.DestIP, rec.DestPort)
	}
	if rec.Protocol != "tcp" {
		t.Errorf("Protocol = %q; want tcp", rec.Protocol)
	}
	if rec.SignatureID != 2006446 || rec.Severity != 1 {
		t.Errorf("SignatureID/Severity = %d/%d", rec.SignatureID, rec.Severity)
	}
	if rec.RawCategory != "Web Application Attack" {
		t.Errorf("RawCategory = %q", rec.RawCategory)
	}
	want := time.Date(2026, 3, 1, 10, 15, 30, 123456000, time.UTC)
	if !rec.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v; want %v", rec.Timestamp, want)
	}
	if rec.Kind != types.KindIDS {
		t.Errorf("Kind = %q; want ids", rec.Kind)
	}
}

func TestParseLine_EVENonAlertSkipped(t *testing.T) {
	_, err := ParseLine(FormatEVE, []byte(`{"event_type":"flow","src_ip":"1.2.3.4"}`))
	if !errors.Is(err, errSkip) {
		t.Errorf("error = %v; want errSkip", err)
	}
}

func TestParseLine_EVEMissingAlertObject(t *testing.T) {
	_, err := ParseLine(FormatEVE, []byte(`{"event_type":"alert","src_ip":"1.2.3.4"}`))
	if !werrors.Is(err, werrors.ErrMissingField) {
		t.Errorf("error = %v; want %s", err, werrors.ErrMissingField)
	}
}

// ---------------------------------------------------------------------------
// OpenCanary
// ---------------------------------------------------------------------------

func TestParseLine_CanaryLogin(t *testing.T) {
	rec, err := ParseLine(FormatCanary, []byte(canaryLoginLine))
	if err != nil {
		t.Fatalf("ParseLine() error: %v", err)
	}
	if rec.SrcIP != "198.51.100.23" || rec.DestPort != 22 {
		t.Errorf("src/port = %s/%d", rec.SrcIP, rec.DestPort)
	}
	if rec.Kind != types.KindHoneypot {
		t.Errorf("Kind = %q; want honeypot", rec.Kind)
	}
	if rec.Hint != types.CategoryBruteForce {
		t.Errorf("Hint = %q; want brute_force", rec.Hint)
	}
	if rec.Signature != "OpenCanary SSH login attempt" {
		t.Errorf("Signature = %q", rec.Signature)
	}
	if rec.Payload != "username=root" {
		t.Errorf("Payload = %q; want username only", rec.Payload)
	}
}

func TestParseLine_CanaryLifecycleSkipped(t *testing.T) {
	_, err := ParseLine(FormatCanary, []byte(`{"logtype":1001,"src_host":""}`))
	if !errors.Is(err, errSkip) {
		t.Errorf("error = %v; want errSkip", err)
	}
}

func TestParseLine_CanaryUnknownLogtype(t *testing.T) {
	rec, err := ParseLine(FormatCanary, []byte(`{"logtype":424242,"src_host":"198.51.100.1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Hint != types.CategoryHoneypot {
		t.Errorf("Hint = %q; want honeypot", rec.Hint)
	}
}

// ---------------------------------------------------------------------------
// Auto-detection and malformed input
// ---------------------------------------------------------------------------

func TestParseLine_Auto(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind types.AlertKind
	}{
		{name: "eve", line: eveAlertLine, kind: types.KindIDS},
		{name: "canary", line: canaryLoginLine, kind: types.KindHoneypot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := ParseLine(FormatAuto, []byte(tt.line))
			if err != nil {
				t.Fatalf("ParseLine() error: %v", err)
			}
			if rec.Kind != tt.kind {
				t.Errorf("Kind = %q; want %q", rec.Kind, tt.kind)
			}
		})
	}
}

func TestParseLine_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		format string
		line   string
	}{
		{name: "not json", format: FormatEVE, line: `{"event_type":"alert",`},
		{name: "auto undetectable", format: FormatAuto, line: `{"hello":"world"}`},
		{name: "unknown format", format: "syslog", line: `{"event_type":"alert"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLine(tt.format, []byte(tt.line))
			if !werrors.Is(err, werrors.ErrParse) {
				t.Errorf("error = %v; want %s", err, werrors.ErrParse)
			}
		})
	}
}
