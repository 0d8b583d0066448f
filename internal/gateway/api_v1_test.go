package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/alerting"
	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/controller"
	"github.com/sentinel-agent/warden/internal/enforcement"
	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/metrics"
	"github.com/sentinel-agent/warden/internal/posture"
	"github.com/sentinel-agent/warden/internal/scoring"
	"github.com/sentinel-agent/warden/internal/source"
	"github.com/sentinel-agent/warden/internal/types"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type setModeCall struct {
	mode  types.Mode
	ttl   time.Duration
	actor string
}

type fakeController struct {
	mu        sync.Mutex
	mode      types.Mode
	rules     []enforcement.Rule
	offenders []controller.Offender
	setErr    error
	calls     []setModeCall
	cleared   []string
}

func (f *fakeController) Summary() posture.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return posture.Summary{Mode: f.mode, WindowSize: 5, T1: 30, T2: 60}
}

func (f *fakeController) ActiveRules() []enforcement.Rule { return f.rules }

func (f *fakeController) EngineStats() enforcement.Stats {
	return enforcement.Stats{Backend: "dry-run", Active: len(f.rules)}
}

func (f *fakeController) Stats() controller.Stats {
	return controller.Stats{Processed: 12, Offenders: len(f.offenders)}
}

func (f *fakeController) Offenders() []controller.Offender { return f.offenders }

func (f *fakeController) SetMode(_ context.Context, mode types.Mode, ttl time.Duration, actor string) (posture.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return posture.Transition{}, f.setErr
	}
	f.calls = append(f.calls, setModeCall{mode, ttl, actor})
	prev := f.mode
	f.mode = mode
	return posture.Transition{Previous: prev, New: mode, Changed: prev != mode, Overridden: true, Reason: posture.ReasonOverride, Actor: actor}, nil
}

func (f *fakeController) ClearOverride(_ context.Context, actor string) posture.Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, actor)
	return posture.Transition{Previous: f.mode, New: f.mode, Reason: posture.ReasonOverrideCleared, Actor: actor}
}

type fakeStore struct {
	decisions []types.Decision
	changes   []types.PostureChange
	audit     []types.AuditEntry
	err       error
}

func (s *fakeStore) RecentDecisions(limit int) ([]types.Decision, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.decisions) {
		return s.decisions[:limit], nil
	}
	return s.decisions, nil
}

func (s *fakeStore) DecisionsForSource(srcIP string, limit int) ([]types.Decision, error) {
	var out []types.Decision
	for _, d := range s.decisions {
		if d.SrcIP == srcIP && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, s.err
}

func (s *fakeStore) GetDecision(id string) (*types.Decision, error) {
	for i := range s.decisions {
		if s.decisions[i].ID == id {
			return &s.decisions[i], nil
		}
	}
	return nil, s.err
}

func (s *fakeStore) RecentPostureChanges(limit int) ([]types.PostureChange, error) {
	return s.changes, s.err
}

func (s *fakeStore) GetAuditLog(limit int) ([]types.AuditEntry, error) {
	return s.audit, s.err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type decodedResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
	Meta    *apiMeta        `json:"meta"`
}

func newTestStore() *fakeStore {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fakeStore{
		decisions: []types.Decision{
			{ID: "dec-3", Timestamp: base.Add(2 * time.Second), SrcIP: "203.0.113.7", Score: 92, NewMode: types.ModeShield},
			{ID: "dec-2", Timestamp: base.Add(time.Second), SrcIP: "198.51.100.9", Score: 40},
			{ID: "dec-1", Timestamp: base, SrcIP: "203.0.113.7", Score: 75},
		},
		changes: []types.PostureChange{{Timestamp: base, From: types.ModePortal, To: types.ModeShield, Reason: "score"}},
		audit:   []types.AuditEntry{{Action: "set_mode", Actor: "api:127.0.0.1"}},
	}
}

func newTestServer(t *testing.T, web config.WebConfig, store DecisionStore, opts ...Option) (*Server, *fakeController) {
	t.Helper()
	ctrl := &fakeController{
		rules: []enforcement.Rule{
			{ID: "r1", Target: "203.0.113.7", Kind: enforcement.KindDelay, Group: enforcement.PostureGroup("203.0.113.7")},
			{ID: "r2", Target: "198.51.100.9", Kind: enforcement.KindBlock, Group: enforcement.MitigationGroup("198.51.100.9")},
		},
		offenders: []controller.Offender{{IP: "203.0.113.7", MaxScore: 92, Hits: 2}},
	}
	opts = append([]Option{WithClock(func() time.Time { return authTime })}, opts...)
	s, err := NewServer(web, ctrl, store, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s, ctrl
}

func keyedConfig(t *testing.T) config.WebConfig {
	return config.WebConfig{ListenAddr: "127.0.0.1:0", APIKeyHash: hashForTest(t, testAPIKey)}
}

func do(t *testing.T, s *Server, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, decodedResponse) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp decodedResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v\n%s", method, path, err, rec.Body.String())
		}
	}
	return rec, resp
}

var withKey = map[string]string{"X-API-Key": testAPIKey}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestHealth_NoAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, keyedConfig(t), newTestStore(), WithVersion("1.2.3"))

	rec, resp := do(t, s, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var health map[string]interface{}
	json.Unmarshal(resp.Data, &health)
	if health["version"] != "1.2.3" {
		t.Errorf("version = %v", health["version"])
	}
	if health["mode"] != "portal" {
		t.Errorf("mode = %v, want portal", health["mode"])
	}
	if health["auth_required"] != true {
		t.Errorf("auth_required = %v", health["auth_required"])
	}
}

func TestRequireAPIKey(t *testing.T) {
	s, _ := newTestServer(t, keyedConfig(t), newTestStore())

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
		wantCode   string
	}{
		{"missing", nil, http.StatusUnauthorized, "EAUTH-001"},
		{"wrong", map[string]string{"X-API-Key": "wk-nope"}, http.StatusUnauthorized, "EAUTH-002"},
		{"valid", withKey, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := do(t, s, http.MethodGet, "/api/v1/rules", "", tt.headers)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantCode != "" && (resp.Error == nil || resp.Error.Code != tt.wantCode) {
				t.Fatalf("error = %+v, want %s", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestRequireAPIKey_LockoutReturns429(t *testing.T) {
	s, _ := newTestServer(t, keyedConfig(t), newTestStore())
	bad := map[string]string{"X-API-Key": "wk-nope"}
	for i := 0; i < 5; i++ {
		do(t, s, http.MethodGet, "/api/v1/posture", "", bad)
	}
	rec, _ := do(t, s, http.MethodGet, "/api/v1/posture", "", withKey)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestOpenReads_WithoutConfiguredKey(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{}, newTestStore())

	rec, _ := do(t, s, http.MethodGet, "/api/v1/posture", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("posture status = %d, want 200", rec.Code)
	}

	rec, resp := do(t, s, http.MethodPost, "/api/v1/mode", `{"mode":"lockdown"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("mode status = %d, want 403", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != "EAUTH-001" {
		t.Fatalf("error = %+v", resp.Error)
	}
}

// ---------------------------------------------------------------------------
// Read endpoints
// ---------------------------------------------------------------------------

func TestRules_ListAndFilter(t *testing.T) {
	s, _ := newTestServer(t, keyedConfig(t), newTestStore())

	_, resp := do(t, s, http.MethodGet, "/api/v1/rules", "", withKey)
	var rules []enforcement.Rule
	json.Unmarshal(resp.Data, &rules)
	if len(rules) != 2 || resp.Meta.Total != 2 {
		t.Fatalf("rules = %d, total = %d", len(rules), resp.Meta.Total)
	}

	_, resp = do(t, s, http.MethodGet, "/api/v1/rules?target=198.51.100.9", "", withKey)
	rules = nil
	json.Unmarshal(resp.Data, &rules)
	if len(rules) != 1 || rules[0].Kind != enforcement.KindBlock {
		t.Fatalf("filtered rules = %+v", rules)
	}
}

func TestStats_IncludesSnapshot(t *testing.T) {
	snap := func() metrics.Snapshot {
		return metrics.Snapshot{
			Scoring: scoring.Stats{Scored: 7},
			Source:  source.StatsSnapshot{Emitted: 9},
			Notify:  alerting.DispatcherStats{Sent: 3},
		}
	}
	s, _ := newTestServer(t, keyedConfig(t), newTestStore(), WithSnapshot(snap))

	_, resp := do(t, s, http.MethodGet, "/api/v1/stats", "", withKey)
	var view statsView
	if err := json.Unmarshal(resp.Data, &view); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if view.Controller.Processed != 12 {
		t.Errorf("controller.processed = %d", view.Controller.Processed)
	}
	if view.Enforcement.Backend != "dry-run" || view.Enforcement.Active != 2 {
		t.Errorf("enforcement = %+v", view.Enforcement)
	}
	if view.Scoring == nil || view.Scoring.Scored != 7 {
		t.Errorf("scoring = %+v", view.Scoring)
	}
	if view.Source == nil || view.Source.Emitted != 9 {
		t.Errorf("source = %+v", view.Source)
	}
	if view.Notify == nil || view.Notify.Sent != 3 {
		t.Errorf("notify = %+v", view.Notify)
	}
}

func TestPostureAndOffenders(t *testing.T) {
	s, _ := newTestServer(t, keyedConfig(t), newTestStore())

	_, resp := do(t, s, http.MethodGet, "/api/v1/posture", "", withKey)
	var summary posture.Summary
	json.Unmarshal(resp.Data, &summary)
	if summary.Mode != types.ModePortal || summary.T2 != 60 {
		t.Errorf("summary = %+v", summary)
	}

	_, resp = do(t, s, http.MethodGet, "/api/v1/offenders", "", withKey)
	var offenders []controller.Offender
	json.Unmarshal(resp.Data, &offenders)
	if len(offenders) != 1 || offenders[0].IP != "203.0.113.7" {
		t.Errorf("offenders = %+v", offenders)
	}

	_, resp = do(t, s, http.MethodGet, "/api/v1/posture/history", "", withKey)
	var changes []types.PostureChange
	json.Unmarshal(resp.Data, &changes)
	if len(changes) != 1 || changes[0].To != types.ModeShield {
		t.Errorf("history = %+v", changes)
	}
}

func TestDecisions_LimitAndSource(t *testing.T) {
	s, _ := newTestServer(t, keyedConfig(t), newTestStore())

	_, resp := do(t, s, http.MethodGet, "/api/v1/decisions?limit=2", "", withKey)
	var ds []types.Decision
	json.Unmarshal(resp.Data, &ds)
	if len(ds) != 2 || ds[0].ID != "dec-3" {
		t.Fatalf("decisions = %+v", ds)
	}
	if resp.Meta.Limit != 2 {
		t.Errorf("meta.limit = %d", resp.Meta.Limit)
	}

	_, resp = do(t, s, http.MethodGet, "/api/v1/decisions?src=203.0.113.7", "", withKey)
	ds = nil
	json.Unmarshal(resp.Data, &ds)
	if len(ds) != 2 {
		t.Fatalf("decisions for source = %d, want 2", len(ds))
	}
	for _, d := range ds {
		if d.SrcIP != "203.0.113.7" {
			t.Errorf("unexpected source %s", d.SrcIP)
		}
	}
}

func TestDecisionByID(t *testing.T) {
	s, _ := newTestServer(t, keyedConfig(t), newTestStore())

	rec, resp := do(t, s, http.MethodGet, "/api/v1/decisions/dec-2", "", withKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var d types.Decision
	json.Unmarshal(resp.Data, &d)
	if d.SrcIP != "198.51.100.9" {
		t.Errorf("decision = %+v", d)
	}

	rec, resp = do(t, s, http.MethodGet, "/api/v1/decisions/missing", "", withKey)
	if rec.Code != http.StatusNotFound || resp.Error.Code != "ESTO-002" {
		t.Fatalf("status = %d, error = %+v", rec.Code, resp.Error)
	}
}

func TestHistoryEndpoints_StoreErrors(t *testing.T) {
	store := newTestStore()
	store.err = errors.New("disk I/O error")
	s, _ := newTestServer(t, keyedConfig(t), store)

	for _, path := range []string{"/api/v1/decisions", "/api/v1/audit", "/api/v1/posture/history"} {
		rec, resp := do(t, s, http.MethodGet, path, "", withKey)
		if rec.Code != http.StatusInternalServerError || resp.Error.Code != "ESTO-001" {
			t.Errorf("%s: status = %d, error = %+v", path, rec.Code, resp.Error)
		}
	}
}

func TestHistoryEndpoints_NoStore(t *testing.T) {
	s, _ := newTestServer(t, keyedConfig(t), nil)

	rec, _ := do(t, s, http.MethodGet, "/api/v1/decisions", "", withKey)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, keyedConfig(t), newTestStore())

	rec, resp := do(t, s, http.MethodPost, "/api/v1/rules", "", withKey)
	if rec.Code != http.StatusMethodNotAllowed || resp.Error.Code != "EVAL-001" {
		t.Fatalf("status = %d, error = %+v", rec.Code, resp.Error)
	}

	rec, _ = do(t, s, http.MethodGet, "/api/v1/mode", "", withKey)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /mode status = %d", rec.Code)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t, keyedConfig(t), newTestStore())

	rec, resp := do(t, s, http.MethodGet, "/api/v1/health", "", nil)
	id := rec.Header().Get("X-Request-ID")
	if !strings.HasPrefix(id, "req-") {
		t.Fatalf("X-Request-ID = %q", id)
	}
	if resp.Meta == nil || resp.Meta.ReqID != id {
		t.Fatalf("meta = %+v, want request_id %s", resp.Meta, id)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(config.MetricsConfig{Enabled: true, Namespace: "warden"})
	m.ObservePostureChange(types.PostureChange{From: types.ModePortal, To: types.ModeShield, Reason: "score"})
	s, _ := newTestServer(t, keyedConfig(t), newTestStore(), WithMetrics(m))

	rec, _ := do(t, s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "warden_posture_changes_total") {
		t.Fatalf("metrics body missing posture counter:\n%s", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Mode changes
// ---------------------------------------------------------------------------

func TestSetMode(t *testing.T) {
	s, ctrl := newTestServer(t, keyedConfig(t), newTestStore())

	rec, resp := do(t, s, http.MethodPost, "/api/v1/mode", `{"mode":"lockdown","ttl_minutes":30}`, withKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(ctrl.calls) != 1 {
		t.Fatalf("SetMode calls = %d", len(ctrl.calls))
	}
	call := ctrl.calls[0]
	if call.mode != types.ModeLockdown || call.ttl != 30*time.Minute {
		t.Errorf("call = %+v", call)
	}
	if !strings.HasPrefix(call.actor, "api:") {
		t.Errorf("actor = %q", call.actor)
	}

	var out modeResponse
	json.Unmarshal(resp.Data, &out)
	if !out.Transition.Changed || out.Posture.Mode != types.ModeLockdown {
		t.Errorf("response = %+v", out)
	}
}

func TestSetMode_AutoClearsOverride(t *testing.T) {
	s, ctrl := newTestServer(t, keyedConfig(t), newTestStore())

	rec, _ := do(t, s, http.MethodPost, "/api/v1/mode", `{"mode":"AUTO"}`, withKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(ctrl.cleared) != 1 || len(ctrl.calls) != 0 {
		t.Fatalf("cleared = %d, set = %d", len(ctrl.cleared), len(ctrl.calls))
	}
}

func TestSetMode_InvalidRequests(t *testing.T) {
	s, ctrl := newTestServer(t, keyedConfig(t), newTestStore())

	tests := []struct {
		name string
		body string
	}{
		{"not json", `mode=lockdown`},
		{"unknown mode", `{"mode":"fortress"}`},
		{"negative ttl", `{"mode":"shield","ttl_minutes":-5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := do(t, s, http.MethodPost, "/api/v1/mode", tt.body, withKey)
			if rec.Code != http.StatusBadRequest || resp.Error.Code != "EVAL-002" {
				t.Fatalf("status = %d, error = %+v", rec.Code, resp.Error)
			}
		})
	}
	if len(ctrl.calls) != 0 {
		t.Fatalf("SetMode called %d times", len(ctrl.calls))
	}
}

func TestSetMode_ControllerErrorMapped(t *testing.T) {
	s, ctrl := newTestServer(t, keyedConfig(t), newTestStore())
	ctrl.setErr = werrors.New(werrors.ErrInvalidInput, "override ttl required when max_override is unset")

	rec, resp := do(t, s, http.MethodPost, "/api/v1/mode", `{"mode":"shield"}`, withKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp.Error.Code != "EVAL-002" || !strings.Contains(resp.Error.Message, "max_override") {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestSetMode_TOTP(t *testing.T) {
	web := keyedConfig(t)
	key, err := GenerateTOTPKey("ops@example.com")
	if err != nil {
		t.Fatalf("GenerateTOTPKey: %v", err)
	}
	web.TOTPSecret = key.Secret()
	s, ctrl := newTestServer(t, web, newTestStore())

	rec, resp := do(t, s, http.MethodPost, "/api/v1/mode", `{"mode":"shield"}`, withKey)
	if rec.Code != http.StatusUnauthorized || resp.Error.Code != "EAUTH-003" {
		t.Fatalf("without code: status = %d, error = %+v", rec.Code, resp.Error)
	}

	headers := map[string]string{"X-API-Key": testAPIKey, "X-TOTP": codeAt(t, key.Secret(), authTime)}
	rec, _ = do(t, s, http.MethodPost, "/api/v1/mode", `{"mode":"shield"}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("with code: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(ctrl.calls) != 1 || ctrl.calls[0].mode != types.ModeShield {
		t.Fatalf("calls = %+v", ctrl.calls)
	}

	// Read endpoints do not need the code.
	rec, _ = do(t, s, http.MethodGet, "/api/v1/posture", "", withKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("posture status = %d", rec.Code)
	}
}
