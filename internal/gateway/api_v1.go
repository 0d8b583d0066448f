package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sentinel-agent/warden/internal/alerting"
	"github.com/sentinel-agent/warden/internal/controller"
	"github.com/sentinel-agent/warden/internal/enforcement"
	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/posture"
	"github.com/sentinel-agent/warden/internal/scoring"
	"github.com/sentinel-agent/warden/internal/source"
	"github.com/sentinel-agent/warden/internal/types"
)

// ---------------------------------------------------------------------------
// REST API v1
// ---------------------------------------------------------------------------
//
// With web.api_key_hash set, every endpoint except /health needs the key in
// X-API-Key. Without it the read endpoints are open (the listener defaults
// to loopback) and POST /mode is refused. POST /mode also needs X-TOTP when
// web.totp_secret is set.

// RegisterAPIRoutes wires up the /api/v1/ endpoints on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", s.handleV1Health)

	mux.HandleFunc("/api/v1/rules", s.requireAPIKey(s.handleV1Rules))
	mux.HandleFunc("/api/v1/stats", s.requireAPIKey(s.handleV1Stats))
	mux.HandleFunc("/api/v1/posture", s.requireAPIKey(s.handleV1Posture))
	mux.HandleFunc("/api/v1/posture/history", s.requireAPIKey(s.handleV1PostureHistory))
	mux.HandleFunc("/api/v1/offenders", s.requireAPIKey(s.handleV1Offenders))
	mux.HandleFunc("/api/v1/decisions", s.requireAPIKey(s.handleV1Decisions))
	mux.HandleFunc("/api/v1/decisions/", s.requireAPIKey(s.handleV1DecisionByID))
	mux.HandleFunc("/api/v1/audit", s.requireAPIKey(s.handleV1Audit))
	mux.HandleFunc("/api/v1/mode", s.requireOperator(s.handleV1Mode))
	mux.HandleFunc("/api/v1/stream", s.requireAPIKey(s.handleV1Stream))
}

// --- Authentication ---

// requireAPIKey validates X-API-Key when a key is configured. Browsers cannot
// set headers on websocket requests, so the stream also accepts ?api_key=.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.KeyConfigured() {
			next(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" && r.URL.Path == "/api/v1/stream" {
			key = r.URL.Query().Get("api_key")
		}
		if err := s.auth.VerifyKey(clientAddr(r), key); err != nil {
			s.writeAuthError(w, r, err)
			return
		}
		next(w, r)
	}
}

// requireOperator guards state-changing calls: a configured key is
// mandatory and a TOTP code is checked when a secret is set.
func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.KeyConfigured() {
			writeAPIError(w, r, http.StatusForbidden, string(werrors.ErrAuth), "Mode changes are disabled: no API key configured")
			return
		}
		client := clientAddr(r)
		if err := s.auth.VerifyKey(client, r.Header.Get("X-API-Key")); err != nil {
			s.writeAuthError(w, r, err)
			return
		}
		if err := s.auth.VerifyTOTP(client, r.Header.Get("X-TOTP")); err != nil {
			s.writeAuthError(w, r, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	status := werrors.ToHTTPStatus(werrors.GetCode(err))
	if err == errLockedOut {
		status = http.StatusTooManyRequests
	}
	s.logger.Warn().
		Str("client", clientAddr(r)).
		Str("path", r.URL.Path).
		Str("code", string(werrors.GetCode(err))).
		Msg("API authentication failed")
	writeAPIError(w, r, status, string(werrors.GetCode(err)), message(err))
}

// message returns the operator-facing text of err without its code prefix.
func message(err error) string {
	var we *werrors.WardenError
	if errors.As(err, &we) {
		return we.Message
	}
	return err.Error()
}

// --- API Response Helpers ---

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int    `json:"total,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	ReqID  string `json:"request_id,omitempty"`
}

func writeAPISuccess(w http.ResponseWriter, r *http.Request, data interface{}, meta *apiMeta) {
	if meta == nil {
		meta = &apiMeta{}
	}
	meta.ReqID = requestID(r)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiResponse{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error:   &apiError{Code: code, Message: message},
		Meta:    &apiMeta{ReqID: requestID(r)},
	})
}

func (s *Server) storeAvailable(w http.ResponseWriter, r *http.Request) bool {
	if s.store == nil {
		writeAPIError(w, r, http.StatusServiceUnavailable, string(werrors.ErrStorage), "Decision log is not enabled")
		return false
	}
	return true
}

// --- V1 Handlers ---

func (s *Server) handleV1Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "EVAL-001", "Method not allowed")
		return
	}

	summary := s.ctrl.Summary()
	health := map[string]interface{}{
		"status":         "running",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"mode":           summary.Mode,
		"active_rules":   s.ctrl.EngineStats().Active,
		"stream_clients": s.hub.count(),
		"auth_required":  s.auth.KeyConfigured(),
		"totp_required":  s.auth.TOTPConfigured(),
	}

	writeAPISuccess(w, r, health, nil)
}

func (s *Server) handleV1Rules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "EVAL-001", "Method not allowed")
		return
	}

	rules := s.ctrl.ActiveRules()
	if target := r.URL.Query().Get("target"); target != "" {
		filtered := make([]enforcement.Rule, 0, len(rules))
		for _, rule := range rules {
			if rule.Target == target {
				filtered = append(filtered, rule)
			}
		}
		rules = filtered
	}

	writeAPISuccess(w, r, rules, &apiMeta{Total: len(rules)})
}

type statsView struct {
	UptimeSeconds int                       `json:"uptime_seconds"`
	Controller    controller.Stats          `json:"controller"`
	Enforcement   enforcement.Stats         `json:"enforcement"`
	Scoring       *scoring.Stats            `json:"scoring,omitempty"`
	Source        *source.StatsSnapshot     `json:"source,omitempty"`
	Notify        *alerting.DispatcherStats `json:"notify,omitempty"`
	Stream        streamStats               `json:"stream"`
}

type streamStats struct {
	Clients int   `json:"clients"`
	Dropped int64 `json:"dropped"`
}

func (s *Server) handleV1Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "EVAL-001", "Method not allowed")
		return
	}

	view := statsView{
		UptimeSeconds: int(time.Since(s.startTime).Seconds()),
		Controller:    s.ctrl.Stats(),
		Enforcement:   s.ctrl.EngineStats(),
		Stream:        streamStats{Clients: s.hub.count(), Dropped: s.hub.dropped.Load()},
	}
	if s.snapshot != nil {
		snap := s.snapshot()
		view.Scoring = &snap.Scoring
		view.Source = &snap.Source
		view.Notify = &snap.Notify
	}

	writeAPISuccess(w, r, view, nil)
}

func (s *Server) handleV1Posture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "EVAL-001", "Method not allowed")
		return
	}
	writeAPISuccess(w, r, s.ctrl.Summary(), nil)
}

func (s *Server) handleV1PostureHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "EVAL-001", "Method not allowed")
		return
	}
	if !s.storeAvailable(w, r) {
		return
	}

	limit := clampLimit(parseQueryInt(r, "limit", 50), 500)
	changes, err := s.store.RecentPostureChanges(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch posture history")
		writeAPIError(w, r, http.StatusInternalServerError, "ESTO-001", "Failed to fetch posture history")
		return
	}

	writeAPISuccess(w, r, changes, &apiMeta{Total: len(changes), Limit: limit})
}

func (s *Server) handleV1Offenders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "EVAL-001", "Method not allowed")
		return
	}
	offenders := s.ctrl.Offenders()
	writeAPISuccess(w, r, offenders, &apiMeta{Total: len(offenders)})
}

func (s *Server) handleV1Decisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "EVAL-001", "Method not allowed")
		return
	}
	if !s.storeAvailable(w, r) {
		return
	}

	limit := clampLimit(parseQueryInt(r, "limit", 50), 500)

	var (
		decisions []types.Decision
		err       error
	)
	if src := r.URL.Query().Get("src"); src != "" {
		decisions, err = s.store.DecisionsForSource(src, limit)
	} else {
		decisions, err = s.store.RecentDecisions(limit)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch decisions")
		writeAPIError(w, r, http.StatusInternalServerError, "ESTO-001", "Failed to fetch decisions")
		return
	}

	writeAPISuccess(w, r, decisions, &apiMeta{Total: len(decisions), Limit: limit})
}

func (s *Server) handleV1DecisionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "EVAL-001", "Method not allowed")
		return
	}
	if !s.storeAvailable(w, r) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/decisions/")
	if id == "" {
		writeAPIError(w, r, http.StatusBadRequest, "EVAL-002", "Missing decision ID")
		return
	}

	d, err := s.store.GetDecision(id)
	if err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("failed to fetch decision")
		writeAPIError(w, r, http.StatusInternalServerError, "ESTO-001", "Failed to fetch decision")
		return
	}
	if d == nil {
		writeAPIError(w, r, http.StatusNotFound, "ESTO-002", fmt.Sprintf("Decision %s not found", id))
		return
	}

	writeAPISuccess(w, r, d, nil)
}

func (s *Server) handleV1Audit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "EVAL-001", "Method not allowed")
		return
	}
	if !s.storeAvailable(w, r) {
		return
	}

	limit := clampLimit(parseQueryInt(r, "limit", 50), 500)
	entries, err := s.store.GetAuditLog(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch audit log")
		writeAPIError(w, r, http.StatusInternalServerError, "ESTO-001", "Failed to fetch audit log")
		return
	}

	writeAPISuccess(w, r, entries, &apiMeta{Total: len(entries), Limit: limit})
}

type modeRequest struct {
	Mode       string `json:"mode"`
	TTLMinutes int    `json:"ttl_minutes"`
}

type modeResponse struct {
	Transition posture.Transition `json:"transition"`
	Posture    posture.Summary    `json:"posture"`
}

// handleV1Mode sets or clears an operator override. A ttl of zero means
// posture.max_override; longer ttls are capped to it.
func (s *Server) handleV1Mode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "EVAL-001", "Method not allowed")
		return
	}

	var req modeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "EVAL-002", "Invalid JSON body")
		return
	}
	if req.TTLMinutes < 0 {
		writeAPIError(w, r, http.StatusBadRequest, "EVAL-002", "ttl_minutes must not be negative")
		return
	}

	actor := "api:" + clientAddr(r)

	var t posture.Transition
	if strings.EqualFold(strings.TrimSpace(req.Mode), "auto") {
		t = s.ctrl.ClearOverride(r.Context(), actor)
	} else {
		mode, err := types.ParseMode(req.Mode)
		if err != nil {
			writeAPIError(w, r, http.StatusBadRequest, "EVAL-002", fmt.Sprintf("Unknown mode %q (want portal, shield, lockdown or auto)", req.Mode))
			return
		}
		t, err = s.ctrl.SetMode(r.Context(), mode, time.Duration(req.TTLMinutes)*time.Minute, actor)
		if err != nil {
			code := werrors.GetCode(err)
			if code == "" {
				code = werrors.ErrValidation
			}
			writeAPIError(w, r, werrors.ToHTTPStatus(code), string(code), message(err))
			return
		}
	}

	s.logger.Info().
		Str("actor", actor).
		Str("mode", t.New.String()).
		Bool("changed", t.Changed).
		Str("reason", t.Reason).
		Msg("mode set via API")

	writeAPISuccess(w, r, modeResponse{Transition: t, Posture: s.ctrl.Summary()}, nil)
}

// parseQueryInt extracts an integer query parameter with a default.
func parseQueryInt(r *http.Request, key string, def int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return def
	}
	if n < 1 {
		return def
	}
	return n
}

func clampLimit(n, max int) int {
	if n > max {
		return max
	}
	return n
}
