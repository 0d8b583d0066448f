// Package gateway implements the HTTP control surface: a REST API over the
// controller and decision log, a websocket decision feed, and the
// Prometheus scrape endpoint.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/controller"
	"github.com/sentinel-agent/warden/internal/enforcement"
	"github.com/sentinel-agent/warden/internal/logging"
	"github.com/sentinel-agent/warden/internal/metrics"
	"github.com/sentinel-agent/warden/internal/posture"
	"github.com/sentinel-agent/warden/internal/types"
)

// Controller is the part of the decision loop the API reads and steers.
type Controller interface {
	Summary() posture.Summary
	ActiveRules() []enforcement.Rule
	EngineStats() enforcement.Stats
	Stats() controller.Stats
	Offenders() []controller.Offender
	SetMode(ctx context.Context, mode types.Mode, ttl time.Duration, actor string) (posture.Transition, error)
	ClearOverride(ctx context.Context, actor string) posture.Transition
}

// DecisionStore is the queryable decision log.
type DecisionStore interface {
	RecentDecisions(limit int) ([]types.Decision, error)
	DecisionsForSource(srcIP string, limit int) ([]types.Decision, error)
	GetDecision(id string) (*types.Decision, error)
	RecentPostureChanges(limit int) ([]types.PostureChange, error)
	GetAuditLog(limit int) ([]types.AuditEntry, error)
}

// Server is the HTTP gateway for Warden.
type Server struct {
	cfg        config.WebConfig
	ctrl       Controller
	store      DecisionStore
	auth       *APIAuth
	metrics    http.Handler
	snapshot   func() metrics.Snapshot
	hub        *streamHub
	reqIDs     *logging.RequestIDs
	mux        *http.ServeMux
	version    string
	now        func() time.Time
	logger     zerolog.Logger
	startTime  time.Time
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m.Handler() }
}

// WithSnapshot adds scorer, source and notifier counters to /api/v1/stats.
func WithSnapshot(fn func() metrics.Snapshot) Option {
	return func(s *Server) { s.snapshot = fn }
}

// WithVersion sets the version reported by /api/v1/health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithClock overrides the time source used for TOTP checks and lockouts.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a new gateway server. store may be nil, in which case
// the history endpoints report the log as unavailable.
func NewServer(cfg config.WebConfig, ctrl Controller, store DecisionStore, logger zerolog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		ctrl:      ctrl,
		store:     store,
		reqIDs:    logging.NewRequestIDs(),
		version:   "dev",
		now:       time.Now,
		logger:    logger.With().Str("component", "gateway").Logger(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	auth, err := NewAPIAuth(cfg, s.now)
	if err != nil {
		return nil, err
	}
	s.auth = auth
	s.hub = newStreamHub(s.logger)

	if !auth.KeyConfigured() {
		s.logger.Warn().Msg("no API key configured: read endpoints are open and mode changes are disabled")
	}

	s.mux = http.NewServeMux()
	s.RegisterAPIRoutes(s.mux)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
	return s, nil
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.mux)
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // websocket streams are long-lived
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("starting API server")

	go func() {
		<-ctx.Done()
		s.hub.close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// BroadcastDecision pushes d to every stream client. It never blocks; slow
// clients miss messages.
func (s *Server) BroadcastDecision(d types.Decision) {
	s.hub.publish("decision", d)
}

// --- Middleware ---

type ctxKey int

const requestIDKey ctxKey = iota

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// statusRecorder captures the response status and passes hijacking through
// for websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := s.reqIDs.Next()
		w.Header().Set("X-Request-ID", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))

		s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// clientAddr is the remote host without its port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
