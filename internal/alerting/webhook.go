package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is
// configured.
const SignatureHeader = "X-Warden-Signature"

// ---------------------------------------------------------------------------
// WebhookNotifier – generic HTTP JSON webhook
// ---------------------------------------------------------------------------

// webhookPayload is the JSON body posted to the configured webhook URL.
type webhookPayload struct {
	Event     string               `json:"event"`
	Timestamp string               `json:"timestamp"`
	Posture   *webhookPosture      `json:"posture,omitempty"`
	Alert     *webhookAlertPayload `json:"alert,omitempty"`
}

type webhookPosture struct {
	From          string   `json:"from"`
	To            string   `json:"to"`
	MovingAverage float64  `json:"moving_average"`
	Reason        string   `json:"reason"`
	Actor         string   `json:"actor,omitempty"`
	Actions       []string `json:"actions,omitempty"`
}

type webhookAlertPayload struct {
	DecisionID string  `json:"decision_id"`
	AlertID    string  `json:"alert_id"`
	SrcIP      string  `json:"src_ip"`
	Signature  string  `json:"signature"`
	Score      float64 `json:"score"`
	Category   string  `json:"category"`
	Method     string  `json:"evaluation_method"`
	Mode       string  `json:"mode"`
	Degraded   bool    `json:"degraded,omitempty"`
}

// WebhookNotifier sends JSON POST requests to an arbitrary HTTP endpoint.
type WebhookNotifier struct {
	cfg    config.WebhookConfig
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier creates a WebhookNotifier from the given configuration.
func NewWebhookNotifier(cfg config.WebhookConfig, logger zerolog.Logger) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "webhook").Logger(),
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

// Notify posts n. It retries once on failure.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(buildPayload(n))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	// First attempt.
	if err = w.doPost(ctx, body); err == nil {
		return nil
	}

	// Retry once on failure.
	w.logger.Warn().Err(err).Msg("webhook delivery failed, retrying once")
	if err = w.doPost(ctx, body); err != nil {
		return fmt.Errorf("webhook delivery failed after retry: %w", err)
	}
	return nil
}

func buildPayload(n Notification) webhookPayload {
	p := webhookPayload{
		Event:     n.Event,
		Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
	}
	if c := n.Change; c != nil {
		p.Posture = &webhookPosture{
			From:          c.From.String(),
			To:            c.To.String(),
			MovingAverage: c.MovingAverage,
			Reason:        c.Reason,
			Actor:         c.Actor,
			Actions:       c.Actions,
		}
	}
	if d := n.Decision; d != nil {
		p.Alert = &webhookAlertPayload{
			DecisionID: d.ID,
			AlertID:    d.AlertID,
			SrcIP:      d.SrcIP,
			Signature:  d.Signature,
			Score:      d.Score,
			Category:   d.Category,
			Method:     string(d.Method),
			Mode:       d.NewMode.String(),
			Degraded:   d.Degraded,
		}
	}
	return p
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// doPost performs a single HTTP POST; any non-2xx status is an error.
func (w *WebhookNotifier) doPost(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.cfg.Secret, body))
	}
	for key, value := range w.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Debug().Int("status", resp.StatusCode).Msg("webhook delivered")
		return nil
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}
