package gateway

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
)

const totpIssuer = "Warden"

// APIAuth verifies operator credentials for the control API: an API key
// checked against a bcrypt hash and, when a secret is configured, a TOTP
// code for state-changing calls.
type APIAuth struct {
	keyHash    []byte
	totpSecret string
	now        func() time.Time

	// Failed attempts by client address.
	mu          sync.Mutex
	failures    map[string]*failureEntry
	maxFailures int
	lockout     time.Duration

	// Last accepted TOTP code, refused if presented again in its window.
	lastCode   string
	lastCodeAt time.Time
}

type failureEntry struct {
	attempts    int
	lastAttempt time.Time
}

// NewAPIAuth builds the verifier. The TOTP secret must be base32.
func NewAPIAuth(cfg config.WebConfig, now func() time.Time) (*APIAuth, error) {
	if now == nil {
		now = time.Now
	}
	secret := strings.ToUpper(strings.TrimSpace(cfg.TOTPSecret))
	if secret != "" {
		if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(secret, "=")); err != nil {
			return nil, werrors.Wrap(werrors.ErrConfig, "web.totp_secret is not valid base32", err)
		}
	}
	return &APIAuth{
		keyHash:     []byte(cfg.APIKeyHash),
		totpSecret:  secret,
		now:         now,
		failures:    make(map[string]*failureEntry),
		maxFailures: 5,
		lockout:     15 * time.Minute,
	}, nil
}

// KeyConfigured reports whether an API key hash is set.
func (a *APIAuth) KeyConfigured() bool { return len(a.keyHash) > 0 }

// TOTPConfigured reports whether state-changing calls need a TOTP code.
func (a *APIAuth) TOTPConfigured() bool { return a.totpSecret != "" }

// VerifyKey checks key against the configured hash.
func (a *APIAuth) VerifyKey(client, key string) error {
	if !a.KeyConfigured() {
		return werrors.New(werrors.ErrAuth, "no API key configured")
	}
	if a.isLockedOut(client) {
		return errLockedOut
	}
	if key == "" {
		return werrors.New(werrors.ErrAuth, "missing X-API-Key header")
	}
	if err := bcrypt.CompareHashAndPassword(a.keyHash, []byte(key)); err != nil {
		a.recordFailure(client)
		return werrors.New(werrors.ErrInvalidCreds, "invalid API key")
	}
	a.clearFailures(client)
	return nil
}

// VerifyTOTP checks code when a TOTP secret is configured. A code that was
// already accepted is refused for the rest of its validity window.
func (a *APIAuth) VerifyTOTP(client, code string) error {
	if !a.TOTPConfigured() {
		return nil
	}
	if a.isLockedOut(client) {
		return errLockedOut
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return werrors.New(werrors.ErrTOTPRequired, "missing X-TOTP header")
	}

	now := a.now()
	ok, err := totp.ValidateCustom(code, a.totpSecret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		a.recordFailure(client)
		return werrors.New(werrors.ErrInvalidCreds, "invalid TOTP code")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if code == a.lastCode && now.Sub(a.lastCodeAt) < 90*time.Second {
		return werrors.New(werrors.ErrInvalidCreds, "TOTP code already used")
	}
	a.lastCode, a.lastCodeAt = code, now
	return nil
}

var errLockedOut = werrors.New(werrors.ErrAuth, "too many failed attempts, try again later")

func (a *APIAuth) isLockedOut(client string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.failures[client]
	if !ok {
		return false
	}
	if a.now().Sub(entry.lastAttempt) > a.lockout {
		delete(a.failures, client)
		return false
	}
	return entry.attempts >= a.maxFailures
}

func (a *APIAuth) recordFailure(client string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	entry, ok := a.failures[client]
	if !ok || now.Sub(entry.lastAttempt) > a.lockout {
		a.failures[client] = &failureEntry{attempts: 1, lastAttempt: now}
		return
	}
	entry.attempts++
	entry.lastAttempt = now
}

func (a *APIAuth) clearFailures(client string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failures, client)
}

// --- Credential helpers used by `warden init` ---

// GenerateAPIKey creates a new random API key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "wk-" + hex.EncodeToString(b), nil
}

// HashAPIKey returns the bcrypt hash stored in web.api_key_hash.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing API key: %w", err)
	}
	return string(hash), nil
}

// GenerateTOTPKey creates a TOTP secret for account. The returned key's
// URL can be rendered as a QR code by authenticator apps.
func GenerateTOTPKey(account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: account,
	})
}
