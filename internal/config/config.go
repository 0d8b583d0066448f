// Package config handles Warden configuration loading and validation.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

// Config is the top-level Warden configuration.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Sources     SourcesConfig     `yaml:"sources"`
	Filter      FilterConfig      `yaml:"filter"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Deep        DeepConfig        `yaml:"deep"`
	Posture     PostureConfig     `yaml:"posture"`
	Presets     PresetsConfig     `yaml:"presets"`
	Mitigation  MitigationConfig  `yaml:"mitigation"`
	Offenders   OffendersConfig   `yaml:"offenders"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Controller  ControllerConfig  `yaml:"controller"`
	Notify      NotifyConfig      `yaml:"notify"`
	Web         WebConfig         `yaml:"web"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// AgentConfig configures the node identity.
type AgentConfig struct {
	Hostname string `yaml:"hostname"`
	DataDir  string `yaml:"data_dir"`
}

// SourcesConfig lists the alert files to follow.
type SourcesConfig struct {
	Files        []FileSource  `yaml:"files"`
	PollInterval time.Duration `yaml:"poll_interval"` // fallback when fsnotify misses writes
	BufferSize   int           `yaml:"buffer_size"`
	Assets       []Asset       `yaml:"assets,omitempty"`
}

// Asset tags destinations in CIDR with a criticality level
// (low, medium, high, critical) used by the legacy scoring tier.
type Asset struct {
	CIDR        string `yaml:"cidr"`
	Criticality string `yaml:"criticality"`
}

// FileSource is one append-only alert file.
type FileSource struct {
	Name      string `yaml:"name,omitempty"`
	Path      string `yaml:"path"`
	Format    string `yaml:"format"` // "eve", "canary", "auto"
	FromStart bool   `yaml:"from_start"`
}

// FilterConfig is the category allow/deny policy. Deny wins.
// An empty allow list means the built-in major category set.
type FilterConfig struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// ScoringConfig drives the legacy tier and the cascade combination.
type ScoringConfig struct {
	LegacyEnabled bool    `yaml:"legacy_enabled"`
	FastEnabled   bool    `yaml:"fast_enabled"`
	DefaultScore  float64 `yaml:"default_score"` // substituted when tiers 1-2 fault

	Weights WeightsConfig `yaml:"weights"`

	Floors          map[string]float64 `yaml:"floors"`
	BenignOverrides []BenignOverride   `yaml:"benign_overrides,omitempty"`

	SeverityBase       map[int]float64    `yaml:"severity_base"`
	KeywordRules       []KeywordRule      `yaml:"keyword_rules,omitempty"`
	PayloadPatterns    []PayloadPattern   `yaml:"payload_patterns,omitempty"`
	CriticalityBonus   map[string]float64 `yaml:"criticality_bonus"`
	PublicSourceBonus  float64            `yaml:"public_source_bonus"`
	InvalidSourceBonus float64            `yaml:"invalid_source_bonus"`
	HoneypotBonus      float64            `yaml:"honeypot_bonus"`

	Burst BurstConfig `yaml:"burst"`

	// FastRulesFile replaces the built-in fast classifier table when set.
	FastRulesFile string `yaml:"fast_rules_file,omitempty"`
}

// WeightsConfig holds the blend weights for both cascade paths.
type WeightsConfig struct {
	Legacy       float64 `yaml:"legacy"`         // known path
	Fast         float64 `yaml:"fast"`           // known path
	Deep         float64 `yaml:"deep"`           // deep path
	FastWithDeep float64 `yaml:"fast_with_deep"` // deep path
}

// BenignOverride suppresses category floors for known-safe traffic.
// All non-empty fields must match.
type BenignOverride struct {
	Name              string `yaml:"name"`
	SignatureContains string `yaml:"signature_contains,omitempty"`
	DestCIDR          string `yaml:"dest_cidr,omitempty"`
	DestPort          int    `yaml:"dest_port,omitempty"`
}

// KeywordRule adds points when the signature contains Match (case-insensitive).
type KeywordRule struct {
	Match    string  `yaml:"match"`
	Points   float64 `yaml:"points"`
	Category string  `yaml:"category,omitempty"`
}

// PayloadPattern adds points when the payload excerpt matches Pattern.
type PayloadPattern struct {
	Name    string  `yaml:"name"`
	Pattern string  `yaml:"pattern"`
	Points  float64 `yaml:"points"`
}

// BurstConfig controls the signature x source frequency bonus.
type BurstConfig struct {
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
	Bonus     float64       `yaml:"bonus"`
}

// DeepConfig configures the optional LLM-backed tier.
type DeepConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Provider            string        `yaml:"provider"` // "anthropic", "openai", "ollama"
	Endpoint            string        `yaml:"endpoint,omitempty"`
	Model               string        `yaml:"model"`
	APIKey              string        `yaml:"api_key"` // or ${ANTHROPIC_API_KEY}
	MaxTokens           int           `yaml:"max_tokens"`
	Timeout             time.Duration `yaml:"timeout"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	LowRiskCutoff       int           `yaml:"low_risk_cutoff"`
	Workers             int           `yaml:"workers"`
}

// PostureConfig tunes the moving average and hysteresis.
type PostureConfig struct {
	WindowSize  int              `yaml:"window_size"`
	T1          float64          `yaml:"t1"` // shield threshold
	T2          float64          `yaml:"t2"` // lockdown threshold
	UnlockWait  UnlockWaitConfig `yaml:"unlock_wait"`
	MaxOverride time.Duration    `yaml:"max_override"`
}

// UnlockWaitConfig is how long each elevated mode must stay unjustified
// before stepping down.
type UnlockWaitConfig struct {
	Shield   time.Duration `yaml:"shield"`
	Lockdown time.Duration `yaml:"lockdown"`
}

// PresetsConfig maps each posture to its enforcement tuple.
type PresetsConfig struct {
	Portal   types.ActionPreset `yaml:"portal"`
	Shield   types.ActionPreset `yaml:"shield"`
	Lockdown types.ActionPreset `yaml:"lockdown"`
}

// For returns the preset for mode.
func (p PresetsConfig) For(mode types.Mode) types.ActionPreset {
	switch mode {
	case types.ModeShield:
		return p.Shield
	case types.ModeLockdown:
		return p.Lockdown
	default:
		return p.Portal
	}
}

// MitigationConfig is the per-alert block directive. BlockScore 0 disables it.
type MitigationConfig struct {
	BlockScore float64       `yaml:"block_score"`
	BlockTTL   time.Duration `yaml:"block_ttl"`
}

// OffendersConfig decides which sources receive posture presets.
type OffendersConfig struct {
	MinScore float64       `yaml:"min_score"`
	TTL      time.Duration `yaml:"ttl"`
	Max      int           `yaml:"max"`
}

// EnforcementConfig controls the kernel backends.
type EnforcementConfig struct {
	DryRun         bool          `yaml:"dry_run"` // log actions instead of executing
	Backend        string        `yaml:"backend"` // "kernel" (iptables + tc) or "iptables"
	LANInterface   string        `yaml:"lan_interface"`
	WANInterface   string        `yaml:"wan_interface"`
	HoneypotAddr   string        `yaml:"honeypot_addr"`
	BlockChain     string        `yaml:"block_chain"`
	IPTablesPath   string        `yaml:"iptables_path"`
	IP6TablesPath  string        `yaml:"ip6tables_path"`
	ProtectedCIDRs []string      `yaml:"protected_cidrs"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	PostureTTL     time.Duration `yaml:"posture_ttl"` // 0 = posture rules live until torn down
}

// ControllerConfig sizes the sharded decision workers.
type ControllerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// NotifyConfig controls outbound notifications.
type NotifyConfig struct {
	AlertMinScore float64        `yaml:"alert_min_score"`
	QueueSize     int            `yaml:"queue_size"`
	RatePerMinute int            `yaml:"rate_per_minute"`
	Webhook       WebhookConfig  `yaml:"webhook"`
	Telegram      TelegramConfig `yaml:"telegram"`
}

// WebhookConfig posts signed JSON notifications.
type WebhookConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Secret  string            `yaml:"secret,omitempty"` // HMAC-SHA256 signing key
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout"`
}

// TelegramConfig controls the Telegram bot.
type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled"`
	BotToken     string  `yaml:"bot_token"`
	AllowedChats []int64 `yaml:"allowed_chats"` // whitelisted chat IDs
	Commands     bool    `yaml:"commands"`      // accept /mode, /status, /rules
}

// WebConfig controls the HTTP query surface.
type WebConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // e.g., 127.0.0.1:8080
	APIKeyHash string `yaml:"api_key_hash"`
	TOTPSecret string `yaml:"totp_secret,omitempty"`
}

// StorageConfig controls the decision log.
type StorageConfig struct {
	DSN                  string `yaml:"dsn"`                      // SQLite file path
	DecisionJSONL        string `yaml:"decision_jsonl,omitempty"` // optional JSON lines mirror
	JSONLMaxSizeMB       int    `yaml:"jsonl_max_size_mb"`
	JSONLMaxBackups      int    `yaml:"jsonl_max_backups"`
	HistoryRetentionDays int    `yaml:"history_retention_days"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	Output     string `yaml:"output"` // stdout, file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MetricsConfig controls the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// ResolveEnv replaces ${VAR} references in config strings with their env values.
func ResolveEnv(s string) string {
	if len(s) > 3 && s[0] == '$' && s[1] == '{' && s[len(s)-1] == '}' {
		envKey := s[2 : len(s)-1]
		if v := os.Getenv(envKey); v != "" {
			return v
		}
	}
	return s
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		Agent: AgentConfig{
			Hostname: hostname,
			DataDir:  "./data",
		},
		Sources: SourcesConfig{
			Files: []FileSource{
				{Name: "suricata", Path: "/var/log/suricata/eve.json", Format: "eve"},
				{Name: "opencanary", Path: "/var/tmp/opencanary.log", Format: "canary"},
			},
			PollInterval: 2 * time.Second,
			BufferSize:   10000,
		},
		Scoring: ScoringConfig{
			LegacyEnabled: true,
			FastEnabled:   true,
			DefaultScore:  50,
			Weights: WeightsConfig{
				Legacy:       0.6,
				Fast:         0.4,
				Deep:         0.7,
				FastWithDeep: 0.3,
			},
			Floors: map[string]float64{
				types.CategorySQLi:             60,
				types.CategoryRCE:              70,
				types.CategoryCommandInjection: 65,
				types.CategoryMalware:          70,
				types.CategoryExploit:          60,
				types.CategoryCredentialAccess: 50,
				types.CategoryBruteForce:       45,
				types.CategoryHoneypot:         50,
				types.CategoryLateralMovement:  60,
			},
			SeverityBase: map[int]float64{1: 50, 2: 35, 3: 20, 4: 10},
			KeywordRules: []KeywordRule{
				{Match: "sql injection", Points: 15, Category: types.CategorySQLi},
				{Match: "union select", Points: 15, Category: types.CategorySQLi},
				{Match: "xss", Points: 10, Category: types.CategoryXSS},
				{Match: "command injection", Points: 20, Category: types.CategoryCommandInjection},
				{Match: "remote code execution", Points: 25, Category: types.CategoryRCE},
				{Match: "directory traversal", Points: 10, Category: types.CategoryPathTraversal},
				{Match: "brute force", Points: 10, Category: types.CategoryBruteForce},
				{Match: "scan", Points: 5, Category: types.CategoryPortScan},
				{Match: "exploit", Points: 15, Category: types.CategoryExploit},
				{Match: "trojan", Points: 20, Category: types.CategoryMalware},
			},
			PayloadPatterns: []PayloadPattern{
				{Name: "sql_meta", Pattern: `(?i)(union\s+select|or\s+1=1|'\s*--|sleep\s*\()`, Points: 15},
				{Name: "traversal", Pattern: `\.\./|\.\.\\|%2e%2e%2f`, Points: 10},
				{Name: "shell_meta", Pattern: `(;|\|\||&&|\$\(|` + "`" + `)\s*(cat|wget|curl|sh|bash|nc)\b`, Points: 20},
				{Name: "script_tag", Pattern: `(?i)<\s*script`, Points: 10},
			},
			CriticalityBonus: map[string]float64{
				"low":      0,
				"medium":   5,
				"high":     10,
				"critical": 20,
			},
			PublicSourceBonus:  5,
			InvalidSourceBonus: 10,
			HoneypotBonus:      15,
			Burst: BurstConfig{
				Window:    60 * time.Second,
				Threshold: 5,
				Bonus:     15,
			},
		},
		Deep: DeepConfig{
			Enabled:             false,
			Provider:            "anthropic",
			Model:               "claude-3-5-haiku-latest",
			APIKey:              "${ANTHROPIC_API_KEY}",
			MaxTokens:           512,
			Timeout:             8 * time.Second,
			ConfidenceThreshold: 0.7,
			LowRiskCutoff:       2,
			Workers:             4,
		},
		Posture: PostureConfig{
			WindowSize: 5,
			T1:         30,
			T2:         60,
			UnlockWait: UnlockWaitConfig{
				Shield:   5 * time.Minute,
				Lockdown: 15 * time.Minute,
			},
			MaxOverride: 24 * time.Hour,
		},
		Presets: PresetsConfig{
			Portal:   types.ActionPreset{},
			Shield:   types.ActionPreset{DelayMs: 250, ShapeKbps: 512},
			Lockdown: types.ActionPreset{DelayMs: 1000, ShapeKbps: 64, Block: true},
		},
		Mitigation: MitigationConfig{
			BlockScore: 90,
			BlockTTL:   1 * time.Hour,
		},
		Offenders: OffendersConfig{
			MinScore: 40,
			TTL:      30 * time.Minute,
			Max:      1024,
		},
		Enforcement: EnforcementConfig{
			DryRun:         true, // Safe default
			Backend:        "kernel",
			LANInterface:   "br-lan",
			WANInterface:   "eth0",
			BlockChain:     "FORWARD",
			IPTablesPath:   "iptables",
			IP6TablesPath:  "ip6tables",
			ProtectedCIDRs: []string{"127.0.0.0/8", "::1/128"},
			SweepInterval:  30 * time.Second,
			RetryBackoff:   500 * time.Millisecond,
		},
		Controller: ControllerConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		Notify: NotifyConfig{
			AlertMinScore: 80,
			QueueSize:     256,
			RatePerMinute: 30,
			Webhook: WebhookConfig{
				Timeout: 10 * time.Second,
			},
		},
		Web: WebConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:8080",
		},
		Storage: StorageConfig{
			DSN:                  "./data/warden.db",
			JSONLMaxSizeMB:       50,
			JSONLMaxBackups:      5,
			HistoryRetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "warden",
		},
	}
}

// Load reads a YAML config file and merges it with defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.resolveSecrets()
			return cfg, nil
		}
		return nil, werrors.Wrap(werrors.ErrConfig, fmt.Sprintf("reading config %s", path), err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, werrors.Wrap(werrors.ErrConfig, fmt.Sprintf("parsing config %s", path), err)
	}

	cfg.resolveSecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

func (c *Config) resolveSecrets() {
	c.Deep.APIKey = ResolveEnv(c.Deep.APIKey)
	c.Notify.Webhook.Secret = ResolveEnv(c.Notify.Webhook.Secret)
	c.Notify.Telegram.BotToken = ResolveEnv(c.Notify.Telegram.BotToken)
	c.Web.APIKeyHash = ResolveEnv(c.Web.APIKeyHash)
	c.Web.TOTPSecret = ResolveEnv(c.Web.TOTPSecret)
}

func invalid(format string, args ...interface{}) error {
	return werrors.Newf(werrors.ErrConfig, format, args...)
}

// Validate checks required fields and constraints. Any violation is a
// startup error; nothing here falls back to an assumed enforcement posture.
func (c *Config) Validate() error {
	if c.Agent.DataDir == "" {
		return invalid("agent.data_dir is required")
	}

	for i, f := range c.Sources.Files {
		if f.Path == "" {
			return invalid("sources.files[%d].path is required", i)
		}
		switch f.Format {
		case "eve", "canary", "auto":
		case "":
			c.Sources.Files[i].Format = "auto"
		default:
			return invalid("sources.files[%d].format must be 'eve', 'canary' or 'auto', got %q", i, f.Format)
		}
	}
	for i, a := range c.Sources.Assets {
		if _, err := netip.ParsePrefix(a.CIDR); err != nil {
			return invalid("sources.assets[%d].cidr: %v", i, err)
		}
		switch a.Criticality {
		case "low", "medium", "high", "critical":
		default:
			return invalid("sources.assets[%d].criticality must be low, medium, high or critical, got %q", i, a.Criticality)
		}
	}
	if c.Sources.BufferSize < 100 {
		c.Sources.BufferSize = 100
	}
	if c.Sources.PollInterval <= 0 {
		c.Sources.PollInterval = 2 * time.Second
	}

	// Scoring
	if !c.Scoring.LegacyEnabled && !c.Scoring.FastEnabled {
		return invalid("scoring: at least one of legacy_enabled or fast_enabled must be true")
	}
	w := c.Scoring.Weights
	for name, v := range map[string]float64{"legacy": w.Legacy, "fast": w.Fast, "deep": w.Deep, "fast_with_deep": w.FastWithDeep} {
		if v < 0 || v > 1 {
			return invalid("scoring.weights.%s must be within [0,1], got %v", name, v)
		}
	}
	if c.Scoring.DefaultScore < 0 || c.Scoring.DefaultScore > 100 {
		return invalid("scoring.default_score must be within [0,100], got %v", c.Scoring.DefaultScore)
	}
	for cat, floor := range c.Scoring.Floors {
		if !types.IsCanonicalCategory(cat) {
			return invalid("scoring.floors: unknown category %q", cat)
		}
		if floor < 0 || floor > 100 {
			return invalid("scoring.floors.%s must be within [0,100], got %v", cat, floor)
		}
	}
	for i, o := range c.Scoring.BenignOverrides {
		if o.SignatureContains == "" && o.DestCIDR == "" && o.DestPort == 0 {
			return invalid("scoring.benign_overrides[%d] matches everything", i)
		}
		if o.DestCIDR != "" {
			if _, err := netip.ParsePrefix(o.DestCIDR); err != nil {
				return invalid("scoring.benign_overrides[%d].dest_cidr: %v", i, err)
			}
		}
	}
	for i, p := range c.Scoring.PayloadPatterns {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return invalid("scoring.payload_patterns[%d] (%s): %v", i, p.Name, err)
		}
	}
	for i, k := range c.Scoring.KeywordRules {
		if k.Match == "" {
			return invalid("scoring.keyword_rules[%d].match is required", i)
		}
		if k.Category != "" && !types.IsCanonicalCategory(k.Category) {
			return invalid("scoring.keyword_rules[%d]: unknown category %q", i, k.Category)
		}
	}

	// Deep tier
	c.Deep.APIKey = ResolveEnv(c.Deep.APIKey)
	if c.Deep.Enabled {
		switch c.Deep.Provider {
		case "anthropic", "openai", "ollama":
		default:
			return invalid("deep.provider must be 'anthropic', 'openai' or 'ollama', got %q", c.Deep.Provider)
		}
		if c.Deep.Provider != "ollama" && (c.Deep.APIKey == "" || c.Deep.APIKey[0] == '$') {
			return invalid("deep.api_key is required for provider %q", c.Deep.Provider)
		}
		if c.Deep.Model == "" {
			return invalid("deep.model is required when deep is enabled")
		}
		if c.Deep.Timeout <= 0 {
			return invalid("deep.timeout must be positive")
		}
		if c.Deep.Workers < 1 {
			c.Deep.Workers = 1
		}
	}
	if c.Deep.ConfidenceThreshold < 0 || c.Deep.ConfidenceThreshold > 1 {
		return invalid("deep.confidence_threshold must be within [0,1], got %v", c.Deep.ConfidenceThreshold)
	}

	// Posture
	if c.Posture.WindowSize < 1 {
		return invalid("posture.window_size must be >= 1, got %d", c.Posture.WindowSize)
	}
	if c.Posture.T1 <= 0 || c.Posture.T2 > 100 || c.Posture.T1 >= c.Posture.T2 {
		return invalid("posture thresholds must satisfy 0 < t1 < t2 <= 100, got t1=%v t2=%v", c.Posture.T1, c.Posture.T2)
	}
	if c.Posture.UnlockWait.Shield < 0 || c.Posture.UnlockWait.Lockdown < 0 {
		return invalid("posture.unlock_wait durations must not be negative")
	}

	// Presets
	for _, m := range []types.Mode{types.ModePortal, types.ModeShield, types.ModeLockdown} {
		p := c.Presets.For(m)
		if p.DelayMs < 0 || p.ShapeKbps < 0 {
			return invalid("presets.%s: delay_ms and shape_kbps must not be negative", m)
		}
		if p.Redirect && c.Enforcement.HoneypotAddr == "" {
			return invalid("presets.%s: redirect requires enforcement.honeypot_addr", m)
		}
	}

	// Enforcement
	if c.Enforcement.HoneypotAddr != "" {
		if _, err := netip.ParseAddr(c.Enforcement.HoneypotAddr); err != nil {
			return invalid("enforcement.honeypot_addr: %v", err)
		}
	}
	for i, cidr := range c.Enforcement.ProtectedCIDRs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return invalid("enforcement.protected_cidrs[%d]: %v", i, err)
		}
	}
	switch c.Enforcement.Backend {
	case "kernel", "iptables":
	default:
		return invalid("enforcement.backend must be 'kernel' or 'iptables', got %q", c.Enforcement.Backend)
	}
	if c.Enforcement.BlockChain == "" {
		c.Enforcement.BlockChain = "FORWARD"
	}
	if c.Enforcement.SweepInterval <= 0 {
		c.Enforcement.SweepInterval = 30 * time.Second
	}

	if c.Controller.Workers < 1 {
		c.Controller.Workers = 1
	}
	if c.Controller.QueueSize < 1 {
		c.Controller.QueueSize = 1
	}

	// Notifications
	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		return invalid("notify.webhook.url is required when the webhook is enabled")
	}
	if c.Notify.Telegram.Enabled && c.Notify.Telegram.BotToken == "" {
		return invalid("notify.telegram.bot_token is required when telegram is enabled")
	}
	if c.Notify.QueueSize < 1 {
		c.Notify.QueueSize = 1
	}

	if c.Web.Enabled {
		if c.Web.ListenAddr == "" {
			return invalid("web.listen_addr is required when web is enabled")
		}
		if c.Web.APIKeyHash == "" {
			return invalid("web.api_key_hash is required when web is enabled")
		}
	}

	if c.Storage.DSN == "" {
		return invalid("storage.dsn is required")
	}

	return nil
}
