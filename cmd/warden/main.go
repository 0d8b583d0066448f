// Warden - adaptive network defense controller
// Main entry point with CLI interface.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/gateway"
	"github.com/sentinel-agent/warden/internal/storage"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit()
	case "run":
		cmdRun()
	case "replay":
		cmdReplay()
	case "status":
		cmdStatus()
	case "decisions":
		cmdDecisions()
	case "version":
		fmt.Printf("Warden %s (built %s)\n", Version, BuildTime)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Warden - Adaptive Network Defense Controller

Usage:
  warden <command> [options]

Commands:
  init [--totp]     Create configuration, database and API credentials
  run               Start the controller (main daemon)
  replay <file>     Run a recorded alert file through the full loop (dry-run)
  status            Show decision log and posture summary
  decisions [n]     Print the n most recent decisions (default 20)
  version           Print version information
  help              Show this help

Configuration: warden.yaml (created by 'warden init'), or set WARDEN_CONFIG.`)
}

// configPath returns the config file location.
func configPath() string {
	if p := os.Getenv("WARDEN_CONFIG"); p != "" {
		return p
	}
	return "warden.yaml"
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		fmt.Println("Run 'warden init' to create a default configuration.")
		os.Exit(1)
	}
	return cfg
}

// cmdInit creates default configuration, the data directory, the decision
// database and an API key. The key is printed once; only its hash is saved.
func cmdInit() {
	path := configPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("%s already exists. Delete it to re-initialize.\n", path)
		return
	}
	withTOTP := len(os.Args) > 2 && os.Args[2] == "--totp"

	cfg := config.DefaultConfig()

	if err := os.MkdirAll(cfg.Agent.DataDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}

	apiKey, err := gateway.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating API key: %v\n", err)
		os.Exit(1)
	}
	hash, err := gateway.HashAPIKey(apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error hashing API key: %v\n", err)
		os.Exit(1)
	}
	cfg.Web.APIKeyHash = hash

	var totpURL string
	if withTOTP {
		key, err := gateway.GenerateTOTPKey(cfg.Agent.Hostname)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating TOTP secret: %v\n", err)
			os.Exit(1)
		}
		cfg.Web.TOTPSecret = key.Secret()
		totpURL = key.URL()
	}

	if err := cfg.Save(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DSN), 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating database directory: %v\n", err)
		os.Exit(1)
	}
	store, err := storage.NewSQLite(cfg.Storage.DSN, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing database: %v\n", err)
		os.Exit(1)
	}
	store.Close()

	fmt.Println("✓ Warden initialized successfully!")
	fmt.Printf("  Config:  %s\n", path)
	fmt.Printf("  Data:    %s\n", cfg.Agent.DataDir)
	fmt.Printf("  DB:      %s\n", cfg.Storage.DSN)
	fmt.Printf("  API key: %s\n", apiKey)
	fmt.Println("           (shown once; send it as X-API-Key)")
	if totpURL != "" {
		fmt.Printf("  TOTP:    %s\n", totpURL)
		fmt.Println("           (add to an authenticator app; send codes as X-TOTP)")
	}
	fmt.Println("\nEnforcement starts in dry-run mode. Edit warden.yaml to set interfaces,")
	fmt.Println("protected networks and alert sources, then set enforcement.dry_run: false.")
	fmt.Println("Run 'warden run' to start the controller.")
}

// cmdStatus prints a quick summary from the decision log.
func cmdStatus() {
	cfg := loadConfig()

	store, err := storage.NewSQLite(cfg.Storage.DSN, zerolog.Nop())
	if err != nil {
		fmt.Println("Error: Could not open the decision database.")
		os.Exit(1)
	}
	defer store.Close()

	total, _ := store.DecisionCount()
	degraded, _ := store.DegradedCount()
	methods, _ := store.MethodCounts()
	changes, _ := store.RecentPostureChanges(1)

	fmt.Println("Warden Status")
	fmt.Println("═════════════")
	fmt.Printf("  Host:          %s\n", cfg.Agent.Hostname)
	fmt.Printf("  Storage:       %s\n", cfg.Storage.DSN)
	fmt.Printf("  Decisions:     %d (%d degraded)\n", total, degraded)

	names := make([]string, 0, len(methods))
	for m := range methods {
		names = append(names, m)
	}
	sort.Strings(names)
	for _, m := range names {
		fmt.Printf("    %-11s  %d\n", m, methods[m])
	}

	if len(changes) > 0 {
		c := changes[0]
		fmt.Printf("  Last posture:  %s → %s at %s (%s)\n",
			c.From, c.To, c.Timestamp.Local().Format(time.RFC3339), c.Reason)
	} else {
		fmt.Println("  Last posture:  no changes recorded")
	}
	fmt.Printf("  Thresholds:    T1=%.0f T2=%.0f window=%d\n", cfg.Posture.T1, cfg.Posture.T2, cfg.Posture.WindowSize)
	fmt.Printf("  Enforcement:   %s (dry run: %v)\n", cfg.Enforcement.Backend, cfg.Enforcement.DryRun)
	fmt.Printf("  API:           %v (%s)\n", cfg.Web.Enabled, cfg.Web.ListenAddr)
	fmt.Printf("  Webhook:       %v\n", cfg.Notify.Webhook.Enabled)
	fmt.Printf("  Telegram:      %v\n", cfg.Notify.Telegram.Enabled)
}

// cmdDecisions prints the most recent decisions.
func cmdDecisions() {
	limit := 20
	if len(os.Args) > 2 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "Invalid count: %s\n", os.Args[2])
			os.Exit(1)
		}
		limit = n
	}

	cfg := loadConfig()
	store, err := storage.NewSQLite(cfg.Storage.DSN, zerolog.Nop())
	if err != nil {
		fmt.Println("Error: Could not open the decision database.")
		os.Exit(1)
	}
	defer store.Close()

	decisions, err := store.RecentDecisions(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading decisions: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Recent Decisions (%d)\n", len(decisions))
	fmt.Println("════════════════════")
	for _, d := range decisions {
		flag := " "
		if d.Degraded {
			flag = "!"
		}
		mode := d.NewMode.String()
		if d.ModeChanged() {
			mode = fmt.Sprintf("%s→%s", d.PreviousMode, d.NewMode)
		}
		fmt.Printf("%s %s  %-39s  %5.1f  %-18s  %-8s  %-16s  %s\n",
			flag,
			d.Timestamp.Local().Format("2006-01-02 15:04:05"),
			d.SrcIP,
			d.Score,
			d.Category,
			d.Method,
			mode,
			d.Signature,
		)
	}
}
