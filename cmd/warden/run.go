package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/alerting"
	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/controller"
	"github.com/sentinel-agent/warden/internal/enforcement"
	"github.com/sentinel-agent/warden/internal/gateway"
	"github.com/sentinel-agent/warden/internal/logging"
	"github.com/sentinel-agent/warden/internal/metrics"
	"github.com/sentinel-agent/warden/internal/posture"
	"github.com/sentinel-agent/warden/internal/scoring"
	"github.com/sentinel-agent/warden/internal/source"
	"github.com/sentinel-agent/warden/internal/storage"
)

// runtime is the wired decision loop shared by run and replay.
type runtime struct {
	cfg        *config.Config
	store      *storage.SQLite
	jsonl      *storage.JSONL
	metrics    *metrics.Metrics
	engine     *enforcement.Engine
	scorer     *scoring.Scorer
	sources    *source.Manager
	dispatcher *alerting.Dispatcher
	telegram   *alerting.TelegramBot
	ctrl       *controller.Controller
	logger     zerolog.Logger
}

func newRuntime(cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DSN), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	store, err := storage.NewSQLite(cfg.Storage.DSN, logger)
	if err != nil {
		return nil, err
	}
	rt.store = store

	if cfg.Storage.DecisionJSONL != "" {
		rt.jsonl, err = storage.NewJSONL(cfg.Storage.DecisionJSONL, cfg.Storage.JSONLMaxSizeMB, cfg.Storage.JSONLMaxBackups)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	rt.metrics = metrics.New(cfg.Metrics)

	backend, err := enforcement.NewBackend(cfg.Enforcement, logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.engine, err = enforcement.NewEngine(cfg.Enforcement, backend, logger,
		enforcement.WithObserver(controller.EnforcementObserver(store, rt.metrics, logger)))
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.scorer, err = scoring.New(cfg, logger)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.sources = source.NewManager(cfg.Sources, cfg.Filter, logger)
	rt.dispatcher = alerting.NewDispatcher(cfg.Notify, nil, logger)

	opts := []controller.Option{
		controller.WithDecisionLog(store),
		controller.WithAuditLog(store),
		controller.WithPruner(store),
		controller.WithNotifier(rt.dispatcher),
		controller.WithMetrics(rt.metrics),
		controller.WithSnapshotSource(rt.snapshot),
	}
	if rt.jsonl != nil {
		opts = append(opts, controller.WithDecisionLog(rt.jsonl))
	}
	rt.ctrl = controller.New(cfg, rt.scorer, posture.NewMachine(cfg.Posture, logger), rt.engine, logger, opts...)

	if cfg.Notify.Webhook.Enabled {
		rt.dispatcher.Register(alerting.NewWebhookNotifier(cfg.Notify.Webhook, logger))
	}
	if cfg.Notify.Telegram.Enabled {
		bot, err := alerting.NewTelegramBot(cfg.Notify.Telegram, rt.ctrl, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to initialize telegram bot")
		} else {
			rt.telegram = bot
			rt.dispatcher.Register(bot)
		}
	}

	return rt, nil
}

func (rt *runtime) snapshot() metrics.Snapshot {
	return metrics.Snapshot{
		Enforcement: rt.engine.Stats(),
		Scoring:     rt.scorer.Stats(),
		Source:      rt.sources.Stats(),
		Notify:      rt.dispatcher.Stats(),
	}
}

// loop runs the controller until the alert stream ends, then waits for
// queued notifications.
func (rt *runtime) loop(ctx context.Context) error {
	rt.scorer.Start(ctx)

	notifyCtx, stopNotify := context.WithCancel(context.Background())
	go rt.dispatcher.Run(notifyCtx)
	if rt.telegram != nil {
		go rt.telegram.Start(ctx)
	}

	if err := rt.sources.Start(ctx); err != nil {
		stopNotify()
		<-rt.dispatcher.Done()
		return err
	}

	err := rt.ctrl.Run(ctx, rt.sources.Alerts())
	rt.sources.Stop()

	stopNotify()
	<-rt.dispatcher.Done()
	return err
}

// teardown removes every installed rule. The registry lives in memory, so
// rules left behind could not be removed by the next process.
func (rt *runtime) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	seen := make(map[string]bool)
	for _, r := range rt.engine.ActiveRules() {
		if seen[r.Target] {
			continue
		}
		seen[r.Target] = true
		if _, err := rt.engine.RemoveRulesForTarget(ctx, r.Target); err != nil {
			rt.logger.Error().Err(err).Str("target", r.Target).Msg("failed to remove rules on shutdown")
		}
	}
	if len(seen) > 0 {
		rt.logger.Info().Int("targets", len(seen)).Msg("enforcement rules removed")
	}
}

func (rt *runtime) close() {
	var err error
	if rt.jsonl != nil {
		err = controller.CloseLogs(rt.jsonl)
	}
	if rt.store != nil {
		if cerr := rt.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		rt.logger.Error().Err(err).Msg("failed to close decision logs")
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(logger zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func setupLogger(cfg *config.Config) (zerolog.Logger, func()) {
	logger, closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log output: %v\n", err)
		os.Exit(1)
	}
	return logger, func() { closer.Close() }
}

// cmdRun starts the main Warden daemon.
func cmdRun() {
	cfg := loadConfig()
	logger, closeLog := setupLogger(cfg)
	defer closeLog()

	logger.Info().
		Str("version", Version).
		Str("host", cfg.Agent.Hostname).
		Msg("starting Warden")

	ctx, cancel := signalContext(logger)
	defer cancel()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer rt.close()

	rt.sources.RegisterFiles(cfg.Sources)

	if cfg.Web.Enabled {
		srv, err := gateway.NewServer(cfg.Web, rt.ctrl, rt.store, logger,
			gateway.WithMetrics(rt.metrics),
			gateway.WithSnapshot(rt.snapshot),
			gateway.WithVersion(Version))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize API server")
		}
		rt.ctrl.OnDecision(srv.BroadcastDecision)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
	}

	logger.Info().
		Strs("sources", rt.sources.SourceNames()).
		Str("mode", rt.ctrl.Summary().Mode.String()).
		Bool("api", cfg.Web.Enabled).
		Bool("webhook", cfg.Notify.Webhook.Enabled).
		Bool("telegram", rt.telegram != nil).
		Bool("dry_run", cfg.Enforcement.DryRun).
		Msg("Warden is running")

	if cfg.Web.Enabled {
		logger.Info().Msgf("API available at http://%s/api/v1/health", cfg.Web.ListenAddr)
	}

	if err := rt.loop(ctx); err != nil {
		logger.Error().Err(err).Msg("decision loop stopped")
	}

	logger.Info().Msg("Warden shutting down")
	rt.teardown()
}

// cmdReplay runs a recorded alert file through the full decision loop with
// dry-run enforcement and prints a summary. Decisions are logged as usual.
func cmdReplay() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: warden replay <file> [eve|canary|auto]")
		os.Exit(1)
	}
	path := os.Args[2]
	format := "auto"
	if len(os.Args) > 3 {
		format = os.Args[3]
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	cfg.Enforcement.DryRun = true
	cfg.Notify.Telegram.Commands = false

	logger, closeLog := setupLogger(cfg)
	defer closeLog()

	ctx, cancel := signalContext(logger)
	defer cancel()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer rt.close()

	rt.sources.Register(source.NewReplay(path, format, rt.sources.Pipeline(), logger))

	start := time.Now()
	if err := rt.loop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Replay failed: %v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	st := rt.ctrl.Stats()
	src := rt.sources.Stats()
	eng := rt.engine.Stats()
	summary := rt.ctrl.Summary()

	fmt.Println("Replay Summary")
	fmt.Println("══════════════")
	fmt.Printf("  File:            %s\n", path)
	fmt.Printf("  Lines:           %d (%d malformed, %d filtered)\n", src.Lines, src.Malformed, src.Filtered)
	fmt.Printf("  Decisions:       %d (%d degraded)\n", st.Processed, st.Degraded)
	fmt.Printf("  Posture changes: %d\n", st.PostureChanges)
	fmt.Printf("  Final mode:      %s (avg %.1f)\n", summary.Mode, summary.MovingAverage)
	fmt.Printf("  Mitigations:     %d\n", st.Mitigations)
	fmt.Printf("  Rules:           %d active, %d installs, %d removals (dry run)\n", eng.Active, eng.Installs, eng.Removals)
	fmt.Printf("  Offenders:       %d\n", st.Offenders)
	fmt.Printf("  Elapsed:         %s\n", elapsed.Round(time.Millisecond))

	rt.teardown()
}
