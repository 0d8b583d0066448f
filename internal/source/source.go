// Package source turns IDS and honeypot alert files into a stream of
// normalized, filtered alerts.
package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/types"
)

// Source is implemented by every alert producer.
type Source interface {
	// Name returns a human-readable identifier for this source.
	Name() string
	// Start sends alerts to out until ctx ends or, for finite sources, EOF.
	Start(ctx context.Context, out chan<- types.Alert) error
	// Stop gracefully shuts down the source.
	Stop() error
}

// Manager merges several sources into one channel.
type Manager struct {
	pipe    *Pipeline
	sources []Source
	alerts  chan types.Alert
	logger  zerolog.Logger
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewManager creates a manager with its own pipeline built from cfg.
func NewManager(sources config.SourcesConfig, filter config.FilterConfig, logger zerolog.Logger) *Manager {
	pipe := NewPipeline(NewNormalizer(sources.Assets), NewFilter(filter), logger)
	return &Manager{
		pipe:   pipe,
		alerts: make(chan types.Alert, sources.BufferSize),
		logger: logger.With().Str("component", "source_manager").Logger(),
	}
}

// Pipeline returns the shared line pipeline for constructing sources.
func (m *Manager) Pipeline() *Pipeline {
	return m.pipe
}

// Stats returns the shared counters.
func (m *Manager) Stats() StatsSnapshot {
	return m.pipe.Stats().Snapshot()
}

// Register adds a source. Must be called before Start.
func (m *Manager) Register(s Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, s)
	m.logger.Info().Str("source", s.Name()).Msg("registered alert source")
}

// RegisterFiles adds a Tailer for every configured file.
func (m *Manager) RegisterFiles(cfg config.SourcesConfig) {
	for _, f := range cfg.Files {
		m.Register(NewTailer(TailSpec{
			Name:         f.Name,
			Path:         f.Path,
			Format:       f.Format,
			FromStart:    f.FromStart,
			PollInterval: cfg.PollInterval,
		}, m.pipe, m.logger))
	}
}

// Alerts returns the merged stream. It is closed once every source has
// returned, which for live tailers means after ctx is cancelled.
func (m *Manager) Alerts() <-chan types.Alert {
	return m.alerts
}

// Start launches every registered source.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("source manager already running")
	}
	if len(m.sources) == 0 {
		return fmt.Errorf("no alert sources registered")
	}
	ctx, m.cancel = context.WithCancel(ctx)

	for _, s := range m.sources {
		s := s
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.logger.Info().Str("source", s.Name()).Msg("starting alert source")
			if err := s.Start(ctx, m.alerts); err != nil {
				m.logger.Error().Err(err).Str("source", s.Name()).Msg("alert source error")
			}
		}()
	}
	go func() {
		m.wg.Wait()
		close(m.alerts)
	}()

	m.running = true
	m.logger.Info().Int("sources", len(m.sources)).Msg("source manager started")
	return nil
}

// Stop shuts down all sources.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	var lastErr error
	for _, s := range m.sources {
		if err := s.Stop(); err != nil {
			m.logger.Error().Err(err).Str("source", s.Name()).Msg("error stopping alert source")
			lastErr = err
		}
	}
	m.logger.Info().Msg("source manager stopped")
	return lastErr
}

// SourceNames returns the names of all registered sources.
func (m *Manager) SourceNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.sources))
	for i, s := range m.sources {
		names[i] = s.Name()
	}
	return names
}
