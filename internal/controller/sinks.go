package controller

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/enforcement"
	"github.com/sentinel-agent/warden/internal/metrics"
)

// EventLog persists enforcement events.
type EventLog interface {
	SaveEnforcementEvent(ev enforcement.Event) error
}

// EnforcementObserver returns an engine observer that writes every rule
// event to log and m. Either may be nil.
func EnforcementObserver(log EventLog, m *metrics.Metrics, logger zerolog.Logger) func(enforcement.Event) {
	logger = logger.With().Str("component", "enforcement_log").Logger()
	return func(ev enforcement.Event) {
		m.ObserveEnforcement(ev)
		if log == nil {
			return
		}
		if err := log.SaveEnforcementEvent(ev); err != nil {
			logger.Error().Err(err).Str("key", ev.Key.String()).Msg("failed to log enforcement event")
		}
	}
}

// closer is implemented by sinks that hold files or connections.
type closer interface {
	Close() error
}

// CloseLogs closes every sink that supports it.
func CloseLogs(logs ...DecisionLog) error {
	var errs []error
	for _, l := range logs {
		if c, ok := l.(closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
