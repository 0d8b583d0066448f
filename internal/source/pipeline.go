package source

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

// Stats counts what the sources have seen. Safe for concurrent use.
type Stats struct {
	lines     atomic.Uint64
	parsed    atomic.Uint64
	malformed atomic.Uint64
	skipped   atomic.Uint64
	degraded  atomic.Uint64
	filtered  atomic.Uint64
	emitted   atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Lines     uint64 `json:"lines"`
	Parsed    uint64 `json:"parsed"`
	Malformed uint64 `json:"malformed"`
	Skipped   uint64 `json:"skipped"`
	Degraded  uint64 `json:"degraded"`
	Filtered  uint64 `json:"filtered"`
	Emitted   uint64 `json:"emitted"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Lines:     s.lines.Load(),
		Parsed:    s.parsed.Load(),
		Malformed: s.malformed.Load(),
		Skipped:   s.skipped.Load(),
		Degraded:  s.degraded.Load(),
		Filtered:  s.filtered.Load(),
		Emitted:   s.emitted.Load(),
	}
}

// Pipeline turns raw lines into filtered, normalized alerts.
// One Pipeline is shared by every source of a Manager.
type Pipeline struct {
	normalizer *Normalizer
	filter     *Filter
	stats      *Stats
	logger     zerolog.Logger
}

// NewPipeline wires a normalizer and a filter.
func NewPipeline(normalizer *Normalizer, filter *Filter, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		normalizer: normalizer,
		filter:     filter,
		stats:      &Stats{},
		logger:     logger.With().Str("component", "source").Logger(),
	}
}

// Stats exposes the pipeline counters.
func (p *Pipeline) Stats() *Stats {
	return p.stats
}

// Handle parses one line. ok is false when the line is skipped, malformed or
// filtered out; malformed lines are logged and never abort the stream.
func (p *Pipeline) Handle(sourceName, format string, line []byte) (types.Alert, bool) {
	p.stats.lines.Add(1)

	rec, err := ParseLine(format, line)
	switch {
	case err == nil:
	case errors.Is(err, errSkip):
		p.stats.skipped.Add(1)
		return types.Alert{}, false
	case werrors.Is(err, werrors.ErrMissingField):
		// Keep going; Normalize degrades the alert.
		p.logger.Debug().Err(err).Str("source", sourceName).Msg("alert missing required field")
	default:
		p.stats.malformed.Add(1)
		p.logger.Warn().Err(err).Str("source", sourceName).Int("bytes", len(line)).Msg("skipping malformed line")
		return types.Alert{}, false
	}
	p.stats.parsed.Add(1)

	alert := p.normalizer.Normalize(rec, sourceName)
	if alert.Degraded {
		p.stats.degraded.Add(1)
	}
	if !p.filter.Allow(alert.Category) {
		p.stats.filtered.Add(1)
		return types.Alert{}, false
	}
	p.stats.emitted.Add(1)
	return alert, true
}
