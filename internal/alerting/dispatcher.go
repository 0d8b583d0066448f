// Package alerting delivers posture-change and high-score notifications to
// webhooks and Telegram, and accepts operator commands over Telegram.
package alerting

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/types"
)

// Notification kinds.
const (
	EventPostureChange = "posture_change"
	EventAlert         = "alert"
)

// Notification is one outbound message. Exactly one of Change or Decision
// is set, matching Event.
type Notification struct {
	Event     string               `json:"event"`
	Timestamp time.Time            `json:"timestamp"`
	Change    *types.PostureChange `json:"posture,omitempty"`
	Decision  *types.Decision      `json:"decision,omitempty"`
}

// Notifier is a delivery channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// DispatcherStats counts notification outcomes.
type DispatcherStats struct {
	Queued    int64 `json:"queued"`
	Sent      int64 `json:"sent"`
	Dropped   int64 `json:"dropped"`
	Throttled int64 `json:"throttled"`
	Failed    int64 `json:"failed"`
}

// Dispatcher fans notifications out to every notifier from a single
// goroutine. Enqueue never blocks: a full queue drops. Alert notifications
// are rate limited; posture changes always go out.
type Dispatcher struct {
	notifiers []Notifier
	queue     chan Notification
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    zerolog.Logger

	queued, sent, dropped, throttled, failed atomic.Int64

	done chan struct{}
	once sync.Once
}

// NewDispatcher creates a dispatcher over notifiers.
func NewDispatcher(cfg config.NotifyConfig, notifiers []Notifier, logger zerolog.Logger) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute)
	}
	timeout := cfg.Webhook.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifiers: notifiers,
		queue:     make(chan Notification, size),
		limiter:   limiter,
		timeout:   timeout * 2,
		done:      make(chan struct{}),
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Register adds a notifier. It must be called before Run.
func (d *Dispatcher) Register(n Notifier) {
	d.notifiers = append(d.notifiers, n)
}

// Enabled reports whether any notifier is configured.
func (d *Dispatcher) Enabled() bool { return len(d.notifiers) > 0 }

// Enqueue schedules n for delivery. It reports whether n was accepted.
func (d *Dispatcher) Enqueue(n Notification) bool {
	if !d.Enabled() {
		return false
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if n.Event == EventAlert && d.limiter != nil && !d.limiter.Allow() {
		d.throttled.Add(1)
		d.logger.Debug().Msg("alert notification throttled")
		return false
	}
	select {
	case d.queue <- n:
		d.queued.Add(1)
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("event", n.Event).Msg("notification queue full, dropping")
		return false
	}
}

// NotifyPostureChange enqueues a posture change.
func (d *Dispatcher) NotifyPostureChange(c types.PostureChange) bool {
	return d.Enqueue(Notification{Event: EventPostureChange, Timestamp: c.Timestamp, Change: &c})
}

// NotifyAlert enqueues a high-score decision.
func (d *Dispatcher) NotifyAlert(dec types.Decision) bool {
	return d.Enqueue(Notification{Event: EventAlert, Timestamp: dec.Timestamp, Decision: &dec})
}

// Run delivers queued notifications until ctx is done, then drains what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.once.Do(func() { close(d.done) })
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case n := <-d.queue:
					d.deliver(context.Background(), n)
				default:
					return
				}
			}
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	for _, notifier := range d.notifiers {
		nctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := notifier.Notify(nctx, n)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.logger.Error().Err(err).Str("notifier", notifier.Name()).Str("event", n.Event).Msg("notification failed")
			continue
		}
		d.sent.Add(1)
	}
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:    d.queued.Load(),
		Sent:      d.sent.Load(),
		Dropped:   d.dropped.Load(),
		Throttled: d.throttled.Load(),
		Failed:    d.failed.Load(),
	}
}
