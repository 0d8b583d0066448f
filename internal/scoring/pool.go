package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

// DeepPool bounds concurrent deep analyses. Admission never blocks: when
// every slot is busy the request is dropped and the caller keeps its
// fast-tier result. Each task gets its own timeout and is never retried.
type DeepPool struct {
	analyzer DeepAnalyzer
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   zerolog.Logger

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64
}

// PoolStats is a point-in-time view of the pool counters.
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Dropped   int64 `json:"dropped"`
	InFlight  int64 `json:"in_flight"`
}

type deepResult struct {
	verdict Verdict
	err     error
}

// NewDeepPool creates a pool with the given number of slots.
func NewDeepPool(analyzer DeepAnalyzer, workers int, timeout time.Duration, logger zerolog.Logger) *DeepPool {
	if workers < 1 {
		workers = 1
	}
	return &DeepPool{
		analyzer: analyzer,
		sem:      semaphore.NewWeighted(int64(workers)),
		timeout:  timeout,
		logger:   logger.With().Str("component", "deep_pool").Logger(),
	}
}

// DeepTask is one admitted deep analysis. Done is closed when the analyzer
// returns or the pool timeout fires, whichever comes first; a verdict that
// arrives later is discarded.
type DeepTask struct {
	done    chan struct{}
	verdict Verdict
	err     error
}

// Done is closed once the task has settled.
func (t *DeepTask) Done() <-chan struct{} { return t.done }

// Result blocks until the task settles.
func (t *DeepTask) Result() (Verdict, error) {
	<-t.done
	return t.verdict, t.err
}

// Submit starts a deep analysis without waiting for it. It fails with
// EDEEP-004 when every slot is busy. The slot is held until the analyzer
// goroutine actually returns, even after the task has timed out.
func (p *DeepPool) Submit(ctx context.Context, alert types.Alert, hint Verdict) (*DeepTask, error) {
	if !p.sem.TryAcquire(1) {
		p.dropped.Add(1)
		p.logger.Debug().Str("alert_id", alert.ID).Msg("deep pool saturated, request dropped")
		return nil, werrors.New(werrors.ErrDeepSaturated, "deep analysis pool saturated")
	}
	p.submitted.Add(1)
	p.inFlight.Add(1)

	taskCtx, cancel := context.WithTimeout(ctx, p.timeout)

	results := make(chan deepResult, 1)
	go func() {
		defer func() {
			p.inFlight.Add(-1)
			p.sem.Release(1)
		}()
		defer func() {
			if r := recover(); r != nil {
				results <- deepResult{err: werrors.Newf(werrors.ErrDeepUnavailable, "deep analyzer panic: %v", r)}
			}
		}()
		v, err := p.analyzer.Analyze(taskCtx, alert, hint)
		results <- deepResult{verdict: v, err: err}
	}()

	task := &DeepTask{done: make(chan struct{})}
	go func() {
		defer cancel()
		defer close(task.done)
		select {
		case r := <-results:
			task.verdict, task.err = p.settle(r)
		case <-taskCtx.Done():
			task.err = p.expired(taskCtx.Err())
		}
	}()
	return task, nil
}

// Analyze runs one deep analysis and waits at most the pool timeout for it.
func (p *DeepPool) Analyze(ctx context.Context, alert types.Alert, hint Verdict) (Verdict, error) {
	task, err := p.Submit(ctx, alert, hint)
	if err != nil {
		return Verdict{}, err
	}
	return task.Result()
}

func (p *DeepPool) settle(r deepResult) (Verdict, error) {
	if r.err == nil {
		p.completed.Add(1)
		return r.verdict, nil
	}
	p.failed.Add(1)
	if errors.Is(r.err, context.DeadlineExceeded) {
		p.timedOut.Add(1)
		return Verdict{}, werrors.Wrap(werrors.ErrDeepTimeout, "deep analysis timed out", r.err)
	}
	if werrors.GetCode(r.err) == "" {
		return Verdict{}, werrors.Wrap(werrors.ErrDeepUnavailable, "deep analysis failed", r.err)
	}
	return Verdict{}, r.err
}

func (p *DeepPool) expired(err error) error {
	p.failed.Add(1)
	if errors.Is(err, context.DeadlineExceeded) {
		p.timedOut.Add(1)
		return werrors.New(werrors.ErrDeepTimeout, fmt.Sprintf("deep analysis exceeded %s", p.timeout))
	}
	return werrors.Wrap(werrors.ErrDeepUnavailable, "deep analysis cancelled", err)
}

// Stats returns the pool counters.
func (p *DeepPool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		TimedOut:  p.timedOut.Load(),
		Dropped:   p.dropped.Load(),
		InFlight:  p.inFlight.Load(),
	}
}
