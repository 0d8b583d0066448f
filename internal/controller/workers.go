package controller

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sentinel-agent/warden/internal/scoring"
	"github.com/sentinel-agent/warden/internal/types"
)

// Run consumes alerts until the channel closes or ctx is done, calling
// Tick on its own ticker. Alerts are sharded by source address so one
// source is always handled in arrival order while different sources are
// scored in parallel. Alerts already queued when Run stops are still
// processed and logged. Intake never waits on the deep tier: workers park
// escalated alerts instead of blocking on them.
func (c *Controller) Run(ctx context.Context, alerts <-chan types.Alert) error {
	workers := c.cfg.Controller.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := c.cfg.Controller.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	c.logger.Info().Int("workers", workers).Int("queue_size", queueSize).Msg("starting decision loop")

	shards := make([]chan types.Alert, workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan types.Alert, queueSize)
		wg.Add(1)
		go func(id int, in <-chan types.Alert) {
			defer wg.Done()
			c.worker(ctx, id, in)
		}(i, shards[i])
	}

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	var count int
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			c.Tick(ctx, c.now())
		case alert, ok := <-alerts:
			if !ok {
				break loop
			}
			count++
			select {
			case shards[shardFor(alert.SrcIP, workers)] <- alert:
			case <-ctx.Done():
				// Still owed a decision.
				c.Process(ctx, alert)
				break loop
			}
		}
	}

	for _, s := range shards {
		close(s)
	}
	wg.Wait()

	c.logger.Info().Int("alerts", count).Msg("decision loop stopped")
	return nil
}

// job is an alert whose score may still wait on the deep tier.
type job struct {
	alert   types.Alert
	pending *scoring.Pending
	ready   bool
}

// worker drains one shard. With an AsyncScorer it never waits on a deep
// analysis: escalated alerts are parked per source and completed when the
// deep task settles, and later alerts from the same source queue behind
// them so per-source order holds. Other sources keep flowing.
func (c *Controller) worker(ctx context.Context, id int, in <-chan types.Alert) {
	c.logger.Debug().Int("worker", id).Msg("decision worker started")

	async, ok := c.scorer.(AsyncScorer)
	if !ok {
		for alert := range in {
			c.Process(ctx, alert)
		}
		return
	}

	parked := make(map[string][]*job)
	settledJobs := make(chan *job)
	waiting := 0

	for in != nil || waiting > 0 {
		select {
		case alert, open := <-in:
			if !open {
				in = nil
				continue
			}
			j := c.begin(ctx, async, alert)
			if j == nil {
				continue
			}
			if j.ready && len(parked[alert.SrcIP]) == 0 {
				c.complete(ctx, j.alert, j.pending.Result)
				continue
			}
			parked[alert.SrcIP] = append(parked[alert.SrcIP], j)
			if !j.ready {
				waiting++
				go func(j *job) {
					<-j.pending.Done()
					settledJobs <- j
				}(j)
			}
		case j := <-settledJobs:
			waiting--
			j.ready = true
			c.drain(ctx, parked, j.alert.SrcIP)
		}
	}
}

// begin runs the inline tiers. A panic there still produces a decision,
// in which case nil is returned.
func (c *Controller) begin(ctx context.Context, async AsyncScorer, alert types.Alert) (j *job) {
	defer func() {
		if r := recover(); r != nil {
			c.complete(ctx, alert, func() types.ScoreResult { panic(r) })
			j = nil
		}
	}()
	p := async.Begin(ctx, alert)
	return &job{alert: alert, pending: p, ready: !p.Deferred()}
}

// drain completes the settled prefix of one source's parked jobs.
func (c *Controller) drain(ctx context.Context, parked map[string][]*job, src string) {
	q := parked[src]
	for len(q) > 0 && q[0].ready {
		c.complete(ctx, q[0].alert, q[0].pending.Result)
		q = q[1:]
	}
	if len(q) == 0 {
		delete(parked, src)
		return
	}
	parked[src] = q
}

// shardFor maps a source address onto a worker.
func shardFor(srcIP string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(srcIP))
	return int(h.Sum32() % uint32(n))
}
