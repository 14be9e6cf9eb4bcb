// Package scheduler runs event queue replays and index runs on a ticker.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/eventqueue"
	"github.com/solrqueue/solrqueue/internal/indexer"
	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/observability"
)

// Replayer replays deferred events.
type Replayer interface {
	Process(ctx context.Context, limit int) (eventqueue.Result, error)
}

// Indexer indexes pending queue items.
type Indexer interface {
	IndexItems(ctx context.Context, maxDocuments int, roots ...int64) (*indexer.RunResult, error)
}

// Cycle is the outcome of one scheduler cycle.
type Cycle struct {
	Replay   eventqueue.Result
	Index    *indexer.RunResult
	Duration time.Duration
}

// Daemon runs bounded replay and index cycles until stopped.
type Daemon struct {
	cfg      config.SchedulerConfig
	replayer Replayer
	indexer  Indexer
	stats    *observability.RunStats
	logger   logrus.FieldLogger
	now      func() time.Time
	after    []func()
	throttle *Throttle

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a scheduler daemon. replayer may be nil when monitoring
// is not delayed.
func NewDaemon(cfg config.SchedulerConfig, replayer Replayer, idx Indexer, stats *observability.RunStats, logger logrus.FieldLogger) *Daemon {
	return &Daemon{
		cfg:      cfg,
		replayer: replayer,
		indexer:  idx,
		stats:    stats,
		logger:   logging.OrDiscard(logger),
		now:      time.Now,
	}
}

// AfterCycle registers fn to run at the end of every cycle. Must be called
// before Start.
func (d *Daemon) AfterCycle(fn func()) {
	d.after = append(d.after, fn)
}

// SetThrottle scales the documents of each cycle by the recent failure rate.
// Must be called before Start.
func (d *Daemon) SetThrottle(t *Throttle) {
	d.throttle = t
}

// Start begins the scheduling loop. It runs until the context is cancelled
// or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("scheduler: daemon is already running")
	}
	if d.cfg.CheckInterval <= 0 {
		return fmt.Errorf("scheduler: check interval must be positive, got %s", d.cfg.CheckInterval)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})

	go d.run(ctx)
	return nil
}

// Stop cancels the loop and waits for the current cycle to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}
	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// Close implements io.Closer for the shutdown manager.
func (d *Daemon) Close() error { return d.Stop() }

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	d.RunOnce(ctx)

	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce replays pending events, then indexes up to MaxDocuments items.
// Failures are logged; the next cycle retries.
func (d *Daemon) RunOnce(ctx context.Context) Cycle {
	start := d.now()
	var c Cycle
	if ctx.Err() != nil {
		return c
	}
	defer func() {
		for _, fn := range d.after {
			fn()
		}
	}()

	if d.replayer != nil && d.cfg.EventQueueLimit > 0 {
		res, err := d.replayer.Process(ctx, d.cfg.EventQueueLimit)
		c.Replay = res
		d.stats.RecordRun(observability.OpReplay, res.Processed, res.Failed, d.now().Sub(start))
		if err != nil {
			d.stats.RecordError(observability.OpReplay, sqerrors.GetCode(err))
			d.logger.WithError(err).Error("scheduler: event queue replay failed")
		} else if res.Fetched > 0 {
			d.logger.WithFields(logrus.Fields{
				"fetched":   res.Fetched,
				"processed": res.Processed,
				"failed":    res.Failed,
				"coalesced": res.Coalesced,
			}).Info("scheduler: event queue replayed")
		}
	}

	if ctx.Err() != nil {
		return c
	}
	limit := d.cfg.MaxDocuments
	if d.throttle != nil {
		limit = d.throttle.Next()
		if limit < d.cfg.MaxDocuments {
			d.logger.WithFields(logrus.Fields{
				"budget":       limit,
				"failure_rate": d.throttle.FailureRate(),
			}).Warn("scheduler: index budget reduced")
		}
	}
	res, err := d.indexer.IndexItems(ctx, limit)
	c.Index = res
	if err != nil {
		d.logger.WithError(err).Error("scheduler: index run failed")
	}
	if res != nil && d.throttle != nil {
		d.throttle.Record(res.Indexed+res.Removed, res.Failed)
	}

	c.Duration = d.now().Sub(start)
	return c
}
