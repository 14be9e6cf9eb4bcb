package eventqueue

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/solrqueue/solrqueue/internal/events"
	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/notify"
)

// ProcessingFinished is emitted after each replayed event.
type ProcessingFinished struct {
	Event events.Event

	// ItemUIDs are the queue rows the event stood for
	ItemUIDs []int64
	Err      error
}

// BatchProcessed is emitted after a whole replay batch.
type BatchProcessed struct {
	Events []events.Event
	Result Result
}

// Result summarizes a replay.
type Result struct {
	// Fetched rows
	Fetched int `json:"fetched"`

	// Processed distinct events
	Processed int `json:"processed"`

	// Failed events, including undecodable rows
	Failed int `json:"failed"`

	// Coalesced rows superseded by a later row of the same event key
	Coalesced int `json:"coalesced"`
}

// Processor replays queued events through the same handler immediate
// monitoring uses.
type Processor struct {
	repo    *Repository
	handler events.Handler
	logger  logrus.FieldLogger

	finished *notify.Listeners[ProcessingFinished]
	batch    *notify.Listeners[BatchProcessed]
}

// NewProcessor creates a processor.
func NewProcessor(repo *Repository, handler events.Handler, logger logrus.FieldLogger) *Processor {
	return &Processor{
		repo:     repo,
		handler:  handler,
		logger:   logging.OrDiscard(logger),
		finished: notify.New[ProcessingFinished]("processing-finished"),
		batch:    notify.New[BatchProcessed]("batch-processed"),
	}
}

// OnProcessingFinished registers a listener called after every event.
func (p *Processor) OnProcessingFinished(l notify.Listener[ProcessingFinished]) {
	p.finished.Add(l)
}

// OnBatchProcessed registers a listener called after every batch.
func (p *Processor) OnBatchProcessed(l notify.Listener[BatchProcessed]) {
	p.batch.Add(l)
}

type group struct {
	event events.Event
	last  int64
	uids  []int64
}

// Process replays up to limit non-erroneous rows. Rows sharing an event key
// (kind, table, uid) collapse into the last of them, and events replay in
// the order of their last occurrence. Successful events are
// deleted; a failing event is marked erroneous and the batch continues.
// Only store failures abort the run.
func (p *Processor) Process(ctx context.Context, limit int) (Result, error) {
	items, err := p.repo.GetEventQueueItems(ctx, limit, true)
	if err != nil {
		return Result{}, err
	}

	res := Result{Fetched: len(items)}
	var (
		order  []*group
		groups = make(map[string]*group)
	)
	for _, it := range items {
		if it.DecodeErr != nil {
			res.Failed++
			p.logger.WithError(it.DecodeErr).WithField("item", it.UID).Warn("eventqueue: undecodable event")
			if err := p.repo.MarkAsErroneous(ctx, it.UID, it.DecodeErr.Error()); err != nil {
				return res, err
			}
			continue
		}

		key := it.Event.Key()
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, g)
		} else {
			res.Coalesced++
		}
		g.event = it.Event
		g.last = it.UID
		g.uids = append(g.uids, it.UID)
	}

	sort.Slice(order, func(i, j int) bool { return order[i].last < order[j].last })

	var handled []events.Event
	for _, g := range order {
		entry := p.logger.WithFields(logrus.Fields{
			"kind":  g.event.Kind(),
			"table": g.event.Table(),
			"uid":   g.event.UID(),
			"rows":  len(g.uids),
		})

		herr := p.handler.Handle(ctx, g.event)
		if herr != nil {
			res.Failed++
			entry.WithError(herr).Warn("eventqueue: replay failed")
			if err := p.repo.MarkAsErroneous(ctx, g.last, herr.Error()); err != nil {
				return res, err
			}
			if err := p.repo.DeleteEventQueueItems(ctx, superseded(g)); err != nil {
				return res, err
			}
		} else {
			res.Processed++
			entry.Debug("eventqueue: replayed")
			if err := p.repo.DeleteEventQueueItems(ctx, g.uids); err != nil {
				return res, err
			}
		}

		handled = append(handled, g.event)
		p.finished.Notify(ctx, p.logger, ProcessingFinished{Event: g.event, ItemUIDs: g.uids, Err: herr})
	}

	p.batch.Notify(ctx, p.logger, BatchProcessed{Events: handled, Result: res})

	if res.Fetched > 0 {
		p.logger.WithFields(logrus.Fields{
			"fetched":   res.Fetched,
			"processed": res.Processed,
			"failed":    res.Failed,
			"coalesced": res.Coalesced,
		}).Info("eventqueue: batch processed")
	}
	return res, nil
}

func superseded(g *group) []int64 {
	out := make([]int64, 0, len(g.uids))
	for _, u := range g.uids {
		if u != g.last {
			out = append(out, u)
		}
	}
	return out
}
