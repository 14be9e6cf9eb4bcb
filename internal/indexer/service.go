// Package indexer turns pending index queue items into Solr documents and
// submits them to the cores of their sites.
package indexer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/notify"
	"github.com/solrqueue/solrqueue/internal/observability"
	"github.com/solrqueue/solrqueue/internal/queue"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/solr"
	"github.com/solrqueue/solrqueue/internal/store"
)

const tracerName = "github.com/solrqueue/solrqueue/internal/indexer"

// ConnectionProvider returns the Solr connection of a site language.
type ConnectionProvider interface {
	GetConnectionByRootPageID(ctx context.Context, root int64, language int) (*solr.Connection, error)
}

// RecordsRetrieved is emitted after the records of a batch were loaded.
type RecordsRetrieved struct {
	Items   []*queue.Item
	Records []store.Record
}

// DocumentModifier may add, change or duplicate the documents of an item.
type DocumentModifier interface {
	ModifyDocuments(ctx context.Context, item *queue.Item, docs []solr.Document) ([]solr.Document, error)
}

// DocumentModifierFunc adapts a function to DocumentModifier.
type DocumentModifierFunc func(ctx context.Context, item *queue.Item, docs []solr.Document) ([]solr.Document, error)

// ModifyDocuments implements DocumentModifier.
func (f DocumentModifierFunc) ModifyDocuments(ctx context.Context, item *queue.Item, docs []solr.Document) ([]solr.Document, error) {
	return f(ctx, item, docs)
}

// RunResult summarizes one IndexItems run.
type RunResult struct {
	RunID     string        `json:"run_id"`
	Processed int           `json:"processed"`
	Indexed   int           `json:"indexed"`
	Failed    int           `json:"failed"`
	Removed   int           `json:"removed"`
	Documents int           `json:"documents"`
	Duration  time.Duration `json:"duration"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRegistry replaces the default builder registry.
func WithRegistry(r *Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithStats records every run in rs.
func WithStats(rs *observability.RunStats) Option {
	return func(s *Service) { s.stats = rs }
}

// WithBatchSize sets how many items are fetched per queue read.
func WithBatchSize(n int) Option {
	return func(s *Service) { s.batchSize = n }
}

// Service indexes queue items.
type Service struct {
	queue     *queue.Queue
	records   store.RecordStore
	sites     *site.Repository
	conns     ConnectionProvider
	cfg       *config.Config
	registry  *Registry
	stats     *observability.RunStats
	now       func() time.Time
	logger    logrus.FieldLogger
	tracer    trace.Tracer
	batchSize int

	retrieved *notify.Listeners[RecordsRetrieved]

	mu        sync.RWMutex
	modifiers []DocumentModifier
}

// NewService creates an index service.
func NewService(q *queue.Queue, records store.RecordStore, sites *site.Repository, conns ConnectionProvider, cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		queue:     q,
		records:   records,
		sites:     sites,
		conns:     conns,
		cfg:       cfg,
		now:       time.Now,
		tracer:    otel.Tracer(tracerName),
		batchSize: cfg.Scheduler.BatchSize,
		retrieved: notify.New[RecordsRetrieved]("after-records-retrieved"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = DefaultRegistry(records, cfg, s.now)
	}
	if s.batchSize <= 0 {
		s.batchSize = 10
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Registry returns the builder registry.
func (s *Service) Registry() *Registry { return s.registry }

// OnRecordsRetrieved registers a listener called once per batch.
func (s *Service) OnRecordsRetrieved(l notify.Listener[RecordsRetrieved]) {
	s.retrieved.Add(l)
}

// AddDocumentModifier registers a modifier. Modifiers run in registration
// order; a failing modifier leaves the documents unchanged.
func (s *Service) AddDocumentModifier(m DocumentModifier) {
	s.mu.Lock()
	s.modifiers = append(s.modifiers, m)
	s.mu.Unlock()
}

// IndexItems indexes up to maxDocuments pending items of the given roots
// (every site when none are given). Item failures are recorded on the queue
// items; only store failures abort the run.
func (s *Service) IndexItems(ctx context.Context, maxDocuments int, roots ...int64) (*RunResult, error) {
	start := s.now()
	res := &RunResult{RunID: uuid.NewString()}

	ctx, span := s.tracer.Start(ctx, "IndexItems")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", res.RunID),
		attribute.Int("max_documents", maxDocuments),
		attribute.Int64Slice("roots", roots),
	)

	logger := s.logger.WithField("run", res.RunID)
	var excluded []int64
	for attempted := 0; attempted < maxDocuments; {
		limit := s.batchSize
		if rest := maxDocuments - attempted; rest < limit {
			limit = rest
		}
		items, err := s.queue.GetNextItemsToIndex(ctx, limit, queue.Filter{Roots: roots, ExcludeIDs: excluded})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		if len(items) == 0 {
			break
		}
		for _, it := range items {
			excluded = append(excluded, it.UID)
		}
		attempted += len(items)

		if err := s.indexBatch(ctx, logger, items, res); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
	}

	res.Duration = s.now().Sub(start)
	s.stats.RecordRun(observability.OpIndex, res.Processed, res.Failed, res.Duration)
	span.SetAttributes(
		attribute.Int("processed", res.Processed),
		attribute.Int("indexed", res.Indexed),
		attribute.Int("failed", res.Failed),
		attribute.Int("removed", res.Removed),
	)

	if res.Processed > 0 {
		logger.WithFields(logrus.Fields{
			"processed": res.Processed,
			"indexed":   res.Indexed,
			"failed":    res.Failed,
			"removed":   res.Removed,
			"documents": res.Documents,
		}).Info("indexer: run finished")
	}
	return res, nil
}

// IndexItem indexes a single queue item regardless of its pending state.
func (s *Service) IndexItem(ctx context.Context, item *queue.Item) (*RunResult, error) {
	res := &RunResult{RunID: uuid.NewString()}
	err := s.indexBatch(ctx, s.logger.WithField("run", res.RunID), []*queue.Item{item}, res)
	return res, err
}

type connKey struct {
	root int64
	lang int
}

// pending holds the documents of one item for one connection.
type pending struct {
	item *queue.Item
	docs []solr.Document
}

func (s *Service) indexBatch(ctx context.Context, logger logrus.FieldLogger, items []*queue.Item, res *RunResult) error {
	ctx, span := s.tracer.Start(ctx, "IndexBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("items", len(items)))

	now := s.now().Unix()
	var (
		live    []*queue.Item
		records []store.Record
	)
	for _, it := range items {
		res.Processed++
		rec, err := s.records.GetRecord(ctx, it.Type, it.RecordUID)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		if err != nil || !s.indexable(rec, it.Type, now) {
			logger.WithField("item", it.String()).Info("indexer: removing stale queue item")
			if err := s.queue.DeleteItemByID(ctx, it.UID); err != nil {
				return err
			}
			res.Removed++
			continue
		}
		live = append(live, it)
		records = append(records, rec)
	}
	if len(live) == 0 {
		return nil
	}

	s.retrieved.Notify(ctx, logger, RecordsRetrieved{Items: live, Records: records})

	failures := make(map[int64]string)
	batches := make(map[connKey][]pending)
	conns := make(map[connKey]*solr.Connection)
	var order []connKey

	for i, it := range live {
		parts, err := s.buildItem(ctx, it, records[i])
		if err != nil {
			failures[it.UID] = err.Error()
			s.stats.RecordError(observability.OpIndex, sqerrors.GetCode(err))
			logger.WithError(err).WithField("item", it.String()).Warn("indexer: failed to build documents")
			continue
		}
		for _, p := range parts {
			key := connKey{root: it.Root, lang: p.lang}
			if _, ok := conns[key]; !ok {
				c, err := s.conns.GetConnectionByRootPageID(ctx, it.Root, p.lang)
				if err != nil {
					failures[it.UID] = err.Error()
					continue
				}
				conns[key] = c
				order = append(order, key)
			}
			batches[key] = append(batches[key], pending{item: it, docs: p.docs})
			res.Documents += len(p.docs)
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].root != order[j].root {
			return order[i].root < order[j].root
		}
		return order[i].lang < order[j].lang
	})
	for _, key := range order {
		s.submit(ctx, logger, conns[key], batches[key], failures)
	}

	for _, it := range live {
		if msg, failed := failures[it.UID]; failed {
			if err := s.queue.MarkItemAsFailed(ctx, it, msg); err != nil {
				return err
			}
			res.Failed++
			continue
		}
		if err := s.queue.MarkItemAsIndexed(ctx, it); err != nil {
			return err
		}
		res.Indexed++
	}
	return nil
}

// submit sends the documents of a connection as one batch. When the batch
// is rejected every item is retried alone so one bad document cannot fail
// the others.
func (s *Service) submit(ctx context.Context, logger logrus.FieldLogger, conn *solr.Connection, batch []pending, failures map[int64]string) {
	var docs []solr.Document
	for _, p := range batch {
		if _, failed := failures[p.item.UID]; !failed {
			docs = append(docs, p.docs...)
		}
	}
	if len(docs) == 0 {
		return
	}

	entry := logger.WithFields(logrus.Fields{
		"core": conn.Write.Endpoint().CorePath(),
		"docs": len(docs),
	})

	resp, err := conn.Write.Add(ctx, docs)
	if err = rejection(resp, err); err == nil {
		s.commit(ctx, entry, conn)
		return
	}
	entry.WithError(err).Warn("indexer: batch rejected, retrying items one by one")

	succeeded := false
	for _, p := range batch {
		if _, failed := failures[p.item.UID]; failed || len(p.docs) == 0 {
			continue
		}
		resp, err := conn.Write.Add(ctx, p.docs)
		if err = rejection(resp, err); err != nil {
			status, msg := solr.StatusAndMessage(resp, err)
			failures[p.item.UID] = fmt.Sprintf("%d: %s", status, msg)
			s.stats.RecordError(observability.OpIndex, sqerrors.GetCode(err))
			entry.WithError(err).WithField("item", p.item.String()).Error("indexer: item rejected")
			continue
		}
		succeeded = true
	}
	if succeeded {
		s.commit(ctx, entry, conn)
	}
}

// rejection returns err, or an error when Solr answered 2xx with a non-zero
// status in the response header.
func rejection(resp *solr.Response, err error) error {
	if err != nil || resp.Successful() {
		return err
	}
	return sqerrors.NewTransportError(sqerrors.CodeBadStatus,
		fmt.Sprintf("solr reported status %d: %s", resp.Status, resp.Message), nil)
}

func (s *Service) commit(ctx context.Context, entry logrus.FieldLogger, conn *solr.Connection) {
	policy := s.cfg.Solr.Commit
	if policy == config.CommitNone || policy == "" {
		return
	}
	if _, err := conn.Write.Commit(ctx, policy == config.CommitSoft); err != nil {
		entry.WithError(err).Warn("indexer: commit failed")
	}
}

type languageDocs struct {
	lang int
	docs []solr.Document
}

// buildItem builds the documents of an item per target language.
func (s *Service) buildItem(ctx context.Context, it *queue.Item, rec store.Record) ([]languageDocs, error) {
	st, err := s.sites.GetSiteByRootPageID(it.Root)
	if err != nil {
		return nil, err
	}
	ic, err := st.IndexingConfiguration(it.IndexingConfiguration)
	if err != nil {
		return nil, err
	}
	b, err := s.registry.Get(ic.Type)
	if err != nil {
		return nil, err
	}

	var out []languageDocs
	for _, lang := range s.languages(st, rec, it.Type) {
		doc, err := b.Build(ctx, Input{Item: it, Site: st, Config: ic, Record: rec, Language: lang})
		if err != nil {
			return nil, err
		}
		out = append(out, languageDocs{lang: lang, docs: s.modify(ctx, it, []solr.Document{doc})})
	}
	return out, nil
}

// languages returns the languages a record is indexed in: its own language,
// or every site language for records flagged as "all languages" (-1).
func (s *Service) languages(st *site.Site, rec store.Record, table string) []int {
	col := s.cfg.Table(table).LanguageColumn
	if col == "" {
		return []int{0}
	}
	lang := int(rec.Int(col))
	if lang >= 0 {
		return []int{lang}
	}
	return st.Languages()
}

func (s *Service) modify(ctx context.Context, it *queue.Item, docs []solr.Document) []solr.Document {
	s.mu.RLock()
	modifiers := append([]DocumentModifier(nil), s.modifiers...)
	s.mu.RUnlock()

	for i, m := range modifiers {
		out, err := s.runModifier(ctx, m, it, docs)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"item":     it.String(),
				"modifier": i,
			}).Warn("indexer: document modifier failed")
			continue
		}
		docs = out
	}
	return docs
}

func (s *Service) runModifier(ctx context.Context, m DocumentModifier, it *queue.Item, docs []solr.Document) (out []solr.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("modifier panicked: %v\n%s", r, debug.Stack())
		}
	}()

	in := make([]solr.Document, len(docs))
	for i, d := range docs {
		in[i] = d.Clone()
	}
	return m.ModifyDocuments(ctx, it, in)
}

func (s *Service) indexable(rec store.Record, table string, now int64) bool {
	if !store.IsVisible(rec, s.cfg.Table(table), now) {
		return false
	}
	return table != config.PagesTable || !rec.Bool(config.PageColumnNoSearch)
}
