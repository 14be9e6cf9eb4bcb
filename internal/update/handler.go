// Package update applies data update events to the index queue. Immediate
// monitoring and event queue replays share this handler.
package update

import (
	"context"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/events"
	"github.com/solrqueue/solrqueue/internal/garbage"
	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/queue"
	"github.com/solrqueue/solrqueue/internal/store"
)

// RootResolver is the part of the root page resolver the handler needs.
type RootResolver interface {
	ResponsibleRootPageIDs(ctx context.Context, table string, uid int64) (mapset.Set[int64], error)
	Rootline(ctx context.Context, pageID int64) ([]store.Record, error)
	Subtree(ctx context.Context, pageID int64) ([]int64, error)
	Forget(ctx context.Context, table string, uid int64)
	RefreshSiteRoot(ctx context.Context, page store.Record, hasQueuedItems bool) ([]int64, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Handler) { h.logger = l }
}

// Handler dispatches events to the index queue and the garbage remover.
type Handler struct {
	queue    *queue.Queue
	records  store.RecordStore
	resolver RootResolver
	garbage  *garbage.Remover
	cfg      *config.Config
	now      func() time.Time
	logger   logrus.FieldLogger
}

// NewHandler creates an update handler.
func NewHandler(q *queue.Queue, records store.RecordStore, resolver RootResolver, remover *garbage.Remover, cfg *config.Config, opts ...Option) *Handler {
	h := &Handler{
		queue:    q,
		records:  records,
		resolver: resolver,
		garbage:  remover,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDiscard(h.logger)
	return h
}

// Handle applies one event. Resolution failures are logged and skipped;
// only store failures are returned.
func (h *Handler) Handle(ctx context.Context, e events.Event) error {
	h.logger.WithFields(logrus.Fields{
		"kind":  e.Kind(),
		"table": e.Table(),
		"uid":   e.UID(),
	}).Debug("update: handling event")

	switch e.Kind() {
	case events.KindRecordInserted, events.KindRecordUpdated, events.KindVersionSwapped:
		if e.IsContentElementEvent() {
			return h.updateContentElement(ctx, e)
		}
		if e.Table() == config.PagesTable {
			return h.updatePage(ctx, e.UID(), e.ForcedChangeTime())
		}
		return h.updateRecord(ctx, e.Table(), e.UID(), e.ForcedChangeTime())

	case events.KindRecordDeleted:
		h.resolver.Forget(ctx, e.Table(), e.UID())
		h.garbage.CollectGarbage(ctx, e.Table(), e.UID())
		return nil

	case events.KindContentElementDeleted:
		if e.PID() <= 0 {
			return nil
		}
		return h.updateRecord(ctx, config.PagesTable, e.PID(), e.ForcedChangeTime())

	case events.KindRecordMoved:
		// records resolve through their current page
		return h.updateRecord(ctx, e.Table(), e.UID(), e.ForcedChangeTime())

	case events.KindPageMoved:
		return h.movePage(ctx, e)

	case events.KindRecordGarbageCheck:
		return h.checkGarbage(ctx, e)
	}

	h.logger.WithField("kind", e.Kind()).Warn("update: unhandled event kind")
	return nil
}

// updateContentElement reindexes the page a content element lives on.
func (h *Handler) updateContentElement(ctx context.Context, e events.Event) error {
	pid := e.PID()
	if pid <= 0 {
		rec, err := h.records.GetRecord(ctx, config.ContentTable, e.UID())
		if err != nil {
			return h.skipResolution(err, e.Table(), e.UID())
		}
		pid = rec.PID()
	}
	return h.updateRecord(ctx, config.PagesTable, pid, e.ForcedChangeTime())
}

// updateRecord queues an indexable record, or removes it from the queue and
// the index when it is no longer indexable.
func (h *Handler) updateRecord(ctx context.Context, table string, uid, forcedChangeTime int64) error {
	rec, err := h.records.GetRecord(ctx, table, uid)
	if err != nil {
		if store.IsNotFound(err) {
			h.garbage.CollectGarbage(ctx, table, uid)
			return nil
		}
		return err
	}

	indexable, err := h.isIndexable(ctx, table, rec)
	if err != nil {
		return h.skipResolution(err, table, uid)
	}
	if !indexable {
		h.garbage.CollectGarbage(ctx, table, uid)
		return nil
	}

	before, err := h.queue.RootsOf(ctx, table, uid)
	if err != nil {
		return err
	}
	if _, err := h.queue.UpdateItem(ctx, table, uid, forcedChangeTime); err != nil {
		return h.skipResolution(err, table, uid)
	}
	after, err := h.queue.RootsOf(ctx, table, uid)
	if err != nil {
		return err
	}

	// Sites that lost the record must not keep serving it
	if gone := difference(before, after); len(gone) > 0 {
		h.garbage.RemoveFromRoots(ctx, table, uid, gone)
	}
	return nil
}

// updatePage queues a changed page. A page that became or stopped being a
// site root moves its whole subtree between sites.
func (h *Handler) updatePage(ctx context.Context, uid, forcedChangeTime int64) error {
	rec, err := h.records.GetRecord(ctx, config.PagesTable, uid)
	if err != nil {
		if store.IsNotFound(err) {
			return h.updateRecord(ctx, config.PagesTable, uid, forcedChangeTime)
		}
		return err
	}

	queued, err := h.queue.ContainsItemsOfRoot(ctx, uid)
	if err != nil {
		return err
	}
	pages, err := h.resolver.RefreshSiteRoot(ctx, rec, queued)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return h.updateRecord(ctx, config.PagesTable, uid, forcedChangeTime)
	}
	return h.reresolve(ctx, pages, forcedChangeTime)
}

// movePage re-resolves a moved page, every page below it and the records
// stored on them.
func (h *Handler) movePage(ctx context.Context, e events.Event) error {
	pages, err := h.resolver.Subtree(ctx, e.UID())
	if err != nil {
		return err
	}
	for _, id := range pages {
		h.resolver.Forget(ctx, config.PagesTable, id)
	}
	return h.reresolve(ctx, pages, e.ForcedChangeTime())
}

// reresolve updates pages and the records of every monitored table stored
// on them. Their cached roots must already be forgotten.
func (h *Handler) reresolve(ctx context.Context, pages []int64, forcedChangeTime int64) error {
	for _, id := range pages {
		if err := h.updateRecord(ctx, config.PagesTable, id, forcedChangeTime); err != nil {
			return err
		}
	}

	var tables []string
	for table := range h.cfg.MonitoredTables() {
		// content elements are indexed as part of their page
		if table != config.PagesTable && table != config.ContentTable {
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)

	for _, table := range tables {
		recs, err := h.records.FindRecords(ctx, store.Query{
			Table:      table,
			Columns:    []string{"uid"},
			Predicates: []store.Predicate{store.In(h.cfg.Table(table).ParentColumn, pages)},
			OrderBy:    "uid",
		})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := h.updateRecord(ctx, table, rec.UID(), forcedChangeTime); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkGarbage removes a record that became invisible. Pages with
// extendToSubpages carry their visibility down to the whole subtree.
func (h *Handler) checkGarbage(ctx context.Context, e events.Event) error {
	table, uid := e.Table(), e.UID()
	rec, err := h.records.GetRecord(ctx, table, uid)
	if err != nil {
		if store.IsNotFound(err) {
			h.garbage.CollectGarbage(ctx, table, uid)
			return nil
		}
		return err
	}

	indexable, err := h.isIndexable(ctx, table, rec)
	if err != nil {
		return h.skipResolution(err, table, uid)
	}
	if !indexable {
		h.garbage.CollectGarbage(ctx, table, uid)
	}

	if table != config.PagesTable || !rec.Bool(config.PageColumnExtendToSubpages) {
		return nil
	}
	pages, err := h.resolver.Subtree(ctx, uid)
	if err != nil {
		return err
	}

	h.logger.WithFields(logrus.Fields{
		"page":                    uid,
		"subpages":                len(pages) - 1,
		"indexable":               indexable,
		"frontend_groups_removed": e.FrontendGroupsRemoved(),
	}).Debug("update: propagating visibility to subpages")

	for _, id := range pages[1:] {
		if !indexable {
			h.garbage.CollectGarbage(ctx, config.PagesTable, id)
			continue
		}
		if err := h.updateRecord(ctx, config.PagesTable, id, 0); err != nil {
			return err
		}
	}
	return nil
}

// isIndexable checks the record's own enable columns and, for pages, the
// pages above it that extend their visibility to subpages.
func (h *Handler) isIndexable(ctx context.Context, table string, rec store.Record) (bool, error) {
	now := h.now().Unix()
	if !store.IsIndexable(rec, h.cfg.Table(table), now) {
		return false, nil
	}
	if table != config.PagesTable {
		return true, nil
	}
	if rec.Bool(config.PageColumnNoSearch) {
		return false, nil
	}

	line, err := h.resolver.Rootline(ctx, rec.UID())
	if err != nil {
		return false, err
	}
	ptc := h.cfg.Table(config.PagesTable)
	for _, p := range line {
		if p.UID() == rec.UID() || !p.Bool(config.PageColumnExtendToSubpages) {
			continue
		}
		if !store.IsIndexable(p, ptc, now) {
			return false, nil
		}
	}
	return true, nil
}

// skipResolution swallows resolution errors after logging them.
func (h *Handler) skipResolution(err error, table string, uid int64) error {
	if !sqerrors.HasCategory(err, sqerrors.ErrCategoryResolution) {
		return err
	}
	h.logger.WithError(err).WithFields(logrus.Fields{
		"table": table,
		"uid":   uid,
	}).Warn("update: skipping unresolvable record")
	return nil
}

func difference(before, after []int64) []int64 {
	keep := mapset.NewThreadUnsafeSet(after...)
	var out []int64
	for _, r := range before {
		if !keep.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}
