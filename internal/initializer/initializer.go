// Package initializer populates the index queue in bulk for a site and its
// indexing configurations.
package initializer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/queue"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/store"
)

// PageTree walks the page tree.
type PageTree interface {
	SiteTree(ctx context.Context, root int64) ([]int64, error)
	Subtree(ctx context.Context, pageID int64) ([]int64, error)
}

// QueueWriter replaces the rows of one site configuration.
type QueueWriter interface {
	ReplaceItems(ctx context.Context, root int64, table, configuration string, items []*queue.Item) (int, error)
}

// Initializer fills the queue for one indexing configuration of a site and
// returns the number of queued items.
type Initializer interface {
	Initialize(ctx context.Context, s *site.Site, ic *config.IndexingConfig) (int, error)
}

// Deps are shared by every initializer a registry creates.
type Deps struct {
	Records store.RecordStore
	Tree    PageTree
	Queue   QueueWriter
	Config  *config.Config
	Now     func() time.Time
}

// Factory creates a fresh initializer.
type Factory func(d Deps) Initializer

// Registry maps indexing configuration types to initializer factories.
type Registry struct {
	factories map[config.IndexingType]Factory
}

// NewRegistry returns a registry with the record and page initializers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[config.IndexingType]Factory)}
	r.Register(config.IndexingTypeRecord, func(d Deps) Initializer { return &RecordInitializer{deps: d} })
	r.Register(config.IndexingTypePage, func(d Deps) Initializer { return &PageInitializer{deps: d} })
	return r
}

// Register binds a factory to an indexing type.
func (r *Registry) Register(t config.IndexingType, f Factory) {
	r.factories[t] = f
}

// New creates an initializer for t.
func (r *Registry) New(t config.IndexingType, d Deps) (Initializer, error) {
	f, ok := r.factories[t]
	if !ok {
		return nil, sqerrors.NewConfigurationError(sqerrors.CodeInvalidConfiguration,
			fmt.Sprintf("no queue initializer for indexing type %q", t))
	}
	return f(d), nil
}

// RecordInitializer queues the indexable records of a table stored on the
// pages of the site or on the configuration's additional pages.
type RecordInitializer struct {
	deps Deps
}

// Initialize implements Initializer.
func (ri *RecordInitializer) Initialize(ctx context.Context, s *site.Site, ic *config.IndexingConfig) (int, error) {
	pages, err := ri.deps.Tree.SiteTree(ctx, s.RootPageID)
	if err != nil {
		return 0, err
	}
	pages = append(pages, ic.AdditionalPageIDs...)

	tc := ri.deps.Config.Table(ic.Table)
	now := ri.deps.Now().Unix()
	recs, err := ri.deps.Records.FindRecords(ctx, store.Query{
		Table:      ic.Table,
		Predicates: []store.Predicate{store.In(tc.ParentColumn, pages)},
		Where:      where(store.IndexableClause(tc, now), ic.AdditionalWhere),
		OrderBy:    "uid",
	})
	if err != nil {
		return 0, err
	}

	items := make([]*queue.Item, 0, len(recs))
	for _, rec := range recs {
		items = append(items, newItem(s, ic, rec.UID(), store.ChangedTime(rec, tc, now), ""))
	}
	return ri.deps.Queue.ReplaceItems(ctx, s.RootPageID, ic.Table, ic.Name, items)
}

// PageInitializer queues the pages of the site tree with an allowed page
// type, plus the pages reachable through mount points.
type PageInitializer struct {
	deps Deps
}

// Initialize implements Initializer.
func (pi *PageInitializer) Initialize(ctx context.Context, s *site.Site, ic *config.IndexingConfig) (int, error) {
	tree, err := pi.deps.Tree.SiteTree(ctx, s.RootPageID)
	if err != nil {
		return 0, err
	}
	pages, err := pi.indexablePages(ctx, ic, tree)
	if err != nil {
		return 0, err
	}

	tc := pi.deps.Config.Table(config.PagesTable)
	now := pi.deps.Now().Unix()
	inTree := mapset.NewThreadUnsafeSet(tree...)
	queued := mapset.NewThreadUnsafeSet[int64]()

	var items []*queue.Item
	for _, p := range pages {
		items = append(items, newItem(s, ic, p.UID(), store.ChangedTime(p, tc, now), ""))
		queued.Add(p.UID())
	}

	for _, p := range pages {
		if int(p.Int(config.PageColumnDoktype)) != config.PageTypeMountPoint {
			continue
		}
		mounted, err := pi.mountedPages(ctx, ic, p)
		if err != nil {
			return 0, err
		}
		for _, m := range mounted {
			if inTree.Contains(m.UID()) || queued.Contains(m.UID()) {
				continue
			}
			queued.Add(m.UID())
			items = append(items, newItem(s, ic, m.UID(), store.ChangedTime(m, tc, now),
				queue.MountIdentifier(m.UID(), p.UID())))
		}
	}

	return pi.deps.Queue.ReplaceItems(ctx, s.RootPageID, config.PagesTable, ic.Name, items)
}

// mountedPages returns the indexable pages below the page a mount point
// mounts, the mounted page included.
func (pi *PageInitializer) mountedPages(ctx context.Context, ic *config.IndexingConfig, mountPoint store.Record) ([]store.Record, error) {
	source := mountPoint.Int(config.PageColumnMountPID)
	if source <= 0 {
		return nil, nil
	}
	ids, err := pi.deps.Tree.Subtree(ctx, source)
	if err != nil {
		return nil, err
	}
	return pi.indexablePages(ctx, ic, ids)
}

// indexablePages loads the pages of ids that are visible, searchable and of
// an allowed type, in ascending uid order.
func (pi *PageInitializer) indexablePages(ctx context.Context, ic *config.IndexingConfig, ids []int64) ([]store.Record, error) {
	tc := pi.deps.Config.Table(config.PagesTable)
	recs, err := pi.deps.Records.FindRecords(ctx, store.Query{
		Table:      config.PagesTable,
		Predicates: []store.Predicate{store.In("uid", ids)},
		Where:      where(store.IndexableClause(tc, pi.deps.Now().Unix()), ic.AdditionalWhere),
		OrderBy:    "uid",
	})
	if err != nil {
		return nil, err
	}

	out := recs[:0]
	for _, p := range recs {
		if p.Bool(config.PageColumnNoSearch) || !ic.AllowsPageType(int(p.Int(config.PageColumnDoktype))) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID() < out[j].UID() })
	return out, nil
}

func newItem(s *site.Site, ic *config.IndexingConfig, uid, changed int64, mount string) *queue.Item {
	return &queue.Item{
		Root:                  s.RootPageID,
		Type:                  ic.Table,
		RecordUID:             uid,
		IndexingConfiguration: ic.Name,
		Changed:               changed,
		Priority:              ic.Priority,
		MountIdentifier:       mount,
	}
}

func where(clauses ...string) string {
	var parts []string
	for _, c := range clauses {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, "("+c+")")
		}
	}
	return strings.Join(parts, " AND ")
}
