// Package rootpage determines which site roots are responsible for a record.
package rootpage

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/solrqueue/solrqueue/internal/cache"
	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/store"
)

// MaxRootlineDepth bounds the walk up the page tree.
const MaxRootlineDepth = 99

// Resolver resolves records to the site roots owning them. The site root
// of each page is kept in a two-level cache keyed by page; records resolve
// through the page they are stored on. Pages outside every site are not
// cached.
type Resolver struct {
	records store.RecordStore
	sites   *site.Repository
	cfg     *config.Config
	cache   *cache.TwoLevel[[]int64]
	logger  logrus.FieldLogger
}

// NewResolver creates a resolver. c may be nil for an uncached in-process
// level only.
func NewResolver(records store.RecordStore, sites *site.Repository, cfg *config.Config, c *cache.TwoLevel[[]int64], logger logrus.FieldLogger) *Resolver {
	if c == nil {
		c = cache.NewTwoLevel[[]int64](nil, 0, logger)
	}
	return &Resolver{
		records: records,
		sites:   sites,
		cfg:     cfg,
		cache:   c,
		logger:  logging.OrDiscard(logger),
	}
}

// ResponsibleRootPageIDs returns every configured site root responsible for
// the record: the root found on the record's rootline plus the roots of
// sites observing the record's page through additional storage pages.
func (r *Resolver) ResponsibleRootPageIDs(ctx context.Context, table string, uid int64) (mapset.Set[int64], error) {
	pageID := uid
	if table != config.PagesTable {
		var err error
		if pageID, err = r.recordPageID(ctx, table, uid); err != nil {
			return nil, err
		}
	}

	roots := mapset.NewThreadUnsafeSet[int64]()

	root, err := r.siteRootOf(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if root > 0 {
		roots.Add(root)
	}

	if r.cfg.Monitoring.TrackRecordsOutsideSiteRoot {
		roots.Append(r.sites.SitesObservingPage(table, pageID)...)
	}
	return roots, nil
}

// siteRootOf returns the configured site root on the rootline of pageID,
// or 0.
func (r *Resolver) siteRootOf(ctx context.Context, pageID int64) (int64, error) {
	key := cacheKey(config.PagesTable, pageID)
	if ids, ok := r.cache.Get(ctx, key); ok && len(ids) == 1 {
		return ids[0], nil
	}

	root, err := r.rootPageIDOf(ctx, pageID)
	if err != nil {
		return 0, err
	}
	if root <= 0 || !r.sites.HasSite(root) {
		return 0, nil
	}
	r.cache.Set(ctx, key, []int64{root})
	return root, nil
}

// RootPageID returns the site root on the rootline of pageID, or 0 when the
// rootline contains none.
func (r *Resolver) RootPageID(ctx context.Context, pageID int64) (int64, error) {
	if _, err := r.page(ctx, pageID); err != nil {
		return 0, err
	}
	return r.rootPageIDOf(ctx, pageID)
}

// IsRootPage reports whether pageID is flagged as a site root.
func (r *Resolver) IsRootPage(ctx context.Context, pageID int64) (bool, error) {
	p, err := r.page(ctx, pageID)
	if err != nil {
		return false, err
	}
	return p.Bool(config.PageColumnIsSiteRoot), nil
}

// Rootline returns the pages from pageID up to the top of the tree.
func (r *Resolver) Rootline(ctx context.Context, pageID int64) ([]store.Record, error) {
	parent := r.cfg.Table(config.PagesTable).ParentColumn
	var line []store.Record
	seen := make(map[int64]bool)

	for id := pageID; id > 0 && len(line) < MaxRootlineDepth; {
		if seen[id] {
			r.logger.WithField("page", pageID).Warn("rootpage: cycle in page tree")
			break
		}
		seen[id] = true

		p, err := r.records.GetRecord(ctx, config.PagesTable, id)
		if err != nil {
			if store.IsNotFound(err) && len(line) > 0 {
				break
			}
			return nil, r.translate(err, config.PagesTable, id)
		}
		line = append(line, p)
		id = p.Int(parent)
	}
	return line, nil
}

// Subtree returns pageID followed by every page below it, breadth first.
func (r *Resolver) Subtree(ctx context.Context, pageID int64) ([]int64, error) {
	return r.walkDown(ctx, pageID, false)
}

// SiteTree returns the pages of the site rooted at root. Nested site roots
// and the pages below them belong to their own site and are left out.
func (r *Resolver) SiteTree(ctx context.Context, root int64) ([]int64, error) {
	return r.walkDown(ctx, root, true)
}

func (r *Resolver) walkDown(ctx context.Context, start int64, stopAtRoots bool) ([]int64, error) {
	parent := r.cfg.Table(config.PagesTable).ParentColumn
	seen := mapset.NewThreadUnsafeSet(start)
	pages := []int64{start}
	frontier := []int64{start}

	for depth := 0; len(frontier) > 0 && depth < MaxRootlineDepth; depth++ {
		children, err := r.records.FindRecords(ctx, store.Query{
			Table:      config.PagesTable,
			Columns:    []string{"uid", config.PageColumnIsSiteRoot},
			Predicates: []store.Predicate{store.In(parent, frontier)},
			OrderBy:    "uid",
		})
		if err != nil {
			return nil, err
		}
		var next []int64
		for _, c := range children {
			if stopAtRoots && c.Bool(config.PageColumnIsSiteRoot) {
				continue
			}
			if seen.Add(c.UID()) {
				pages = append(pages, c.UID())
				next = append(next, c.UID())
			}
		}
		frontier = next
	}
	return pages, nil
}

// Forget invalidates the cached site root of a page. Records hold no entry
// of their own, so forgetting any other table is a no-op.
func (r *Resolver) Forget(ctx context.Context, table string, uid int64) {
	if table != config.PagesTable {
		return
	}
	r.cache.Delete(ctx, cacheKey(table, uid))
}

// RefreshSiteRoot compares the site root flag of page with what was last
// seen of it: a cached entry naming the page as its own root, or
// hasQueuedItems, whether the queue holds items of a site rooted at the page.
// When the page became or stopped being a site root, the cached roots of its
// subtree are dropped and the subtree is returned; otherwise it returns nil.
func (r *Resolver) RefreshSiteRoot(ctx context.Context, page store.Record, hasQueuedItems bool) ([]int64, error) {
	id := page.UID()
	cached, ok := r.cache.Get(ctx, cacheKey(config.PagesTable, id))
	wasRoot := hasQueuedItems || (ok && len(cached) == 1 && cached[0] == id)
	if page.Bool(config.PageColumnIsSiteRoot) == wasRoot {
		return nil, nil
	}

	pages, err := r.Subtree(ctx, id)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(pages))
	for i, p := range pages {
		keys[i] = cacheKey(config.PagesTable, p)
	}
	r.cache.Delete(ctx, keys...)

	r.logger.WithFields(logrus.Fields{
		"page":      id,
		"site_root": page.Bool(config.PageColumnIsSiteRoot),
		"pages":     len(pages),
	}).Info("rootpage: site root flag changed, subtree forgotten")
	return pages, nil
}

// ResetRequestCache drops the in-process cache level.
func (r *Resolver) ResetRequestCache() {
	r.cache.ResetLocal()
}

// CacheMetrics returns the resolver cache statistics.
func (r *Resolver) CacheMetrics() cache.MetricsSnapshot {
	return r.cache.Metrics()
}

func (r *Resolver) recordPageID(ctx context.Context, table string, uid int64) (int64, error) {
	rec, err := r.records.GetRecord(ctx, table, uid)
	if err != nil {
		return 0, r.translate(err, table, uid)
	}
	return rec.Int(r.cfg.Table(table).ParentColumn), nil
}

func (r *Resolver) rootPageIDOf(ctx context.Context, pageID int64) (int64, error) {
	line, err := r.Rootline(ctx, pageID)
	if err != nil {
		return 0, err
	}
	for _, p := range line {
		if p.Bool(config.PageColumnIsSiteRoot) {
			return p.UID(), nil
		}
	}
	return 0, nil
}

func (r *Resolver) page(ctx context.Context, pageID int64) (store.Record, error) {
	p, err := r.records.GetRecord(ctx, config.PagesTable, pageID)
	if err != nil {
		return nil, r.translate(err, config.PagesTable, pageID)
	}
	return p, nil
}

func (r *Resolver) translate(err error, table string, uid int64) error {
	if store.IsNotFound(err) {
		return sqerrors.NewResolutionError(sqerrors.CodeInvalidArgument,
			fmt.Sprintf("cannot resolve root page of unknown record %s:%d", table, uid))
	}
	return err
}

// SortedIDs returns the members of s in ascending order.
func SortedIDs(s mapset.Set[int64]) []int64 {
	ids := s.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func cacheKey(table string, uid int64) string {
	return table + ":" + strconv.FormatInt(uid, 10)
}
