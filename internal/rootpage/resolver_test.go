package rootpage

import (
	"context"
	"database/sql"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/solrqueue/solrqueue/internal/cache"
	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/store"
	"github.com/solrqueue/solrqueue/internal/testutil"
)

func newResolver(t *testing.T, c *cache.TwoLevel[[]int64], mutate ...func(*config.Config)) (*Resolver, *sql.DB) {
	t.Helper()
	db := testutil.OpenDB(t)
	cfg := testutil.Config(config.EndpointConfig{Host: "localhost", Core: "core_en"})
	for _, m := range mutate {
		m(cfg)
	}

	// 1 (root) -> 10 -> 11, 500 outside any site, 30 <-> 31 cycle
	testutil.AddSiteRoot(t, db, 1)
	testutil.AddPage(t, db, 10, 1, nil)
	testutil.AddPage(t, db, 11, 10, nil)
	testutil.AddPage(t, db, 500, 0, nil)
	testutil.AddPage(t, db, 30, 31, nil)
	testutil.AddPage(t, db, 31, 30, nil)
	testutil.AddRecord(t, db, testutil.NewsTable, 7, 11, nil)
	testutil.AddRecord(t, db, testutil.NewsTable, 8, 500, nil)

	records := store.NewSQLRecordStore(db)
	return NewResolver(records, site.NewRepository(cfg), cfg, c, nil), db
}

func TestResponsibleRootPageIDs(t *testing.T) {
	r, _ := newResolver(t, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		table string
		uid   int64
		want  []int64
	}{
		{"root itself", config.PagesTable, 1, []int64{1}},
		{"direct child", config.PagesTable, 10, []int64{1}},
		{"deep page", config.PagesTable, 11, []int64{1}},
		{"record on page", testutil.NewsTable, 7, []int64{1}},
		{"page outside site", config.PagesTable, 500, nil},
		{"cycle", config.PagesTable, 30, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roots, err := r.ResponsibleRootPageIDs(ctx, tt.table, tt.uid)
			if err != nil {
				t.Fatalf("ResponsibleRootPageIDs failed: %v", err)
			}
			got := SortedIDs(roots)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestResponsibleRootPageIDs_UnknownRecord(t *testing.T) {
	r, _ := newResolver(t, nil)
	ctx := context.Background()

	for _, tc := range []struct {
		table string
		uid   int64
	}{
		{config.PagesTable, 999},
		{testutil.NewsTable, 999},
	} {
		_, err := r.ResponsibleRootPageIDs(ctx, tc.table, tc.uid)
		if sqerrors.GetCode(err) != sqerrors.CodeInvalidArgument {
			t.Errorf("%s:%d: expected INVALID_ARGUMENT, got %v", tc.table, tc.uid, err)
		}
	}
}

func TestResponsibleRootPageIDs_AdditionalPages(t *testing.T) {
	observe := func(cfg *config.Config) {
		cfg.Sites[0].Indexing[1].AdditionalPageIDs = []int64{500}
	}

	r, _ := newResolver(t, nil, observe)
	roots, err := r.ResponsibleRootPageIDs(context.Background(), testutil.NewsTable, 8)
	if err != nil {
		t.Fatalf("ResponsibleRootPageIDs failed: %v", err)
	}
	if !roots.Contains(1) || roots.Cardinality() != 1 {
		t.Errorf("expected storage page to map to root 1, got %v", SortedIDs(roots))
	}

	r, _ = newResolver(t, nil, observe, func(cfg *config.Config) {
		cfg.Monitoring.TrackRecordsOutsideSiteRoot = false
	})
	roots, err = r.ResponsibleRootPageIDs(context.Background(), testutil.NewsTable, 8)
	if err != nil {
		t.Fatalf("ResponsibleRootPageIDs failed: %v", err)
	}
	if roots.Cardinality() != 0 {
		t.Errorf("tracking disabled, expected no roots, got %v", SortedIDs(roots))
	}
}

func TestResponsibleRootPageIDs_Cached(t *testing.T) {
	r, db := newResolver(t, nil)
	ctx := context.Background()

	if _, err := r.ResponsibleRootPageIDs(ctx, config.PagesTable, 11); err != nil {
		t.Fatalf("first lookup failed: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM pages WHERE uid = 11`); err != nil {
		t.Fatal(err)
	}

	roots, err := r.ResponsibleRootPageIDs(ctx, config.PagesTable, 11)
	if err != nil || !roots.Contains(1) {
		t.Fatalf("cached lookup should not hit the store: %v %v", roots, err)
	}
	if m := r.CacheMetrics(); m.Hits != 1 || m.Misses != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}

	r.Forget(ctx, config.PagesTable, 11)
	if _, err := r.ResponsibleRootPageIDs(ctx, config.PagesTable, 11); err == nil {
		t.Error("expected error after Forget for deleted page")
	}
}

func TestResponsibleRootPageIDs_PersistentLevel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	remote := cache.New(cache.Options[[]int64]{Client: client, Prefix: "rootpage"})

	r, db := newResolver(t, cache.NewTwoLevel(remote, time.Hour, nil))
	ctx := context.Background()
	if _, err := r.ResponsibleRootPageIDs(ctx, config.PagesTable, 10); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !mr.Exists("rootpage:pages:10") {
		t.Fatalf("expected persistent entry, keys: %v", mr.Keys())
	}

	// A fresh request scope still finds the entry in redis
	r.ResetRequestCache()
	db.Exec(`DELETE FROM pages WHERE uid = 10`)
	roots, err := r.ResponsibleRootPageIDs(ctx, config.PagesTable, 10)
	if err != nil || !roots.Contains(1) {
		t.Fatalf("persistent lookup failed: %v %v", roots, err)
	}
	if m := r.CacheMetrics(); m.PersistentHits != 1 {
		t.Errorf("persistent hits = %d, want 1", m.PersistentHits)
	}
}

func TestResponsibleRootPageIDs_RecordsFollowTheirPage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	remote := cache.New(cache.Options[[]int64]{Client: client, Prefix: "rootpage"})

	r, db := newResolver(t, cache.NewTwoLevel(remote, time.Hour, nil))
	ctx := context.Background()

	roots, err := r.ResponsibleRootPageIDs(ctx, testutil.NewsTable, 7)
	if err != nil || !roots.Contains(1) {
		t.Fatalf("lookup failed: %v %v", roots, err)
	}
	if !mr.Exists("rootpage:pages:11") {
		t.Errorf("expected the record's page to be cached, keys: %v", mr.Keys())
	}
	if mr.Exists("rootpage:" + testutil.NewsTable + ":7") {
		t.Error("records must not carry a cache entry of their own")
	}

	// Move 10 (with 11 and the record below it) out of the site
	testutil.UpdateRecord(t, db, config.PagesTable, 10, map[string]any{"pid": 500})
	for _, id := range []int64{10, 11} {
		r.Forget(ctx, config.PagesTable, id)
	}
	r.ResetRequestCache()

	roots, err = r.ResponsibleRootPageIDs(ctx, testutil.NewsTable, 7)
	if err != nil {
		t.Fatalf("lookup after move failed: %v", err)
	}
	if roots.Cardinality() != 0 {
		t.Errorf("record kept the roots of its old site: %v", SortedIDs(roots))
	}
}

func TestResponsibleRootPageIDs_EmptyResultsNotCached(t *testing.T) {
	r, db := newResolver(t, nil)
	ctx := context.Background()
	testutil.UpdateRecord(t, db, config.PagesTable, 1, map[string]any{config.PageColumnIsSiteRoot: 0})

	roots, err := r.ResponsibleRootPageIDs(ctx, config.PagesTable, 10)
	if err != nil || roots.Cardinality() != 0 {
		t.Fatalf("expected no roots, got %v %v", roots, err)
	}

	testutil.UpdateRecord(t, db, config.PagesTable, 1, map[string]any{config.PageColumnIsSiteRoot: 1})
	roots, err = r.ResponsibleRootPageIDs(ctx, config.PagesTable, 10)
	if err != nil || !roots.Contains(1) {
		t.Errorf("new site root not picked up: %v %v", roots, err)
	}
}

func TestRefreshSiteRoot(t *testing.T) {
	r, db := newResolver(t, nil)
	ctx := context.Background()
	records := store.NewSQLRecordStore(db)
	page := func(id int64) store.Record {
		t.Helper()
		p, err := records.GetRecord(ctx, config.PagesTable, id)
		if err != nil {
			t.Fatalf("GetRecord(%d) failed: %v", id, err)
		}
		return p
	}

	for _, id := range []int64{1, 11} {
		if _, err := r.ResponsibleRootPageIDs(ctx, config.PagesTable, id); err != nil {
			t.Fatalf("warm up failed: %v", err)
		}
	}
	for _, id := range []int64{1, 10} {
		if got, err := r.RefreshSiteRoot(ctx, page(id), false); err != nil || got != nil {
			t.Errorf("page %d unchanged, got %v %v", id, got, err)
		}
	}

	// 10 becomes a nested site root without a site of its own
	testutil.UpdateRecord(t, db, config.PagesTable, 10, map[string]any{config.PageColumnIsSiteRoot: 1})
	got, err := r.RefreshSiteRoot(ctx, page(10), false)
	if err != nil {
		t.Fatalf("RefreshSiteRoot failed: %v", err)
	}
	if want := []int64{10, 11}; !reflect.DeepEqual(got, want) {
		t.Errorf("forgotten = %v, want %v", got, want)
	}
	if roots, _ := r.ResponsibleRootPageIDs(ctx, config.PagesTable, 11); roots.Cardinality() != 0 {
		t.Errorf("page 11 still resolves to %v", SortedIDs(roots))
	}

	// Only the queue remembers 1 as a root once the local level is gone
	r.ResetRequestCache()
	testutil.UpdateRecord(t, db, config.PagesTable, 1, map[string]any{config.PageColumnIsSiteRoot: 0})
	got, err = r.RefreshSiteRoot(ctx, page(1), true)
	if err != nil {
		t.Fatalf("RefreshSiteRoot failed: %v", err)
	}
	if want := []int64{1, 10, 11}; !reflect.DeepEqual(got, want) {
		t.Errorf("forgotten = %v, want %v", got, want)
	}
}

func TestRootPageHelpers(t *testing.T) {
	r, _ := newResolver(t, nil)
	ctx := context.Background()

	root, err := r.RootPageID(ctx, 11)
	if err != nil || root != 1 {
		t.Errorf("RootPageID(11) = %d, %v", root, err)
	}
	if root, _ := r.RootPageID(ctx, 500); root != 0 {
		t.Errorf("RootPageID(500) = %d, want 0", root)
	}
	if ok, _ := r.IsRootPage(ctx, 1); !ok {
		t.Error("page 1 is a root")
	}
	if ok, _ := r.IsRootPage(ctx, 10); ok {
		t.Error("page 10 is not a root")
	}

	line, err := r.Rootline(ctx, 11)
	if err != nil {
		t.Fatalf("Rootline failed: %v", err)
	}
	if len(line) != 3 || line[0].UID() != 11 || line[2].UID() != 1 {
		t.Errorf("unexpected rootline %v", line)
	}
}

func TestSubtreeAndSiteTree(t *testing.T) {
	r, db := newResolver(t, nil)
	ctx := context.Background()

	// 12 is a nested site root below 10
	testutil.AddPage(t, db, 12, 10, map[string]any{config.PageColumnIsSiteRoot: 1})
	testutil.AddPage(t, db, 13, 12, nil)

	sub, err := r.Subtree(ctx, 10)
	if err != nil {
		t.Fatalf("Subtree failed: %v", err)
	}
	if want := []int64{10, 11, 12, 13}; !reflect.DeepEqual(sub, want) {
		t.Errorf("Subtree(10) = %v, want %v", sub, want)
	}

	tree, err := r.SiteTree(ctx, 1)
	if err != nil {
		t.Fatalf("SiteTree failed: %v", err)
	}
	if want := []int64{1, 10, 11}; !reflect.DeepEqual(tree, want) {
		t.Errorf("SiteTree(1) = %v, want %v", tree, want)
	}

	cycle, err := r.Subtree(ctx, 30)
	if err != nil {
		t.Fatalf("Subtree on cycle failed: %v", err)
	}
	if want := []int64{30, 31}; !reflect.DeepEqual(cycle, want) {
		t.Errorf("Subtree(30) = %v, want %v", cycle, want)
	}
}
