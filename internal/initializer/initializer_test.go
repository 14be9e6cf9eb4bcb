package initializer

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/indexer"
	"github.com/solrqueue/solrqueue/internal/queue"
	"github.com/solrqueue/solrqueue/internal/rootpage"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/solr"
	"github.com/solrqueue/solrqueue/internal/store"
	"github.com/solrqueue/solrqueue/internal/testutil"
)

const testNow int64 = 1_700_000_000

type fixture struct {
	svc     *Service
	q       *queue.Queue
	db      *sql.DB
	cfg     *config.Config
	sites   *site.Repository
	records store.RecordStore
	solr    *testutil.FakeSolr
	clock   *testutil.Clock
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	fs := testutil.NewFakeSolr(t)
	cfg := testutil.Config(fs.Endpoint("core_en"))
	for _, m := range mutate {
		m(cfg)
	}

	db := testutil.OpenDB(t)
	records := store.NewSQLRecordStore(db)
	sites := site.NewRepository(cfg)
	resolver := rootpage.NewResolver(records, sites, cfg, nil, nil)
	clock := testutil.NewClock(testNow)
	q := queue.New(db, records, resolver, sites, cfg, queue.WithClock(clock.Now))

	testutil.AddSiteRoot(t, db, testutil.SiteRoot)
	return &fixture{
		svc:     NewService(records, resolver, q, sites, cfg, WithClock(clock.Now)),
		q:       q,
		db:      db,
		cfg:     cfg,
		sites:   sites,
		records: records,
		solr:    fs,
		clock:   clock,
	}
}

func (f *fixture) site(t *testing.T) *site.Site {
	t.Helper()
	s, err := f.sites.GetSiteByRootPageID(testutil.SiteRoot)
	if err != nil {
		t.Fatalf("GetSiteByRootPageID failed: %v", err)
	}
	return s
}

// rows returns the queue items of table keyed by record uid.
func (f *fixture) rows(t *testing.T, table string) map[int64]*queue.Item {
	t.Helper()
	rows, err := f.db.Query(`SELECT item_uid FROM index_queue_item WHERE item_type = ?`, table)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	var uids []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		uids = append(uids, uid)
	}
	rows.Close()

	out := make(map[int64]*queue.Item, len(uids))
	for _, uid := range uids {
		items, err := f.q.GetItems(context.Background(), table, uid)
		if err != nil {
			t.Fatalf("GetItems failed: %v", err)
		}
		for _, it := range items {
			out[uid] = it
		}
	}
	return out
}

func keys(m map[int64]*queue.Item) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestPageInitializer_SiteTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.AddPage(t, f.db, 2, 1, map[string]any{"tstamp": testNow - 50})
	testutil.AddPage(t, f.db, 3, 2, nil)
	testutil.AddPage(t, f.db, 4, 1, map[string]any{"hidden": 1})
	testutil.AddPage(t, f.db, 5, 1, map[string]any{config.PageColumnDoktype: config.PageTypeFolder})
	testutil.AddPage(t, f.db, 6, 1, map[string]any{config.PageColumnNoSearch: 1})
	testutil.AddPage(t, f.db, 7, 1, map[string]any{config.PageColumnIsSiteRoot: 1})
	testutil.AddPage(t, f.db, 8, 7, nil)
	testutil.AddPage(t, f.db, 9, 5, nil)

	res, err := f.svc.InitializeBySiteAndIndexConfiguration(ctx, f.site(t), "pages")
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if res["pages"].Count != 4 || res["pages"].Table != config.PagesTable {
		t.Errorf("result = %+v, want 4 pages", res["pages"])
	}

	got := f.rows(t, config.PagesTable)
	if want := []int64{1, 2, 3, 9}; !reflect.DeepEqual(keys(got), want) {
		t.Fatalf("queued pages = %v, want %v", keys(got), want)
	}
	if got[2].Changed != testNow-50 {
		t.Errorf("changed = %d, want tstamp %d", got[2].Changed, testNow-50)
	}
	if got[3].Changed != testNow {
		t.Errorf("changed without tstamp = %d, want now", got[3].Changed)
	}
	for uid, it := range got {
		if it.Indexed != 0 || it.IndexingConfiguration != "pages" || it.Root != testutil.SiteRoot {
			t.Errorf("page %d: unexpected item %+v", uid, it)
		}
	}
}

func TestPageInitializer_MountPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.AddPage(t, f.db, 2, 1, map[string]any{
		config.PageColumnDoktype:  config.PageTypeMountPoint,
		config.PageColumnMountPID: 100,
	})
	testutil.AddPage(t, f.db, 100, 0, nil)
	testutil.AddPage(t, f.db, 101, 100, nil)
	testutil.AddPage(t, f.db, 102, 100, map[string]any{"hidden": 1})

	if _, err := f.svc.InitializeBySiteAndIndexConfiguration(ctx, f.site(t), "pages"); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	got := f.rows(t, config.PagesTable)
	if want := []int64{1, 2, 100, 101}; !reflect.DeepEqual(keys(got), want) {
		t.Fatalf("queued pages = %v, want %v", keys(got), want)
	}
	if got[2].IsMounted() {
		t.Errorf("mount point itself must not carry a mount identifier")
	}
	if got[100].MountIdentifier != "100-2" || got[101].MountIdentifier != "101-2" {
		t.Errorf("mount identifiers = %q, %q", got[100].MountIdentifier, got[101].MountIdentifier)
	}
}

func TestRecordInitializer(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		ic := &cfg.Sites[0].Indexing[1]
		ic.AdditionalPageIDs = []int64{50}
		ic.AdditionalWhere = "title <> 'skip'"
		ic.Priority = 3
	})
	ctx := context.Background()

	testutil.AddPage(t, f.db, 2, 1, nil)
	testutil.AddPage(t, f.db, 50, 0, nil)
	testutil.AddPage(t, f.db, 60, 0, nil)

	news := func(uid, pid int64, values map[string]any) {
		if values == nil {
			values = map[string]any{}
		}
		if _, ok := values["title"]; !ok {
			values["title"] = "News"
		}
		testutil.AddRecord(t, f.db, testutil.NewsTable, uid, pid, values)
	}
	news(1, 2, map[string]any{"tstamp": testNow - 10})
	news(2, 50, nil)
	news(3, 60, nil)
	news(4, 2, map[string]any{"hidden": 1})
	news(5, 2, map[string]any{"deleted": 1})
	news(6, 2, map[string]any{"endtime": testNow - 1})
	news(7, 2, map[string]any{"starttime": testNow + 3600, "tstamp": testNow - 10})
	news(8, 2, map[string]any{"title": "skip"})

	res, err := f.svc.InitializeBySiteAndIndexConfiguration(ctx, f.site(t), "news")
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if res["news"].Count != 3 {
		t.Errorf("count = %d, want 3", res["news"].Count)
	}

	got := f.rows(t, testutil.NewsTable)
	if want := []int64{1, 2, 7}; !reflect.DeepEqual(keys(got), want) {
		t.Fatalf("queued news = %v, want %v", keys(got), want)
	}
	if got[7].Changed != testNow+3600 {
		t.Errorf("scheduled record changed = %d, want its starttime", got[7].Changed)
	}
	if got[1].Priority != 3 {
		t.Errorf("priority = %d, want 3", got[1].Priority)
	}
}

func TestInitialize_ReplacesExistingRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.AddPage(t, f.db, 2, 1, nil)

	for i := 0; i < 2; i++ {
		if _, err := f.svc.InitializeBySiteAndIndexConfiguration(ctx, f.site(t), "pages"); err != nil {
			t.Fatalf("initialize failed: %v", err)
		}
	}
	testutil.UpdateRecord(t, f.db, config.PagesTable, 2, map[string]any{"hidden": 1})
	if _, err := f.svc.InitializeBySiteAndIndexConfiguration(ctx, f.site(t), "pages"); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if got := keys(f.rows(t, config.PagesTable)); !reflect.DeepEqual(got, []int64{1}) {
		t.Errorf("rows after reinitialization = %v, want [1]", got)
	}
}

type failingInitializer struct{}

func (failingInitializer) Initialize(context.Context, *site.Site, *config.IndexingConfig) (int, error) {
	return 0, errors.New("boom")
}

func TestInitialize_AllConfigurationsIsolatesFailures(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Sites[0].Indexing = append(cfg.Sites[0].Indexing, config.IndexingConfig{
			Name:  "broken",
			Type:  "failing",
			Table: testutil.NewsTable,
		})
	})
	f.svc.Registry().Register("failing", func(Deps) Initializer { return failingInitializer{} })
	ctx := context.Background()
	testutil.AddPage(t, f.db, 2, 1, nil)
	testutil.AddRecord(t, f.db, testutil.NewsTable, 1, 2, map[string]any{"title": "News"})

	var events []AfterQueueInitialized
	f.svc.OnQueueInitialized(func(_ context.Context, e AfterQueueInitialized) error {
		events = append(events, e)
		return nil
	})
	f.svc.OnQueueInitialized(func(context.Context, AfterQueueInitialized) error {
		return errors.New("listener failure")
	})

	res, err := f.svc.InitializeBySiteAndIndexConfiguration(ctx, f.site(t), AllConfigurations)
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if res["pages"].Count != 2 || res["news"].Count != 1 {
		t.Errorf("results = %+v", res)
	}
	if res["broken"].Error != "boom" {
		t.Errorf("broken result = %+v, want error", res["broken"])
	}

	if len(events) != 3 {
		t.Fatalf("got %d notifications, want 3", len(events))
	}
	for _, e := range events {
		if (e.Configuration == "broken") != (e.Err != nil) {
			t.Errorf("notification %s: err = %v", e.Configuration, e.Err)
		}
		if e.Site.RootPageID != testutil.SiteRoot {
			t.Errorf("notification site = %d", e.Site.RootPageID)
		}
	}
}

func TestInitialize_UnknownConfiguration(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.InitializeBySiteAndIndexConfiguration(context.Background(), f.site(t), "nope")
	if !sqerrors.HasCategory(err, sqerrors.ErrCategoryConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if sqerrors.GetCode(err) != sqerrors.CodeUnknownIndexingConfiguration {
		t.Errorf("code = %s", sqerrors.GetCode(err))
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	_, err := NewRegistry().New("custom", Deps{})
	if !sqerrors.HasCategory(err, sqerrors.ErrCategoryConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestInitializeAll(t *testing.T) {
	f := newFixture(t)
	testutil.AddPage(t, f.db, 2, 1, nil)

	res, err := f.svc.InitializeAll(context.Background())
	if err != nil {
		t.Fatalf("InitializeAll failed: %v", err)
	}
	if res[testutil.SiteRoot]["pages"].Count != 2 {
		t.Errorf("results = %+v", res)
	}
}

// Three pages are initialized, then indexed two at a time.
func TestInitializeThenIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.AddPage(t, f.db, 2, 1, map[string]any{"title": "About"})
	testutil.AddPage(t, f.db, 3, 1, map[string]any{"title": "Contact"})

	if _, err := f.svc.InitializeBySiteAndIndexConfiguration(ctx, f.site(t), "pages"); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	stats := func() queue.Statistics {
		st, err := f.q.GetStatisticsFor(ctx, testutil.SiteRoot)
		if err != nil {
			t.Fatalf("GetStatisticsFor failed: %v", err)
		}
		return st
	}
	if st := stats(); st.Total != 3 || st.Pending != 3 {
		t.Fatalf("after initialization: %+v", st)
	}

	conns := solr.NewConnectionManager(f.sites, f.cfg.Solr, nil)
	idx := indexer.NewService(f.q, f.records, f.sites, conns, f.cfg, indexer.WithClock(f.clock.Now))

	if _, err := idx.IndexItems(ctx, 2); err != nil {
		t.Fatalf("IndexItems failed: %v", err)
	}
	if st := stats(); st.Indexed != 2 || st.Pending != 1 {
		t.Fatalf("after first run: %+v", st)
	}

	if _, err := idx.IndexItems(ctx, 2); err != nil {
		t.Fatalf("IndexItems failed: %v", err)
	}
	if st := stats(); st.Indexed != 3 || st.Pending != 0 {
		t.Fatalf("after second run: %+v", st)
	}
	if n := len(f.solr.Docs("core_en")); n != 3 {
		t.Errorf("core holds %d documents, want 3", n)
	}
}
