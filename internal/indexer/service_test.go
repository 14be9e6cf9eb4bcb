package indexer

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/solrqueue/solrqueue/internal/config"
	"github.com/solrqueue/solrqueue/internal/observability"
	"github.com/solrqueue/solrqueue/internal/queue"
	"github.com/solrqueue/solrqueue/internal/rootpage"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/solr"
	"github.com/solrqueue/solrqueue/internal/store"
	"github.com/solrqueue/solrqueue/internal/testutil"
)

const testNow int64 = 1_700_000_000

type fixture struct {
	svc   *Service
	q     *queue.Queue
	db    *sql.DB
	cfg   *config.Config
	solr  *testutil.FakeSolr
	stats *observability.RunStats
	hash  string
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
	conns := solr.NewConnectionManager(sites, cfg.Solr, nil)
	stats := observability.NewRunStats(time.Hour)

	testutil.AddSiteRoot(t, db, testutil.SiteRoot)
	return &fixture{
		svc:   NewService(q, records, sites, conns, cfg, WithClock(clock.Now), WithStats(stats)),
		q:     q,
		db:    db,
		cfg:   cfg,
		solr:  fs,
		stats: stats,
		hash:  site.Hash(testutil.SiteDomain, testutil.EncryptionKey),
	}
}

// queuePages adds pages below the site root and queues them.
func (f *fixture) queuePages(t *testing.T, uids ...int64) {
	t.Helper()
	for i, uid := range uids {
		testutil.AddPage(t, f.db, uid, testutil.SiteRoot, map[string]any{
			"title":  "Page " + string(rune('A'+i)),
			"tstamp": testNow - int64(100-i),
		})
		if _, err := f.q.UpdateItem(context.Background(), config.PagesTable, uid, 0); err != nil {
			t.Fatalf("UpdateItem(%d) failed: %v", uid, err)
		}
	}
}

func (f *fixture) pending(t *testing.T) int64 {
	t.Helper()
	st, err := f.q.GetStatisticsFor(context.Background(), testutil.SiteRoot)
	if err != nil {
		t.Fatalf("GetStatisticsFor failed: %v", err)
	}
	return st.Pending
}

func TestIndexItems_RespectsMaxDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queuePages(t, 10, 11, 12)

	res, err := f.svc.IndexItems(ctx, 2)
	if err != nil {
		t.Fatalf("IndexItems failed: %v", err)
	}
	if res.Processed != 2 || res.Indexed != 2 || res.Failed != 0 || res.RunID == "" {
		t.Errorf("first run = %+v", res)
	}
	if p := f.pending(t); p != 1 {
		t.Errorf("pending after first run = %d, want 1", p)
	}

	res, err = f.svc.IndexItems(ctx, 2)
	if err != nil {
		t.Fatalf("IndexItems failed: %v", err)
	}
	if res.Processed != 1 || res.Indexed != 1 {
		t.Errorf("second run = %+v", res)
	}
	if p := f.pending(t); p != 0 {
		t.Errorf("pending after second run = %d, want 0", p)
	}
	if docs := f.solr.Docs("core_en"); len(docs) != 3 {
		t.Errorf("expected 3 documents in solr, got %d", len(docs))
	}

	if s, ok := f.stats.Get(observability.OpIndex); !ok || s.Runs != 2 || s.Processed != 3 {
		t.Errorf("unexpected run stats %+v", s)
	}
}

func TestIndexItems_DocumentFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queuePages(t, 10)
	testutil.AddRecord(t, f.db, config.ContentTable, 1, 10, map[string]any{"header": "Intro", "bodytext": "<p>Hello</p>", "sorting": 1})
	testutil.AddRecord(t, f.db, config.ContentTable, 2, 10, map[string]any{"bodytext": "hidden", "hidden": 1})
	testutil.AddRecord(t, f.db, testutil.NewsTable, 5, 10, map[string]any{
		"title": "News", "bodytext": "<b>Body</b>", "keywords": "a, b", "tstamp": testNow - 1,
	})
	if _, err := f.q.UpdateItem(ctx, testutil.NewsTable, 5, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.IndexItems(ctx, 10); err != nil {
		t.Fatalf("IndexItems failed: %v", err)
	}

	byID := make(map[string]map[string]any)
	for _, d := range f.solr.Docs("core_en") {
		byID[d["id"].(string)] = d
	}

	page, ok := byID[DocumentID(f.hash, config.PagesTable, 10, 0, "")]
	if !ok {
		t.Fatalf("page document missing, got %v", byID)
	}
	if page["type"] != "pages" || page["siteHash"] != f.hash || page["title"] != "Page A" {
		t.Errorf("unexpected page document %v", page)
	}
	if page["content"] != "Intro Hello" {
		t.Errorf("page content = %q", page["content"])
	}
	if page["access"] != "r:0" || page["url"] != "https://example.org/index.php?id=10" {
		t.Errorf("unexpected access/url %v %v", page["access"], page["url"])
	}

	news, ok := byID[DocumentID(f.hash, testutil.NewsTable, 5, 0, "")]
	if !ok {
		t.Fatal("news document missing")
	}
	if news["content"] != "Body" || news["indexingConfiguration"] != "news" {
		t.Errorf("unexpected news document %v", news)
	}
	if kw, _ := news["keywords"].([]any); len(kw) != 2 || kw[0] != "a" {
		t.Errorf("keywords = %v", news["keywords"])
	}
}

func TestIndexItems_OneFailureDoesNotFailTheBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queuePages(t, 10, 11, 12, 13)
	f.solr.FailAdd = func(doc map[string]any) bool { return doc["uid"] == float64(12) }

	res, err := f.svc.IndexItems(ctx, 10)
	if err != nil {
		t.Fatalf("IndexItems failed: %v", err)
	}
	if res.Indexed != 3 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}

	items, _ := f.q.GetItems(ctx, config.PagesTable, 12)
	if len(items) != 1 || !items[0].HasErrors() || items[0].Indexed != 0 {
		t.Fatalf("failed item state %+v", items[0])
	}
	if !strings.Contains(items[0].Errors, "document rejected") {
		t.Errorf("errors = %q", items[0].Errors)
	}
	for _, uid := range []int64{10, 11, 13} {
		items, _ := f.q.GetItems(ctx, config.PagesTable, uid)
		if items[0].Indexed < items[0].Changed || items[0].HasErrors() {
			t.Errorf("page %d not indexed: %+v", uid, items[0])
		}
	}

	// The failed item stays pending for the next run
	f.solr.FailAdd = nil
	if res, _ := f.svc.IndexItems(ctx, 10); res.Indexed != 1 {
		t.Errorf("retry run = %+v", res)
	}
}

func TestIndexItems_HeaderStatusRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queuePages(t, 10, 11, 12)
	f.solr.RejectAdd = func(doc map[string]any) bool { return doc["uid"] == float64(11) }

	res, err := f.svc.IndexItems(ctx, 10)
	if err != nil {
		t.Fatalf("IndexItems failed: %v", err)
	}
	if res.Indexed != 2 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}

	items, _ := f.q.GetItems(ctx, config.PagesTable, 11)
	if len(items) != 1 || items[0].Indexed != 0 {
		t.Fatalf("rejected item marked as indexed: %+v", items)
	}
	if items[0].Errors != "500: update handler error" {
		t.Errorf("errors = %q", items[0].Errors)
	}
	if n := len(f.solr.Docs("core_en")); n != 2 {
		t.Errorf("core holds %d documents, want 2", n)
	}
}

func TestIndexItems_TransportFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queuePages(t, 10, 11)
	f.solr.SetDown(true)

	res, err := f.svc.IndexItems(ctx, 10)
	if err != nil {
		t.Fatalf("transport failures must not abort the run: %v", err)
	}
	if res.Failed != 2 || res.Indexed != 0 {
		t.Errorf("result = %+v", res)
	}
	if p := f.pending(t); p != 0 {
		t.Errorf("failed items are not counted as pending, got %d", p)
	}
	if s, _ := f.stats.Get(observability.OpIndex); s.Errors["BAD_STATUS"] != 2 {
		t.Errorf("error stats = %v", s.Errors)
	}
}

func TestIndexItems_RemovesStaleItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queuePages(t, 10, 11)
	testutil.UpdateRecord(t, f.db, config.PagesTable, 11, map[string]any{"hidden": 1})
	if _, err := f.q.AddItems(ctx, []*queue.Item{{
		Root: testutil.SiteRoot, Type: testutil.NewsTable, RecordUID: 404, IndexingConfiguration: "news", Changed: testNow - 1,
	}}); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.IndexItems(ctx, 10)
	if err != nil {
		t.Fatalf("IndexItems failed: %v", err)
	}
	if res.Removed != 2 || res.Indexed != 1 {
		t.Errorf("result = %+v", res)
	}
	for _, c := range []struct {
		table string
		uid   int64
	}{{config.PagesTable, 11}, {testutil.NewsTable, 404}} {
		if ok, _ := f.q.ContainsItem(ctx, c.table, c.uid); ok {
			t.Errorf("stale item %s:%d still queued", c.table, c.uid)
		}
	}
}

func TestIndexItems_ListenersAndModifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queuePages(t, 10)

	var retrieved []RecordsRetrieved
	f.svc.OnRecordsRetrieved(func(ctx context.Context, e RecordsRetrieved) error {
		retrieved = append(retrieved, e)
		return nil
	})
	f.svc.AddDocumentModifier(DocumentModifierFunc(func(ctx context.Context, it *queue.Item, docs []solr.Document) ([]solr.Document, error) {
		extra := docs[0].Clone()
		extra["id"] = docs[0]["id"].(string) + "/teaser"
		docs[0]["tagged"] = true
		return append(docs, extra), nil
	}))
	f.svc.AddDocumentModifier(DocumentModifierFunc(func(ctx context.Context, it *queue.Item, docs []solr.Document) ([]solr.Document, error) {
		docs[0]["broken"] = true
		return nil, errors.New("boom")
	}))
	f.svc.AddDocumentModifier(DocumentModifierFunc(func(ctx context.Context, it *queue.Item, docs []solr.Document) ([]solr.Document, error) {
		panic("modifier bug")
	}))

	res, err := f.svc.IndexItems(ctx, 10)
	if err != nil {
		t.Fatalf("IndexItems failed: %v", err)
	}
	if res.Indexed != 1 || res.Documents != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(retrieved) != 1 || len(retrieved[0].Records) != 1 || retrieved[0].Records[0].UID() != 10 {
		t.Errorf("unexpected retrieved notifications %+v", retrieved)
	}

	docs := f.solr.Docs("core_en")
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0]["tagged"] != true || docs[0]["broken"] != nil {
		t.Errorf("failing modifier leaked changes: %v", docs[0])
	}
}

func TestIndexItems_CommitPolicy(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Solr.Commit = config.CommitSoft })
	f.queuePages(t, 10)
	if _, err := f.svc.IndexItems(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	if c := f.solr.Commits("core_en"); len(c) != 1 || c[0] != "soft" {
		t.Errorf("commits = %v", c)
	}
}

func TestIndexItems_Classification(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		ic, _ := cfg.Sites[0].IndexingConfiguration("news")
		ic.Classification = &config.ClassificationConfig{
			SourceFields: []string{"title", "content"},
			Classes: []config.ClassConfig{
				{Class: "sports", Match: []string{"football"}},
				{Class: "politics", Match: []string{"election"}, Unmatch: []string{"football"}},
			},
		}
	})
	ctx := context.Background()
	testutil.AddRecord(t, f.db, testutil.NewsTable, 5, testutil.SiteRoot, map[string]any{
		"title": "Football election", "bodytext": "<p>results</p>",
	})
	if _, err := f.q.UpdateItem(ctx, testutil.NewsTable, 5, testNow-1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.IndexItems(ctx, 10); err != nil {
		t.Fatal(err)
	}

	docs := f.solr.Docs("core_en")
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	classes, _ := docs[0][DefaultClassificationField].([]any)
	if len(classes) != 1 || classes[0] != "sports" {
		t.Errorf("classes = %v", docs[0][DefaultClassificationField])
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(config.IndexingTypePage); err == nil {
		t.Error("empty registry must not return a builder")
	}
	called := false
	r.Register("custom", BuilderFunc(func(ctx context.Context, in Input) (solr.Document, error) {
		called = true
		return solr.Document{}, nil
	}))
	b, err := r.Get("custom")
	if err != nil {
		t.Fatal(err)
	}
	b.Build(context.Background(), Input{})
	if !called {
		t.Error("registered builder not used")
	}
}

func TestDocumentID(t *testing.T) {
	tests := []struct {
		lang  int
		mount string
		want  string
	}{
		{0, "", "h/pages/3"},
		{1, "", "h/pages/3/1"},
		{0, "3-7", "h/pages/3/m3-7"},
	}
	for _, tt := range tests {
		if got := DocumentID("h", "pages", 3, tt.lang, tt.mount); got != tt.want {
			t.Errorf("DocumentID = %q, want %q", got, tt.want)
		}
	}
}
