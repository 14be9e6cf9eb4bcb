package update

import (
	"context"
	"database/sql"
	"reflect"
	"sort"
	"testing"

	"github.com/solrqueue/solrqueue/internal/config"
	"github.com/solrqueue/solrqueue/internal/events"
	"github.com/solrqueue/solrqueue/internal/garbage"
	"github.com/solrqueue/solrqueue/internal/queue"
	"github.com/solrqueue/solrqueue/internal/rootpage"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/solr"
	"github.com/solrqueue/solrqueue/internal/store"
	"github.com/solrqueue/solrqueue/internal/testutil"
)

const testNow int64 = 1_700_000_000

type fixture struct {
	h    *Handler
	q    *queue.Queue
	db   *sql.DB
	solr *testutil.FakeSolr
	hash string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := testutil.NewFakeSolr(t)
	cfg := testutil.Config(fs.Endpoint("core_en"))

	db := testutil.OpenDB(t)
	records := store.NewSQLRecordStore(db)
	sites := site.NewRepository(cfg)
	resolver := rootpage.NewResolver(records, sites, cfg, nil, nil)
	clock := testutil.NewClock(testNow)
	q := queue.New(db, records, resolver, sites, cfg, queue.WithClock(clock.Now))
	conns := solr.NewConnectionManager(sites, cfg.Solr, nil)
	remover := garbage.NewRemover(q, resolver, sites, conns, cfg.Solr.Commit, nil)

	testutil.AddSiteRoot(t, db, testutil.SiteRoot)
	return &fixture{
		h:    NewHandler(q, records, resolver, remover, cfg, WithClock(clock.Now)),
		q:    q,
		db:   db,
		solr: fs,
		hash: site.Hash(testutil.SiteDomain, testutil.EncryptionKey),
	}
}

func (f *fixture) handle(t *testing.T, e events.Event) {
	t.Helper()
	if err := f.h.Handle(context.Background(), e); err != nil {
		t.Fatalf("Handle(%s) failed: %v", e, err)
	}
}

func (f *fixture) queued(t *testing.T, table string, uid int64) []*queue.Item {
	t.Helper()
	items, err := f.q.GetItems(context.Background(), table, uid)
	if err != nil {
		t.Fatalf("GetItems failed: %v", err)
	}
	return items
}

func TestHandle_InsertAndUpdate(t *testing.T) {
	f := newFixture(t)
	testutil.AddPage(t, f.db, 10, testutil.SiteRoot, map[string]any{"tstamp": testNow - 10})

	f.handle(t, events.NewRecordInserted(config.PagesTable, 10, testutil.SiteRoot, nil))
	items := f.queued(t, config.PagesTable, 10)
	if len(items) != 1 || items[0].Changed != testNow-10 {
		t.Fatalf("unexpected items %v", items)
	}

	f.handle(t, events.NewRecordUpdated(config.PagesTable, 10, testutil.SiteRoot, nil).WithForcedChangeTime(testNow))
	items = f.queued(t, config.PagesTable, 10)
	if len(items) != 1 || items[0].Changed != testNow {
		t.Fatalf("update must bump changed in place, got %v", items)
	}
}

func TestHandle_HiddenRecordIsCollected(t *testing.T) {
	f := newFixture(t)
	testutil.AddRecord(t, f.db, testutil.NewsTable, 7, testutil.SiteRoot, nil)
	f.handle(t, events.NewRecordInserted(testutil.NewsTable, 7, testutil.SiteRoot, nil))

	testutil.UpdateRecord(t, f.db, testutil.NewsTable, 7, map[string]any{"hidden": 1})
	f.handle(t, events.NewRecordUpdated(testutil.NewsTable, 7, testutil.SiteRoot, map[string]string{"hidden": "1"}))

	if items := f.queued(t, testutil.NewsTable, 7); len(items) != 0 {
		t.Errorf("hidden record still queued: %v", items)
	}
	want := garbage.Query(testutil.NewsTable, 7, f.hash)
	if d := f.solr.Deletes("core_en"); len(d) != 1 || d[0] != want {
		t.Errorf("deletes = %v, want [%s]", d, want)
	}
}

func TestHandle_DeletedPage(t *testing.T) {
	f := newFixture(t)
	testutil.AddPage(t, f.db, 42, testutil.SiteRoot, nil)
	f.handle(t, events.NewRecordInserted(config.PagesTable, 42, testutil.SiteRoot, nil))

	testutil.UpdateRecord(t, f.db, config.PagesTable, 42, map[string]any{"deleted": 1})
	f.handle(t, events.NewRecordDeleted(config.PagesTable, 42, testutil.SiteRoot))

	if items := f.queued(t, config.PagesTable, 42); len(items) != 0 {
		t.Errorf("deleted page still queued: %v", items)
	}
	want := "type:pages AND uid:42 AND siteHash:" + f.hash
	if d := f.solr.Deletes("core_en"); len(d) != 1 || d[0] != want {
		t.Errorf("deletes = %v, want [%s]", d, want)
	}
}

func TestHandle_ContentElementsReindexTheirPage(t *testing.T) {
	f := newFixture(t)
	testutil.AddPage(t, f.db, 10, testutil.SiteRoot, map[string]any{"tstamp": testNow - 100})
	testutil.AddRecord(t, f.db, config.ContentTable, 3, 10, map[string]any{"tstamp": testNow - 5})

	// Content changes arrive without pid when replayed from older hooks
	f.handle(t, events.NewRecordUpdated(config.ContentTable, 3, 0, nil))
	items := f.queued(t, config.PagesTable, 10)
	if len(items) != 1 || items[0].Changed != testNow-5 {
		t.Fatalf("page not reindexed for content change: %v", items)
	}
	if len(f.queued(t, config.ContentTable, 3)) != 0 {
		t.Error("content elements must not be queued themselves")
	}

	f.handle(t, events.NewContentElementDeleted(3, 10).WithForcedChangeTime(testNow))
	if items := f.queued(t, config.PagesTable, 10); len(items) != 1 || items[0].Changed != testNow {
		t.Errorf("content delete did not bump the page: %v", items)
	}
}

func TestHandle_PageMovedOutOfSite(t *testing.T) {
	f := newFixture(t)
	testutil.AddPage(t, f.db, 500, 0, nil)
	testutil.AddPage(t, f.db, 20, testutil.SiteRoot, nil)
	testutil.AddPage(t, f.db, 21, 20, nil)
	for _, uid := range []int64{20, 21} {
		f.handle(t, events.NewRecordInserted(config.PagesTable, uid, 0, nil))
	}

	testutil.UpdateRecord(t, f.db, config.PagesTable, 20, map[string]any{"pid": 500})
	f.handle(t, events.NewPageMoved(20, 500, testutil.SiteRoot))

	for _, uid := range []int64{20, 21} {
		if items := f.queued(t, config.PagesTable, uid); len(items) != 0 {
			t.Errorf("page %d still queued after leaving the site: %v", uid, items)
		}
	}
	got := f.solr.Deletes("core_en")
	sort.Strings(got)
	want := []string{garbage.Query(config.PagesTable, 20, f.hash), garbage.Query(config.PagesTable, 21, f.hash)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("deletes = %v, want %v", got, want)
	}
}

func TestHandle_PageMoveTakesRecordsAlong(t *testing.T) {
	f := newFixture(t)
	testutil.AddPage(t, f.db, 500, 0, nil)
	testutil.AddPage(t, f.db, 10, testutil.SiteRoot, nil)
	testutil.AddRecord(t, f.db, testutil.NewsTable, 7, 10, nil)
	f.handle(t, events.NewRecordInserted(config.PagesTable, 10, testutil.SiteRoot, nil))
	f.handle(t, events.NewRecordInserted(testutil.NewsTable, 7, 10, nil))
	if items := f.queued(t, testutil.NewsTable, 7); len(items) != 1 {
		t.Fatalf("record not queued before the move: %v", items)
	}

	testutil.UpdateRecord(t, f.db, config.PagesTable, 10, map[string]any{"pid": 500})
	f.handle(t, events.NewPageMoved(10, 500, testutil.SiteRoot))

	if items := f.queued(t, testutil.NewsTable, 7); len(items) != 0 {
		t.Errorf("record on the moved page still queued: %v", items)
	}
	got := f.solr.Deletes("core_en")
	sort.Strings(got)
	want := []string{garbage.Query(config.PagesTable, 10, f.hash), garbage.Query(testutil.NewsTable, 7, f.hash)}
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("deletes = %v, want %v", got, want)
	}

	// Later edits resolve through the moved page
	f.handle(t, events.NewRecordUpdated(testutil.NewsTable, 7, 10, nil))
	if items := f.queued(t, testutil.NewsTable, 7); len(items) != 0 {
		t.Errorf("record requeued for its old site: %v", items)
	}
}

func TestHandle_SiteRootFlagChange(t *testing.T) {
	f := newFixture(t)
	testutil.UpdateRecord(t, f.db, config.PagesTable, testutil.SiteRoot, map[string]any{config.PageColumnIsSiteRoot: 0})
	testutil.AddPage(t, f.db, 10, testutil.SiteRoot, nil)
	testutil.AddRecord(t, f.db, testutil.NewsTable, 7, 10, nil)

	f.handle(t, events.NewRecordUpdated(config.PagesTable, 10, testutil.SiteRoot, nil))
	if items := f.queued(t, config.PagesTable, 10); len(items) != 0 {
		t.Fatalf("page queued without a site root above it: %v", items)
	}

	subtree := []struct {
		table string
		uid   int64
	}{
		{config.PagesTable, testutil.SiteRoot},
		{config.PagesTable, 10},
		{testutil.NewsTable, 7},
	}

	testutil.UpdateRecord(t, f.db, config.PagesTable, testutil.SiteRoot, map[string]any{config.PageColumnIsSiteRoot: 1})
	f.handle(t, events.NewRecordUpdated(config.PagesTable, testutil.SiteRoot, 0,
		map[string]string{config.PageColumnIsSiteRoot: "1"}))
	for _, r := range subtree {
		if items := f.queued(t, r.table, r.uid); len(items) != 1 || items[0].Root != testutil.SiteRoot {
			t.Errorf("%s:%d not queued below the new site root: %v", r.table, r.uid, items)
		}
	}

	f.handle(t, events.NewRecordUpdated(config.PagesTable, 10, testutil.SiteRoot, nil))
	if items := f.queued(t, config.PagesTable, 10); len(items) != 1 {
		t.Errorf("page 10 after a plain update: %v", items)
	}

	testutil.UpdateRecord(t, f.db, config.PagesTable, testutil.SiteRoot, map[string]any{config.PageColumnIsSiteRoot: 0})
	f.handle(t, events.NewRecordUpdated(config.PagesTable, testutil.SiteRoot, 0,
		map[string]string{config.PageColumnIsSiteRoot: "0"}))
	var want []string
	for _, r := range subtree {
		if items := f.queued(t, r.table, r.uid); len(items) != 0 {
			t.Errorf("%s:%d still queued after the site root flag was cleared: %v", r.table, r.uid, items)
		}
		want = append(want, garbage.Query(r.table, r.uid, f.hash))
	}
	got := f.solr.Deletes("core_en")
	sort.Strings(got)
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("deletes = %v, want %v", got, want)
	}
}

func TestHandle_RecordMovedIntoSite(t *testing.T) {
	f := newFixture(t)
	testutil.AddPage(t, f.db, 500, 0, nil)
	testutil.AddPage(t, f.db, 10, testutil.SiteRoot, nil)
	testutil.AddRecord(t, f.db, testutil.NewsTable, 7, 500, nil)

	// Outside every site: nothing to queue, no error
	f.handle(t, events.NewRecordInserted(testutil.NewsTable, 7, 500, nil))
	if len(f.queued(t, testutil.NewsTable, 7)) != 0 {
		t.Fatal("record outside any site was queued")
	}

	testutil.UpdateRecord(t, f.db, testutil.NewsTable, 7, map[string]any{"pid": 10})
	f.handle(t, events.NewRecordMoved(testutil.NewsTable, 7, 10, 500))
	if items := f.queued(t, testutil.NewsTable, 7); len(items) != 1 || items[0].Root != testutil.SiteRoot {
		t.Errorf("moved record not queued: %v", items)
	}
}

func TestHandle_ExtendToSubpages(t *testing.T) {
	f := newFixture(t)
	testutil.AddPage(t, f.db, 10, testutil.SiteRoot, nil)
	testutil.AddPage(t, f.db, 11, 10, nil)
	testutil.AddPage(t, f.db, 12, 11, nil)
	for _, uid := range []int64{10, 11, 12} {
		f.handle(t, events.NewRecordInserted(config.PagesTable, uid, 0, nil))
	}

	testutil.UpdateRecord(t, f.db, config.PagesTable, 10, map[string]any{"hidden": 1, config.PageColumnExtendToSubpages: 1})
	f.handle(t, events.NewRecordGarbageCheck(config.PagesTable, 10, testutil.SiteRoot,
		map[string]string{"hidden": "1", config.PageColumnExtendToSubpages: "1"}, false))

	for _, uid := range []int64{10, 11, 12} {
		if items := f.queued(t, config.PagesTable, uid); len(items) != 0 {
			t.Errorf("page %d still queued below a hidden extendToSubpages page", uid)
		}
	}

	// Updating a subpage while the ancestor hides it must not requeue it
	f.handle(t, events.NewRecordUpdated(config.PagesTable, 12, 11, nil))
	if len(f.queued(t, config.PagesTable, 12)) != 0 {
		t.Error("subpage of a hidden extendToSubpages page was queued")
	}

	testutil.UpdateRecord(t, f.db, config.PagesTable, 10, map[string]any{"hidden": 0})
	f.handle(t, events.NewRecordGarbageCheck(config.PagesTable, 10, testutil.SiteRoot,
		map[string]string{"hidden": "0"}, false))
	for _, uid := range []int64{11, 12} {
		if len(f.queued(t, config.PagesTable, uid)) != 1 {
			t.Errorf("subpage %d not requeued after unhiding", uid)
		}
	}
}

func TestHandle_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	testutil.AddPage(t, f.db, 10, testutil.SiteRoot, nil)
	testutil.AddRecord(t, f.db, testutil.NewsTable, 7, 10, nil)

	e := events.NewRecordUpdated(testutil.NewsTable, 7, 10, nil).WithForcedChangeTime(testNow)
	f.handle(t, e)
	once := f.queued(t, testutil.NewsTable, 7)
	f.handle(t, e)
	twice := f.queued(t, testutil.NewsTable, 7)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("replaying changed the queue:\n once %v\ntwice %v", once, twice)
	}
}
