package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := InitCoreTables(context.Background(), db); err != nil {
		t.Fatalf("InitCoreTables: %v", err)
	}
	return db
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := openTestDB(t)
	for _, table := range []string{"index_queue_item", "event_queue_item", "pages", "tt_content"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Re-running the schema is a no-op
	if err := InitSchema(context.Background(), db); err != nil {
		t.Fatalf("InitSchema twice: %v", err)
	}
}

func TestSQLRecordStore_CRUD(t *testing.T) {
	ctx := context.Background()
	rs := NewSQLRecordStore(openTestDB(t))

	uid, err := rs.Insert(ctx, "pages", map[string]any{"pid": 0, "title": "Home", "is_siteroot": 1})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec, err := rs.GetRecord(ctx, "pages", uid)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.UID() != uid || rec.String("title") != "Home" || !rec.Bool("is_siteroot") {
		t.Errorf("unexpected record %v", rec)
	}

	if err := rs.Update(ctx, "pages", uid, map[string]any{"title": "Start"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec, _ = rs.GetRecord(ctx, "pages", uid)
	if rec.String("title") != "Start" {
		t.Errorf("title = %q after update", rec.String("title"))
	}

	if err := rs.Delete(ctx, "pages", uid); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err = rs.GetRecord(ctx, "pages", uid)
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if sqerrors.GetCategory(err) != sqerrors.ErrCategoryResolution {
		t.Errorf("category = %q", sqerrors.GetCategory(err))
	}
}

func TestSQLRecordStore_FindRecords(t *testing.T) {
	ctx := context.Background()
	rs := NewSQLRecordStore(openTestDB(t))

	for i := 0; i < 5; i++ {
		rs.Insert(ctx, "tt_content", map[string]any{"pid": 10 + i%2, "header": "h", "sorting": i})
	}

	recs, err := rs.FindRecords(ctx, Query{
		Table:      "tt_content",
		Predicates: []Predicate{Eq("pid", 10)},
		OrderBy:    "sorting DESC",
	})
	if err != nil {
		t.Fatalf("FindRecords: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records on pid 10, got %d", len(recs))
	}
	if recs[0].Int("sorting") != 4 {
		t.Errorf("ordering not applied, first sorting = %d", recs[0].Int("sorting"))
	}

	recs, _ = rs.FindRecords(ctx, Query{Table: "tt_content", Predicates: []Predicate{In("pid", []int64{11})}, Limit: 1})
	if len(recs) != 1 {
		t.Errorf("limit not applied, got %d", len(recs))
	}

	recs, _ = rs.FindRecords(ctx, Query{Table: "tt_content", Predicates: []Predicate{In("pid", nil)}})
	if len(recs) != 0 {
		t.Errorf("empty IN must not match, got %d", len(recs))
	}

	n, err := rs.Count(ctx, Query{Table: "tt_content", Where: "sorting >= 3"})
	if err != nil || n != 2 {
		t.Errorf("Count = %d, %v; want 2", n, err)
	}
}

func TestSQLRecordStore_RejectsBadIdentifiers(t *testing.T) {
	ctx := context.Background()
	rs := NewSQLRecordStore(openTestDB(t))

	tests := []Query{
		{Table: "pages; DROP TABLE pages"},
		{Table: "pages", Columns: []string{"uid, title"}},
		{Table: "pages", Predicates: []Predicate{Eq("1=1 OR uid", 1)}},
		{Table: "pages", Predicates: []Predicate{{Column: "uid", Operator: "LIKE", Value: "%"}}},
	}
	for _, q := range tests {
		if _, err := rs.FindRecords(ctx, q); err == nil {
			t.Errorf("expected error for query %+v", q)
		}
	}
	if _, err := rs.Insert(ctx, "pages", map[string]any{"bad col": 1}); sqerrors.GetCode(err) != sqerrors.CodeInvalidIdentifier {
		t.Errorf("Insert with bad column: %v", err)
	}
}

func TestVisibility(t *testing.T) {
	tc := config.DefaultTables()[config.PagesTable]
	now := int64(1000)

	tests := []struct {
		name      string
		rec       Record
		indexable bool
		visible   bool
	}{
		{"plain", Record{"uid": int64(1)}, true, true},
		{"deleted", Record{"deleted": int64(1)}, false, false},
		{"hidden", Record{"hidden": int64(1)}, false, false},
		{"expired", Record{"endtime": int64(999)}, false, false},
		{"ends later", Record{"endtime": int64(2000)}, true, true},
		{"scheduled", Record{"starttime": int64(1500)}, true, false},
		{"started", Record{"starttime": int64(500)}, true, true},
	}
	for _, tt := range tests {
		if got := IsIndexable(tt.rec, tc, now); got != tt.indexable {
			t.Errorf("%s: indexable = %v, want %v", tt.name, got, tt.indexable)
		}
		if got := IsVisible(tt.rec, tc, now); got != tt.visible {
			t.Errorf("%s: visible = %v, want %v", tt.name, got, tt.visible)
		}
	}
}

func TestChangedTime(t *testing.T) {
	tc := config.DefaultTables()[config.PagesTable]
	now := int64(5000)

	if got := ChangedTime(Record{"tstamp": int64(100)}, tc, now); got != 100 {
		t.Errorf("tstamp only: got %d", got)
	}
	if got := ChangedTime(Record{"tstamp": int64(100), "starttime": int64(7000)}, tc, now); got != 7000 {
		t.Errorf("future start: got %d", got)
	}
	if got := ChangedTime(Record{}, tc, now); got != now {
		t.Errorf("unknown: got %d, want now", got)
	}
}

func TestIndexableClause(t *testing.T) {
	ctx := context.Background()
	rs := NewSQLRecordStore(openTestDB(t))
	tc := config.DefaultTables()[config.PagesTable]

	rs.Insert(ctx, "pages", map[string]any{"title": "ok"})
	rs.Insert(ctx, "pages", map[string]any{"title": "hidden", "hidden": 1})
	rs.Insert(ctx, "pages", map[string]any{"title": "gone", "deleted": 1})
	rs.Insert(ctx, "pages", map[string]any{"title": "expired", "endtime": 10})
	rs.Insert(ctx, "pages", map[string]any{"title": "future", "starttime": 99999})

	n, err := rs.Count(ctx, Query{Table: "pages", Where: IndexableClause(tc, 100)})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("indexable pages = %d, want 2", n)
	}
}
