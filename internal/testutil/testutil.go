// Package testutil provides fixtures shared by the package tests: a temporary
// record database, a site configuration and a fake Solr server.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/solrqueue/solrqueue/internal/config"
	"github.com/solrqueue/solrqueue/internal/store"
)

const (
	// SiteRoot is the root page of the fixture site
	SiteRoot int64 = 1

	// SiteDomain is the domain of the fixture site
	SiteDomain = "example.org"

	// EncryptionKey is mixed into the fixture site hash
	EncryptionKey = "test-key"

	// NewsTable is the custom record table of the fixture site
	NewsTable = "tx_news_domain_model_news"
)

const createNewsTableSQL = `
CREATE TABLE IF NOT EXISTS tx_news_domain_model_news (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    pid INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    teaser TEXT NOT NULL DEFAULT '',
    bodytext TEXT NOT NULL DEFAULT '',
    keywords TEXT NOT NULL DEFAULT '',
    datetime INTEGER NOT NULL DEFAULT 0,
    sys_language_uid INTEGER NOT NULL DEFAULT 0,
    tstamp INTEGER NOT NULL DEFAULT 0,
    crdate INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    hidden INTEGER NOT NULL DEFAULT 0,
    starttime INTEGER NOT NULL DEFAULT 0,
    endtime INTEGER NOT NULL DEFAULT 0,
    fe_group TEXT NOT NULL DEFAULT ''
)`

// OpenDB opens a temporary database holding the queue tables, the core CMS
// tables and the news table.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "solrqueue.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	CreateRecordTables(t, db)
	return db
}

// CreateRecordTables adds the core CMS tables and the news table to db.
func CreateRecordTables(t testing.TB, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	if err := store.InitCoreTables(ctx, db); err != nil {
		t.Fatalf("failed to create core tables: %v", err)
	}
	if _, err := db.ExecContext(ctx, createNewsTableSQL); err != nil {
		t.Fatalf("failed to create news table: %v", err)
	}
}

// Config returns a resolved configuration with one site (root 1) whose
// language 0 is served by ep. The site has a "pages" page configuration and
// a "news" record configuration on NewsTable.
func Config(ep config.EndpointConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.EncryptionKey = EncryptionKey
	cfg.Tables = config.DefaultTables()
	cfg.Tables[NewsTable] = cfg.Tables[config.ContentTable]
	cfg.Sites = []config.SiteConfig{{
		RootPageID: SiteRoot,
		Name:       "main",
		Domain:     SiteDomain,
		BaseURL:    "https://" + SiteDomain + "/",
		Languages:  []config.LanguageConfig{{ID: 0, Read: ep}},
		Indexing: []config.IndexingConfig{
			{
				Name:  "pages",
				Type:  config.IndexingTypePage,
				Table: config.PagesTable,
				Fields: []config.FieldMapping{
					{Field: "title", Source: "title"},
				},
			},
			{
				Name:  "news",
				Type:  config.IndexingTypeRecord,
				Table: NewsTable,
				Fields: []config.FieldMapping{
					{Field: "title", Source: "title"},
					{Field: "content", Source: "bodytext", Transform: "strip_tags"},
					{Field: "keywords", Source: "keywords", Transform: "split", Separator: ","},
				},
			},
		},
	}}
	cfg.Resolve()
	return cfg
}

// AddPage inserts a page below pid. Extra values override the column
// defaults.
func AddPage(t testing.TB, db *sql.DB, uid, pid int64, values map[string]any) {
	t.Helper()
	AddRecord(t, db, config.PagesTable, uid, pid, values)
}

// AddSiteRoot inserts a page flagged as site root.
func AddSiteRoot(t testing.TB, db *sql.DB, uid int64) {
	t.Helper()
	AddPage(t, db, uid, 0, map[string]any{config.PageColumnIsSiteRoot: 1, "title": "Home"})
}

// AddRecord inserts a record with an explicit uid into table.
func AddRecord(t testing.TB, db *sql.DB, table string, uid, pid int64, values map[string]any) {
	t.Helper()
	row := map[string]any{"uid": uid, "pid": pid}
	for k, v := range values {
		row[k] = v
	}
	if _, err := store.NewSQLRecordStore(db).Insert(context.Background(), table, row); err != nil {
		t.Fatalf("failed to insert %s:%d: %v", table, uid, err)
	}
}

// UpdateRecord changes columns of an existing record.
func UpdateRecord(t testing.TB, db *sql.DB, table string, uid int64, values map[string]any) {
	t.Helper()
	if err := store.NewSQLRecordStore(db).Update(context.Background(), table, uid, values); err != nil {
		t.Fatalf("failed to update %s:%d: %v", table, uid, err)
	}
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at unix time sec.
func NewClock(sec int64) *Clock {
	return &Clock{now: time.Unix(sec, 0)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
