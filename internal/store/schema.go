package store

// CreateIndexQueueTableSQL creates the index queue. One row per
// (item_type, item_uid, root, indexing_configuration); an item is pending
// while changed > indexed.
const CreateIndexQueueTableSQL = `
CREATE TABLE IF NOT EXISTS index_queue_item (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    root INTEGER NOT NULL,
    item_type TEXT NOT NULL,
    item_uid INTEGER NOT NULL,
    indexing_configuration TEXT NOT NULL,
    changed INTEGER NOT NULL DEFAULT 0,
    indexed INTEGER NOT NULL DEFAULT 0,
    errors TEXT NOT NULL DEFAULT '',
    indexing_priority INTEGER NOT NULL DEFAULT 0,
    mount_identifier TEXT NOT NULL DEFAULT '',
    UNIQUE (item_type, item_uid, root, indexing_configuration)
)`

// CreateIndexQueueIndexesSQL creates the lookup indexes of the index queue.
var CreateIndexQueueIndexesSQL = []string{
	// Next-items selection
	`CREATE INDEX IF NOT EXISTS idx_queue_pending ON index_queue_item(root, changed, indexed)`,

	// Record lookups from change hooks and garbage collection
	`CREATE INDEX IF NOT EXISTS idx_queue_item ON index_queue_item(item_type, item_uid)`,

	// Per site and configuration resets
	`CREATE INDEX IF NOT EXISTS idx_queue_configuration ON index_queue_item(root, indexing_configuration)`,
}

// CreateEventQueueTableSQL creates the deferred event queue.
const CreateEventQueueTableSQL = `
CREATE TABLE IF NOT EXISTS event_queue_item (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    tstamp INTEGER NOT NULL,
    event BLOB NOT NULL,
    error INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT ''
)`

// CreateEventQueueIndexesSQL creates the indexes of the event queue.
var CreateEventQueueIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_event_queue_error ON event_queue_item(error, uid)`,
}

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{CreateIndexQueueTableSQL}
	stmts = append(stmts, CreateIndexQueueIndexesSQL...)
	stmts = append(stmts, CreateEventQueueTableSQL)
	stmts = append(stmts, CreateEventQueueIndexesSQL...)
	return stmts
}

// CoreTablesSQL holds minimal definitions of the CMS page and content tables.
var CoreTablesSQL = []string{
	`CREATE TABLE IF NOT EXISTS pages (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    pid INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    doktype INTEGER NOT NULL DEFAULT 1,
    is_siteroot INTEGER NOT NULL DEFAULT 0,
    extendToSubpages INTEGER NOT NULL DEFAULT 0,
    mount_pid INTEGER NOT NULL DEFAULT 0,
    mount_pid_ol INTEGER NOT NULL DEFAULT 0,
    no_search INTEGER NOT NULL DEFAULT 0,
    sys_language_uid INTEGER NOT NULL DEFAULT 0,
    tstamp INTEGER NOT NULL DEFAULT 0,
    crdate INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    hidden INTEGER NOT NULL DEFAULT 0,
    starttime INTEGER NOT NULL DEFAULT 0,
    endtime INTEGER NOT NULL DEFAULT 0,
    fe_group TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS tt_content (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    pid INTEGER NOT NULL DEFAULT 0,
    header TEXT NOT NULL DEFAULT '',
    bodytext TEXT NOT NULL DEFAULT '',
    CType TEXT NOT NULL DEFAULT 'text',
    colPos INTEGER NOT NULL DEFAULT 0,
    sorting INTEGER NOT NULL DEFAULT 0,
    sys_language_uid INTEGER NOT NULL DEFAULT 0,
    tstamp INTEGER NOT NULL DEFAULT 0,
    crdate INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    hidden INTEGER NOT NULL DEFAULT 0,
    starttime INTEGER NOT NULL DEFAULT 0,
    endtime INTEGER NOT NULL DEFAULT 0,
    fe_group TEXT NOT NULL DEFAULT ''
)`,
}
