// Package queue implements the index queue: the persistent list of records
// that need to be (re)indexed per site root and indexing configuration.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/notify"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/store"
)

// RootResolver resolves the site roots responsible for a record.
type RootResolver interface {
	ResponsibleRootPageIDs(ctx context.Context, table string, uid int64) (mapset.Set[int64], error)
}

// ReindexEvent is emitted after UpdateItem marked a record for reindexing.
type ReindexEvent struct {
	Table   string
	UID     int64
	Roots   []int64
	Changed int64
	Updated int
}

// Filter restricts GetNextItemsToIndex.
type Filter struct {
	// Roots limits selection to these sites; empty means all sites
	Roots []int64

	// ExcludeIDs skips queue items already handled in the current run
	ExcludeIDs []int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(q *Queue) { q.logger = l }
}

// Queue is the SQLite-backed index queue.
type Queue struct {
	db       *sql.DB
	records  store.RecordStore
	resolver RootResolver
	sites    *site.Repository
	cfg      *config.Config
	now      func() time.Time
	logger   logrus.FieldLogger

	reindexed *notify.Listeners[ReindexEvent]
}

// New creates an index queue on db.
func New(db *sql.DB, records store.RecordStore, resolver RootResolver, sites *site.Repository, cfg *config.Config, opts ...Option) *Queue {
	q := &Queue{
		db:        db,
		records:   records,
		resolver:  resolver,
		sites:     sites,
		cfg:       cfg,
		now:       time.Now,
		reindexed: notify.New[ReindexEvent]("after-item-marked-for-reindexing"),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.OrDiscard(q.logger)
	return q
}

// OnItemMarkedForReindexing registers a listener for UpdateItem.
func (q *Queue) OnItemMarkedForReindexing(l notify.Listener[ReindexEvent]) {
	q.reindexed.Add(l)
}

// Now returns the queue's current unix time.
func (q *Queue) Now() int64 { return q.now().Unix() }

type target struct {
	root     int64
	config   string
	priority int
}

// UpdateItem marks a record for (re)indexing. For every responsible root and
// every indexing configuration applicable to the record it inserts a row, or
// bumps changed and clears errors on the existing row. Rows of the record
// whose configuration no longer applies are removed. forcedChangeTime
// overrides the change time derived from the record when positive.
// Returns the number of rows inserted or updated.
func (q *Queue) UpdateItem(ctx context.Context, table string, uid int64, forcedChangeTime int64) (int, error) {
	rec, err := q.records.GetRecord(ctx, table, uid)
	if err != nil {
		return 0, err
	}

	roots, err := q.resolver.ResponsibleRootPageIDs(ctx, table, uid)
	if err != nil {
		return 0, err
	}

	changed := forcedChangeTime
	if changed <= 0 {
		if changed, err = q.itemChangedTime(ctx, table, rec); err != nil {
			return 0, err
		}
	}

	rootIDs := roots.ToSlice()
	sort.Slice(rootIDs, func(i, j int) bool { return rootIDs[i] < rootIDs[j] })

	var targets []target
	for _, root := range rootIDs {
		if root <= 0 {
			continue
		}
		s, err := q.sites.GetSiteByRootPageID(root)
		if err != nil {
			q.logger.WithError(err).WithField("root", root).Warn("queue: skipping unknown site")
			continue
		}
		for _, ic := range s.IndexingConfigurationsForTable(table) {
			ok, err := q.applies(ctx, ic, table, rec)
			if err != nil {
				return 0, err
			}
			if ok {
				targets = append(targets, target{root: root, config: ic.Name, priority: ic.Priority})
			}
		}
	}

	updated, err := q.upsert(ctx, table, uid, changed, targets)
	if err != nil {
		return 0, err
	}

	q.reindexed.Notify(ctx, q.logger, ReindexEvent{
		Table:   table,
		UID:     uid,
		Roots:   rootIDs,
		Changed: changed,
		Updated: updated,
	})
	return updated, nil
}

func (q *Queue) upsert(ctx context.Context, table string, uid, changed int64, targets []target) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	existing, err := tx.QueryContext(ctx, `
		SELECT uid, root, indexing_configuration FROM index_queue_item
		WHERE item_type = ? AND item_uid = ? AND mount_identifier = ''`, table, uid)
	if err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to read queue items", err)
	}
	keep := make(map[string]bool, len(targets))
	for _, t := range targets {
		keep[fmt.Sprintf("%d/%s", t.root, t.config)] = true
	}
	var stale []int64
	for existing.Next() {
		var (
			id, root int64
			cfgName  string
		)
		if err := existing.Scan(&id, &root, &cfgName); err != nil {
			existing.Close()
			return 0, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to scan queue item", err)
		}
		if !keep[fmt.Sprintf("%d/%s", root, cfgName)] {
			stale = append(stale, id)
		}
	}
	existing.Close()

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM index_queue_item WHERE uid = ?`, id); err != nil {
			return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to remove stale queue item", err)
		}
	}

	updated := 0
	for _, t := range targets {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO index_queue_item
				(root, item_type, item_uid, indexing_configuration, changed, indexed, errors, indexing_priority)
			VALUES (?, ?, ?, ?, ?, 0, '', ?)
			ON CONFLICT (item_type, item_uid, root, indexing_configuration) DO UPDATE SET
				changed = excluded.changed,
				errors = '',
				indexing_priority = excluded.indexing_priority`,
			t.root, table, uid, t.config, changed, t.priority)
		if err != nil {
			return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to upsert queue item", err)
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}

	// Pages queued through mount points follow their source page
	res, err := tx.ExecContext(ctx, `
		UPDATE index_queue_item SET changed = ?, errors = ''
		WHERE item_type = ? AND item_uid = ? AND mount_identifier != ''`, changed, table, uid)
	if err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to update mounted queue items", err)
	}
	n, _ := res.RowsAffected()
	updated += int(n)

	if err := tx.Commit(); err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to commit queue update", err)
	}
	return updated, nil
}

// applies reports whether ic covers rec.
func (q *Queue) applies(ctx context.Context, ic *config.IndexingConfig, table string, rec store.Record) (bool, error) {
	if ic.Table != table {
		return false, nil
	}
	if ic.Type == config.IndexingTypePage {
		if rec.Has(config.PageColumnDoktype) && !ic.AllowsPageType(int(rec.Int(config.PageColumnDoktype))) {
			return false, nil
		}
		if rec.Bool(config.PageColumnNoSearch) {
			return false, nil
		}
	}
	if strings.TrimSpace(ic.AdditionalWhere) == "" {
		return true, nil
	}
	n, err := q.records.Count(ctx, store.Query{
		Table:      table,
		Predicates: []store.Predicate{store.Eq("uid", rec.UID())},
		Where:      ic.AdditionalWhere,
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// itemChangedTime derives the change time of a record. Pages also account
// for the latest change of their content elements.
func (q *Queue) itemChangedTime(ctx context.Context, table string, rec store.Record) (int64, error) {
	now := q.Now()
	changed := store.ChangedTime(rec, q.cfg.Table(table), now)
	if table != config.PagesTable {
		return changed, nil
	}

	ctc := q.cfg.Table(config.ContentTable)
	if ctc.TimestampColumn == "" {
		return changed, nil
	}
	content, err := q.records.FindRecords(ctx, store.Query{
		Table:      config.ContentTable,
		Columns:    []string{ctc.TimestampColumn},
		Predicates: []store.Predicate{store.Eq(ctc.ParentColumn, rec.UID())},
		Where:      store.IndexableClause(ctc, now),
		OrderBy:    ctc.TimestampColumn + " DESC",
		Limit:      1,
	})
	if err != nil {
		return 0, err
	}
	if len(content) > 0 {
		if t := content[0].Int(ctc.TimestampColumn); t > changed {
			changed = t
		}
	}
	return changed, nil
}

// AddItems inserts items in one transaction, skipping tuples already queued.
// Returns the number of rows inserted.
func (q *Queue) AddItems(ctx context.Context, items []*Item) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	n, err := insertItems(ctx, tx, items)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to commit queue items", err)
	}
	return n, nil
}

// ReplaceItems removes the rows of (root, table, configuration) and inserts
// items in their place, atomically.
func (q *Queue) ReplaceItems(ctx context.Context, root int64, table, configuration string, items []*Item) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM index_queue_item
		WHERE root = ? AND item_type = ? AND indexing_configuration = ?`,
		root, table, configuration); err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to clear queue items", err)
	}

	n, err := insertItems(ctx, tx, items)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to commit queue items", err)
	}
	return n, nil
}

func insertItems(ctx context.Context, tx *sql.Tx, items []*Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO index_queue_item
			(root, item_type, item_uid, indexing_configuration, changed, indexed, errors, indexing_priority, mount_identifier)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)`)
	if err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to prepare insert", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, it := range items {
		res, err := stmt.ExecContext(ctx, it.Root, it.Type, it.RecordUID, it.IndexingConfiguration,
			it.Changed, it.Priority, it.MountIdentifier)
		if err != nil {
			return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed,
				fmt.Sprintf("failed to insert queue item %s", it), err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	return inserted, nil
}

// DeleteItem removes every row of a record.
func (q *Queue) DeleteItem(ctx context.Context, table string, uid int64) error {
	return q.exec(ctx, "failed to delete queue item",
		`DELETE FROM index_queue_item WHERE item_type = ? AND item_uid = ?`, table, uid)
}

// DeleteItems removes every row of the given records.
func (q *Queue) DeleteItems(ctx context.Context, table string, uids []int64) error {
	if len(uids) == 0 {
		return nil
	}
	args := []any{table}
	for _, u := range uids {
		args = append(args, u)
	}
	return q.exec(ctx, "failed to delete queue items",
		`DELETE FROM index_queue_item WHERE item_type = ? AND item_uid IN (`+placeholders(len(uids))+`)`, args...)
}

// DeleteItemByID removes a single queue row.
func (q *Queue) DeleteItemByID(ctx context.Context, itemID int64) error {
	return q.exec(ctx, "failed to delete queue item",
		`DELETE FROM index_queue_item WHERE uid = ?`, itemID)
}

// DeleteItemsBySite removes the rows of a site, optionally restricted to one
// indexing configuration.
func (q *Queue) DeleteItemsBySite(ctx context.Context, root int64, configuration string) error {
	if configuration == "" {
		return q.exec(ctx, "failed to delete site queue items",
			`DELETE FROM index_queue_item WHERE root = ?`, root)
	}
	return q.exec(ctx, "failed to delete site queue items",
		`DELETE FROM index_queue_item WHERE root = ? AND indexing_configuration = ?`, root, configuration)
}

// DeleteAllItems empties the queue.
func (q *Queue) DeleteAllItems(ctx context.Context) error {
	return q.exec(ctx, "failed to empty queue", `DELETE FROM index_queue_item`)
}

// GetNextItemsToIndex returns up to limit pending items: changed > indexed
// and changed not in the future. Items never indexed come first, then items
// without errors, then higher priority, then older changes; ties are broken
// by ascending uid.
func (q *Queue) GetNextItemsToIndex(ctx context.Context, limit int, filter Filter) ([]*Item, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT ` + itemColumns + ` FROM index_queue_item
		WHERE changed > indexed AND changed <= ?`
	args := []any{q.Now()}

	if len(filter.Roots) > 0 {
		query += ` AND root IN (` + placeholders(len(filter.Roots)) + `)`
		for _, r := range filter.Roots {
			args = append(args, r)
		}
	}
	if len(filter.ExcludeIDs) > 0 {
		query += ` AND uid NOT IN (` + placeholders(len(filter.ExcludeIDs)) + `)`
		for _, id := range filter.ExcludeIDs {
			args = append(args, id)
		}
	}
	query += `
		ORDER BY (indexed = 0) DESC, (errors = '') DESC, indexing_priority DESC, changed ASC, uid ASC
		LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to select items to index", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to scan items to index", err)
	}
	return items, nil
}

// MarkItemAsIndexed records a successful indexing: indexed becomes the later
// of now and changed, errors are cleared. The row is only marked while its
// changed time still equals the one the item was selected with; a change
// recorded in between keeps the row pending and item is left untouched.
func (q *Queue) MarkItemAsIndexed(ctx context.Context, item *Item) error {
	now := q.Now()
	n, err := q.execCount(ctx, "failed to mark item as indexed",
		`UPDATE index_queue_item SET indexed = MAX(?, changed), errors = '' WHERE uid = ? AND changed = ?`,
		now, item.UID, item.Changed)
	if err != nil {
		return err
	}
	if n == 0 {
		q.logger.WithFields(logrus.Fields{
			"item":    item.UID,
			"changed": item.Changed,
		}).Debug("queue: item changed while indexing, left pending")
		return nil
	}
	item.Indexed = max(now, item.Changed)
	item.Errors = ""
	return nil
}

// MarkItemAsFailed records a failed indexing attempt. indexed is left
// untouched so the item stays pending.
func (q *Queue) MarkItemAsFailed(ctx context.Context, item *Item, message string) error {
	if message == "" {
		message = "1"
	}
	if err := q.exec(ctx, "failed to mark item as failed",
		`UPDATE index_queue_item SET errors = ? WHERE uid = ?`, message, item.UID); err != nil {
		return err
	}
	item.Errors = message
	return nil
}

// ResetAllErrors clears the errors of every item.
func (q *Queue) ResetAllErrors(ctx context.Context) (int64, error) {
	return q.execCount(ctx, "failed to reset errors",
		`UPDATE index_queue_item SET errors = '' WHERE errors != ''`)
}

// ResetErrorsBySite clears the errors of the items of one site.
func (q *Queue) ResetErrorsBySite(ctx context.Context, root int64) (int64, error) {
	return q.execCount(ctx, "failed to reset errors",
		`UPDATE index_queue_item SET errors = '' WHERE errors != '' AND root = ?`, root)
}

// GetItem returns the queue row with the given id.
func (q *Queue) GetItem(ctx context.Context, itemID int64) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM index_queue_item WHERE uid = ?`, itemID)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, sqerrors.NewResolutionError(sqerrors.CodeRecordNotFound,
			fmt.Sprintf("queue item %d not found", itemID))
	}
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to read queue item", err)
	}
	return it, nil
}

// GetItems returns every row of a record.
func (q *Queue) GetItems(ctx context.Context, table string, uid int64) ([]*Item, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM index_queue_item
		WHERE item_type = ? AND item_uid = ? ORDER BY root, indexing_configuration`, table, uid)
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to read queue items", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to scan queue items", err)
	}
	return items, nil
}

// GetFailedItems returns up to limit items carrying errors, for triage.
func (q *Queue) GetFailedItems(ctx context.Context, root int64, limit int) ([]*Item, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM index_queue_item
		WHERE root = ? AND errors != '' ORDER BY uid LIMIT ?`, root, limit)
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to read failed items", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to scan failed items", err)
	}
	return items, nil
}

// ContainsItem reports whether the record has any queue row.
func (q *Queue) ContainsItem(ctx context.Context, table string, uid int64) (bool, error) {
	return q.exists(ctx, `item_type = ? AND item_uid = ?`, table, uid)
}

// ContainsItemWithRootPageID reports whether the record is queued for root.
func (q *Queue) ContainsItemWithRootPageID(ctx context.Context, table string, uid, root int64) (bool, error) {
	return q.exists(ctx, `item_type = ? AND item_uid = ? AND root = ?`, table, uid, root)
}

// ContainsItemsOfRoot reports whether any item is queued for root.
func (q *Queue) ContainsItemsOfRoot(ctx context.Context, root int64) (bool, error) {
	return q.exists(ctx, `root = ?`, root)
}

// ContainsIndexedItem reports whether the record was indexed at least once.
func (q *Queue) ContainsIndexedItem(ctx context.Context, table string, uid int64) (bool, error) {
	return q.exists(ctx, `item_type = ? AND item_uid = ? AND indexed > 0`, table, uid)
}

// RootsOf returns the roots the record is currently queued for.
func (q *Queue) RootsOf(ctx context.Context, table string, uid int64) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT root FROM index_queue_item
		WHERE item_type = ? AND item_uid = ? ORDER BY root`, table, uid)
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to read queue roots", err)
	}
	defer rows.Close()
	var roots []int64
	for rows.Next() {
		var r int64
		if err := rows.Scan(&r); err != nil {
			return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to scan queue root", err)
		}
		roots = append(roots, r)
	}
	return roots, rows.Err()
}

// GetLastIndexTime returns the latest indexed timestamp of a site, 0 if none.
func (q *Queue) GetLastIndexTime(ctx context.Context, root int64) (int64, error) {
	var last sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT MAX(indexed) FROM index_queue_item WHERE root = ?`, root).Scan(&last)
	if err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to read last index time", err)
	}
	return last.Int64, nil
}

// ItemCount returns the number of rows, optionally restricted to roots.
func (q *Queue) ItemCount(ctx context.Context, roots ...int64) (int64, error) {
	query := `SELECT COUNT(*) FROM index_queue_item`
	var args []any
	if len(roots) > 0 {
		query += ` WHERE root IN (` + placeholders(len(roots)) + `)`
		for _, r := range roots {
			args = append(args, r)
		}
	}
	var n int64
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to count queue items", err)
	}
	return n, nil
}

func (q *Queue) exists(ctx context.Context, where string, args ...any) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM index_queue_item WHERE `+where+`)`, args...).Scan(&n)
	if err != nil {
		return false, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to query queue", err)
	}
	return n == 1, nil
}

func (q *Queue) exec(ctx context.Context, msg, query string, args ...any) error {
	_, err := q.execCount(ctx, msg, query, args...)
	return err
}

func (q *Queue) execCount(ctx context.Context, msg, query string, args ...any) (int64, error) {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, msg, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
