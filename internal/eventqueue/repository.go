// Package eventqueue stores data update events for deferred processing and
// replays them in coalesced batches.
package eventqueue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/events"
	"github.com/solrqueue/solrqueue/internal/logging"
)

// Item is one row of the event queue.
type Item struct {
	UID          int64
	Tstamp       int64
	Event        events.Event
	Error        bool
	ErrorMessage string

	// DecodeErr is set when the stored payload could not be decoded
	DecodeErr error
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Repository) { r.logger = l }
}

// Repository persists events in the event_queue_item table.
type Repository struct {
	db     *sql.DB
	now    func() time.Time
	logger logrus.FieldLogger
}

// NewRepository creates an event queue repository on db.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDiscard(r.logger)
	return r
}

// AddEventToQueue appends an event.
func (r *Repository) AddEventToQueue(ctx context.Context, e events.Event) error {
	data, err := events.Encode(e)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO event_queue_item (tstamp, event) VALUES (?, ?)`, r.now().Unix(), data); err != nil {
		return sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to enqueue event", err)
	}
	r.logger.WithFields(logrus.Fields{
		"kind":  e.Kind(),
		"table": e.Table(),
		"uid":   e.UID(),
	}).Debug("eventqueue: event added")
	return nil
}

// GetEventQueueItems returns up to limit items in enqueue order. Items whose
// payload cannot be decoded are returned with DecodeErr set.
func (r *Repository) GetEventQueueItems(ctx context.Context, limit int, excludeErroneous bool) ([]*Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `SELECT uid, tstamp, event, error, error_message FROM event_queue_item`
	if excludeErroneous {
		query += ` WHERE error = 0`
	}
	query += ` ORDER BY uid LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to read event queue", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var (
			it  Item
			raw []byte
		)
		if err := rows.Scan(&it.UID, &it.Tstamp, &raw, &it.Error, &it.ErrorMessage); err != nil {
			return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to scan event queue item", err)
		}
		it.Event, it.DecodeErr = events.Decode(raw)
		items = append(items, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to read event queue", err)
	}
	return items, nil
}

// DeleteEventQueueItems removes the given rows.
func (r *Repository) DeleteEventQueueItems(ctx context.Context, uids []int64) error {
	if len(uids) == 0 {
		return nil
	}
	args := make([]any, len(uids))
	for i, u := range uids {
		args[i] = u
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(uids)), ", ")
	if _, err := r.db.ExecContext(ctx, `DELETE FROM event_queue_item WHERE uid IN (`+marks+`)`, args...); err != nil {
		return sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to delete event queue items", err)
	}
	return nil
}

// MarkAsErroneous flags a row so it is excluded from replays.
func (r *Repository) MarkAsErroneous(ctx context.Context, uid int64, message string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE event_queue_item SET error = 1, error_message = ? WHERE uid = ?`, message, uid); err != nil {
		return sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to mark event as erroneous", err)
	}
	return nil
}

// ResetErrors clears the error flag of every row so they are replayed again.
func (r *Repository) ResetErrors(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE event_queue_item SET error = 0, error_message = '' WHERE error = 1`)
	if err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed, "failed to reset event errors", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of rows and how many of them are erroneous.
func (r *Repository) Count(ctx context.Context) (total, erroneous int64, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(error), 0) FROM event_queue_item`).Scan(&total, &erroneous)
	if err != nil {
		return 0, 0, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to count event queue", err)
	}
	return total, erroneous, nil
}
