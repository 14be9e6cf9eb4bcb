package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solrqueue/solrqueue/internal/config"
	"github.com/solrqueue/solrqueue/internal/logging"
)

// Handler processes an event immediately.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// Enqueuer stores an event for a later replay.
type Enqueuer interface {
	AddEventToQueue(ctx context.Context, e Event) error
}

// Detector translates CMS record hooks into data update events and routes
// them according to the monitoring mode: straight to the handler, into the
// event queue, or nowhere.
type Detector struct {
	cfg     *config.Config
	handler Handler
	queue   Enqueuer
	now     func() time.Time
	logger  logrus.FieldLogger
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectorClock overrides the time source used to stamp events.
func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// WithDetectorLogger sets the logger.
func WithDetectorLogger(l logrus.FieldLogger) DetectorOption {
	return func(d *Detector) { d.logger = l }
}

// NewDetector creates a detector. queue may be nil when delayed monitoring
// is not used.
func NewDetector(cfg *config.Config, handler Handler, queue Enqueuer, opts ...DetectorOption) *Detector {
	d := &Detector{cfg: cfg, handler: handler, queue: queue, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDiscard(d.logger)
	return d
}

// RecordInserted is the hook for new records.
func (d *Detector) RecordInserted(ctx context.Context, table string, uid, pid int64, fields map[string]string) error {
	return d.Dispatch(ctx, NewRecordInserted(table, uid, pid, fields))
}

// RecordUpdated is the hook for changed records. Changes touching the
// visibility of the record are preceded by a garbage check.
func (d *Detector) RecordUpdated(ctx context.Context, table string, uid, pid int64, fields map[string]string) error {
	if d.touchesVisibility(table, fields) {
		removed := false
		if fg := d.cfg.Table(table).EnableColumns.FrontendGroup; fg != "" {
			if v, ok := fields[fg]; ok && (v == "" || v == "0") {
				removed = true
			}
		}
		if err := d.Dispatch(ctx, NewRecordGarbageCheck(table, uid, pid, fields, removed)); err != nil {
			return err
		}
	}
	return d.Dispatch(ctx, NewRecordUpdated(table, uid, pid, fields))
}

// RecordDeleted is the hook for deleted records.
func (d *Detector) RecordDeleted(ctx context.Context, table string, uid, pid int64) error {
	if table == config.ContentTable {
		return d.ContentElementDeleted(ctx, uid, pid)
	}
	return d.Dispatch(ctx, NewRecordDeleted(table, uid, pid))
}

// RecordMoved is the hook for records moved to another page.
func (d *Detector) RecordMoved(ctx context.Context, table string, uid, pid, previousPID int64) error {
	if table == config.PagesTable {
		return d.Dispatch(ctx, NewPageMoved(uid, pid, previousPID))
	}
	return d.Dispatch(ctx, NewRecordMoved(table, uid, pid, previousPID))
}

// VersionSwapped is the hook for published workspace versions.
func (d *Detector) VersionSwapped(ctx context.Context, table string, uid, pid int64) error {
	return d.Dispatch(ctx, NewVersionSwapped(table, uid, pid))
}

// ContentElementDeleted is the hook for removed content elements.
func (d *Detector) ContentElementDeleted(ctx context.Context, uid, pid int64) error {
	return d.Dispatch(ctx, NewContentElementDeleted(uid, pid))
}

// RecordGarbageCheck is the hook asking to verify that a record is still
// indexable.
func (d *Detector) RecordGarbageCheck(ctx context.Context, table string, uid, pid int64, fields map[string]string, frontendGroupsRemoved bool) error {
	return d.Dispatch(ctx, NewRecordGarbageCheck(table, uid, pid, fields, frontendGroupsRemoved))
}

// Dispatch routes an event. Events of tables no indexing configuration
// covers are dropped.
func (d *Detector) Dispatch(ctx context.Context, e Event) error {
	if !d.cfg.MonitoredTables()[e.Table()] {
		return nil
	}
	if e.OccurredAt() == 0 {
		e = e.WithOccurredAt(d.now().Unix())
	}

	entry := d.logger.WithFields(logrus.Fields{
		"kind":  e.Kind(),
		"table": e.Table(),
		"uid":   e.UID(),
		"mode":  d.cfg.Monitoring.Mode,
	})

	switch d.cfg.Monitoring.Mode {
	case config.MonitoringDisabled:
		return nil
	case config.MonitoringDelayed:
		if d.queue == nil {
			break
		}
		entry.Debug("events: enqueued")
		return d.queue.AddEventToQueue(ctx, e)
	}

	entry.Debug("events: handling immediately")
	return d.handler.Handle(ctx, e)
}

func (d *Detector) touchesVisibility(table string, fields map[string]string) bool {
	ec := d.cfg.Table(table).EnableColumns
	for _, col := range []string{ec.Deleted, ec.Disabled, ec.StartTime, ec.EndTime, ec.FrontendGroup} {
		if col == "" {
			continue
		}
		if _, ok := fields[col]; ok {
			return true
		}
	}
	if table == config.PagesTable {
		if _, ok := fields[config.PageColumnExtendToSubpages]; ok {
			return true
		}
		if _, ok := fields[config.PageColumnNoSearch]; ok {
			return true
		}
	}
	return false
}
