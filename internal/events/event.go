// Package events defines the data update events produced by record changes
// and the detector translating CMS hooks into them.
package events

import (
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies the variant of a data update event.
type Kind string

const (
	KindRecordInserted        Kind = "record_inserted"
	KindRecordUpdated         Kind = "record_updated"
	KindRecordDeleted         Kind = "record_deleted"
	KindRecordMoved           Kind = "record_moved"
	KindVersionSwapped        Kind = "version_swapped"
	KindPageMoved             Kind = "page_moved"
	KindContentElementDeleted Kind = "content_element_deleted"
	KindRecordGarbageCheck    Kind = "record_garbage_check"
)

var knownKinds = map[Kind]bool{
	KindRecordInserted:        true,
	KindRecordUpdated:         true,
	KindRecordDeleted:         true,
	KindRecordMoved:           true,
	KindVersionSwapped:        true,
	KindPageMoved:             true,
	KindContentElementDeleted: true,
	KindRecordGarbageCheck:    true,
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool { return knownKinds[k] }

// Event is an immutable data update event. Construct it with one of the
// New* functions.
type Event struct {
	kind                  Kind
	table                 string
	uid                   int64
	pid                   int64
	previousPID           int64
	fields                map[string]string
	forcedChangeTime      int64
	frontendGroupsRemoved bool
	occurredAt            int64
}

// NewRecordInserted creates the event of a new record. fields holds the
// values written by the insert.
func NewRecordInserted(table string, uid, pid int64, fields map[string]string) Event {
	return Event{kind: KindRecordInserted, table: table, uid: uid, pid: pid, fields: copyFields(fields)}
}

// NewRecordUpdated creates the event of a changed record. fields holds the
// changed columns and their new values.
func NewRecordUpdated(table string, uid, pid int64, fields map[string]string) Event {
	return Event{kind: KindRecordUpdated, table: table, uid: uid, pid: pid, fields: copyFields(fields)}
}

// NewRecordDeleted creates the event of a deleted record.
func NewRecordDeleted(table string, uid, pid int64) Event {
	return Event{kind: KindRecordDeleted, table: table, uid: uid, pid: pid}
}

// NewRecordMoved creates the event of a record moved from previousPID to pid.
func NewRecordMoved(table string, uid, pid, previousPID int64) Event {
	return Event{kind: KindRecordMoved, table: table, uid: uid, pid: pid, previousPID: previousPID}
}

// NewPageMoved creates the event of a page moved from previousPID to pid.
func NewPageMoved(uid, pid, previousPID int64) Event {
	return Event{kind: KindPageMoved, table: "pages", uid: uid, pid: pid, previousPID: previousPID}
}

// NewVersionSwapped creates the event of a workspace version published
// over the live record.
func NewVersionSwapped(table string, uid, pid int64) Event {
	return Event{kind: KindVersionSwapped, table: table, uid: uid, pid: pid}
}

// NewContentElementDeleted creates the event of a content element removed
// from page pid.
func NewContentElementDeleted(uid, pid int64) Event {
	return Event{kind: KindContentElementDeleted, table: "tt_content", uid: uid, pid: pid}
}

// NewRecordGarbageCheck creates the event asking to verify that a changed
// record is still indexable. frontendGroupsRemoved signals that access
// restrictions were dropped from the record.
func NewRecordGarbageCheck(table string, uid, pid int64, fields map[string]string, frontendGroupsRemoved bool) Event {
	return Event{
		kind:                  KindRecordGarbageCheck,
		table:                 table,
		uid:                   uid,
		pid:                   pid,
		fields:                copyFields(fields),
		frontendGroupsRemoved: frontendGroupsRemoved,
	}
}

// WithForcedChangeTime returns a copy whose queue change time is forced to ts.
func (e Event) WithForcedChangeTime(ts int64) Event {
	e.fields = copyFields(e.fields)
	e.forcedChangeTime = ts
	return e
}

// WithOccurredAt returns a copy stamped with the time the change happened.
func (e Event) WithOccurredAt(ts int64) Event {
	e.fields = copyFields(e.fields)
	e.occurredAt = ts
	return e
}

func (e Event) Kind() Kind                  { return e.kind }
func (e Event) Table() string               { return e.table }
func (e Event) UID() int64                  { return e.uid }
func (e Event) PID() int64                  { return e.pid }
func (e Event) PreviousPID() int64          { return e.previousPID }
func (e Event) ForcedChangeTime() int64     { return e.forcedChangeTime }
func (e Event) FrontendGroupsRemoved() bool { return e.frontendGroupsRemoved }
func (e Event) OccurredAt() int64           { return e.occurredAt }

// Fields returns a copy of the changed fields.
func (e Event) Fields() map[string]string { return copyFields(e.fields) }

// Field returns the value of a changed field.
func (e Event) Field(name string) (string, bool) {
	v, ok := e.fields[name]
	return v, ok
}

// HasField reports whether the event changed the field.
func (e Event) HasField(name string) bool {
	_, ok := e.fields[name]
	return ok
}

// IntField returns a changed field as integer; missing or non-numeric
// values yield ok=false.
func (e Event) IntField(name string) (int64, bool) {
	v, ok := e.fields[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// FieldNames returns the names of the changed fields in sorted order.
func (e Event) FieldNames() []string {
	names := make([]string, 0, len(e.fields))
	for k := range e.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Key identifies the (kind, table, uid) the event is about.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%s:%d", e.kind, e.table, e.uid)
}

// IsPageEvent reports whether the event concerns a page.
func (e Event) IsPageEvent() bool { return e.table == "pages" }

// IsContentElementEvent reports whether the event concerns a content element.
func (e Event) IsContentElementEvent() bool { return e.table == "tt_content" }

func (e Event) String() string {
	return fmt.Sprintf("%s(%s:%d)", e.kind, e.table, e.uid)
}

func copyFields(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
