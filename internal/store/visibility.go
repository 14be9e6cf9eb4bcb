package store

import (
	"fmt"
	"strings"

	"github.com/solrqueue/solrqueue/internal/config"
)

// IsDeleted reports whether the record is flagged as deleted.
func IsDeleted(rec Record, tc config.TableConfig) bool {
	return tc.EnableColumns.Deleted != "" && rec.Bool(tc.EnableColumns.Deleted)
}

// IsDisabled reports whether the record is hidden.
func IsDisabled(rec Record, tc config.TableConfig) bool {
	return tc.EnableColumns.Disabled != "" && rec.Bool(tc.EnableColumns.Disabled)
}

// IsExpired reports whether the record's endtime has passed.
func IsExpired(rec Record, tc config.TableConfig, now int64) bool {
	if tc.EnableColumns.EndTime == "" {
		return false
	}
	end := rec.Int(tc.EnableColumns.EndTime)
	return end > 0 && end <= now
}

// IsScheduled reports whether the record's starttime lies in the future.
func IsScheduled(rec Record, tc config.TableConfig, now int64) bool {
	if tc.EnableColumns.StartTime == "" {
		return false
	}
	return rec.Int(tc.EnableColumns.StartTime) > now
}

// IsIndexable reports whether the record may be queued: not deleted, not
// disabled, not expired. Records scheduled for the future are indexable and
// become pending once their starttime is reached.
func IsIndexable(rec Record, tc config.TableConfig, now int64) bool {
	return !IsDeleted(rec, tc) && !IsDisabled(rec, tc) && !IsExpired(rec, tc, now)
}

// IsVisible reports whether the record is visible right now.
func IsVisible(rec Record, tc config.TableConfig, now int64) bool {
	return IsIndexable(rec, tc, now) && !IsScheduled(rec, tc, now)
}

// ChangedTime returns the queue change time of a record: the later of its
// modification time and its starttime, or now when neither is known.
func ChangedTime(rec Record, tc config.TableConfig, now int64) int64 {
	var changed int64
	if tc.TimestampColumn != "" {
		changed = rec.Int(tc.TimestampColumn)
	}
	if tc.EnableColumns.StartTime != "" {
		if start := rec.Int(tc.EnableColumns.StartTime); start > changed {
			changed = start
		}
	}
	if changed <= 0 {
		return now
	}
	return changed
}

// IndexableClause returns the SQL condition matching IsIndexable.
func IndexableClause(tc config.TableConfig, now int64) string {
	var parts []string
	if c := tc.EnableColumns.Deleted; c != "" {
		parts = append(parts, fmt.Sprintf("%s = 0", c))
	}
	if c := tc.EnableColumns.Disabled; c != "" {
		parts = append(parts, fmt.Sprintf("%s = 0", c))
	}
	if c := tc.EnableColumns.EndTime; c != "" {
		parts = append(parts, fmt.Sprintf("(%s = 0 OR %s > %d)", c, c, now))
	}
	return strings.Join(parts, " AND ")
}
