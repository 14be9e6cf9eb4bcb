package queue

import (
	"context"

	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
)

// Statistics summarizes the queue rows of a site.
type Statistics struct {
	Total   int64 `json:"total"`
	Pending int64 `json:"pending"`
	Indexed int64 `json:"indexed"`
	Failed  int64 `json:"failed"`
}

// SuccessPercentage returns the share of indexed rows, 0 for an empty queue.
func (s Statistics) SuccessPercentage() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Indexed) * 100 / float64(s.Total)
}

const statisticsColumns = `
	COUNT(*),
	COALESCE(SUM(CASE WHEN changed > indexed AND errors = '' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN indexed >= changed THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN errors != '' THEN 1 ELSE 0 END), 0)`

// GetStatisticsFor counts the rows of a site. Pending rows are those waiting
// without errors; failed rows carry an error message regardless of state.
func (q *Queue) GetStatisticsFor(ctx context.Context, root int64) (Statistics, error) {
	var s Statistics
	err := q.db.QueryRowContext(ctx,
		`SELECT `+statisticsColumns+` FROM index_queue_item WHERE root = ?`, root).
		Scan(&s.Total, &s.Pending, &s.Indexed, &s.Failed)
	if err != nil {
		return Statistics{}, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to read queue statistics", err)
	}
	return s, nil
}

// GetStatisticsByConfiguration counts the rows of a site per indexing
// configuration.
func (q *Queue) GetStatisticsByConfiguration(ctx context.Context, root int64) (map[string]Statistics, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT indexing_configuration, `+statisticsColumns+`
		FROM index_queue_item WHERE root = ? GROUP BY indexing_configuration`, root)
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to read queue statistics", err)
	}
	defer rows.Close()

	out := make(map[string]Statistics)
	for rows.Next() {
		var (
			name string
			s    Statistics
		)
		if err := rows.Scan(&name, &s.Total, &s.Pending, &s.Indexed, &s.Failed); err != nil {
			return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to scan queue statistics", err)
		}
		out[name] = s
	}
	return out, rows.Err()
}
