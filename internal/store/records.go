package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
)

// Record is one row of a CMS table keyed by column name.
type Record map[string]any

// UID returns the uid column.
func (r Record) UID() int64 { return r.Int("uid") }

// PID returns the pid column.
func (r Record) PID() int64 { return r.Int("pid") }

// Has reports whether the record carries the column.
func (r Record) Has(column string) bool {
	_, ok := r[column]
	return ok
}

// Int returns the column as int64. Missing or unparsable values yield 0.
func (r Record) Int(column string) int64 {
	switch v := r[column].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
		return n
	default:
		return 0
	}
}

// String returns the column as string. Missing values yield "".
func (r Record) String(column string) string {
	switch v := r[column].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

// Bool reports whether the column holds a non-zero value.
func (r Record) Bool(column string) bool {
	return r.Int(column) != 0
}

// Predicate is a single column condition.
type Predicate struct {
	Column   string
	Operator string // "=", "<>", "<", "<=", ">", ">=", "IN", "NOT IN"
	Value    any
	Values   []any // For IN and NOT IN
}

// Eq is shorthand for an equality predicate.
func Eq(column string, value any) Predicate {
	return Predicate{Column: column, Operator: "=", Value: value}
}

// In is shorthand for an IN predicate over int64 values.
func In(column string, values []int64) Predicate {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return Predicate{Column: column, Operator: "IN", Values: vals}
}

// Query selects records from one table.
type Query struct {
	Table      string
	Columns    []string // empty selects every column
	Predicates []Predicate

	// Where is a trusted SQL fragment ANDed to the predicates
	Where   string
	OrderBy string
	Limit   int
}

// RecordStore is the generic relational interface the queue uses to read
// and modify CMS records.
type RecordStore interface {
	// GetRecord returns the record with the given uid regardless of its
	// visibility. Missing records yield a RESOLUTION/RECORD_NOT_FOUND error.
	GetRecord(ctx context.Context, table string, uid int64) (Record, error)

	// FindRecords returns every record matching q.
	FindRecords(ctx context.Context, q Query) ([]Record, error)

	// Count returns the number of records matching q.
	Count(ctx context.Context, q Query) (int64, error)

	// Insert adds a record and returns its uid.
	Insert(ctx context.Context, table string, values map[string]any) (int64, error)

	// Update changes the record with the given uid.
	Update(ctx context.Context, table string, uid int64, values map[string]any) error

	// Delete removes the record with the given uid.
	Delete(ctx context.Context, table string, uid int64) error
}

// IsNotFound reports whether err signals a missing record.
func IsNotFound(err error) bool {
	return sqerrors.GetCode(err) == sqerrors.CodeRecordNotFound
}

// SQLRecordStore implements RecordStore on a SQL database.
type SQLRecordStore struct {
	db *sql.DB
}

// NewSQLRecordStore creates a record store on db.
func NewSQLRecordStore(db *sql.DB) *SQLRecordStore {
	return &SQLRecordStore{db: db}
}

// GetRecord returns the record with the given uid.
func (s *SQLRecordStore) GetRecord(ctx context.Context, table string, uid int64) (Record, error) {
	records, err := s.FindRecords(ctx, Query{
		Table:      table,
		Predicates: []Predicate{Eq("uid", uid)},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, sqerrors.NewResolutionError(sqerrors.CodeRecordNotFound,
			fmt.Sprintf("record %s:%d not found", table, uid))
	}
	return records[0], nil
}

// FindRecords returns every record matching q.
func (s *SQLRecordStore) FindRecords(ctx context.Context, q Query) ([]Record, error) {
	query, args, err := buildSelect(q, false)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed,
			fmt.Sprintf("failed to query %s", q.Table), err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to read columns", err)
	}

	var records []Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed, "failed to scan record", err)
		}
		rec := make(Record, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				rec[col] = string(b)
				continue
			}
			rec[col] = values[i]
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, sqerrors.NewStorageError(sqerrors.CodeQueryFailed,
			fmt.Sprintf("error iterating %s", q.Table), err)
	}
	return records, nil
}

// Count returns the number of records matching q.
func (s *SQLRecordStore) Count(ctx context.Context, q Query) (int64, error) {
	query, args, err := buildSelect(q, true)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeQueryFailed,
			fmt.Sprintf("failed to count %s", q.Table), err)
	}
	return n, nil
}

// Insert adds a record and returns its uid.
func (s *SQLRecordStore) Insert(ctx context.Context, table string, values map[string]any) (int64, error) {
	if err := checkIdentifier(table); err != nil {
		return 0, err
	}
	cols := sortedColumns(values)
	if err := checkIdentifiers(cols); err != nil {
		return 0, err
	}

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = values[c]
	}

	var query string
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", table)
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, sqerrors.NewStorageError(sqerrors.CodeWriteFailed,
			fmt.Sprintf("failed to insert into %s", table), err)
	}
	return res.LastInsertId()
}

// Update changes the record with the given uid.
func (s *SQLRecordStore) Update(ctx context.Context, table string, uid int64, values map[string]any) error {
	if err := checkIdentifier(table); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	cols := sortedColumns(values)
	if err := checkIdentifiers(cols); err != nil {
		return err
	}

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, values[c])
	}
	args = append(args, uid)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE uid = ?", table, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return sqerrors.NewStorageError(sqerrors.CodeWriteFailed,
			fmt.Sprintf("failed to update %s:%d", table, uid), err)
	}
	return nil
}

// Delete removes the record with the given uid.
func (s *SQLRecordStore) Delete(ctx context.Context, table string, uid int64) error {
	if err := checkIdentifier(table); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE uid = ?", table), uid); err != nil {
		return sqerrors.NewStorageError(sqerrors.CodeWriteFailed,
			fmt.Sprintf("failed to delete %s:%d", table, uid), err)
	}
	return nil
}

func buildSelect(q Query, count bool) (string, []any, error) {
	if err := checkIdentifier(q.Table); err != nil {
		return "", nil, err
	}
	if err := checkIdentifiers(q.Columns); err != nil {
		return "", nil, err
	}

	selectList := "*"
	if count {
		selectList = "COUNT(*)"
	} else if len(q.Columns) > 0 {
		selectList = strings.Join(q.Columns, ", ")
	}

	var (
		where []string
		args  []any
	)
	for _, p := range q.Predicates {
		clause, pArgs, err := buildPredicateClause(p)
		if err != nil {
			return "", nil, err
		}
		where = append(where, clause)
		args = append(args, pArgs...)
	}
	if strings.TrimSpace(q.Where) != "" {
		where = append(where, "("+q.Where+")")
	}

	query := fmt.Sprintf("SELECT %s FROM %s", selectList, q.Table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if !count {
		if q.OrderBy != "" {
			query += " ORDER BY " + q.OrderBy
		}
		if q.Limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", q.Limit)
		}
	}
	return query, args, nil
}

func buildPredicateClause(p Predicate) (string, []any, error) {
	if err := checkIdentifier(p.Column); err != nil {
		return "", nil, err
	}

	switch p.Operator {
	case "=", "<>", "<", "<=", ">", ">=":
		return fmt.Sprintf("%s %s ?", p.Column, p.Operator), []any{p.Value}, nil
	case "IN", "NOT IN":
		if len(p.Values) == 0 {
			// Empty IN never matches, empty NOT IN always does
			if p.Operator == "IN" {
				return "1 = 0", nil, nil
			}
			return "1 = 1", nil, nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(p.Values)), ", ")
		return fmt.Sprintf("%s %s (%s)", p.Column, p.Operator, marks), p.Values, nil
	default:
		return "", nil, sqerrors.NewValidationError(sqerrors.CodeInvalidArgument,
			fmt.Sprintf("unsupported operator %q", p.Operator))
	}
}

func checkIdentifier(name string) error {
	if !config.IsIdentifier(name) {
		return sqerrors.NewValidationError(sqerrors.CodeInvalidIdentifier,
			fmt.Sprintf("invalid identifier %q", name))
	}
	return nil
}

func checkIdentifiers(names []string) error {
	for _, n := range names {
		if err := checkIdentifier(n); err != nil {
			return err
		}
	}
	return nil
}

func sortedColumns(values map[string]any) []string {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
