package indexed

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/TKKRTKY/brain-feed-reader/internal/objectstore"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
)

// Execute understands the small SQL subset the reader issues through raw
// queries and maps it onto adapter calls:
//
//	SELECT * | COUNT(*) | a, b FROM t [WHERE a = ? AND b IS NULL ...]
//	INSERT [OR REPLACE | OR IGNORE] INTO t (a, b) VALUES (?, 'x')
//	UPDATE t SET a = ?, b = NULL [WHERE ...]
//	DELETE FROM t [WHERE ...]
//	CREATE TABLE t ... / CREATE INDEX ...
//
// Values are ? placeholders, 'quoted' strings, integers or NULL. Anything
// else fails with storage.ErrUnsupportedOperation.
func (d *Driver) Execute(ctx context.Context, query string, params ...any) (storage.ExecResult, error) {
	if _, err := d.conn(ctx); err != nil {
		return storage.ExecResult{}, err
	}
	args := &arguments{values: params}
	var (
		result storage.ExecResult
		err    error
	)
	switch {
	case selectPattern.MatchString(query):
		m := selectPattern.FindStringSubmatch(query)
		result, err = d.execSelect(ctx, m[1], unquote(m[2]), m[3], args)
	case insertPattern.MatchString(query):
		m := insertPattern.FindStringSubmatch(query)
		result, err = d.execInsert(ctx, strings.ToUpper(m[1]), unquote(m[2]), m[3], m[4], args)
	case updatePattern.MatchString(query):
		m := updatePattern.FindStringSubmatch(query)
		result, err = d.execUpdate(ctx, unquote(m[1]), m[2], m[3], args)
	case deletePattern.MatchString(query):
		m := deletePattern.FindStringSubmatch(query)
		result, err = d.execDelete(ctx, unquote(m[1]), m[2], args)
	case createTablePattern.MatchString(query):
		m := createTablePattern.FindStringSubmatch(query)
		err = d.EnsureTable(ctx, unquote(m[1]))
	case createIndexPattern.MatchString(query):
	default:
		return storage.ExecResult{}, fmt.Errorf("%w: %s", storage.ErrUnsupportedOperation, firstWord(query))
	}
	if err != nil {
		return storage.ExecResult{}, err
	}
	if err := args.exhausted(); err != nil {
		return storage.ExecResult{}, err
	}
	return result, nil
}

const identifier = `("?[A-Za-z_][A-Za-z0-9_]*"?)`

var (
	selectPattern      = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+` + identifier + `(?:\s+WHERE\s+(.+?))?\s*;?\s*$`)
	insertPattern      = regexp.MustCompile(`(?is)^\s*INSERT\s+(?:OR\s+(REPLACE|IGNORE)\s+)?INTO\s+` + identifier + `\s*\(([^)]*)\)\s*VALUES\s*\((.*)\)\s*;?\s*$`)
	updatePattern      = regexp.MustCompile(`(?is)^\s*UPDATE\s+` + identifier + `\s+SET\s+(.+?)(?:\s+WHERE\s+(.+?))?\s*;?\s*$`)
	deletePattern      = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+` + identifier + `(?:\s+WHERE\s+(.+?))?\s*;?\s*$`)
	createTablePattern = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` + identifier)
	createIndexPattern = regexp.MustCompile(`(?is)^\s*CREATE\s+(?:UNIQUE\s+)?INDEX\s+`)
	countPattern       = regexp.MustCompile(`(?i)^COUNT\(\s*\*\s*\)$`)
	conditionPattern   = regexp.MustCompile(`(?is)^\s*` + identifier + `\s*(?:(=)\s*(\?|'(?:[^']|'')*'|-?\d+)|IS\s+(NULL))\s*`)
	andPattern         = regexp.MustCompile(`(?i)^AND\s+`)
	assignmentPattern  = regexp.MustCompile(`(?is)^\s*` + identifier + `\s*=\s*(.+?)\s*$`)
)

type arguments struct {
	values []any
	next   int
}

func (a *arguments) take() (any, error) {
	if a.next >= len(a.values) {
		return nil, fmt.Errorf("%w: not enough parameters", storage.ErrInvalidRecord)
	}
	value := a.values[a.next]
	a.next++
	return value, nil
}

func (a *arguments) exhausted() error {
	if a.next != len(a.values) {
		return fmt.Errorf("%w: %d parameters given, %d used", storage.ErrInvalidRecord, len(a.values), a.next)
	}
	return nil
}

// value resolves one SQL value: a placeholder, a literal or NULL.
func (a *arguments) value(token string) (any, error) {
	token = strings.TrimSpace(token)
	switch {
	case token == "?":
		return a.take()
	case strings.EqualFold(token, "NULL"):
		return nil, nil
	case len(token) >= 2 && token[0] == '\'' && token[len(token)-1] == '\'':
		return strings.ReplaceAll(token[1:len(token)-1], "''", "'"), nil
	}
	n, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: value %q", storage.ErrUnsupportedOperation, token)
	}
	return n, nil
}

func (d *Driver) execSelect(ctx context.Context, projection, table, where string, args *arguments) (storage.ExecResult, error) {
	filter, err := parseWhere(where, args)
	if err != nil {
		return storage.ExecResult{}, err
	}
	projection = strings.TrimSpace(projection)
	if countPattern.MatchString(projection) {
		count, err := d.count(ctx, table, filter)
		if err != nil {
			return storage.ExecResult{}, err
		}
		return storage.ExecResult{Rows: []storage.Record{{"count": count}}}, nil
	}
	records, err := d.Query(ctx, table, filter)
	if err != nil {
		return storage.ExecResult{}, err
	}
	if projection == "*" {
		return storage.ExecResult{Rows: records}, nil
	}
	t, err := d.table(table)
	if err != nil {
		return storage.ExecResult{}, err
	}
	var columns []string
	for _, column := range splitList(projection) {
		column = unquote(strings.TrimSpace(column))
		if !t.HasColumn(column) {
			return storage.ExecResult{}, fmt.Errorf("%w: %s.%s", storage.ErrUnknownColumn, table, column)
		}
		columns = append(columns, column)
	}
	rows := make([]storage.Record, len(records))
	for i, record := range records {
		row := make(storage.Record, len(columns))
		for _, column := range columns {
			row[column] = record[column]
		}
		rows[i] = row
	}
	return storage.ExecResult{Rows: rows}, nil
}

// count answers COUNT(*) from the store or an index without loading records
// when the filter is empty or pins exactly one index.
func (d *Driver) count(ctx context.Context, table string, filter storage.Filter) (int64, error) {
	t, err := d.table(table)
	if err != nil {
		return 0, err
	}
	normalized, err := t.NormalizeFilter(filter)
	if err != nil {
		return 0, err
	}
	var count int
	err = d.run(ctx, objectstore.ReadOnly, []string{table}, func(tx *objectstore.Tx) error {
		store, err := objectStore(tx, table)
		if err != nil {
			return err
		}
		if len(normalized) == 0 {
			count, err = objectstore.Result[int](ctx, store.Count(nil))
			return err
		}
		if index, key := chooseIndex(store, t, normalized); index != nil && keyWidth(key) == len(normalized) {
			r, err := objectstore.Only(key)
			if err != nil {
				return err
			}
			count, err = objectstore.Result[int](ctx, index.Count(r))
			return err
		}
		records, err := d.collect(ctx, store, t, normalized)
		count = len(records)
		return err
	})
	if err != nil {
		return 0, translate("count", table, err)
	}
	return int64(count), nil
}

func keyWidth(key any) int {
	if parts, ok := key.([]any); ok {
		return len(parts)
	}
	return 1
}

func (d *Driver) execInsert(ctx context.Context, conflict, table, columnList, valueList string, args *arguments) (storage.ExecResult, error) {
	columns := splitList(columnList)
	values := splitList(valueList)
	if len(columns) != len(values) {
		return storage.ExecResult{}, fmt.Errorf("%w: %d columns but %d values", storage.ErrInvalidRecord, len(columns), len(values))
	}
	data := make(storage.Record, len(columns))
	for i, column := range columns {
		value, err := args.value(values[i])
		if err != nil {
			return storage.ExecResult{}, err
		}
		data[unquote(strings.TrimSpace(column))] = value
	}
	if conflict == "REPLACE" {
		t, err := d.table(table)
		if err != nil {
			return storage.ExecResult{}, err
		}
		if id := t.RecordID(data); id != "" {
			if _, err := d.Read(ctx, table, id); err == nil {
				if _, err := d.Update(ctx, table, id, data); err != nil {
					return storage.ExecResult{}, err
				}
				return storage.ExecResult{RowsAffected: 1}, nil
			} else if !errors.Is(err, storage.ErrNotFound) {
				return storage.ExecResult{}, err
			}
		}
	}
	if _, err := d.Create(ctx, table, data); err != nil {
		if conflict == "IGNORE" && errors.Is(err, storage.ErrDuplicateKey) {
			return storage.ExecResult{}, nil
		}
		return storage.ExecResult{}, err
	}
	return storage.ExecResult{RowsAffected: 1}, nil
}

func (d *Driver) execUpdate(ctx context.Context, table, assignments, where string, args *arguments) (storage.ExecResult, error) {
	patch := storage.Record{}
	for _, assignment := range splitList(assignments) {
		m := assignmentPattern.FindStringSubmatch(assignment)
		if m == nil {
			return storage.ExecResult{}, fmt.Errorf("%w: assignment %q", storage.ErrUnsupportedOperation, assignment)
		}
		value, err := args.value(m[2])
		if err != nil {
			return storage.ExecResult{}, err
		}
		patch[unquote(m[1])] = value
	}
	filter, err := parseWhere(where, args)
	if err != nil {
		return storage.ExecResult{}, err
	}
	t, err := d.table(table)
	if err != nil {
		return storage.ExecResult{}, err
	}
	records, err := d.Query(ctx, table, filter)
	if err != nil {
		return storage.ExecResult{}, err
	}
	for _, record := range records {
		if _, err := d.Update(ctx, table, t.RecordID(record), patch); err != nil {
			return storage.ExecResult{}, err
		}
	}
	return storage.ExecResult{RowsAffected: int64(len(records))}, nil
}

func (d *Driver) execDelete(ctx context.Context, table, where string, args *arguments) (storage.ExecResult, error) {
	filter, err := parseWhere(where, args)
	if err != nil {
		return storage.ExecResult{}, err
	}
	t, err := d.table(table)
	if err != nil {
		return storage.ExecResult{}, err
	}
	records, err := d.Query(ctx, table, filter)
	if err != nil {
		return storage.ExecResult{}, err
	}
	var affected int64
	for _, record := range records {
		err := d.Delete(ctx, table, t.RecordID(record))
		if errors.Is(err, storage.ErrNotFound) {
			// removed by an earlier cascade
			continue
		}
		if err != nil {
			return storage.ExecResult{}, err
		}
		affected++
	}
	return storage.ExecResult{RowsAffected: affected}, nil
}

// parseWhere reads a conjunction of equality and IS NULL conditions.
func parseWhere(where string, args *arguments) (storage.Filter, error) {
	filter := storage.Filter{}
	rest := strings.TrimSpace(where)
	for rest != "" {
		m := conditionPattern.FindStringSubmatch(rest)
		if m == nil {
			return nil, fmt.Errorf("%w: condition %q", storage.ErrUnsupportedOperation, rest)
		}
		column := unquote(m[1])
		if m[4] != "" {
			filter[column] = nil
		} else {
			value, err := args.value(m[3])
			if err != nil {
				return nil, err
			}
			filter[column] = value
		}
		rest = strings.TrimSpace(rest[len(m[0]):])
		if rest == "" {
			break
		}
		and := andPattern.FindString(rest)
		if and == "" {
			return nil, fmt.Errorf("%w: condition %q", storage.ErrUnsupportedOperation, rest)
		}
		rest = rest[len(and):]
	}
	return filter, nil
}

// splitList splits on commas outside single-quoted strings.
func splitList(list string) []string {
	var (
		parts   []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
			current.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if tail := strings.TrimSpace(current.String()); tail != "" || len(parts) > 0 {
		parts = append(parts, tail)
	}
	return parts
}

func unquote(name string) string {
	return strings.Trim(name, `"`)
}

func firstWord(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "empty statement"
	}
	return strings.ToUpper(fields[0])
}
