package relational

import (
	"context"
	"fmt"
	"strings"

	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
)

// QueryRange orders by the primary key or a declared index and pages with
// LIMIT and OFFSET. Only schema columns reach the statement text.
func (d *Driver) QueryRange(ctx context.Context, table string, options storage.QueryOptions) ([]storage.Record, error) {
	t, err := d.schema.Table(table)
	if err != nil {
		return nil, err
	}
	ordering, err := t.PrepareQuery(options)
	if err != nil {
		return nil, err
	}
	db, release, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		conditions []string
		args       []any
	)
	for _, field := range ordering.Filter.Fields() {
		value := ordering.Filter[field]
		if value == nil {
			conditions = append(conditions, schema.QuoteIdent(field)+" IS NULL")
			continue
		}
		conditions = append(conditions, schema.QuoteIdent(field)+" = ?")
		args = append(args, value)
	}
	if ordering.Index != "" {
		for _, field := range ordering.Fields {
			conditions = append(conditions, schema.QuoteIdent(field)+" IS NOT NULL")
		}
	}
	key := orderingKey(ordering.Fields)
	if ordering.Lower != nil {
		operator := ">="
		if ordering.LowerOpen {
			operator = ">"
		}
		condition, values := compareKey(key, operator, ordering.Lower)
		conditions = append(conditions, condition)
		args = append(args, values...)
	}
	if ordering.Upper != nil {
		operator := "<="
		if ordering.UpperOpen {
			operator = "<"
		}
		condition, values := compareKey(key, operator, ordering.Upper)
		conditions = append(conditions, condition)
		args = append(args, values...)
	}

	statement := fmt.Sprintf("SELECT %s FROM %s", schema.QuoteIdents(t.ColumnNames()), schema.QuoteIdent(t.Name))
	if len(conditions) > 0 {
		statement += " WHERE " + strings.Join(conditions, " AND ")
	}
	statement += " ORDER BY " + orderBy(ordering, t.PrimaryKey)
	if ordering.Limit > 0 || ordering.Offset > 0 {
		limit := ordering.Limit
		if limit == 0 {
			limit = -1
		}
		statement += " LIMIT ? OFFSET ?"
		args = append(args, limit, ordering.Offset)
	}

	records, err := d.selectRecords(db, t, statement, args)
	if err != nil {
		return nil, translate("query_range", table, err)
	}
	return records, nil
}

// orderingKey is the column or row value a range bound compares against.
func orderingKey(fields []string) string {
	if len(fields) == 1 {
		return schema.QuoteIdent(fields[0])
	}
	return "(" + schema.QuoteIdents(fields) + ")"
}

func compareKey(key, operator string, bound any) (string, []any) {
	if parts, ok := bound.([]any); ok {
		return fmt.Sprintf("%s %s (%s)", key, operator, placeholders(len(parts))), parts
	}
	return fmt.Sprintf("%s %s ?", key, operator), []any{bound}
}

// orderBy sorts by the ordering fields, then by primary key, all in one direction.
func orderBy(ordering schema.Ordering, primaryKey []string) string {
	direction := "ASC"
	if ordering.Descending {
		direction = "DESC"
	}
	seen := map[string]bool{}
	var terms []string
	for _, field := range append(append([]string(nil), ordering.Fields...), primaryKey...) {
		if seen[field] {
			continue
		}
		seen[field] = true
		terms = append(terms, schema.QuoteIdent(field)+" "+direction)
	}
	return strings.Join(terms, ", ")
}
