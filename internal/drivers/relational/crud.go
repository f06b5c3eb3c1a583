package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"gorm.io/gorm"
)

var _ storage.Adapter = (*Driver)(nil)
var _ storage.TableEnsurer = (*Driver)(nil)
var _ storage.Backupper = (*Driver)(nil)
var _ storage.Atomic = (*Driver)(nil)
var _ storage.RangeQuerier = (*Driver)(nil)

func (d *Driver) Create(ctx context.Context, table string, data storage.Record) (storage.Record, error) {
	t, err := d.schema.Table(table)
	if err != nil {
		return nil, err
	}
	record, err := t.PrepareInsert(data, d.ids)
	if err != nil {
		return nil, err
	}
	db, release, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	columns := t.ColumnNames()
	values := make([]any, len(columns))
	for i, column := range columns {
		values[i] = record[column]
	}
	statement := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		schema.QuoteIdent(t.Name), schema.QuoteIdents(columns), placeholders(len(columns)))
	if err := db.Exec(statement, values...).Error; err != nil {
		return nil, translate("create", table, err)
	}
	return record, nil
}

func (d *Driver) Read(ctx context.Context, table, id string) (storage.Record, error) {
	t, err := d.schema.Table(table)
	if err != nil {
		return nil, err
	}
	db, release, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return d.read(db, t, id)
}

func (d *Driver) read(db *gorm.DB, t *schema.Table, id string) (storage.Record, error) {
	where, args, err := keyClause(t, id)
	if err != nil {
		return nil, err
	}
	statement := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		schema.QuoteIdents(t.ColumnNames()), schema.QuoteIdent(t.Name), where)
	records, err := d.selectRecords(db, t, statement, args)
	if err != nil {
		return nil, translate("read", t.Name, err)
	}
	if len(records) == 0 {
		return nil, storage.NewNotFoundError(t.Name, id)
	}
	return records[0], nil
}

// Update writes the patch and returns the merged row. Key columns in patch are ignored.
func (d *Driver) Update(ctx context.Context, table, id string, patch storage.Record) (storage.Record, error) {
	t, err := d.schema.Table(table)
	if err != nil {
		return nil, err
	}
	changes, err := t.PreparePatch(patch)
	if err != nil {
		return nil, err
	}
	db, release, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if len(changes) == 0 {
		return d.read(db, t, id)
	}

	where, keyArgs, err := keyClause(t, id)
	if err != nil {
		return nil, err
	}
	fields := storage.Filter(changes).Fields()
	assignments := make([]string, len(fields))
	args := make([]any, 0, len(fields)+len(keyArgs))
	for i, field := range fields {
		assignments[i] = schema.QuoteIdent(field) + " = ?"
		args = append(args, changes[field])
	}
	args = append(args, keyArgs...)
	statement := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		schema.QuoteIdent(t.Name), strings.Join(assignments, ", "), where)
	result := db.Exec(statement, args...)
	if result.Error != nil {
		return nil, translate("update", table, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, storage.NewNotFoundError(table, id)
	}
	return d.read(db, t, id)
}

// Delete removes the row; dependent rows go with it through ON DELETE CASCADE.
func (d *Driver) Delete(ctx context.Context, table, id string) error {
	t, err := d.schema.Table(table)
	if err != nil {
		return err
	}
	where, args, err := keyClause(t, id)
	if err != nil {
		return err
	}
	db, release, err := d.session(ctx)
	if err != nil {
		return err
	}
	defer release()
	result := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", schema.QuoteIdent(t.Name), where), args...)
	if result.Error != nil {
		return translate("delete", table, result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.NewNotFoundError(table, id)
	}
	return nil
}

// Query returns the rows equal to filter in insertion order. A nil filter value matches NULL.
func (d *Driver) Query(ctx context.Context, table string, filter storage.Filter) ([]storage.Record, error) {
	t, err := d.schema.Table(table)
	if err != nil {
		return nil, err
	}
	normalized, err := t.NormalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	db, release, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	statement := fmt.Sprintf("SELECT %s FROM %s", schema.QuoteIdents(t.ColumnNames()), schema.QuoteIdent(t.Name))
	var args []any
	if len(normalized) > 0 {
		fields := normalized.Fields()
		conditions := make([]string, len(fields))
		for i, field := range fields {
			value := normalized[field]
			if value == nil {
				conditions[i] = schema.QuoteIdent(field) + " IS NULL"
				continue
			}
			conditions[i] = schema.QuoteIdent(field) + " = ?"
			args = append(args, value)
		}
		statement += " WHERE " + strings.Join(conditions, " AND ")
	}
	statement += " ORDER BY rowid"
	records, err := d.selectRecords(db, t, statement, args)
	if err != nil {
		return nil, translate("query", table, err)
	}
	return records, nil
}

func (d *Driver) FindOne(ctx context.Context, table string, filter storage.Filter) (storage.Record, error) {
	records, err := d.Query(ctx, table, filter)
	if err != nil {
		return nil, err
	}
	return storage.First(records), nil
}

func (d *Driver) CreateMany(ctx context.Context, table string, items []storage.Record) ([]storage.Record, error) {
	created := make([]storage.Record, 0, len(items))
	for _, item := range items {
		record, err := d.Create(ctx, table, item)
		if err != nil {
			return created, err
		}
		created = append(created, record)
	}
	return created, nil
}

func (d *Driver) UpdateMany(ctx context.Context, table string, patches []storage.Patch) ([]storage.Record, error) {
	updated := make([]storage.Record, 0, len(patches))
	for _, patch := range patches {
		record, err := d.Update(ctx, table, patch.ID, patch.Data)
		if err != nil {
			return updated, err
		}
		updated = append(updated, record)
	}
	return updated, nil
}

func (d *Driver) DeleteMany(ctx context.Context, table string, ids []string) error {
	for _, id := range ids {
		if err := d.Delete(ctx, table, id); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs raw SQL. Statements that read (SELECT, WITH, PRAGMA) return
// their rows; the rest report the affected row count.
func (d *Driver) Execute(ctx context.Context, query string, params ...any) (storage.ExecResult, error) {
	db, release, err := d.session(ctx)
	if err != nil {
		return storage.ExecResult{}, err
	}
	defer release()

	if returnsRows(query) {
		rows, err := db.Raw(query, params...).Rows()
		if err != nil {
			return storage.ExecResult{}, translate("execute", "", err)
		}
		defer rows.Close()
		records, err := scanRows(rows, nil)
		if err != nil {
			return storage.ExecResult{}, translate("execute", "", err)
		}
		return storage.ExecResult{Rows: records}, nil
	}
	result := db.Exec(query, params...)
	if result.Error != nil {
		return storage.ExecResult{}, translate("execute", "", result.Error)
	}
	return storage.ExecResult{RowsAffected: result.RowsAffected}, nil
}

func returnsRows(query string) bool {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "PRAGMA":
		return true
	}
	return false
}

func (d *Driver) selectRecords(db *gorm.DB, t *schema.Table, statement string, args []any) ([]storage.Record, error) {
	rows, err := db.Raw(statement, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows, t)
}

// scanRows reads every row into a Record. With a table, values are projected
// onto its column types; otherwise TEXT read as bytes becomes a string.
func scanRows(rows *sql.Rows, t *schema.Table) ([]storage.Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	records := make([]storage.Record, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			if raw, ok := values[i].([]byte); ok {
				values[i] = string(raw)
			}
			row[column] = values[i]
		}
		if t != nil {
			records = append(records, t.Project(row))
		} else {
			records = append(records, storage.Record(row))
		}
	}
	return records, rows.Err()
}

func keyClause(t *schema.Table, id string) (string, []any, error) {
	values, err := t.KeyValues(id)
	if err != nil {
		return "", nil, err
	}
	conditions := make([]string, len(t.PrimaryKey))
	for i, key := range t.PrimaryKey {
		conditions[i] = schema.QuoteIdent(key) + " = ?"
	}
	return strings.Join(conditions, " AND "), values, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
