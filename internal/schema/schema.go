package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
)

// ColumnType is the storage class of a column.
type ColumnType string

const (
	Text    ColumnType = "TEXT"
	Integer ColumnType = "INTEGER"
)

// Column declares one field of a table.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// ForeignKey declares a reference to another table's key.
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
	Cascade   bool
}

// Index declares a secondary index over one or more columns.
type Index struct {
	Name   string
	Fields []string
	Unique bool
}

// Table declares a table on the relational backend and an object store on the cursor backend.
type Table struct {
	Name        string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	Indexes     []Index

	columns map[string]Column
}

// Relation points from a child table column to the parent column it references.
type Relation struct {
	Table     string
	Column    string
	RefColumn string
	Cascade   bool
}

// Schema is the static descriptor shared by every backend.
type Schema struct {
	version    int
	tables     []*Table
	byName     map[string]*Table
	dependents map[string][]Relation
}

// New validates the tables and builds a Schema at the given store version.
func New(version int, tables ...Table) (*Schema, error) {
	if version <= 0 {
		return nil, fmt.Errorf("schema: version must be positive, got %d", version)
	}
	s := &Schema{
		version:    version,
		byName:     make(map[string]*Table, len(tables)),
		dependents: make(map[string][]Relation),
	}
	for i := range tables {
		table := tables[i]
		if err := table.index(); err != nil {
			return nil, err
		}
		if _, exists := s.byName[table.Name]; exists {
			return nil, fmt.Errorf("schema: duplicate table %q", table.Name)
		}
		s.tables = append(s.tables, &table)
		s.byName[table.Name] = &table
	}
	for _, table := range s.tables {
		for _, fk := range table.ForeignKeys {
			parent, ok := s.byName[fk.RefTable]
			if !ok {
				return nil, fmt.Errorf("schema: %s.%s references unknown table %q", table.Name, fk.Column, fk.RefTable)
			}
			if !parent.HasColumn(fk.RefColumn) {
				return nil, fmt.Errorf("schema: %s.%s references unknown column %s.%s", table.Name, fk.Column, fk.RefTable, fk.RefColumn)
			}
			s.dependents[fk.RefTable] = append(s.dependents[fk.RefTable], Relation{
				Table:     table.Name,
				Column:    fk.Column,
				RefColumn: fk.RefColumn,
				Cascade:   fk.Cascade,
			})
		}
	}
	return s, nil
}

// MustNew is New for static descriptors.
func MustNew(version int, tables ...Table) *Schema {
	s, err := New(version, tables...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Version() int {
	return s.version
}

// Tables returns the tables in declaration order. Parents precede children.
func (s *Schema) Tables() []*Table {
	return s.tables
}

// Names returns every table name in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.tables))
	for _, table := range s.tables {
		names = append(names, table.Name)
	}
	return names
}

// Table looks up a table by name.
func (s *Schema) Table(name string) (*Table, error) {
	table, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownTable, name)
	}
	return table, nil
}

// Dependents lists the columns of other tables that reference table.
func (s *Schema) Dependents(table string) []Relation {
	return s.dependents[table]
}

func (t *Table) index() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("schema: table name is required")
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("schema: table %q has no primary key", t.Name)
	}
	t.columns = make(map[string]Column, len(t.Columns))
	for _, column := range t.Columns {
		if _, exists := t.columns[column.Name]; exists {
			return fmt.Errorf("schema: duplicate column %s.%s", t.Name, column.Name)
		}
		t.columns[column.Name] = column
	}
	check := func(kind string, fields []string) error {
		for _, field := range fields {
			if _, ok := t.columns[field]; !ok {
				return fmt.Errorf("schema: %s of %q names unknown column %q", kind, t.Name, field)
			}
		}
		return nil
	}
	if err := check("primary key", t.PrimaryKey); err != nil {
		return err
	}
	for _, fk := range t.ForeignKeys {
		if err := check("foreign key", []string{fk.Column}); err != nil {
			return err
		}
	}
	for _, idx := range t.Indexes {
		if err := check("index "+idx.Name, idx.Fields); err != nil {
			return err
		}
	}
	return nil
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	column, ok := t.columns[name]
	return column, ok
}

func (t *Table) HasColumn(name string) bool {
	_, ok := t.columns[name]
	return ok
}

// ColumnNames returns column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, column := range t.Columns {
		names = append(names, column.Name)
	}
	return names
}

// IsKey reports whether column is part of the primary key.
func (t *Table) IsKey(column string) bool {
	for _, key := range t.PrimaryKey {
		if key == column {
			return true
		}
	}
	return false
}

// GeneratesID reports whether Create may assign an identifier: a single TEXT key column.
func (t *Table) GeneratesID() bool {
	if len(t.PrimaryKey) != 1 {
		return false
	}
	return t.columns[t.PrimaryKey[0]].Type == Text
}

// Index returns the named secondary index.
func (t *Table) Index(name string) (Index, bool) {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// ForeignKey returns the foreign key declared on column.
func (t *Table) ForeignKey(column string) (ForeignKey, bool) {
	for _, fk := range t.ForeignKeys {
		if fk.Column == column {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

const compositeSeparator = "\x1f"

// CompositeID joins key parts into the identifier accepted by Read, Update and Delete.
func CompositeID(parts ...string) string {
	return strings.Join(parts, compositeSeparator)
}

// KeyValues converts an adapter identifier into typed key values, one per key column.
func (t *Table) KeyValues(id string) ([]any, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: %s id is required", storage.ErrInvalidRecord, t.Name)
	}
	parts := []string{id}
	if len(t.PrimaryKey) > 1 {
		parts = strings.Split(id, compositeSeparator)
		if len(parts) != len(t.PrimaryKey) {
			return nil, fmt.Errorf("%w: %s id must have %d parts", storage.ErrInvalidRecord, t.Name, len(t.PrimaryKey))
		}
	}
	values := make([]any, len(parts))
	for i, part := range parts {
		column := t.columns[t.PrimaryKey[i]]
		switch column.Type {
		case Integer:
			parsed, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s must be an integer", storage.ErrInvalidRecord, t.Name, column.Name)
			}
			values[i] = parsed
		default:
			values[i] = part
		}
	}
	return values, nil
}

// RecordID formats the identifier of a stored record.
func (t *Table) RecordID(record storage.Record) string {
	parts := make([]string, len(t.PrimaryKey))
	for i, key := range t.PrimaryKey {
		switch value := record[key].(type) {
		case string:
			parts[i] = value
		case int64:
			parts[i] = strconv.FormatInt(value, 10)
		case nil:
			parts[i] = ""
		default:
			parts[i] = fmt.Sprint(value)
		}
	}
	return CompositeID(parts...)
}

// Normalize checks every field against the column whitelist and converts
// values to their canonical Go type: string for TEXT, int64 for INTEGER.
func (t *Table) Normalize(data storage.Record) (storage.Record, error) {
	out := make(storage.Record, len(data))
	for field, value := range data {
		column, ok := t.columns[field]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", storage.ErrUnknownColumn, t.Name, field)
		}
		converted, err := convert(column, value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", storage.ErrInvalidRecord, t.Name, field, err)
		}
		out[field] = converted
	}
	return out, nil
}

// Complete fills absent columns with nil and rejects missing required values.
func (t *Table) Complete(record storage.Record) (storage.Record, error) {
	out := make(storage.Record, len(t.Columns))
	for _, column := range t.Columns {
		value, ok := record[column.Name]
		if !ok || value == nil {
			if !column.Nullable {
				return nil, fmt.Errorf("%w: NOT NULL constraint failed: %s.%s", storage.ErrConstraintViolation, t.Name, column.Name)
			}
			value = nil
		}
		out[column.Name] = value
	}
	return out, nil
}

// Matches reports whether record equals filter on every filter field.
func Matches(record storage.Record, filter storage.Filter) bool {
	for field, want := range filter {
		if !equalValues(record[field], want) {
			return false
		}
	}
	return true
}

// NormalizeFilter converts filter values to canonical types.
func (t *Table) NormalizeFilter(filter storage.Filter) (storage.Filter, error) {
	normalized, err := t.Normalize(storage.Record(filter))
	if err != nil {
		return nil, err
	}
	return storage.Filter(normalized), nil
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

func convert(column Column, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch column.Type {
	case Text:
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case *string:
			if v == nil {
				return nil, nil
			}
			return *v, nil
		}
		return nil, fmt.Errorf("expected text, got %T", value)
	case Integer:
		switch v := value.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case uint32:
			return int64(v), nil
		case *int64:
			if v == nil {
				return nil, nil
			}
			return *v, nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int64(v), nil
		case json.Number:
			return v.Int64()
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return nil, fmt.Errorf("expected integer, got %T", value)
	}
	return value, nil
}

// PrepareInsert normalizes data for Create: it assigns an identifier when the
// table generates one and the caller left it empty, then fills nullable columns.
func (t *Table) PrepareInsert(data storage.Record, ids storage.IDProvider) (storage.Record, error) {
	normalized, err := t.Normalize(data)
	if err != nil {
		return nil, err
	}
	if t.GeneratesID() {
		key := t.PrimaryKey[0]
		if current, _ := normalized[key].(string); current == "" {
			if ids == nil {
				return nil, fmt.Errorf("%w: %s.%s is required", storage.ErrInvalidRecord, t.Name, key)
			}
			id, err := ids.NewID()
			if err != nil {
				return nil, err
			}
			normalized[key] = id
		}
	}
	return t.Complete(normalized)
}

// PreparePatch normalizes an Update patch and drops key columns, which never change.
func (t *Table) PreparePatch(patch storage.Record) (storage.Record, error) {
	normalized, err := t.Normalize(patch)
	if err != nil {
		return nil, err
	}
	for _, key := range t.PrimaryKey {
		delete(normalized, key)
	}
	return normalized, nil
}

// Project maps a stored value onto the table's columns. Missing columns become
// nil and fields the table does not declare are dropped.
func (t *Table) Project(value map[string]any) storage.Record {
	out := make(storage.Record, len(t.Columns))
	for _, column := range t.Columns {
		raw := value[column.Name]
		converted, err := convert(column, raw)
		if err != nil {
			converted = raw
		}
		out[column.Name] = converted
	}
	return out
}

// KeyOf returns the primary key of record as a scalar or, for composite keys, a slice.
func (t *Table) KeyOf(record storage.Record) any {
	if len(t.PrimaryKey) == 1 {
		return record[t.PrimaryKey[0]]
	}
	parts := make([]any, len(t.PrimaryKey))
	for i, key := range t.PrimaryKey {
		parts[i] = record[key]
	}
	return parts
}

// KeyFromID is KeyValues shaped like KeyOf.
func (t *Table) KeyFromID(id string) (any, error) {
	values, err := t.KeyValues(id)
	if err != nil {
		return nil, err
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}
