package storage

import (
	"context"
	"sort"
)

// Record is a row or stored object keyed by schema column name.
type Record map[string]any

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for key, value := range r {
		out[key] = value
	}
	return out
}

// Merge returns r with every field of patch laid over it.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for key, value := range patch {
		out[key] = value
	}
	return out
}

// String returns the field as a string, or "" when absent or of another type.
func (r Record) String(field string) string {
	value, _ := r[field].(string)
	return value
}

// Int64 returns the field as an int64, or 0 when absent or of another type.
func (r Record) Int64(field string) int64 {
	switch value := r[field].(type) {
	case int64:
		return value
	case int:
		return int64(value)
	case float64:
		return int64(value)
	}
	return 0
}

// Filter maps fields to the exact value they must equal.
type Filter map[string]any

// Fields returns the filter's fields in a stable order.
func (f Filter) Fields() []string {
	fields := make([]string, 0, len(f))
	for field := range f {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// Patch is one item of an UpdateMany call.
type Patch struct {
	ID   string `json:"id"`
	Data Record `json:"data"`
}

// ExecResult is returned by Execute. Rows is set for statements that read.
type ExecResult struct {
	Rows         []Record `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected"`
}

// TxFunc is the body of a Transaction. Calls must go through tx.
type TxFunc func(ctx context.Context, tx Adapter) error

// Adapter is the storage contract every backend driver implements.
type Adapter interface {
	Create(ctx context.Context, table string, data Record) (Record, error)
	Read(ctx context.Context, table, id string) (Record, error)
	Update(ctx context.Context, table, id string, patch Record) (Record, error)
	Delete(ctx context.Context, table, id string) error
	Query(ctx context.Context, table string, filter Filter) ([]Record, error)
	// FindOne returns nil and no error when nothing matches.
	FindOne(ctx context.Context, table string, filter Filter) (Record, error)
	Transaction(ctx context.Context, fn TxFunc) error
	CreateMany(ctx context.Context, table string, items []Record) ([]Record, error)
	UpdateMany(ctx context.Context, table string, patches []Patch) ([]Record, error)
	DeleteMany(ctx context.Context, table string, ids []string) error
	Execute(ctx context.Context, query string, params ...any) (ExecResult, error)
	Close() error
}

// TableEnsurer is implemented by drivers that can create a missing table on demand.
type TableEnsurer interface {
	EnsureTable(ctx context.Context, table string) error
}

// Backupper is implemented by drivers that can write a copy of their data.
type Backupper interface {
	Backup(ctx context.Context, destination string) error
}

// First returns the first record of a query result, or nil.
func First(records []Record) Record {
	if len(records) == 0 {
		return nil
	}
	return records[0]
}

// Atomic is implemented by adapters that report whether Transaction undoes
// every write of a failing fn.
type Atomic interface {
	AtomicTransactions() bool
}

// RollsBack reports whether a failing Transaction on adapter leaves nothing
// behind. Adapters that do not implement Atomic are assumed not to.
func RollsBack(adapter Adapter) bool {
	atomic, ok := adapter.(Atomic)
	return ok && atomic.AtomicTransactions()
}

// Direction orders a ranged query.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Range bounds the ordering key of a ranged query. A nil bound is open ended.
type Range struct {
	Lower     any  `json:"lower,omitempty"`
	Upper     any  `json:"upper,omitempty"`
	LowerOpen bool `json:"lower_open,omitempty"`
	UpperOpen bool `json:"upper_open,omitempty"`
}

// QueryOptions selects, orders and pages the records of one table.
//
// Index names a declared index whose fields order the result; an empty Index
// orders by primary key. Records with a null index field are left out, as
// they are never filed under the index. Range bounds take a scalar for a
// single-field key and a slice for a compound one. Ties are broken by primary
// key in the same direction. Filter, Offset and Limit apply after ordering.
type QueryOptions struct {
	Index     string    `json:"index,omitempty"`
	Range     *Range    `json:"range,omitempty"`
	Filter    Filter    `json:"filter,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Offset    int       `json:"offset,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// RangeQuerier is implemented by adapters that serve ordered, bounded and paged queries.
type RangeQuerier interface {
	QueryRange(ctx context.Context, table string, options QueryOptions) ([]Record, error)
}
