package schema

import (
	"fmt"

	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
)

// Ordering is a ranged query checked against a table.
type Ordering struct {
	// Index is empty when the primary key orders the result.
	Index  string
	Fields []string

	// Lower and Upper are nil when open ended. Compound keys are []any.
	Lower, Upper         any
	LowerOpen, UpperOpen bool

	Filter     storage.Filter
	Descending bool
	Offset     int
	Limit      int
}

// PrepareQuery resolves the ordering fields of options and converts its
// bounds and filter to canonical column types.
func (t *Table) PrepareQuery(options storage.QueryOptions) (Ordering, error) {
	ordering := Ordering{Index: options.Index, Offset: options.Offset, Limit: options.Limit}
	if options.Index == "" {
		ordering.Fields = append([]string(nil), t.PrimaryKey...)
	} else {
		idx, ok := t.Index(options.Index)
		if !ok {
			return Ordering{}, fmt.Errorf("%w: %s has no index %q", storage.ErrUnknownColumn, t.Name, options.Index)
		}
		ordering.Fields = append([]string(nil), idx.Fields...)
	}

	switch options.Direction {
	case "", storage.Ascending:
	case storage.Descending:
		ordering.Descending = true
	default:
		return Ordering{}, fmt.Errorf("%w: direction %q", storage.ErrInvalidRecord, options.Direction)
	}
	if options.Offset < 0 || options.Limit < 0 {
		return Ordering{}, fmt.Errorf("%w: offset and limit must not be negative", storage.ErrInvalidRecord)
	}

	filter, err := t.NormalizeFilter(options.Filter)
	if err != nil {
		return Ordering{}, err
	}
	ordering.Filter = filter

	if r := options.Range; r != nil {
		if ordering.Lower, err = t.orderingKey(ordering.Fields, r.Lower); err != nil {
			return Ordering{}, err
		}
		if ordering.Upper, err = t.orderingKey(ordering.Fields, r.Upper); err != nil {
			return Ordering{}, err
		}
		ordering.LowerOpen = r.LowerOpen && ordering.Lower != nil
		ordering.UpperOpen = r.UpperOpen && ordering.Upper != nil
	}
	return ordering, nil
}

// orderingKey converts one range bound over fields. Compound keys must name every field.
func (t *Table) orderingKey(fields []string, bound any) (any, error) {
	if bound == nil {
		return nil, nil
	}
	if len(fields) == 1 {
		value, err := convert(t.columns[fields[0]], bound)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s bound: %v", storage.ErrInvalidRecord, t.Name, fields[0], err)
		}
		return value, nil
	}
	parts, ok := bound.([]any)
	if !ok || len(parts) != len(fields) {
		return nil, fmt.Errorf("%w: %s bound must list %d values", storage.ErrInvalidRecord, t.Name, len(fields))
	}
	key := make([]any, len(parts))
	for i, part := range parts {
		value, err := convert(t.columns[fields[i]], part)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s bound: %v", storage.ErrInvalidRecord, t.Name, fields[i], err)
		}
		if value == nil {
			return nil, fmt.Errorf("%w: %s.%s bound is null", storage.ErrInvalidRecord, t.Name, fields[i])
		}
		key[i] = value
	}
	return key, nil
}
