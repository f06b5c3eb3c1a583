package indexed

import (
	"context"
	"errors"

	"github.com/TKKRTKY/brain-feed-reader/internal/objectstore"
	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
)

// QueryRange walks the primary key or a declared index with a bounded cursor.
// Filter fields are matched in process while the cursor runs, so Offset and
// Limit count matching records only.
func (d *Driver) QueryRange(ctx context.Context, table string, options storage.QueryOptions) ([]storage.Record, error) {
	t, err := d.table(table)
	if err != nil {
		return nil, err
	}
	ordering, err := t.PrepareQuery(options)
	if err != nil {
		return nil, err
	}
	keyRange, err := cursorRange(ordering)
	if errors.Is(err, objectstore.ErrEmptyRange) {
		return []storage.Record{}, nil
	}
	if err != nil {
		return nil, translate("query_range", table, err)
	}
	direction := objectstore.Next
	if ordering.Descending {
		direction = objectstore.Prev
	}

	records := make([]storage.Record, 0)
	err = d.run(ctx, objectstore.ReadOnly, []string{table}, func(tx *objectstore.Tx) error {
		store, err := objectStore(tx, table)
		if err != nil {
			return err
		}
		cursor := store.OpenCursor(keyRange, direction)
		if ordering.Index != "" {
			index, err := store.Index(ordering.Index)
			if err != nil {
				return err
			}
			cursor = index.OpenCursor(keyRange, direction)
		}
		skipped := 0
		return cursor.Iter(ctx, func(c *objectstore.Cursor) error {
			record := t.Project(c.Value())
			if !schema.Matches(record, ordering.Filter) {
				return nil
			}
			if skipped < ordering.Offset {
				skipped++
				return nil
			}
			records = append(records, record)
			if ordering.Limit > 0 && len(records) == ordering.Limit {
				return objectstore.ErrStop
			}
			return nil
		})
	})
	if err != nil {
		return nil, translate("query_range", table, err)
	}
	return records, nil
}

func cursorRange(ordering schema.Ordering) (*objectstore.KeyRange, error) {
	switch {
	case ordering.Lower != nil && ordering.Upper != nil:
		return objectstore.Bound(ordering.Lower, ordering.Upper, ordering.LowerOpen, ordering.UpperOpen)
	case ordering.Lower != nil:
		return objectstore.LowerBound(ordering.Lower, ordering.LowerOpen)
	case ordering.Upper != nil:
		return objectstore.UpperBound(ordering.Upper, ordering.UpperOpen)
	}
	return nil, nil
}
