package indexed

import (
	"context"
	"errors"
	"fmt"

	"github.com/TKKRTKY/brain-feed-reader/internal/objectstore"
	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
)

var _ storage.Adapter = (*Driver)(nil)
var _ storage.TableEnsurer = (*Driver)(nil)
var _ storage.Backupper = (*Driver)(nil)
var _ storage.Atomic = (*Driver)(nil)
var _ storage.RangeQuerier = (*Driver)(nil)

// Create inserts data and returns the stored record.
func (d *Driver) Create(ctx context.Context, table string, data storage.Record) (storage.Record, error) {
	t, err := d.table(table)
	if err != nil {
		return nil, err
	}
	record, err := t.PrepareInsert(data, d.ids)
	if err != nil {
		return nil, err
	}
	err = d.run(ctx, objectstore.ReadWrite, scope(t), func(tx *objectstore.Tx) error {
		if err := d.checkParents(ctx, tx, t, record); err != nil {
			return err
		}
		store, err := objectStore(tx, table)
		if err != nil {
			return err
		}
		_, err = store.Add(record).Await(ctx)
		return err
	})
	if err != nil {
		return nil, translate("create", table, err)
	}
	return record, nil
}

func (d *Driver) Read(ctx context.Context, table, id string) (storage.Record, error) {
	t, err := d.table(table)
	if err != nil {
		return nil, err
	}
	key, err := t.KeyFromID(id)
	if err != nil {
		return nil, err
	}
	var record storage.Record
	err = d.run(ctx, objectstore.ReadOnly, []string{table}, func(tx *objectstore.Tx) error {
		record, err = get(ctx, tx, t, key)
		return err
	})
	if err != nil {
		return nil, translate("read", table, err)
	}
	if record == nil {
		return nil, storage.NewNotFoundError(table, id)
	}
	return record, nil
}

// Update merges patch into the stored record. Key columns in patch are ignored.
func (d *Driver) Update(ctx context.Context, table, id string, patch storage.Record) (storage.Record, error) {
	t, err := d.table(table)
	if err != nil {
		return nil, err
	}
	key, err := t.KeyFromID(id)
	if err != nil {
		return nil, err
	}
	changes, err := t.PreparePatch(patch)
	if err != nil {
		return nil, err
	}
	var merged storage.Record
	err = d.run(ctx, objectstore.ReadWrite, scope(t), func(tx *objectstore.Tx) error {
		existing, err := get(ctx, tx, t, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return storage.NewNotFoundError(table, id)
		}
		merged, err = t.Complete(existing.Merge(changes))
		if err != nil {
			return err
		}
		if err := d.checkParents(ctx, tx, t, changes); err != nil {
			return err
		}
		store, err := objectStore(tx, table)
		if err != nil {
			return err
		}
		_, err = store.Put(merged).Await(ctx)
		return err
	})
	if err != nil {
		return nil, translate("update", table, err)
	}
	return merged, nil
}

// Delete removes the record and, following the schema's foreign keys, every record that depends on it.
func (d *Driver) Delete(ctx context.Context, table, id string) error {
	t, err := d.table(table)
	if err != nil {
		return err
	}
	key, err := t.KeyFromID(id)
	if err != nil {
		return err
	}
	// no store list: the transaction spans every store so cascades stay atomic
	err = d.run(ctx, objectstore.ReadWrite, nil, func(tx *objectstore.Tx) error {
		existing, err := get(ctx, tx, t, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return storage.NewNotFoundError(table, id)
		}
		return d.remove(ctx, tx, t, existing)
	})
	return translate("delete", table, err)
}

func (d *Driver) Query(ctx context.Context, table string, filter storage.Filter) ([]storage.Record, error) {
	t, err := d.table(table)
	if err != nil {
		return nil, err
	}
	normalized, err := t.NormalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	var records []storage.Record
	err = d.run(ctx, objectstore.ReadOnly, []string{table}, func(tx *objectstore.Tx) error {
		records, err = d.scan(ctx, tx, t, normalized)
		return err
	})
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

// Transaction runs fn against the driver itself. Each call inside fn commits
// on its own; an error from fn is returned but earlier writes stay.
func (d *Driver) Transaction(ctx context.Context, fn storage.TxFunc) error {
	if _, err := d.conn(ctx); err != nil {
		return err
	}
	return fn(ctx, d)
}

// AtomicTransactions is false: writes made before a failing step stay committed.
func (d *Driver) AtomicTransactions() bool {
	return false
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

func get(ctx context.Context, tx *objectstore.Tx, t *schema.Table, key any) (storage.Record, error) {
	store, err := objectStore(tx, t.Name)
	if err != nil {
		return nil, err
	}
	value, err := objectstore.Result[map[string]any](ctx, store.Get(key))
	if err != nil || value == nil {
		return nil, err
	}
	return t.Project(value), nil
}

// checkParents fails with storage.ErrConstraintViolation when a foreign key
// column of record names a parent that does not exist.
func (d *Driver) checkParents(ctx context.Context, tx *objectstore.Tx, t *schema.Table, record storage.Record) error {
	for _, fk := range t.ForeignKeys {
		value, ok := record[fk.Column]
		if !ok || value == nil {
			continue
		}
		parent, err := d.schema.Table(fk.RefTable)
		if err != nil {
			return err
		}
		matches, err := d.lookup(ctx, tx, parent, fk.RefColumn, value)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return fmt.Errorf("%w: FOREIGN KEY constraint failed: %s.%s references missing %s.%s",
				storage.ErrConstraintViolation, t.Name, fk.Column, fk.RefTable, fk.RefColumn)
		}
	}
	return nil
}

// remove deletes record after its dependents.
func (d *Driver) remove(ctx context.Context, tx *objectstore.Tx, t *schema.Table, record storage.Record) error {
	for _, rel := range d.schema.Dependents(t.Name) {
		value := record[rel.RefColumn]
		if value == nil {
			continue
		}
		child, err := d.schema.Table(rel.Table)
		if err != nil {
			return err
		}
		children, err := d.lookup(ctx, tx, child, rel.Column, value)
		if errors.Is(err, objectstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if len(children) > 0 && !rel.Cascade {
			return fmt.Errorf("%w: FOREIGN KEY constraint failed: %s.%s still references %s",
				storage.ErrConstraintViolation, rel.Table, rel.Column, t.Name)
		}
		for _, dependent := range children {
			if err := d.remove(ctx, tx, child, dependent); err != nil {
				return err
			}
		}
	}
	store, err := objectStore(tx, t.Name)
	if err != nil {
		return err
	}
	_, err = store.Delete(t.KeyOf(record)).Await(ctx)
	return err
}

// lookup returns the records of t whose column equals value.
func (d *Driver) lookup(ctx context.Context, tx *objectstore.Tx, t *schema.Table, column string, value any) ([]storage.Record, error) {
	store, err := tx.ObjectStore(t.Name)
	if err != nil {
		return nil, err
	}
	filter := storage.Filter{column: value}
	return d.collect(ctx, store, t, filter)
}

func (d *Driver) scan(ctx context.Context, tx *objectstore.Tx, t *schema.Table, filter storage.Filter) ([]storage.Record, error) {
	store, err := objectStore(tx, t.Name)
	if err != nil {
		return nil, err
	}
	return d.collect(ctx, store, t, filter)
}

// collect plans a lookup: the primary key when the filter pins it, else the
// widest index whose fields the filter pins, else a cursor over the store.
// Fields the plan does not cover are matched in process.
func (d *Driver) collect(ctx context.Context, store *objectstore.ObjectStore, t *schema.Table, filter storage.Filter) ([]storage.Record, error) {
	var values []map[string]any
	if key, ok := pinned(filter, t.PrimaryKey); ok {
		value, err := objectstore.Result[map[string]any](ctx, store.Get(key))
		if err != nil {
			return nil, err
		}
		if value != nil {
			values = append(values, value)
		}
	} else if index, key := chooseIndex(store, t, filter); index != nil {
		r, err := objectstore.Only(key)
		if err != nil {
			return nil, err
		}
		values, err = objectstore.Result[[]map[string]any](ctx, index.GetAll(r))
		if err != nil {
			return nil, err
		}
	} else {
		err := store.OpenCursor(nil, objectstore.Next).Iter(ctx, func(c *objectstore.Cursor) error {
			values = append(values, c.Value())
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	records := make([]storage.Record, 0, len(values))
	for _, value := range values {
		record := t.Project(value)
		if schema.Matches(record, filter) {
			records = append(records, record)
		}
	}
	return records, nil
}

// pinned returns the key over fields when filter sets every one of them to a non-nil value.
func pinned(filter storage.Filter, fields []string) (any, bool) {
	parts := make([]any, len(fields))
	for i, field := range fields {
		value, ok := filter[field]
		if !ok || value == nil {
			return nil, false
		}
		parts[i] = value
	}
	if len(parts) == 1 {
		return parts[0], true
	}
	return parts, true
}

func chooseIndex(store *objectstore.ObjectStore, t *schema.Table, filter storage.Filter) (*objectstore.Index, any) {
	var (
		best    *objectstore.Index
		bestKey any
		width   int
	)
	for _, declared := range t.Indexes {
		if len(declared.Fields) <= width {
			continue
		}
		key, ok := pinned(filter, declared.Fields)
		if !ok {
			continue
		}
		index, err := store.Index(declared.Name)
		if err != nil {
			continue
		}
		best, bestKey, width = index, key, len(declared.Fields)
	}
	return best, bestKey
}
