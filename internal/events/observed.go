package events

import (
	"context"
	"fmt"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
)

var _ storage.Adapter = (*ObservedAdapter)(nil)
var _ storage.Atomic = (*ObservedAdapter)(nil)
var _ storage.RangeQuerier = (*ObservedAdapter)(nil)

// ObservedAdapter publishes a Change after every successful write of the
// adapter it wraps. Writes made inside Transaction are held back until the
// transaction ends. They are dropped when it rolls back and published when it
// fails on an adapter that cannot roll back, since those writes stay.
// Execute publishes nothing.
type ObservedAdapter struct {
	storage.Adapter
	schema *schema.Schema
	bus    *Bus
	clock  func() time.Time

	pending *[]Change
}

// Observe wraps adapter. A nil clock uses time.Now.
func Observe(adapter storage.Adapter, s *schema.Schema, bus *Bus, clock func() time.Time) *ObservedAdapter {
	if s == nil {
		s = schema.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	return &ObservedAdapter{Adapter: adapter, schema: s, bus: bus, clock: clock}
}

func (o *ObservedAdapter) Create(ctx context.Context, table string, data storage.Record) (storage.Record, error) {
	record, err := o.Adapter.Create(ctx, table, data)
	if err == nil {
		o.emit(table, OperationCreated, o.recordIDs(table, []storage.Record{record}))
	}
	return record, err
}

func (o *ObservedAdapter) Update(ctx context.Context, table, id string, patch storage.Record) (storage.Record, error) {
	record, err := o.Adapter.Update(ctx, table, id, patch)
	if err == nil {
		o.emit(table, OperationUpdated, []string{id})
	}
	return record, err
}

func (o *ObservedAdapter) Delete(ctx context.Context, table, id string) error {
	err := o.Adapter.Delete(ctx, table, id)
	if err == nil {
		o.emit(table, OperationDeleted, []string{id})
	}
	return err
}

func (o *ObservedAdapter) CreateMany(ctx context.Context, table string, items []storage.Record) ([]storage.Record, error) {
	records, err := o.Adapter.CreateMany(ctx, table, items)
	if len(records) > 0 {
		o.emit(table, OperationCreated, o.recordIDs(table, records))
	}
	return records, err
}

func (o *ObservedAdapter) UpdateMany(ctx context.Context, table string, patches []storage.Patch) ([]storage.Record, error) {
	records, err := o.Adapter.UpdateMany(ctx, table, patches)
	if len(records) > 0 {
		o.emit(table, OperationUpdated, o.recordIDs(table, records))
	}
	return records, err
}

func (o *ObservedAdapter) DeleteMany(ctx context.Context, table string, ids []string) error {
	err := o.Adapter.DeleteMany(ctx, table, ids)
	if err == nil && len(ids) > 0 {
		o.emit(table, OperationDeleted, append([]string(nil), ids...))
	}
	return err
}

func (o *ObservedAdapter) Transaction(ctx context.Context, fn storage.TxFunc) error {
	var held []Change
	err := o.Adapter.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		held = held[:0]
		scoped := &ObservedAdapter{Adapter: tx, schema: o.schema, bus: o.bus, clock: o.clock, pending: &held}
		return fn(ctx, scoped)
	})
	if err == nil || !storage.RollsBack(o.Adapter) {
		for _, change := range held {
			o.emit(change.Table, change.Operation, change.IDs)
		}
	}
	return err
}

func (o *ObservedAdapter) AtomicTransactions() bool {
	return storage.RollsBack(o.Adapter)
}

// QueryRange forwards to the wrapped adapter when it serves ranged queries.
func (o *ObservedAdapter) QueryRange(ctx context.Context, table string, options storage.QueryOptions) ([]storage.Record, error) {
	ranger, ok := o.Adapter.(storage.RangeQuerier)
	if !ok {
		return nil, fmt.Errorf("%w: ranged queries", storage.ErrUnsupportedOperation)
	}
	return ranger.QueryRange(ctx, table, options)
}

func (o *ObservedAdapter) emit(table string, operation Operation, ids []string) {
	change := Change{Table: table, Operation: operation, IDs: ids, Timestamp: o.clock()}
	if o.pending != nil {
		*o.pending = append(*o.pending, change)
		return
	}
	o.bus.Publish(change)
}

func (o *ObservedAdapter) recordIDs(table string, records []storage.Record) []string {
	t, err := o.schema.Table(table)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, t.RecordID(record))
	}
	return ids
}
