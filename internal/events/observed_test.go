package events

import (
	"context"
	"errors"
	"testing"

	"github.com/TKKRTKY/brain-feed-reader/internal/drivers/indexed"
	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"github.com/hack-pad/hackpadfs/mem"
)

func newObservedIndexed(t *testing.T) (*ObservedAdapter, *Bus) {
	t.Helper()
	fsys, err := mem.NewFS()
	if err != nil {
		t.Fatalf("mem fs: %v", err)
	}
	driver, err := indexed.New(indexed.Config{FS: fsys})
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	t.Cleanup(func() { _ = driver.Close() })
	bus := NewBus()
	return Observe(driver, nil, bus, nil), bus
}

func TestObservedAdapterPublishesWritesKeptByFailedTransaction(t *testing.T) {
	adapter, bus := newObservedIndexed(t)
	stream, cleanup := bus.Subscribe(context.Background(), schema.Books)
	defer cleanup()
	ctx := context.Background()

	if adapter.AtomicTransactions() {
		t.Fatalf("expected the object store adapter to report non-atomic transactions")
	}

	boom := errors.New("boom")
	err := adapter.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		if _, err := tx.Create(ctx, schema.Books, book("b1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := adapter.Read(ctx, schema.Books, "b1"); err != nil {
		t.Fatalf("expected b1 to stay committed: %v", err)
	}
	change := receive(t, stream)
	if change.Operation != OperationCreated || len(change.IDs) != 1 || change.IDs[0] != "b1" {
		t.Fatalf("unexpected change: %+v", change)
	}
	expectSilence(t, stream)
}

func TestObservedAdapterPublishesPartialBatchInFailedTransaction(t *testing.T) {
	adapter, bus := newObservedIndexed(t)
	stream, cleanup := bus.Subscribe(context.Background(), schema.Books)
	defer cleanup()
	ctx := context.Background()

	if _, err := adapter.Create(ctx, schema.Books, book("b1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	receive(t, stream)

	err := adapter.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		_, err := tx.CreateMany(ctx, schema.Books, []storage.Record{book("b2"), book("b1"), book("b3")})
		return err
	})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	change := receive(t, stream)
	if len(change.IDs) != 1 || change.IDs[0] != "b2" {
		t.Fatalf("expected only the committed prefix, got %+v", change)
	}
	expectSilence(t, stream)
}

func TestObservedAdapterReportsWrappedAtomicity(t *testing.T) {
	relationalAdapter, _ := newObserved(t)
	if !relationalAdapter.AtomicTransactions() {
		t.Fatalf("expected the relational adapter to report atomic transactions")
	}
	if !storage.RollsBack(relationalAdapter) {
		t.Fatalf("expected RollsBack to see through the observer")
	}
}

func TestObservedAdapterForwardsRangedQueries(t *testing.T) {
	adapter, _ := newObservedIndexed(t)
	ctx := context.Background()
	for _, id := range []string{"b3", "b1", "b2"} {
		if _, err := adapter.Create(ctx, schema.Books, book(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	records, err := adapter.QueryRange(ctx, schema.Books, storage.QueryOptions{Direction: storage.Descending, Limit: 2})
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(records) != 2 || records[0].String("id") != "b3" || records[1].String("id") != "b2" {
		t.Fatalf("unexpected records: %v", records)
	}
}
