package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/TKKRTKY/brain-feed-reader/internal/drivers/indexed"
	"github.com/TKKRTKY/brain-feed-reader/internal/drivers/relational"
	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"github.com/hack-pad/hackpadfs/mem"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestAdapter(testContext *testing.T) storage.Adapter {
	testContext.Helper()
	driver, err := relational.Open(context.Background(), relational.Config{
		Filename: filepath.Join(testContext.TempDir(), relational.DefaultFilename),
	})
	if err != nil {
		testContext.Fatalf("open database: %v", err)
	}
	testContext.Cleanup(func() { _ = driver.Close() })
	return driver
}

func newTestDispatcher(testContext *testing.T) *Dispatcher {
	testContext.Helper()
	dispatcher, err := NewDispatcher(newTestAdapter(testContext), nil)
	if err != nil {
		testContext.Fatalf("build dispatcher: %v", err)
	}
	return dispatcher
}

func book(id string) storage.Record {
	return storage.Record{"id": id, "title": "Book " + id, "filepath": "/books/" + id + ".epub"}
}

func TestNewDispatcherRequiresAdapter(t *testing.T) {
	if _, err := NewDispatcher(nil, nil); !errors.Is(err, errMissingAdapter) {
		t.Fatalf("expected missing adapter error, got %v", err)
	}
}

func TestDispatchValidatesRequests(t *testing.T) {
	dispatcher := newTestDispatcher(t)
	testCases := []struct {
		name    string
		request Request
		message string
	}{
		{name: "missing table", request: Request{Type: TypeQuery}, message: "storage: invalid record: table is required"},
		{name: "read without id", request: Request{Type: TypeRead, Table: schema.Books}, message: "storage: invalid record: ID is required for read"},
		{name: "update without id", request: Request{Type: TypeUpdate, Table: schema.Books, Data: storage.Record{"title": "x"}}, message: "storage: invalid record: ID is required for update"},
		{name: "delete without id", request: Request{Type: TypeDelete, Table: schema.Books}, message: "storage: invalid record: ID is required for delete"},
		{name: "create without data", request: Request{Type: TypeCreate, Table: schema.Books}, message: "storage: invalid record: data is required for create"},
		{name: "blank patch id", request: Request{Type: TypeUpdateMany, Table: schema.Books, Patches: []storage.Patch{{ID: " "}}}, message: "storage: invalid record: ID is required for every patch"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			response := dispatcher.Dispatch(context.Background(), testCase.request)
			if response.OK {
				t.Fatalf("expected failure")
			}
			if response.Error.Kind != KindInvalid {
				t.Fatalf("unexpected kind: %s", response.Error.Kind)
			}
			if response.Error.Message != testCase.message {
				t.Fatalf("unexpected message: %q", response.Error.Message)
			}
		})
	}
}

func TestDispatchUnknownType(t *testing.T) {
	response := newTestDispatcher(t).Dispatch(context.Background(), Request{Type: "vacuum", Table: schema.Books})
	if response.OK || response.Error.Kind != KindUnsupported {
		t.Fatalf("expected unsupported response, got %+v", response)
	}
}

func TestDispatchEchoesRequestID(t *testing.T) {
	response := newTestDispatcher(t).Dispatch(context.Background(), Request{RequestID: "42", Type: TypePing})
	if !response.OK || response.RequestID != "42" {
		t.Fatalf("unexpected ping response: %+v", response)
	}
}

func TestDispatchBatchIsAtomic(t *testing.T) {
	dispatcher := newTestDispatcher(t)
	ctx := context.Background()

	if response := dispatcher.Dispatch(ctx, Request{Type: TypeCreate, Table: schema.Books, Data: book("b2")}); !response.OK {
		t.Fatalf("seed failed: %+v", response.Error)
	}
	response := dispatcher.Dispatch(ctx, Request{Type: TypeCreateMany, Table: schema.Books, Items: []storage.Record{book("b1"), book("b2")}})
	if response.OK || response.Error.Kind != KindDuplicateKey {
		t.Fatalf("expected duplicate key failure, got %+v", response)
	}
	if len(response.Records) != 0 {
		t.Fatalf("expected no committed records from a rolled back batch, got %v", response.Records)
	}

	response = dispatcher.Dispatch(ctx, Request{Type: TypeQuery, Table: schema.Books})
	if !response.OK {
		t.Fatalf("query failed: %+v", response.Error)
	}
	if len(response.Records) != 1 || response.Records[0]["id"] != "b2" {
		t.Fatalf("expected batch to roll back, got %v", response.Records)
	}
}

func TestDispatchBatchReportsCommittedPrefix(t *testing.T) {
	fsys, err := mem.NewFS()
	if err != nil {
		t.Fatalf("mem fs: %v", err)
	}
	driver, err := indexed.New(indexed.Config{FS: fsys})
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	t.Cleanup(func() { _ = driver.Close() })
	dispatcher, err := NewDispatcher(driver, nil)
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}
	ctx := context.Background()

	if response := dispatcher.Dispatch(ctx, Request{Type: TypeCreate, Table: schema.Books, Data: book("b1")}); !response.OK {
		t.Fatalf("seed failed: %+v", response.Error)
	}
	response := dispatcher.Dispatch(ctx, Request{
		RequestID: "7",
		Type:      TypeCreateMany,
		Table:     schema.Books,
		Items:     []storage.Record{book("b3"), book("b1"), book("b4")},
	})
	if response.OK || response.Error.Kind != KindDuplicateKey {
		t.Fatalf("expected duplicate key failure, got %+v", response)
	}
	if response.RequestID != "7" {
		t.Fatalf("unexpected request id: %q", response.RequestID)
	}
	if len(response.Records) != 1 || response.Records[0]["id"] != "b3" {
		t.Fatalf("expected the committed record with the failure, got %v", response.Records)
	}

	response = dispatcher.Dispatch(ctx, Request{Type: TypeUpdateMany, Table: schema.Books, Patches: []storage.Patch{
		{ID: "b3", Data: storage.Record{"author": "A"}},
		{ID: "missing", Data: storage.Record{"author": "B"}},
	}})
	if response.OK || response.Error.Kind != KindNotFound {
		t.Fatalf("expected not found failure, got %+v", response)
	}
	if len(response.Records) != 1 || response.Records[0]["author"] != "A" {
		t.Fatalf("expected the committed update with the failure, got %v", response.Records)
	}
}

// rangeless hides every optional capability of the adapter it wraps.
type rangeless struct {
	storage.Adapter
}

func TestDispatchQueryRange(t *testing.T) {
	dispatcher := newTestDispatcher(t)
	ctx := context.Background()
	for _, id := range []string{"b2", "b3", "b1"} {
		if response := dispatcher.Dispatch(ctx, Request{Type: TypeCreate, Table: schema.Books, Data: book(id)}); !response.OK {
			t.Fatalf("seed failed: %+v", response.Error)
		}
	}

	response := dispatcher.Dispatch(ctx, Request{Type: TypeQueryRange, Table: schema.Books, Options: &storage.QueryOptions{
		Direction: storage.Descending,
		Range:     &storage.Range{Upper: "b2"},
	}})
	if !response.OK {
		t.Fatalf("query range failed: %+v", response.Error)
	}
	if len(response.Records) != 2 || response.Records[0]["id"] != "b2" || response.Records[1]["id"] != "b1" {
		t.Fatalf("unexpected records: %v", response.Records)
	}

	response = dispatcher.Dispatch(ctx, Request{Type: TypeQueryRange, Table: schema.Books, Options: &storage.QueryOptions{Index: "by_mood"}})
	if response.OK || response.Error.Kind != KindUnknownColumn {
		t.Fatalf("expected unknown index failure, got %+v", response)
	}

	plain, err := NewDispatcher(rangeless{Adapter: newTestAdapter(t)}, nil)
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}
	response = plain.Dispatch(ctx, Request{Type: TypeQueryRange, Table: schema.Books})
	if response.OK || response.Error.Kind != KindUnsupported {
		t.Fatalf("expected unsupported failure, got %+v", response)
	}
}

func TestDispatchQueryReturnsEmptyRecords(t *testing.T) {
	response := newTestDispatcher(t).Dispatch(context.Background(), Request{Type: TypeQuery, Table: schema.Books})
	if !response.OK || response.Records == nil {
		t.Fatalf("expected empty record list, got %+v", response)
	}
}

func TestDispatchLogsFailuresExceptNotFound(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	dispatcher, err := NewDispatcher(newTestAdapter(t), zap.New(core))
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}
	ctx := context.Background()

	dispatcher.Dispatch(ctx, Request{Type: TypeRead, Table: schema.Books, ID: "missing"})
	if logs.Len() != 0 {
		t.Fatalf("expected no log entry for a missing record, got %d", logs.Len())
	}

	dispatcher.Dispatch(ctx, Request{Type: TypeCreate, Table: schema.Books, Data: storage.Record{"id": "b1"}})
	entries := logs.FilterMessage("bridge request failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["operation"] != string(TypeCreate) {
		t.Fatalf("unexpected context: %v", entries[0].ContextMap())
	}
}

func TestErrorRoundTrip(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{name: "duplicate", err: storage.NewDatabaseError("create", schema.Books, storage.ErrDuplicateKey), sentinel: storage.ErrDuplicateKey},
		{name: "constraint", err: storage.NewDatabaseError("delete", schema.Books, storage.ErrConstraintViolation), sentinel: storage.ErrConstraintViolation},
		{name: "not initialized", err: storage.ErrNotInitialized, sentinel: storage.ErrNotInitialized},
		{name: "unknown table", err: storage.ErrUnknownTable, sentinel: storage.ErrUnknownTable},
		{name: "unknown column", err: storage.ErrUnknownColumn, sentinel: storage.ErrUnknownColumn},
		{name: "not found", err: storage.NewNotFoundError(schema.Books, "b1"), sentinel: storage.ErrNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			decoded := DecodeError("op", EncodeError(testCase.err))
			if !errors.Is(decoded, testCase.sentinel) {
				t.Fatalf("decoded error %v does not match %v", decoded, testCase.sentinel)
			}
		})
	}

	decoded := DecodeError("read", EncodeError(storage.NewNotFoundError(schema.Books, "b1")))
	if decoded.Error() != storage.NewNotFoundError(schema.Books, "b1").Error() {
		t.Fatalf("unexpected not found message: %q", decoded.Error())
	}
}
