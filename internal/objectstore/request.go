package objectstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrClosed              = errors.New("objectstore: database closed")
	ErrVersion             = errors.New("objectstore: requested version is lower than the stored version")
	ErrConstraint          = errors.New("objectstore: constraint error")
	ErrNotFound            = errors.New("objectstore: object store or index not found")
	ErrReadOnly            = errors.New("objectstore: transaction is read-only")
	ErrTransactionInactive = errors.New("objectstore: transaction is not active")
	ErrAborted             = errors.New("objectstore: transaction aborted")
	ErrData                = errors.New("objectstore: invalid key")
	ErrInvalidName         = errors.New("objectstore: invalid name")
	ErrRollback            = errors.New("objectstore: rollback failed")
	ErrEmptyRange          = errors.New("objectstore: key range is empty")

	// ErrStop ends a cursor iteration without error.
	ErrStop = errors.New("objectstore: stop iteration")
)

// Request is the pending result of one operation inside a transaction.
type Request struct {
	done   chan struct{}
	result any
	err    error
}

func newRequest() *Request {
	return &Request{done: make(chan struct{})}
}

func failedRequest(err error) *Request {
	req := newRequest()
	req.complete(nil, err)
	return req
}

func (r *Request) complete(result any, err error) {
	r.result = result
	r.err = err
	close(r.done)
}

// Done is closed once the request has a result.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Await blocks until the request completes or ctx ends.
func (r *Request) Await(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result awaits req and asserts its result type. A nil result yields the zero value.
func Result[T any](ctx context.Context, req *Request) (T, error) {
	var zero T
	value, err := req.Await(ctx)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("objectstore: unexpected result type %T", value)
	}
	return typed, nil
}
