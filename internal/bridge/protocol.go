// Package bridge carries storage calls from a renderer process to the host
// process that owns the database, over HTTP or a unix socket.
package bridge

import (
	"errors"
	"fmt"

	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
)

// Type names the adapter call a Request performs.
type Type string

const (
	TypeCreate     Type = "create"
	TypeRead       Type = "read"
	TypeUpdate     Type = "update"
	TypeDelete     Type = "delete"
	TypeQuery      Type = "query"
	TypeFindOne    Type = "findOne"
	TypeQueryRange Type = "queryRange"
	TypeCreateMany Type = "createMany"
	TypeUpdateMany Type = "updateMany"
	TypeDeleteMany Type = "deleteMany"
	TypePing       Type = "ping"
)

// Writes reports whether a request of this type can change stored data.
func (t Type) Writes() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete, TypeCreateMany, TypeUpdateMany, TypeDeleteMany:
		return true
	}
	return false
}

// Request is one storage call.
type Request struct {
	RequestID string                `json:"request_id,omitempty"`
	Type      Type                  `json:"type"`
	Table     string                `json:"table,omitempty"`
	ID        string                `json:"id,omitempty"`
	Data      storage.Record        `json:"data,omitempty"`
	Filter    storage.Filter        `json:"filter,omitempty"`
	Items     []storage.Record      `json:"items,omitempty"`
	IDs       []string              `json:"ids,omitempty"`
	Patches   []storage.Patch       `json:"patches,omitempty"`
	Options   *storage.QueryOptions `json:"options,omitempty"`
}

// Response answers a Request. On success Data or Records carries the result.
// A failed batch on a backend without rollback also carries, in Records, the
// items it committed before the failure.
type Response struct {
	RequestID string           `json:"request_id,omitempty"`
	OK        bool             `json:"ok"`
	Data      storage.Record   `json:"data,omitempty"`
	Records   []storage.Record `json:"records,omitempty"`
	Error     *ErrorPayload    `json:"error,omitempty"`
}

// ErrorKind classifies a failure so the client can rebuild the matching error.
type ErrorKind string

const (
	KindNotFound       ErrorKind = "not_found"
	KindDuplicateKey   ErrorKind = "duplicate_key"
	KindConstraint     ErrorKind = "constraint"
	KindNotInitialized ErrorKind = "not_initialized"
	KindUnsupported    ErrorKind = "unsupported"
	KindUnknownTable   ErrorKind = "unknown_table"
	KindUnknownColumn  ErrorKind = "unknown_column"
	KindInvalid        ErrorKind = "invalid"
	KindDatabase       ErrorKind = "database"
)

// ErrorPayload is the wire form of an error.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Table   string    `json:"table,omitempty"`
	ID      string    `json:"id,omitempty"`
}

// EncodeError classifies err for the wire.
func EncodeError(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	payload := &ErrorPayload{Kind: KindDatabase, Message: err.Error()}
	var notFound *storage.NotFoundError
	if errors.As(err, &notFound) {
		payload.Kind = KindNotFound
		payload.Table = notFound.Table
		payload.ID = notFound.ID
		return payload
	}
	var dbErr *storage.DatabaseError
	if errors.As(err, &dbErr) {
		payload.Table = dbErr.Table
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		payload.Kind = KindNotFound
	case errors.Is(err, storage.ErrDuplicateKey):
		payload.Kind = KindDuplicateKey
	case errors.Is(err, storage.ErrConstraintViolation):
		payload.Kind = KindConstraint
	case errors.Is(err, storage.ErrNotInitialized):
		payload.Kind = KindNotInitialized
	case errors.Is(err, storage.ErrUnsupportedOperation):
		payload.Kind = KindUnsupported
	case errors.Is(err, storage.ErrUnknownTable):
		payload.Kind = KindUnknownTable
	case errors.Is(err, storage.ErrUnknownColumn):
		payload.Kind = KindUnknownColumn
	case errors.Is(err, storage.ErrInvalidRecord):
		payload.Kind = KindInvalid
	}
	return payload
}

// DecodeError rebuilds the storage error a payload describes.
func DecodeError(op string, payload *ErrorPayload) error {
	if payload == nil {
		return nil
	}
	if payload.Kind == KindNotFound {
		return storage.NewNotFoundError(payload.Table, payload.ID)
	}
	var sentinel error
	switch payload.Kind {
	case KindDuplicateKey:
		sentinel = storage.ErrDuplicateKey
	case KindConstraint:
		sentinel = storage.ErrConstraintViolation
	case KindNotInitialized:
		sentinel = storage.ErrNotInitialized
	case KindUnsupported:
		sentinel = storage.ErrUnsupportedOperation
	case KindUnknownTable:
		sentinel = storage.ErrUnknownTable
	case KindUnknownColumn:
		sentinel = storage.ErrUnknownColumn
	case KindInvalid:
		sentinel = storage.ErrInvalidRecord
	}
	cause := errors.New(payload.Message)
	if sentinel != nil {
		cause = fmt.Errorf("%w: %s", sentinel, payload.Message)
	}
	return &storage.DatabaseError{Op: op, Table: payload.Table, Err: cause}
}

func failure(request Request, err error, committed []storage.Record) Response {
	return Response{RequestID: request.RequestID, OK: false, Records: committed, Error: EncodeError(err)}
}
