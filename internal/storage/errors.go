package storage

import (
	"errors"
	"fmt"

	"github.com/TKKRTKY/brain-feed-reader/internal/platform"
)

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicateKey indicates an insert collided with an existing primary key.
	ErrDuplicateKey = errors.New("storage: duplicate key")
	// ErrConstraintViolation covers foreign key and not-null violations.
	ErrConstraintViolation = errors.New("storage: constraint violation")
	// ErrNotInitialized is returned when the connection is not open or was closed.
	ErrNotInitialized = errors.New("storage: database not initialized")
	// ErrUnsupportedOperation is returned by backends that cannot honor a call.
	ErrUnsupportedOperation = errors.New("storage: unsupported operation")
	// ErrUnknownTable indicates a table missing from the schema or the backend.
	ErrUnknownTable = errors.New("storage: unknown table")
	// ErrUnknownColumn indicates a field outside the table's column whitelist.
	ErrUnknownColumn = errors.New("storage: unknown column")
	// ErrInvalidRecord covers type mismatches and missing required identifiers.
	ErrInvalidRecord = errors.New("storage: invalid record")
)

// NotFoundError reports a record absent for a read, update or delete by id.
type NotFoundError struct {
	Table string
	ID    string
}

func NewNotFoundError(table, id string) error {
	return &NotFoundError{Table: table, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("record not found in %s with id %s", e.Table, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// DatabaseError wraps a backend failure for one operation on one table.
type DatabaseError struct {
	Op    string
	Table string
	Err   error
}

// NewDatabaseError wraps cause. Passing a NotFoundError or an existing
// DatabaseError returns it unchanged so drivers can wrap unconditionally.
func NewDatabaseError(op, table string, cause error) error {
	if cause == nil {
		return nil
	}
	var notFound *NotFoundError
	if errors.As(cause, &notFound) {
		return cause
	}
	var existing *DatabaseError
	if errors.As(cause, &existing) {
		return cause
	}
	return &DatabaseError{Op: op, Table: table, Err: cause}
}

func (e *DatabaseError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage.%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// Kind classifies provider-level failures.
type Kind string

const (
	KindInitialization Kind = "initialization"
	KindMigration      Kind = "migration"
	KindOperation      Kind = "operation"
)

var (
	ErrStorageInitialization = errors.New("storage initialization failed")
	ErrStorageMigration      = errors.New("storage migration failed")
	ErrStorageOperation      = errors.New("storage operation failed")
)

// StorageError is raised by the provider and migration layers. It carries the
// detected platform so failures can be diagnosed without the backend at hand.
type StorageError struct {
	Kind      Kind
	Operation string
	Platform  platform.Info
	Err       error
}

func NewInitializationError(info platform.Info, cause error) error {
	return &StorageError{Kind: KindInitialization, Operation: "initialize", Platform: info, Err: cause}
}

func NewMigrationError(info platform.Info, operation string, cause error) error {
	return &StorageError{Kind: KindMigration, Operation: operation, Platform: info, Err: cause}
}

func NewOperationError(info platform.Info, operation string, cause error) error {
	return &StorageError{Kind: KindOperation, Operation: operation, Platform: info, Err: cause}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s (%s) on %s: %v", e.Kind, e.Operation, e.Platform, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	switch target {
	case ErrStorageInitialization:
		return e.Kind == KindInitialization
	case ErrStorageMigration:
		return e.Kind == KindMigration
	case ErrStorageOperation:
		return e.Kind == KindOperation
	}
	return false
}
