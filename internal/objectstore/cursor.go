package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// Direction orders a cursor walk.
type Direction int

const (
	Next Direction = iota
	Prev
)

// KeyRange bounds the keys a request or cursor visits. A nil range is unbounded.
type KeyRange struct {
	lower, upper         string
	hasLower, hasUpper   bool
	lowerOpen, upperOpen bool
}

// Only matches exactly key.
func Only(key any) (*KeyRange, error) {
	encoded, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	return &KeyRange{lower: encoded, upper: encoded, hasLower: true, hasUpper: true}, nil
}

// Bound matches keys between lower and upper.
func Bound(lower, upper any, lowerOpen, upperOpen bool) (*KeyRange, error) {
	lo, err := encodeKey(lower)
	if err != nil {
		return nil, err
	}
	hi, err := encodeKey(upper)
	if err != nil {
		return nil, err
	}
	if lo > hi {
		return nil, fmt.Errorf("%w: lower bound is greater than upper bound", ErrEmptyRange)
	}
	return &KeyRange{lower: lo, upper: hi, hasLower: true, hasUpper: true, lowerOpen: lowerOpen, upperOpen: upperOpen}, nil
}

// LowerBound matches keys above lower.
func LowerBound(lower any, open bool) (*KeyRange, error) {
	lo, err := encodeKey(lower)
	if err != nil {
		return nil, err
	}
	return &KeyRange{lower: lo, hasLower: true, lowerOpen: open}, nil
}

// UpperBound matches keys below upper.
func UpperBound(upper any, open bool) (*KeyRange, error) {
	hi, err := encodeKey(upper)
	if err != nil {
		return nil, err
	}
	return &KeyRange{upper: hi, hasUpper: true, upperOpen: open}, nil
}

func (r *KeyRange) isOnly() bool {
	return r.hasLower && r.hasUpper && r.lower == r.upper && !r.lowerOpen && !r.upperOpen
}

func (r *KeyRange) includes(encoded string) bool {
	if r == nil {
		return true
	}
	if r.hasLower && (encoded < r.lower || (r.lowerOpen && encoded == r.lower)) {
		return false
	}
	if r.hasUpper && (encoded > r.upper || (r.upperOpen && encoded == r.upper)) {
		return false
	}
	return true
}

func filterRange(keys []string, r *KeyRange) []string {
	if r == nil {
		return keys
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if r.includes(key) {
			out = append(out, key)
		}
	}
	return out
}

type cursorPosition struct {
	key        string
	primaryKey string
}

// CursorRequest is an unopened cursor. Iter drives it.
type CursorRequest struct {
	tx        *Tx
	store     *ObjectStore
	direction Direction
	load      func() ([]cursorPosition, error)
}

// Iter visits each record in order. Returning ErrStop from fn ends the walk
// without error. Positions are fixed when the walk starts; records deleted
// afterwards are skipped.
func (c *CursorRequest) Iter(ctx context.Context, fn func(*Cursor) error) error {
	positions, err := Result[[]cursorPosition](ctx, c.tx.submit(false, func() (any, error) {
		return c.load()
	}))
	if err != nil {
		return err
	}
	if c.direction == Prev {
		for i, j := 0, len(positions)-1; i < j; i, j = i+1, j-1 {
			positions[i], positions[j] = positions[j], positions[i]
		}
	}
	for _, position := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}
		primaryKey := position.primaryKey
		value, err := Result[map[string]any](ctx, c.tx.submit(false, func() (any, error) {
			value, err := c.tx.readRecord(c.store.name, primaryKey)
			if err != nil || value == nil {
				return nil, err
			}
			return value, nil
		}))
		if err != nil {
			return err
		}
		if value == nil {
			continue
		}
		cursor := &Cursor{request: c, position: position, value: value}
		if err := fn(cursor); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Cursor is the current position of an Iter walk.
type Cursor struct {
	request  *CursorRequest
	position cursorPosition
	value    map[string]any
}

func (c *Cursor) PrimaryKey() any {
	key, _ := decodeKey(c.position.primaryKey)
	return key
}

// Value returns a copy of the record.
func (c *Cursor) Value() map[string]any {
	return cloneValue(c.value)
}

// Update replaces the record at the cursor. The key must not change.
func (c *Cursor) Update(value map[string]any) *Request {
	store := c.request.store
	copied := cloneValue(value)
	return c.request.tx.submit(true, func() (any, error) {
		key, ok := evaluateKeyPath(copied, store.meta.KeyPath)
		if !ok {
			return nil, ErrData
		}
		encoded, err := encodeKey(key)
		if err != nil {
			return nil, err
		}
		if encoded != c.position.primaryKey {
			return nil, errors.New("objectstore: cursor update must not change the key")
		}
		return key, c.request.tx.write(store.name, store.meta, encoded, copied, true)
	})
}

// Delete removes the record at the cursor.
func (c *Cursor) Delete() *Request {
	store := c.request.store
	primaryKey := c.position.primaryKey
	return c.request.tx.submit(true, func() (any, error) {
		_, err := c.request.tx.remove(store.name, store.meta, primaryKey)
		return nil, err
	})
}
