package objectstore

import (
	"fmt"
	"sort"
)

// ObjectStore is a store bound to a transaction.
type ObjectStore struct {
	tx   *Tx
	name string
	meta *storeMeta
}

// IndexNames returns the sorted index names of the store.
func (s *ObjectStore) IndexNames() []string {
	names := make([]string, 0, len(s.meta.Indexes))
	for name := range s.meta.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add inserts value and fails with ErrConstraint when its key exists. The result is the key.
func (s *ObjectStore) Add(value map[string]any) *Request {
	return s.store(value, false)
}

// Put inserts or replaces value. The result is the key.
func (s *ObjectStore) Put(value map[string]any) *Request {
	return s.store(value, true)
}

func (s *ObjectStore) store(value map[string]any, overwrite bool) *Request {
	copied := cloneValue(value)
	return s.tx.submit(true, func() (any, error) {
		key, ok := evaluateKeyPath(copied, s.meta.KeyPath)
		if !ok {
			return nil, fmt.Errorf("%w: no value at key path %v", ErrData, s.meta.KeyPath)
		}
		encoded, err := encodeKey(key)
		if err != nil {
			return nil, err
		}
		if err := s.tx.write(s.name, s.meta, encoded, copied, overwrite); err != nil {
			return nil, err
		}
		return key, nil
	})
}

// Get resolves to the record stored at key, or nil.
func (s *ObjectStore) Get(key any) *Request {
	return s.tx.submit(false, func() (any, error) {
		encoded, err := encodeKey(key)
		if err != nil {
			return nil, err
		}
		value, err := s.tx.readRecord(s.name, encoded)
		if err != nil || value == nil {
			return nil, err
		}
		return value, nil
	})
}

// Delete removes the record at key. Deleting a missing key is not an error.
func (s *ObjectStore) Delete(key any) *Request {
	return s.tx.submit(true, func() (any, error) {
		encoded, err := encodeKey(key)
		if err != nil {
			return nil, err
		}
		_, err = s.tx.remove(s.name, s.meta, encoded)
		return nil, err
	})
}

// Count resolves to the number of records whose key is in r.
func (s *ObjectStore) Count(r *KeyRange) *Request {
	return s.tx.submit(false, func() (any, error) {
		keys, err := s.tx.listKeys(s.name)
		if err != nil {
			return nil, err
		}
		return len(filterRange(keys, r)), nil
	})
}

// GetAll resolves to the records in r, in key order.
func (s *ObjectStore) GetAll(r *KeyRange) *Request {
	return s.tx.submit(false, func() (any, error) {
		keys, err := s.tx.listKeys(s.name)
		if err != nil {
			return nil, err
		}
		return s.tx.readAll(s.name, filterRange(keys, r))
	})
}

// Index returns a secondary index of the store.
func (s *ObjectStore) Index(name string) (*Index, error) {
	idx, ok := s.meta.Indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: index %q on %q", ErrNotFound, name, s.name)
	}
	return &Index{store: s, name: name, meta: idx}, nil
}

// OpenCursor walks the records in r in the given direction.
func (s *ObjectStore) OpenCursor(r *KeyRange, direction Direction) *CursorRequest {
	return &CursorRequest{
		tx:        s.tx,
		store:     s,
		direction: direction,
		load: func() ([]cursorPosition, error) {
			keys, err := s.tx.listKeys(s.name)
			if err != nil {
				return nil, err
			}
			keys = filterRange(keys, r)
			positions := make([]cursorPosition, len(keys))
			for i, key := range keys {
				positions[i] = cursorPosition{key: key, primaryKey: key}
			}
			return positions, nil
		},
	}
}

// Index is a secondary index bound to a transaction.
type Index struct {
	store *ObjectStore
	name  string
	meta  *indexMeta
}

func (i *Index) positions(r *KeyRange) ([]cursorPosition, error) {
	tx := i.store.tx
	var indexKeys []string
	if r != nil && r.isOnly() {
		indexKeys = []string{r.lower}
	} else {
		all, err := tx.indexKeys(i.store.name, i.name)
		if err != nil {
			return nil, err
		}
		indexKeys = filterRange(all, r)
	}
	var positions []cursorPosition
	for _, indexKey := range indexKeys {
		primaryKeys, err := tx.indexEntries(i.store.name, i.name, indexKey)
		if err != nil {
			return nil, err
		}
		for _, primaryKey := range primaryKeys {
			positions = append(positions, cursorPosition{key: indexKey, primaryKey: primaryKey})
		}
	}
	return positions, nil
}

// Get resolves to the first record filed under key, or nil.
func (i *Index) Get(key any) *Request {
	return i.store.tx.submit(false, func() (any, error) {
		r, err := Only(key)
		if err != nil {
			return nil, err
		}
		positions, err := i.positions(r)
		if err != nil || len(positions) == 0 {
			return nil, err
		}
		value, err := i.store.tx.readRecord(i.store.name, positions[0].primaryKey)
		if err != nil || value == nil {
			return nil, err
		}
		return value, nil
	})
}

// GetAll resolves to the records whose index key is in r, in index order.
func (i *Index) GetAll(r *KeyRange) *Request {
	return i.store.tx.submit(false, func() (any, error) {
		positions, err := i.positions(r)
		if err != nil {
			return nil, err
		}
		keys := make([]string, len(positions))
		for n, position := range positions {
			keys[n] = position.primaryKey
		}
		return i.store.tx.readAll(i.store.name, keys)
	})
}

// Count resolves to the number of entries in r.
func (i *Index) Count(r *KeyRange) *Request {
	return i.store.tx.submit(false, func() (any, error) {
		positions, err := i.positions(r)
		if err != nil {
			return nil, err
		}
		return len(positions), nil
	})
}

// OpenCursor walks the index entries in r.
func (i *Index) OpenCursor(r *KeyRange, direction Direction) *CursorRequest {
	return &CursorRequest{
		tx:        i.store.tx,
		store:     i.store,
		direction: direction,
		load: func() ([]cursorPosition, error) {
			return i.positions(r)
		},
	}
}

func (t *Tx) readAll(store string, keys []string) ([]map[string]any, error) {
	records := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		value, err := t.readRecord(store, key)
		if err != nil {
			return nil, err
		}
		if value != nil {
			records = append(records, value)
		}
	}
	return records, nil
}

func cloneValue(value map[string]any) map[string]any {
	out := make(map[string]any, len(value))
	for field, item := range value {
		out[field] = item
	}
	return out
}
