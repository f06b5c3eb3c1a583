package objectstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/hack-pad/hackpadfs"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	modeVersionChange
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case modeVersionChange:
		return "versionchange"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Tx is a transaction. Readonly transactions share the database; readwrite
// transactions hold it exclusively. Requests run one at a time in the order
// they were issued. A failed request aborts the transaction.
type Tx struct {
	db    *DB
	mode  Mode
	meta  *dbMeta
	scope map[string]bool

	mu       sync.Mutex
	cond     *sync.Cond
	issued   uint64
	running  uint64
	pending  int
	aborting bool
	finished bool
	err      error

	undo      map[string]map[string]undoEntry
	undoOrder []undoKey
}

type undoKey struct {
	store string
	key   string
}

type undoEntry struct {
	existed bool
	raw     []byte
}

func (db *DB) begin(mode Mode, meta *dbMeta, scope map[string]bool) *Tx {
	if mode == ReadOnly {
		db.txLock.RLock()
	} else {
		db.txLock.Lock()
	}
	tx := &Tx{
		db:    db,
		mode:  mode,
		meta:  meta,
		scope: scope,
		undo:  map[string]map[string]undoEntry{},
	}
	tx.cond = sync.NewCond(&tx.mu)
	return tx
}

func (t *Tx) Mode() Mode {
	return t.mode
}

// ObjectStore returns a store in the transaction's scope.
func (t *Tx) ObjectStore(name string) (*ObjectStore, error) {
	store, ok := t.meta.Stores[name]
	if !ok || (t.scope != nil && !t.scope[name]) {
		return nil, fmt.Errorf("%w: object store %q not in transaction scope", ErrNotFound, name)
	}
	return &ObjectStore{tx: t, name: name, meta: store}, nil
}

// Commit waits for pending requests and makes the transaction's writes final.
func (t *Tx) Commit() error {
	return t.finish(true)
}

// Abort waits for the running request, fails the rest and reverts every write.
func (t *Tx) Abort() error {
	return t.finish(false)
}

func (t *Tx) isFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *Tx) finish(commit bool) error {
	t.mu.Lock()
	if t.finished {
		err := t.err
		t.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrTransactionInactive
	}
	if !commit {
		t.aborting = true
	}
	for t.pending > 0 {
		t.cond.Wait()
	}
	if t.finished {
		err := t.err
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	var err error
	if !commit {
		err = t.rollback()
	}
	t.markFinished(nil)
	return err
}

func (t *Tx) markFinished(cause error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	if cause != nil {
		t.err = fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	t.cond.Broadcast()
	t.mu.Unlock()
	if t.mode == ReadOnly {
		t.db.txLock.RUnlock()
	} else {
		t.db.txLock.Unlock()
	}
}

// submit queues fn behind every earlier request of the transaction.
func (t *Tx) submit(write bool, fn func() (any, error)) *Request {
	if write && t.mode == ReadOnly {
		return failedRequest(ErrReadOnly)
	}
	req := newRequest()
	t.mu.Lock()
	if t.finished || t.aborting {
		t.mu.Unlock()
		req.complete(nil, ErrTransactionInactive)
		return req
	}
	seq := t.issued
	t.issued++
	t.pending++
	t.mu.Unlock()

	go func() {
		t.mu.Lock()
		for t.running != seq {
			t.cond.Wait()
		}
		inactive := t.finished || t.aborting
		t.mu.Unlock()

		var (
			result any
			err    error
		)
		if inactive {
			err = ErrTransactionInactive
		} else {
			result, err = fn()
			if err != nil && !errors.Is(err, ErrStop) {
				if rbErr := t.rollback(); rbErr != nil {
					err = errors.Join(err, fmt.Errorf("%w: %w", ErrRollback, rbErr))
				}
				t.markFinished(err)
			}
		}

		t.mu.Lock()
		t.running++
		t.pending--
		t.cond.Broadcast()
		t.mu.Unlock()
		req.complete(result, err)
	}()
	return req
}

func (t *Tx) remember(store, key string, existed bool, raw []byte) {
	if t.mode == ReadOnly {
		return
	}
	entries, ok := t.undo[store]
	if !ok {
		entries = map[string]undoEntry{}
		t.undo[store] = entries
	}
	if _, seen := entries[key]; seen {
		return
	}
	entries[key] = undoEntry{existed: existed, raw: raw}
	t.undoOrder = append(t.undoOrder, undoKey{store: store, key: key})
}

func (t *Tx) rollback() error {
	var firstErr error
	for i := len(t.undoOrder) - 1; i >= 0; i-- {
		ref := t.undoOrder[i]
		entry := t.undo[ref.store][ref.key]
		meta, ok := t.meta.Stores[ref.store]
		if !ok {
			continue
		}
		var err error
		if entry.existed {
			var prior map[string]any
			if prior, err = decodeRecord(entry.raw); err == nil {
				err = t.writeRaw(ref.store, meta, ref.key, prior, entry.raw)
			}
		} else {
			err = t.deleteRaw(ref.store, meta, ref.key)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.undo = map[string]map[string]undoEntry{}
	t.undoOrder = nil
	return firstErr
}

func (t *Tx) recordPath(store, key string) string {
	return path.Join(t.db.dataPath(store), key)
}

func (t *Tx) readRaw(store, key string) ([]byte, bool, error) {
	raw, err := hackpadfs.ReadFile(t.db.fs, t.recordPath(store, key))
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (t *Tx) readRecord(store, key string) (map[string]any, error) {
	raw, exists, err := t.readRaw(store, key)
	if err != nil || !exists {
		return nil, err
	}
	return decodeRecord(raw)
}

// listKeys returns the encoded primary keys of a store in key order.
func (t *Tx) listKeys(store string) ([]string, error) {
	entries, err := hackpadfs.ReadDir(t.db.fs, t.db.dataPath(store))
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			keys = append(keys, entry.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// write stores value under key, keeping indexes current and recording undo state.
func (t *Tx) write(store string, meta *storeMeta, key string, value map[string]any, overwrite bool) error {
	prior, existed, err := t.readRaw(store, key)
	if err != nil {
		return err
	}
	if existed && !overwrite {
		return fmt.Errorf("%w: key already exists in %q", ErrConstraint, store)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrData, err)
	}
	if err := t.checkUnique(store, meta, key, value); err != nil {
		return err
	}
	t.remember(store, key, existed, prior)
	return t.writeRaw(store, meta, key, value, raw)
}

func (t *Tx) writeRaw(store string, meta *storeMeta, key string, value map[string]any, raw []byte) error {
	current, err := t.readRecord(store, key)
	if err != nil {
		return err
	}
	if current != nil {
		if err := t.unindex(store, meta, key, current); err != nil {
			return err
		}
	}
	if err := hackpadfs.WriteFullFile(t.db.fs, t.recordPath(store, key), raw, 0o644); err != nil {
		return err
	}
	for name, idx := range meta.Indexes {
		if err := t.addIndexEntry(store, name, idx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) remove(store string, meta *storeMeta, key string) (bool, error) {
	prior, existed, err := t.readRaw(store, key)
	if err != nil || !existed {
		return false, err
	}
	t.remember(store, key, true, prior)
	return true, t.deleteRaw(store, meta, key)
}

func (t *Tx) deleteRaw(store string, meta *storeMeta, key string) error {
	current, err := t.readRecord(store, key)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	if err := t.unindex(store, meta, key, current); err != nil {
		return err
	}
	err = hackpadfs.Remove(t.db.fs, t.recordPath(store, key))
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return nil
	}
	return err
}

func (t *Tx) checkUnique(store string, meta *storeMeta, key string, value map[string]any) error {
	for name, idx := range meta.Indexes {
		if !idx.Unique {
			continue
		}
		indexKey, ok := evaluateKeyPath(value, idx.KeyPath)
		if !ok {
			continue
		}
		encoded, err := encodeKey(indexKey)
		if err != nil {
			return err
		}
		owners, err := t.indexEntries(store, name, encoded)
		if err != nil {
			return err
		}
		for _, owner := range owners {
			if owner != key {
				return fmt.Errorf("%w: unique index %q on %q", ErrConstraint, name, store)
			}
		}
	}
	return nil
}

func (t *Tx) addIndexEntry(store, name string, idx *indexMeta, key string, value map[string]any) error {
	indexKey, ok := evaluateKeyPath(value, idx.KeyPath)
	if !ok {
		return nil
	}
	encoded, err := encodeKey(indexKey)
	if err != nil {
		return err
	}
	dir := path.Join(t.db.indexPath(store, name), encoded)
	if err := hackpadfs.MkdirAll(t.db.fs, dir, 0o755); err != nil {
		return err
	}
	return hackpadfs.WriteFullFile(t.db.fs, path.Join(dir, key), nil, 0o644)
}

func (t *Tx) unindex(store string, meta *storeMeta, key string, value map[string]any) error {
	for name, idx := range meta.Indexes {
		indexKey, ok := evaluateKeyPath(value, idx.KeyPath)
		if !ok {
			continue
		}
		encoded, err := encodeKey(indexKey)
		if err != nil {
			return err
		}
		dir := path.Join(t.db.indexPath(store, name), encoded)
		if err := hackpadfs.Remove(t.db.fs, path.Join(dir, key)); err != nil && !errors.Is(err, hackpadfs.ErrNotExist) {
			return err
		}
		remaining, err := hackpadfs.ReadDir(t.db.fs, dir)
		if err == nil && len(remaining) == 0 {
			_ = hackpadfs.Remove(t.db.fs, dir)
		}
	}
	return nil
}

// indexKeys returns the encoded index keys present in an index, in key order.
func (t *Tx) indexKeys(store, index string) ([]string, error) {
	entries, err := hackpadfs.ReadDir(t.db.fs, t.db.indexPath(store, index))
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			keys = append(keys, entry.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// indexEntries returns the encoded primary keys filed under one index key.
func (t *Tx) indexEntries(store, index, indexKey string) ([]string, error) {
	entries, err := hackpadfs.ReadDir(t.db.fs, path.Join(t.db.indexPath(store, index), indexKey))
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

func (t *Tx) backfillIndex(store, name string, idx *indexMeta) error {
	keys, err := t.listKeys(store)
	if err != nil {
		return err
	}
	seen := map[string]string{}
	for _, key := range keys {
		value, err := t.readRecord(store, key)
		if err != nil {
			return err
		}
		if value == nil {
			continue
		}
		if idx.Unique {
			if indexKey, ok := evaluateKeyPath(value, idx.KeyPath); ok {
				encoded, err := encodeKey(indexKey)
				if err != nil {
					return err
				}
				if owner, dup := seen[encoded]; dup && owner != key {
					return fmt.Errorf("%w: unique index %q on %q", ErrConstraint, name, store)
				}
				seen[encoded] = key
			}
		}
		if err := t.addIndexEntry(store, name, idx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func decodeRecord(raw []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value map[string]any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("objectstore: corrupt record: %w", err)
	}
	for field, item := range value {
		if number, ok := item.(json.Number); ok {
			value[field] = canonicalValue(number)
		}
	}
	return value, nil
}
