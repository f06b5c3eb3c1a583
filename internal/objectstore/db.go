package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/hack-pad/hackpadfs"
)

// UpgradeFunc runs inside the version change transaction when a database is
// opened at a version higher than the stored one.
type UpgradeFunc func(up *Upgrade, oldVersion, newVersion int) error

// DB is an open connection to one named database on a filesystem.
type DB struct {
	fs   hackpadfs.FS
	name string

	txLock sync.RWMutex

	mu     sync.Mutex
	meta   *dbMeta
	closed bool
}

// Open connects to the named database. version 0 opens the stored version, or 1 for a new database.
func Open(ctx context.Context, fsys hackpadfs.FS, name string, version int, upgrade UpgradeFunc) (*DB, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if version < 0 {
		return nil, fmt.Errorf("%w: version must not be negative", ErrVersion)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	meta, err := loadMeta(fsys, name)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		version = meta.Version
		if version == 0 {
			version = 1
		}
	}
	if version < meta.Version {
		return nil, fmt.Errorf("%w: requested %d, stored %d", ErrVersion, version, meta.Version)
	}

	db := &DB{fs: fsys, name: name, meta: meta}
	if version == meta.Version {
		return db, nil
	}
	if err := db.runUpgrade(meta.Version, version, upgrade); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) runUpgrade(oldVersion, newVersion int, upgrade UpgradeFunc) error {
	working := db.meta.clone()
	working.Version = newVersion
	tx := db.begin(modeVersionChange, working, nil)
	up := &Upgrade{db: db, tx: tx, meta: working}

	if upgrade != nil {
		if err := upgrade(up, oldVersion, newVersion); err != nil {
			return up.fail(oldVersion, newVersion, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return up.fail(oldVersion, newVersion, err)
	}
	if err := up.finalize(); err != nil {
		return err
	}
	db.mu.Lock()
	db.meta = working
	db.mu.Unlock()
	return nil
}

func (db *DB) Version() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.meta.Version
}

// ObjectStoreNames returns the sorted store names.
func (db *DB) ObjectStoreNames() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.meta.storeNames()
}

// Transaction starts a transaction over the named stores, or every store when none are named.
func (db *DB) Transaction(mode Mode, stores ...string) (*Tx, error) {
	if mode != ReadOnly && mode != ReadWrite {
		return nil, fmt.Errorf("objectstore: invalid transaction mode %d", mode)
	}
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrClosed
	}
	meta := db.meta
	db.mu.Unlock()

	if len(stores) == 0 {
		stores = meta.storeNames()
	}
	scope := make(map[string]bool, len(stores))
	for _, store := range stores {
		if _, ok := meta.Stores[store]; !ok {
			return nil, fmt.Errorf("%w: object store %q", ErrNotFound, store)
		}
		scope[store] = true
	}
	return db.begin(mode, meta, scope), nil
}

// Close waits for running transactions and releases the connection.
func (db *DB) Close() error {
	db.txLock.Lock()
	defer db.txLock.Unlock()
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

func (db *DB) dataPath(store string) string {
	return path.Join(db.name, dataDir, store)
}

func (db *DB) indexPath(store, index string) string {
	return path.Join(db.name, indexDir, store, index)
}

// Upgrade is the schema-changing view handed to an UpgradeFunc.
type Upgrade struct {
	db   *DB
	tx   *Tx
	meta *dbMeta

	createdStores  []string
	createdIndexes [][2]string
	deletedIndexes [][2]string
}

func (u *Upgrade) ObjectStoreNames() []string {
	return u.meta.storeNames()
}

func (u *Upgrade) HasObjectStore(name string) bool {
	_, ok := u.meta.Stores[name]
	return ok
}

// CreateObjectStore adds a store whose records are keyed at keyPath.
func (u *Upgrade) CreateObjectStore(name string, keyPath []string) (*StoreUpgrade, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if len(keyPath) == 0 {
		return nil, fmt.Errorf("objectstore: store %q needs a key path", name)
	}
	if u.HasObjectStore(name) {
		return nil, fmt.Errorf("%w: object store %q already exists", ErrConstraint, name)
	}
	if err := hackpadfs.MkdirAll(u.db.fs, u.db.dataPath(name), 0o755); err != nil {
		return nil, err
	}
	u.meta.Stores[name] = &storeMeta{KeyPath: append([]string(nil), keyPath...), Indexes: map[string]*indexMeta{}}
	u.createdStores = append(u.createdStores, name)
	return &StoreUpgrade{up: u, name: name}, nil
}

// ObjectStore returns an existing store for index changes.
func (u *Upgrade) ObjectStore(name string) (*StoreUpgrade, error) {
	if !u.HasObjectStore(name) {
		return nil, fmt.Errorf("%w: object store %q", ErrNotFound, name)
	}
	return &StoreUpgrade{up: u, name: name}, nil
}

// fail undoes the upgrade. Cleanup errors are joined to err under ErrRollback.
func (u *Upgrade) fail(oldVersion, newVersion int, err error) error {
	err = fmt.Errorf("objectstore: upgrade %d -> %d: %w", oldVersion, newVersion, err)
	if rbErr := u.rollback(); rbErr != nil {
		err = errors.Join(err, fmt.Errorf("%w: %w", ErrRollback, rbErr))
	}
	return err
}

func (u *Upgrade) rollback() error {
	var errs []error
	if !u.tx.isFinished() {
		errs = append(errs, u.tx.Abort())
	}
	for _, created := range u.createdIndexes {
		errs = append(errs, hackpadfs.RemoveAll(u.db.fs, u.db.indexPath(created[0], created[1])))
	}
	for _, store := range u.createdStores {
		errs = append(errs,
			hackpadfs.RemoveAll(u.db.fs, u.db.dataPath(store)),
			hackpadfs.RemoveAll(u.db.fs, path.Join(u.db.name, indexDir, store)))
	}
	return errors.Join(errs...)
}

func (u *Upgrade) finalize() error {
	for _, dropped := range u.deletedIndexes {
		if store, ok := u.meta.Stores[dropped[0]]; ok {
			if _, recreated := store.Indexes[dropped[1]]; recreated {
				continue
			}
		}
		if err := hackpadfs.RemoveAll(u.db.fs, u.db.indexPath(dropped[0], dropped[1])); err != nil {
			return err
		}
	}
	return saveMeta(u.db.fs, u.db.name, u.meta)
}

// StoreUpgrade changes the indexes of one store during an upgrade.
type StoreUpgrade struct {
	up   *Upgrade
	name string
}

func (s *StoreUpgrade) HasIndex(name string) bool {
	_, ok := s.up.meta.Stores[s.name].Indexes[name]
	return ok
}

func (s *StoreUpgrade) IndexNames() []string {
	indexes := s.up.meta.Stores[s.name].Indexes
	names := make([]string, 0, len(indexes))
	for name := range indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateIndex declares an index and fills it from the records already stored.
func (s *StoreUpgrade) CreateIndex(name string, keyPath []string, unique bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	if len(keyPath) == 0 {
		return fmt.Errorf("objectstore: index %q needs a key path", name)
	}
	if s.HasIndex(name) {
		return fmt.Errorf("%w: index %q already exists on %q", ErrConstraint, name, s.name)
	}
	idx := &indexMeta{KeyPath: append([]string(nil), keyPath...), Unique: unique}
	s.up.meta.Stores[s.name].Indexes[name] = idx
	s.up.createdIndexes = append(s.up.createdIndexes, [2]string{s.name, name})
	if err := s.up.tx.backfillIndex(s.name, name, idx); err != nil {
		delete(s.up.meta.Stores[s.name].Indexes, name)
		return err
	}
	return nil
}

// DeleteIndex drops an index when the upgrade commits.
func (s *StoreUpgrade) DeleteIndex(name string) error {
	if !s.HasIndex(name) {
		return fmt.Errorf("%w: index %q on %q", ErrNotFound, name, s.name)
	}
	delete(s.up.meta.Stores[s.name].Indexes, name)
	s.up.deletedIndexes = append(s.up.deletedIndexes, [2]string{s.name, name})
	return nil
}
