// Package indexed implements the storage adapter on the cursor-based object store.
//
// Every adapter call runs in its own native transaction. Transaction does not
// share one native transaction across the calls it wraps: a failing step
// leaves the steps before it committed.
package indexed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/TKKRTKY/brain-feed-reader/internal/objectstore"
	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"github.com/hack-pad/hackpadfs"
	"go.uber.org/zap"
)

const (
	DefaultName = "brain-feed-reader"
)

var (
	errMissingFS = errors.New("indexed: filesystem is required")
)

// State is the connection lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateUpgrading
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateUpgrading:
		return "upgrading"
	case StateOpen:
		return "open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config configures a Driver.
type Config struct {
	Name       string
	Version    int
	FS         hackpadfs.FS
	Schema     *schema.Schema
	IDProvider storage.IDProvider
	Logger     *zap.Logger
}

// Driver is the cursor-based backend driver.
type Driver struct {
	name   string
	fs     hackpadfs.FS
	schema *schema.Schema
	ids    storage.IDProvider
	logger *zap.Logger

	mu       sync.Mutex
	version  int
	state    State
	db       *objectstore.DB
	closed   bool
	upgrades int
}

// New validates cfg. The connection opens on Initialize or on first use.
func New(cfg Config) (*Driver, error) {
	if cfg.FS == nil {
		return nil, errMissingFS
	}
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	s := cfg.Schema
	if s == nil {
		s = schema.Default()
	}
	version := cfg.Version
	if version <= 0 {
		version = s.Version()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = storage.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		name:    name,
		fs:      cfg.FS,
		schema:  s,
		ids:     ids,
		logger:  logger,
		version: version,
	}, nil
}

// Initialize opens the connection, running the upgrade when the stored version is lower.
// It reopens a closed driver.
func (d *Driver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return nil
	}
	d.closed = false
	return d.openLocked(ctx, d.version)
}

func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Version returns the version the store is open at, or 0 when closed.
func (d *Driver) Version() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return 0
	}
	return d.db.Version()
}

// Upgrades counts how often the upgrade callback ran on this driver.
func (d *Driver) Upgrades() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upgrades
}

func (d *Driver) openLocked(ctx context.Context, version int) error {
	stored, err := objectstore.DatabaseVersion(d.fs, d.name)
	if err != nil {
		return storage.NewDatabaseError("open", "", err)
	}
	if stored > version {
		// a store bootstrapped by EnsureTable sits above the configured version
		version = stored
	}
	d.state = StateOpening
	db, err := objectstore.Open(ctx, d.fs, d.name, version, d.upgrade)
	if err != nil {
		d.state = StateClosed
		d.logger.Error("object store open failed",
			zap.String("database", d.name),
			zap.Int("version", version),
			zap.Error(err))
		return storage.NewDatabaseError("open", "", err)
	}
	d.db = db
	d.version = db.Version()
	d.state = StateOpen
	d.logger.Debug("object store opened",
		zap.String("database", d.name),
		zap.Int("version", d.version))
	return nil
}

// upgrade creates every store and index of the schema that does not exist yet
// and drops indexes the schema no longer declares.
func (d *Driver) upgrade(up *objectstore.Upgrade, oldVersion, newVersion int) error {
	d.state = StateUpgrading
	d.upgrades++
	for _, table := range d.schema.Tables() {
		var (
			store *objectstore.StoreUpgrade
			err   error
		)
		if up.HasObjectStore(table.Name) {
			store, err = up.ObjectStore(table.Name)
		} else {
			store, err = up.CreateObjectStore(table.Name, table.PrimaryKey)
		}
		if err != nil {
			return err
		}
		for _, name := range store.IndexNames() {
			if _, declared := table.Index(name); declared {
				continue
			}
			if err := store.DeleteIndex(name); err != nil {
				return err
			}
			d.logger.Info("object store index dropped",
				zap.String("store", table.Name),
				zap.String("index", name))
		}
		for _, idx := range table.Indexes {
			if store.HasIndex(idx.Name) {
				continue
			}
			if err := store.CreateIndex(idx.Name, idx.Fields, idx.Unique); err != nil {
				return err
			}
		}
	}
	d.logger.Info("object store upgraded",
		zap.String("database", d.name),
		zap.Int("from_version", oldVersion),
		zap.Int("to_version", newVersion))
	return nil
}

// conn returns the open database, opening it lazily unless the driver was closed.
func (d *Driver) conn(ctx context.Context) (*objectstore.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, storage.ErrNotInitialized
	}
	if d.db == nil {
		if err := d.openLocked(ctx, d.version); err != nil {
			return nil, err
		}
	}
	return d.db, nil
}

// Close releases the connection. Later calls fail with storage.ErrNotInitialized.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.state = StateClosed
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// EnsureTable creates a store missing from an existing database by reopening it one version higher.
func (d *Driver) EnsureTable(ctx context.Context, table string) error {
	if _, err := d.schema.Table(table); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return storage.ErrNotInitialized
	}
	if d.db == nil {
		if err := d.openLocked(ctx, d.version); err != nil {
			return err
		}
	}
	for _, name := range d.db.ObjectStoreNames() {
		if name == table {
			return nil
		}
	}
	next := d.db.Version() + 1
	if err := d.db.Close(); err != nil {
		return storage.NewDatabaseError("ensure_table", table, err)
	}
	d.db = nil
	d.state = StateClosed
	return d.openLocked(ctx, next)
}

// run executes fn in a fresh native transaction and commits it. An error from fn aborts.
func (d *Driver) run(ctx context.Context, mode objectstore.Mode, stores []string, fn func(tx *objectstore.Tx) error) error {
	db, err := d.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := db.Transaction(mode, stores...)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Abort()
		return err
	}
	return tx.Commit()
}

func (d *Driver) table(name string) (*schema.Table, error) {
	return d.schema.Table(name)
}

func objectStore(tx *objectstore.Tx, table string) (*objectstore.ObjectStore, error) {
	store, err := tx.ObjectStore(table)
	if err != nil {
		return nil, fmt.Errorf("%w: %q has no object store: %v", storage.ErrUnknownTable, table, err)
	}
	return store, nil
}

// scope returns table and every table it references, for foreign key checks.
func scope(t *schema.Table) []string {
	stores := []string{t.Name}
	for _, fk := range t.ForeignKeys {
		stores = append(stores, fk.RefTable)
	}
	return stores
}

// translate maps engine errors onto the storage taxonomy.
func translate(op, table string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrNotInitialized),
		errors.Is(err, storage.ErrUnknownTable),
		errors.Is(err, storage.ErrUnsupportedOperation):
		var dbErr *storage.DatabaseError
		if errors.As(err, &dbErr) || errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return storage.NewDatabaseError(op, table, err)
	case errors.Is(err, objectstore.ErrClosed):
		return storage.NewDatabaseError(op, table, fmt.Errorf("%w: %v", storage.ErrNotInitialized, err))
	case errors.Is(err, objectstore.ErrConstraint):
		return storage.NewDatabaseError(op, table, fmt.Errorf("%w: %v", storage.ErrDuplicateKey, err))
	case errors.Is(err, objectstore.ErrData):
		return storage.NewDatabaseError(op, table, fmt.Errorf("%w: %v", storage.ErrInvalidRecord, err))
	case errors.Is(err, objectstore.ErrNotFound):
		return storage.NewDatabaseError(op, table, fmt.Errorf("%w: %v", storage.ErrUnknownTable, err))
	}
	return storage.NewDatabaseError(op, table, err)
}
