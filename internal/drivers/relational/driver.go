// Package relational implements the storage adapter on SQLite through gorm.
package relational

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const DefaultFilename = "brain-feed.db"

var (
	errMissingFilename = errors.New("relational: database filename is required")
	errForeignKeysOff  = errors.New("relational: foreign key enforcement could not be enabled")
)

// Config configures Open.
type Config struct {
	Filename string
	// Verbose routes every statement through the logger at info level.
	Verbose       bool
	FileMustExist bool
	Schema        *schema.Schema
	IDProvider    storage.IDProvider
	Logger        *zap.Logger
}

// Driver is the SQLite backend driver. A Driver returned by Open owns the
// connection; the one handed to a Transaction callback is bound to that transaction.
type Driver struct {
	db     *gorm.DB
	schema *schema.Schema
	ids    storage.IDProvider
	logger *zap.Logger
	path   string
	state  *connState
	inTx   bool
}

type connState struct {
	mu     sync.RWMutex
	closed bool
}

// Open connects to the database file, enables foreign keys and creates every
// table and index of the schema that does not exist yet.
func Open(ctx context.Context, cfg Config) (*Driver, error) {
	filename := strings.TrimSpace(cfg.Filename)
	if filename == "" {
		return nil, errMissingFilename
	}
	if cfg.FileMustExist {
		if _, err := os.Stat(filename); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("relational: database file %q does not exist: %w", filename, err)
			}
			return nil, err
		}
	}
	s := cfg.Schema
	if s == nil {
		s = schema.Default()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = storage.NewUUIDProvider()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(dsn(filename)), &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(log, cfg.Verbose),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	driver := &Driver{
		db:     db,
		schema: s,
		ids:    ids,
		logger: log,
		path:   filename,
		state:  &connState{},
	}
	if err := driver.prepare(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Info("database initialized", zap.String("path", filename))
	return driver, nil
}

func dsn(filename string) string {
	separator := "?"
	if strings.Contains(filename, "?") {
		separator = "&"
	}
	return filename + separator + "_pragma=foreign_keys(1)"
}

func (d *Driver) prepare(ctx context.Context) error {
	db := d.db.WithContext(ctx)
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return err
	}
	var enabled int64
	if err := db.Raw("PRAGMA foreign_keys").Scan(&enabled).Error; err != nil {
		return err
	}
	if enabled != 1 {
		return errForeignKeysOff
	}
	for _, statement := range d.schema.DDL() {
		if err := db.Exec(statement).Error; err != nil {
			return fmt.Errorf("relational: schema statement failed: %w", err)
		}
	}
	return nil
}

// Path returns the database filename.
func (d *Driver) Path() string {
	return d.path
}

// DB exposes the gorm handle, for maintenance tooling.
func (d *Driver) DB() *gorm.DB {
	return d.db
}

// session returns the handle for one call, or storage.ErrNotInitialized once closed.
// The read lock is held until release runs so Close waits for running calls.
func (d *Driver) session(ctx context.Context) (*gorm.DB, func(), error) {
	if d.inTx {
		return d.db.WithContext(ctx), func() {}, nil
	}
	d.state.mu.RLock()
	if d.state.closed {
		d.state.mu.RUnlock()
		return nil, nil, storage.ErrNotInitialized
	}
	return d.db.WithContext(ctx), d.state.mu.RUnlock, nil
}

// Close closes the connection. Closing a transaction-bound driver does nothing.
func (d *Driver) Close() error {
	if d.inTx {
		return nil
	}
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if d.state.closed {
		return nil
	}
	d.state.closed = true
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside BEGIN/COMMIT. An error or panic from fn rolls
// back. Nested calls become savepoints.
func (d *Driver) Transaction(ctx context.Context, fn storage.TxFunc) error {
	db, release, err := d.session(ctx)
	if err != nil {
		return err
	}
	defer release()
	return db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, d.bind(tx))
	})
}

// AtomicTransactions is true: a failing Transaction leaves no writes behind.
func (d *Driver) AtomicTransactions() bool {
	return true
}

func (d *Driver) bind(tx *gorm.DB) *Driver {
	return &Driver{
		db:     tx,
		schema: d.schema,
		ids:    d.ids,
		logger: d.logger,
		path:   d.path,
		state:  d.state,
		inTx:   true,
	}
}

// EnsureTable creates table and its indexes if missing.
func (d *Driver) EnsureTable(ctx context.Context, table string) error {
	t, err := d.schema.Table(table)
	if err != nil {
		return err
	}
	db, release, err := d.session(ctx)
	if err != nil {
		return err
	}
	defer release()
	statements := append([]string{t.CreateTableSQL()}, t.CreateIndexSQL()...)
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return translate("ensure_table", table, err)
		}
	}
	return nil
}

// Backup writes a consistent copy of the database to destination with VACUUM INTO.
func (d *Driver) Backup(ctx context.Context, destination string) error {
	if strings.TrimSpace(destination) == "" {
		return fmt.Errorf("%w: backup destination is required", storage.ErrInvalidRecord)
	}
	db, release, err := d.session(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := db.Exec("VACUUM INTO ?", destination).Error; err != nil {
		return translate("backup", "", err)
	}
	d.logger.Info("database backup written",
		zap.String("path", d.path),
		zap.String("destination", destination))
	return nil
}

// translate maps driver errors onto the storage taxonomy.
func translate(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var notFound *storage.NotFoundError
	if errors.As(err, &notFound) {
		return err
	}
	message := err.Error()
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		err = fmt.Errorf("%w: %v", storage.ErrDuplicateKey, err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		err = fmt.Errorf("%w: %v", storage.ErrConstraintViolation, err)
	case strings.Contains(message, "UNIQUE constraint failed"):
		err = fmt.Errorf("%w: %v", storage.ErrDuplicateKey, err)
	case strings.Contains(message, "constraint failed"):
		err = fmt.Errorf("%w: %v", storage.ErrConstraintViolation, err)
	case strings.Contains(message, "no such table"):
		err = fmt.Errorf("%w: %v", storage.ErrUnknownTable, err)
	case strings.Contains(message, "database is closed"):
		err = fmt.Errorf("%w: %v", storage.ErrNotInitialized, err)
	}
	return storage.NewDatabaseError(op, table, err)
}

type zapWriter struct {
	logger *zap.Logger
}

func (w zapWriter) Printf(format string, args ...any) {
	w.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func newGormLogger(log *zap.Logger, verbose bool) logger.Interface {
	if !verbose {
		return logger.Discard
	}
	return logger.New(zapWriter{logger: log.Named("sql")}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Info,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
