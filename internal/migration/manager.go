// Package migration tracks the applied schema version of a storage backend
// and moves it forward or back through a catalog of migrations.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/platform"
	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"go.uber.org/zap"
)

var (
	errMissingAdapter = errors.New("migration: adapter is required")
	errInvalidVersion = errors.New("migration: versions must be positive")
	errDuplicate      = errors.New("migration: duplicate version")
	errMissingUp      = errors.New("migration: up step is required")
	errNegativeTarget = errors.New("migration: rollback target must not be negative")
	errUnknownVersion = errors.New("migration: applied version has no migration")
)

// Step changes the data behind adapter. It runs inside a transaction.
type Step func(ctx context.Context, adapter storage.Adapter) error

// Migration is one versioned schema or data change.
type Migration struct {
	Version int
	Name    string
	Up      Step
	Down    Step
}

// Config wires a Manager.
type Config struct {
	Adapter    storage.Adapter
	Migrations []Migration
	Platform   platform.Info
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Manager applies migrations to one backend connection. Applied versions are
// kept as rows of the migrations table.
type Manager struct {
	adapter    storage.Adapter
	migrations []Migration
	platform   platform.Info
	logger     *zap.Logger
	clock      func() time.Time
}

// NewManager sorts cfg.Migrations by version and rejects duplicates.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Adapter == nil {
		return nil, errMissingAdapter
	}
	migrations := append([]Migration(nil), cfg.Migrations...)
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	for i, migration := range migrations {
		if migration.Version <= 0 {
			return nil, fmt.Errorf("%w: %d", errInvalidVersion, migration.Version)
		}
		if migration.Up == nil {
			return nil, fmt.Errorf("%w: version %d", errMissingUp, migration.Version)
		}
		if i > 0 && migrations[i-1].Version == migration.Version {
			return nil, fmt.Errorf("%w: %d", errDuplicate, migration.Version)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		adapter:    cfg.Adapter,
		migrations: migrations,
		platform:   cfg.Platform,
		logger:     logger,
		clock:      clock,
	}, nil
}

// Migrations returns the catalog in ascending version order.
func (m *Manager) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

// LatestVersion is the highest version in the catalog, or 0 when it is empty.
func (m *Manager) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// GetCurrentVersion returns the highest applied version, or 0 for a fresh
// database. A missing migrations table is created first.
func (m *Manager) GetCurrentVersion(ctx context.Context) (int, error) {
	versions, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1], nil
}

// Applied lists every applied version in ascending order.
func (m *Manager) Applied(ctx context.Context) ([]int, error) {
	rows, err := m.adapter.Query(ctx, schema.Migrations, nil)
	if errors.Is(err, storage.ErrUnknownTable) {
		if err := m.bootstrap(ctx); err != nil {
			return nil, storage.NewMigrationError(m.platform, "bootstrap", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewMigrationError(m.platform, "read_version", err)
	}
	versions := make([]int, 0, len(rows))
	for _, row := range rows {
		versions = append(versions, int(row.Int64("version")))
	}
	sort.Ints(versions)
	return versions, nil
}

func (m *Manager) bootstrap(ctx context.Context) error {
	ensurer, ok := m.adapter.(storage.TableEnsurer)
	if !ok {
		return fmt.Errorf("%w: %s cannot be created on this backend", storage.ErrUnknownTable, schema.Migrations)
	}
	return ensurer.EnsureTable(ctx, schema.Migrations)
}

// ShouldMigrate reports whether the catalog holds a version above the current one.
func (m *Manager) ShouldMigrate(ctx context.Context) (bool, error) {
	current, err := m.GetCurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < m.LatestVersion(), nil
}

// Pending returns the migrations above the current version, ascending.
func (m *Manager) Pending(ctx context.Context) ([]Migration, error) {
	current, err := m.GetCurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, migration := range m.migrations {
		if migration.Version > current {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// Migrate applies every pending migration in ascending order. Each runs with
// its version row in one transaction; the first failure stops the run and
// leaves the versions applied before it in place.
func (m *Manager) Migrate(ctx context.Context) (int, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, migration := range pending {
		if err := m.apply(ctx, migration); err != nil {
			m.logger.Error("database migration failed",
				zap.Int("version", migration.Version),
				zap.String("migration", migration.Name),
				zap.Error(err))
			return applied, storage.NewMigrationError(m.platform, "migrate", fmt.Errorf("version %d (%s): %w", migration.Version, migration.Name, err))
		}
		applied++
		m.logger.Info("database migration applied",
			zap.Int("version", migration.Version),
			zap.String("migration", migration.Name))
	}
	return applied, nil
}

// MigrateToLatest is Migrate without the count.
func (m *Manager) MigrateToLatest(ctx context.Context) error {
	_, err := m.Migrate(ctx)
	return err
}

func (m *Manager) apply(ctx context.Context, migration Migration) error {
	return m.adapter.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		if err := migration.Up(ctx, tx); err != nil {
			return err
		}
		_, err := tx.Create(ctx, schema.Migrations, storage.Record{
			"version":    int64(migration.Version),
			"applied_at": m.clock().UnixMilli(),
		})
		return err
	})
}

// Rollback reverts applied migrations above target, newest first. Each Down
// runs with the removal of its version row in one transaction.
func (m *Manager) Rollback(ctx context.Context, target int) (int, error) {
	if target < 0 {
		return 0, storage.NewMigrationError(m.platform, "rollback", errNegativeTarget)
	}
	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}
	reverted := 0
	for i := len(applied) - 1; i >= 0; i-- {
		version := applied[i]
		if version <= target {
			break
		}
		migration, ok := m.find(version)
		if !ok {
			return reverted, storage.NewMigrationError(m.platform, "rollback", fmt.Errorf("%w: %d", errUnknownVersion, version))
		}
		if err := m.revert(ctx, migration); err != nil {
			m.logger.Error("database migration rollback failed",
				zap.Int("version", version),
				zap.String("migration", migration.Name),
				zap.Error(err))
			return reverted, storage.NewMigrationError(m.platform, "rollback", fmt.Errorf("version %d (%s): %w", version, migration.Name, err))
		}
		reverted++
		m.logger.Info("database migration reverted",
			zap.Int("version", version),
			zap.String("migration", migration.Name))
	}
	return reverted, nil
}

func (m *Manager) revert(ctx context.Context, migration Migration) error {
	return m.adapter.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		if migration.Down != nil {
			if err := migration.Down(ctx, tx); err != nil {
				return err
			}
		}
		return tx.Delete(ctx, schema.Migrations, strconv.Itoa(migration.Version))
	})
}

func (m *Manager) find(version int) (Migration, bool) {
	index := sort.Search(len(m.migrations), func(i int) bool { return m.migrations[i].Version >= version })
	if index < len(m.migrations) && m.migrations[index].Version == version {
		return m.migrations[index], true
	}
	return Migration{}, false
}
