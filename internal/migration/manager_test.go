package migration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/drivers/indexed"
	"github.com/TKKRTKY/brain-feed-reader/internal/drivers/relational"
	"github.com/TKKRTKY/brain-feed-reader/internal/platform"
	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"github.com/hack-pad/hackpadfs/mem"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var desktop = platform.Info{Type: platform.TypeDesktop, IsDesktop: true, StorageType: platform.StorageSQLite}

func openRelational(testContext *testing.T) *relational.Driver {
	testContext.Helper()
	driver, err := relational.Open(context.Background(), relational.Config{
		Filename: filepath.Join(testContext.TempDir(), relational.DefaultFilename),
	})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	testContext.Cleanup(func() { _ = driver.Close() })
	return driver
}

func openIndexed(testContext *testing.T) *indexed.Driver {
	testContext.Helper()
	fsys, err := mem.NewFS()
	if err != nil {
		testContext.Fatalf("failed to create fs: %v", err)
	}
	driver, err := indexed.New(indexed.Config{FS: fsys})
	if err != nil {
		testContext.Fatalf("failed to create driver: %v", err)
	}
	testContext.Cleanup(func() { _ = driver.Close() })
	return driver
}

func newManager(testContext *testing.T, adapter storage.Adapter, migrations []Migration) *Manager {
	testContext.Helper()
	manager, err := NewManager(Config{Adapter: adapter, Migrations: migrations, Platform: desktop})
	if err != nil {
		testContext.Fatalf("failed to build manager: %v", err)
	}
	return manager
}

func currentVersion(testContext *testing.T, manager *Manager) int {
	testContext.Helper()
	version, err := manager.GetCurrentVersion(context.Background())
	if err != nil {
		testContext.Fatalf("failed to read version: %v", err)
	}
	return version
}

func seedBook(testContext *testing.T, adapter storage.Adapter, id string) {
	testContext.Helper()
	if _, err := adapter.Create(context.Background(), schema.Books, storage.Record{
		"id": id, "title": "Book " + id, "filepath": "/books/" + id + ".epub",
	}); err != nil {
		testContext.Fatalf("failed to seed book: %v", err)
	}
}

func TestNewManagerValidatesCatalog(testContext *testing.T) {
	adapter := openRelational(testContext)
	noop := func(context.Context, storage.Adapter) error { return nil }

	if _, err := NewManager(Config{}); !errors.Is(err, errMissingAdapter) {
		testContext.Fatalf("expected missing adapter error, got %v", err)
	}
	if _, err := NewManager(Config{Adapter: adapter, Migrations: []Migration{{Version: 0, Up: noop}}}); !errors.Is(err, errInvalidVersion) {
		testContext.Fatalf("expected invalid version error, got %v", err)
	}
	if _, err := NewManager(Config{Adapter: adapter, Migrations: []Migration{{Version: 1, Up: noop}, {Version: 1, Up: noop}}}); !errors.Is(err, errDuplicate) {
		testContext.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := NewManager(Config{Adapter: adapter, Migrations: []Migration{{Version: 1}}}); !errors.Is(err, errMissingUp) {
		testContext.Fatalf("expected missing up error, got %v", err)
	}
}

func TestMigrateToLatestFromFreshDatabase(testContext *testing.T) {
	backends := map[string]func(*testing.T) storage.Adapter{
		"relational": func(t *testing.T) storage.Adapter { return openRelational(t) },
		"indexed":    func(t *testing.T) storage.Adapter { return openIndexed(t) },
	}
	for name, open := range backends {
		testContext.Run(name, func(t *testing.T) {
			manager := newManager(t, open(t), Catalog())
			ctx := context.Background()

			if version := currentVersion(t, manager); version != 0 {
				t.Fatalf("expected fresh database at version 0, got %d", version)
			}
			should, err := manager.ShouldMigrate(ctx)
			if err != nil || !should {
				t.Fatalf("expected pending migrations, got %v %v", should, err)
			}

			applied, err := manager.Migrate(ctx)
			if err != nil {
				t.Fatalf("failed to migrate: %v", err)
			}
			if applied != 2 {
				t.Fatalf("expected two migrations applied, got %d", applied)
			}
			if version := currentVersion(t, manager); version != VersionRepairNoteTimestamps {
				t.Fatalf("unexpected version after migrate: %d", version)
			}

			applied, err = manager.Migrate(ctx)
			if err != nil || applied != 0 {
				t.Fatalf("expected second run to apply nothing, got %d %v", applied, err)
			}
			pending, err := manager.Pending(ctx)
			if err != nil || len(pending) != 0 {
				t.Fatalf("expected no pending migrations, got %v %v", pending, err)
			}
		})
	}
}

func TestMigrateRecordsAppliedAt(testContext *testing.T) {
	adapter := openRelational(testContext)
	appliedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, err := NewManager(Config{
		Adapter:    adapter,
		Migrations: Catalog()[:1],
		Clock:      func() time.Time { return appliedAt },
	})
	if err != nil {
		testContext.Fatalf("failed to build manager: %v", err)
	}
	if err := manager.MigrateToLatest(context.Background()); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	row, err := adapter.Read(context.Background(), schema.Migrations, "1")
	if err != nil {
		testContext.Fatalf("expected version row: %v", err)
	}
	if row.Int64("applied_at") != appliedAt.UnixMilli() {
		testContext.Fatalf("unexpected applied_at: %v", row["applied_at"])
	}
}

func TestFailedMigrationDoesNotBumpVersion(testContext *testing.T) {
	adapter := openRelational(testContext)
	failure := errors.New("boom")
	migrations := append(Catalog(), Migration{
		Version: 3,
		Name:    "broken",
		Up: func(ctx context.Context, tx storage.Adapter) error {
			seedBook(testContext, tx, "partial")
			return failure
		},
	})
	core, logs := observer.New(zapcore.InfoLevel)
	manager, err := NewManager(Config{Adapter: adapter, Migrations: migrations, Platform: desktop, Logger: zap.New(core)})
	if err != nil {
		testContext.Fatalf("failed to build manager: %v", err)
	}

	applied, err := manager.Migrate(context.Background())
	if !errors.Is(err, storage.ErrStorageMigration) {
		testContext.Fatalf("expected migration error, got %v", err)
	}
	if !errors.Is(err, failure) {
		testContext.Fatalf("expected cause to be kept, got %v", err)
	}
	var storageErr *storage.StorageError
	if !errors.As(err, &storageErr) || storageErr.Platform != desktop {
		testContext.Fatalf("expected platform on error, got %v", err)
	}
	if applied != 2 {
		testContext.Fatalf("expected earlier migrations to stay applied, got %d", applied)
	}
	if version := currentVersion(testContext, manager); version != 2 {
		testContext.Fatalf("expected version 2, got %d", version)
	}
	if _, err := adapter.Read(context.Background(), schema.Books, "partial"); !errors.Is(err, storage.ErrNotFound) {
		testContext.Fatalf("expected failed migration writes to roll back, got %v", err)
	}
	if got := logs.FilterMessage("database migration applied").Len(); got != 2 {
		testContext.Fatalf("expected two applied log entries, got %d", got)
	}
	if got := logs.FilterMessage("database migration failed").Len(); got != 1 {
		testContext.Fatalf("expected one failure log entry, got %d", got)
	}
}

func TestRollback(testContext *testing.T) {
	adapter := openRelational(testContext)
	manager := newManager(testContext, adapter, Catalog())
	ctx := context.Background()
	if err := manager.MigrateToLatest(ctx); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	seedBook(testContext, adapter, "b1")

	reverted, err := manager.Rollback(ctx, 1)
	if err != nil || reverted != 1 {
		testContext.Fatalf("expected one migration reverted, got %d %v", reverted, err)
	}
	if version := currentVersion(testContext, manager); version != 1 {
		testContext.Fatalf("expected version 1, got %d", version)
	}
	if _, err := adapter.Read(ctx, schema.Books, "b1"); err != nil {
		testContext.Fatalf("expected library to survive partial rollback: %v", err)
	}

	if _, err := manager.Rollback(ctx, 0); err != nil {
		testContext.Fatalf("failed to roll back: %v", err)
	}
	if version := currentVersion(testContext, manager); version != 0 {
		testContext.Fatalf("expected version 0, got %d", version)
	}
	if _, err := adapter.Read(ctx, schema.Books, "b1"); !errors.Is(err, storage.ErrNotFound) {
		testContext.Fatalf("expected initial schema rollback to clear the library, got %v", err)
	}

	if _, err := manager.Rollback(ctx, -1); !errors.Is(err, storage.ErrStorageMigration) {
		testContext.Fatalf("expected negative target to be rejected, got %v", err)
	}
}

func TestRollbackStopsOnFailure(testContext *testing.T) {
	adapter := openRelational(testContext)
	failure := errors.New("irreversible")
	migrations := append(Catalog(), Migration{
		Version: 3,
		Name:    "one_way",
		Up:      func(context.Context, storage.Adapter) error { return nil },
		Down:    func(context.Context, storage.Adapter) error { return failure },
	})
	manager := newManager(testContext, adapter, migrations)
	ctx := context.Background()
	if err := manager.MigrateToLatest(ctx); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	reverted, err := manager.Rollback(ctx, 0)
	if !errors.Is(err, failure) || reverted != 0 {
		testContext.Fatalf("expected rollback to stop at version 3, got %d %v", reverted, err)
	}
	if version := currentVersion(testContext, manager); version != 3 {
		testContext.Fatalf("expected version 3 to remain, got %d", version)
	}
}

func TestGetCurrentVersionBootstrapsMissingTable(testContext *testing.T) {
	adapter := openRelational(testContext)
	ctx := context.Background()
	if _, err := adapter.Execute(ctx, `DROP TABLE "migrations"`); err != nil {
		testContext.Fatalf("failed to drop table: %v", err)
	}
	manager := newManager(testContext, adapter, Catalog())

	if version := currentVersion(testContext, manager); version != 0 {
		testContext.Fatalf("expected version 0 after bootstrap, got %d", version)
	}
	if _, err := adapter.Query(ctx, schema.Migrations, nil); err != nil {
		testContext.Fatalf("expected migrations table to exist: %v", err)
	}
}

func TestRepairNoteTimestamps(testContext *testing.T) {
	adapter := openIndexed(testContext)
	ctx := context.Background()
	seedBook(testContext, adapter, "b1")
	for _, note := range []storage.Record{
		{"id": "n1", "book_id": "b1", "title": "skewed", "content": "", "created_at": int64(2000), "updated_at": int64(1000)},
		{"id": "n2", "book_id": "b1", "title": "fine", "content": "", "created_at": int64(2000), "updated_at": int64(3000)},
	} {
		if _, err := adapter.Create(ctx, schema.Notes, note); err != nil {
			testContext.Fatalf("failed to seed note: %v", err)
		}
	}

	if err := repairNoteTimestamps(ctx, adapter); err != nil {
		testContext.Fatalf("failed to repair: %v", err)
	}
	skewed, _ := adapter.Read(ctx, schema.Notes, "n1")
	if skewed.Int64("updated_at") != 2000 {
		testContext.Fatalf("expected skewed note to be repaired, got %v", skewed["updated_at"])
	}
	fine, _ := adapter.Read(ctx, schema.Notes, "n2")
	if fine.Int64("updated_at") != 3000 {
		testContext.Fatalf("expected untouched note, got %v", fine["updated_at"])
	}
}
