package migration

import (
	"context"

	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
)

const (
	VersionInitialSchema        = 1
	VersionRepairNoteTimestamps = 2
)

// Catalog returns the reader's migrations.
func Catalog() []Migration {
	return []Migration{
		{
			Version: VersionInitialSchema,
			Name:    "initial_schema",
			Up:      ensureTables,
			Down:    clearLibrary,
		},
		{
			Version: VersionRepairNoteTimestamps,
			Name:    "repair_note_timestamps",
			Up:      repairNoteTimestamps,
		},
	}
}

// ensureTables creates every table of the default schema the backend is missing.
func ensureTables(ctx context.Context, adapter storage.Adapter) error {
	ensurer, ok := adapter.(storage.TableEnsurer)
	if !ok {
		return nil
	}
	for _, name := range schema.Default().Names() {
		if err := ensurer.EnsureTable(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// clearLibrary removes every book. Highlights, notes, links and summaries go
// with them through the cascade.
func clearLibrary(ctx context.Context, adapter storage.Adapter) error {
	books, err := adapter.Query(ctx, schema.Books, nil)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(books))
	for _, book := range books {
		ids = append(ids, book.String("id"))
	}
	return adapter.DeleteMany(ctx, schema.Books, ids)
}

// repairNoteTimestamps raises updated_at to created_at on notes saved with a
// modification time older than their creation.
func repairNoteTimestamps(ctx context.Context, adapter storage.Adapter) error {
	notes, err := adapter.Query(ctx, schema.Notes, nil)
	if err != nil {
		return err
	}
	for _, note := range notes {
		created := note.Int64("created_at")
		if note.Int64("updated_at") >= created {
			continue
		}
		if _, err := adapter.Update(ctx, schema.Notes, note.String("id"), storage.Record{"updated_at": created}); err != nil {
			return err
		}
	}
	return nil
}
