package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
)

func TestDefaultSchemaDeclaresCascades(t *testing.T) {
	s := Default()
	if got := s.Names(); strings.Join(got, ",") != "books,highlights,notes,note_highlights,summaries,migrations" {
		t.Fatalf("unexpected table order: %v", got)
	}

	dependents := map[string]bool{}
	for _, relation := range s.Dependents(Books) {
		if !relation.Cascade {
			t.Fatalf("expected cascade on %s.%s", relation.Table, relation.Column)
		}
		dependents[relation.Table] = true
	}
	for _, table := range []string{Highlights, Notes, Summaries} {
		if !dependents[table] {
			t.Fatalf("expected %s to depend on books", table)
		}
	}
	if len(s.Dependents(Highlights)) != 2 {
		t.Fatalf("expected note_highlights and summaries to depend on highlights, got %v", s.Dependents(Highlights))
	}
}

func TestUnknownTable(t *testing.T) {
	_, err := Default().Table("bookmarks")
	if !errors.Is(err, storage.ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

func TestNormalizeRejectsColumnsOutsideWhitelist(t *testing.T) {
	books, _ := Default().Table(Books)
	_, err := books.Normalize(storage.Record{"title": "T", "title) VALUES ('x'); DROP TABLE books; --": "y"})
	if !errors.Is(err, storage.ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}
}

func TestNormalizeConvertsValues(t *testing.T) {
	highlights, _ := Default().Table(Highlights)
	normalized, err := highlights.Normalize(storage.Record{
		"start_offset": 3,
		"end_offset":   float64(9),
		"created_at":   json.Number("1700000000000"),
		"color":        nil,
		"text":         []byte("quote"),
	})
	if err != nil {
		t.Fatalf("unexpected normalize error: %v", err)
	}
	if normalized["start_offset"] != int64(3) || normalized["end_offset"] != int64(9) {
		t.Fatalf("expected int64 offsets, got %#v", normalized)
	}
	if normalized["created_at"] != int64(1700000000000) {
		t.Fatalf("expected int64 timestamp, got %#v", normalized["created_at"])
	}
	if normalized["text"] != "quote" {
		t.Fatalf("expected text conversion, got %#v", normalized["text"])
	}

	if _, err := highlights.Normalize(storage.Record{"start_offset": 1.5}); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected fractional integer to be rejected, got %v", err)
	}
	if _, err := highlights.Normalize(storage.Record{"text": 12}); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected number in text column to be rejected, got %v", err)
	}
}

func TestCompleteFillsNullableColumns(t *testing.T) {
	books, _ := Default().Table(Books)
	record, err := books.Complete(storage.Record{"id": "b1", "title": "T", "filepath": "/p"})
	if err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}
	for _, column := range []string{"author", "last_opened", "current_chapter"} {
		value, ok := record[column]
		if !ok || value != nil {
			t.Fatalf("expected %s to be present and nil, got %#v", column, value)
		}
	}

	_, err = books.Complete(storage.Record{"id": "b1", "filepath": "/p"})
	if !errors.Is(err, storage.ErrConstraintViolation) {
		t.Fatalf("expected missing title to violate NOT NULL, got %v", err)
	}
}

func TestKeyValuesAndRecordID(t *testing.T) {
	s := Default()
	links, _ := s.Table(NoteHighlights)
	id := CompositeID("n1", "h1")
	values, err := links.KeyValues(id)
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	if len(values) != 2 || values[0] != "n1" || values[1] != "h1" {
		t.Fatalf("unexpected key values: %v", values)
	}
	if got := links.RecordID(storage.Record{"note_id": "n1", "highlight_id": "h1"}); got != id {
		t.Fatalf("unexpected record id %q", got)
	}
	if _, err := links.KeyValues("n1"); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected single part id to be rejected, got %v", err)
	}
	if links.GeneratesID() {
		t.Fatalf("composite key table must not generate ids")
	}

	migrations, _ := s.Table(Migrations)
	values, err = migrations.KeyValues("12")
	if err != nil || values[0] != int64(12) {
		t.Fatalf("expected integer key, got %v (%v)", values, err)
	}
	if migrations.GeneratesID() {
		t.Fatalf("integer key table must not generate ids")
	}
}

func TestDDL(t *testing.T) {
	statements := Default().DDL()
	joined := strings.Join(statements, ";\n")
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "books"`,
		`"id" TEXT PRIMARY KEY`,
		`FOREIGN KEY ("book_id") REFERENCES "books"("id") ON DELETE CASCADE`,
		`PRIMARY KEY ("note_id", "highlight_id")`,
		`CREATE INDEX IF NOT EXISTS "idx_highlights_chapter" ON "highlights" ("book_id", "chapter_id")`,
		`"version" INTEGER PRIMARY KEY`,
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected DDL to contain %q\n%s", want, joined)
		}
	}
	if !strings.HasPrefix(statements[0], "CREATE TABLE") || strings.HasPrefix(statements[len(statements)-1], "CREATE TABLE") {
		t.Fatalf("expected tables before indexes")
	}
}

func TestNewRejectsDanglingForeignKey(t *testing.T) {
	_, err := New(1, Table{
		Name:        "orphans",
		Columns:     []Column{{Name: "id", Type: Text}, {Name: "parent_id", Type: Text}},
		PrimaryKey:  []string{"id"},
		ForeignKeys: []ForeignKey{{Column: "parent_id", RefTable: "parents", RefColumn: "id"}},
	})
	if err == nil {
		t.Fatalf("expected unknown referenced table to be rejected")
	}
}
