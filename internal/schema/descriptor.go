package schema

// Table names of the reader's data model.
const (
	Books          = "books"
	Highlights     = "highlights"
	Notes          = "notes"
	NoteHighlights = "note_highlights"
	Summaries      = "summaries"
	Migrations     = "migrations"
)

// StoreVersion is the object store version that creates every table below.
const StoreVersion = 1

// Default returns the reader's schema descriptor.
func Default() *Schema {
	return MustNew(StoreVersion,
		Table{
			Name: Books,
			Columns: []Column{
				{Name: "id", Type: Text},
				{Name: "title", Type: Text},
				{Name: "author", Type: Text, Nullable: true},
				{Name: "filepath", Type: Text},
				{Name: "last_opened", Type: Integer, Nullable: true},
				{Name: "current_chapter", Type: Text, Nullable: true},
			},
			PrimaryKey: []string{"id"},
		},
		Table{
			Name: Highlights,
			Columns: []Column{
				{Name: "id", Type: Text},
				{Name: "book_id", Type: Text},
				{Name: "chapter_id", Type: Text},
				{Name: "text", Type: Text},
				{Name: "start_offset", Type: Integer},
				{Name: "end_offset", Type: Integer},
				{Name: "color", Type: Text, Nullable: true},
				{Name: "note", Type: Text, Nullable: true},
				{Name: "created_at", Type: Integer},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []ForeignKey{
				{Column: "book_id", RefTable: Books, RefColumn: "id", Cascade: true},
			},
			Indexes: []Index{
				{Name: "by_book", Fields: []string{"book_id"}},
				{Name: "by_chapter", Fields: []string{"book_id", "chapter_id"}},
			},
		},
		Table{
			Name: Notes,
			Columns: []Column{
				{Name: "id", Type: Text},
				{Name: "book_id", Type: Text},
				{Name: "chapter_id", Type: Text, Nullable: true},
				{Name: "title", Type: Text},
				{Name: "content", Type: Text},
				{Name: "created_at", Type: Integer},
				{Name: "updated_at", Type: Integer},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []ForeignKey{
				{Column: "book_id", RefTable: Books, RefColumn: "id", Cascade: true},
			},
			Indexes: []Index{
				{Name: "by_book", Fields: []string{"book_id"}},
				{Name: "by_update", Fields: []string{"updated_at"}},
			},
		},
		Table{
			Name: NoteHighlights,
			Columns: []Column{
				{Name: "note_id", Type: Text},
				{Name: "highlight_id", Type: Text},
			},
			PrimaryKey: []string{"note_id", "highlight_id"},
			ForeignKeys: []ForeignKey{
				{Column: "note_id", RefTable: Notes, RefColumn: "id", Cascade: true},
				{Column: "highlight_id", RefTable: Highlights, RefColumn: "id", Cascade: true},
			},
			Indexes: []Index{
				{Name: "by_note", Fields: []string{"note_id"}},
				{Name: "by_highlight", Fields: []string{"highlight_id"}},
			},
		},
		Table{
			Name: Summaries,
			Columns: []Column{
				{Name: "id", Type: Text},
				{Name: "book_id", Type: Text},
				{Name: "chapter_id", Type: Text, Nullable: true},
				{Name: "highlight_id", Type: Text, Nullable: true},
				{Name: "content", Type: Text},
				{Name: "created_at", Type: Integer},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []ForeignKey{
				{Column: "book_id", RefTable: Books, RefColumn: "id", Cascade: true},
				{Column: "highlight_id", RefTable: Highlights, RefColumn: "id", Cascade: true},
			},
			Indexes: []Index{
				{Name: "by_book", Fields: []string{"book_id"}},
				{Name: "by_highlight", Fields: []string{"highlight_id"}},
			},
		},
		Table{
			Name: Migrations,
			Columns: []Column{
				{Name: "version", Type: Integer},
				{Name: "applied_at", Type: Integer},
			},
			PrimaryKey: []string{"version"},
		},
	)
}
