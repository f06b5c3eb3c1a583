// Package library implements the reader's books, highlights, notes and
// summaries on top of any storage adapter.
package library

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"go.uber.org/zap"
)

var (
	errMissingAdapter    = errors.New("storage adapter is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingID         = errors.New("identifier is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "library.service.new"
	opAddBook         = "library.add_book"
	opGetBook         = "library.get_book"
	opUpdateBook      = "library.update_book"
	opListBooks       = "library.list_books"
	opOpenBook        = "library.open_book"
	opDeleteBook      = "library.delete_book"
	opAddHighlight    = "library.add_highlight"
	opSaveHighlights  = "library.save_highlights"
	opGetHighlight    = "library.get_highlight"
	opListHighlights  = "library.list_highlights"
	opDeleteHighlight = "library.delete_highlight"
	opCreateNote      = "library.create_note"
	opUpdateNote      = "library.update_note"
	opGetNote         = "library.get_note"
	opRecentNotes     = "library.recent_notes"
	opListNotes       = "library.list_notes"
	opLinkHighlight   = "library.link_highlight"
	opUnlinkHighlight = "library.unlink_highlight"
	opNoteHighlights  = "library.note_highlights"
	opSaveSummary     = "library.save_summary"
	opListSummaries   = "library.list_summaries"
	opDeleteNote      = "library.delete_note"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Adapter    storage.Adapter
	Clock      func() time.Time
	IDProvider storage.IDProvider
	Logger     *zap.Logger
}

// Service is the feature layer over a storage adapter. It never learns which
// backend it talks to.
type Service struct {
	adapter    storage.Adapter
	clock      func() time.Time
	idProvider storage.IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Adapter == nil {
		return nil, newServiceError(opServiceNew, "missing_adapter", errMissingAdapter)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		adapter:    cfg.Adapter,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

func (s *Service) now() int64 {
	return s.clock().UTC().UnixMilli()
}

// fail logs storage failures and wraps err under operation.reason. Missing
// records and rejected input are returned without a log entry.
func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	if !errors.Is(err, storage.ErrNotFound) && reason != "invalid_input" {
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reason, err)
}

func (s *Service) newID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return "", s.fail(operation, "id_generation_failed", err)
	}
	return id, nil
}

// AddBook stores a new book and returns it with its generated id.
func (s *Service) AddBook(ctx context.Context, input NewBook) (Book, error) {
	if err := input.validate(); err != nil {
		return Book{}, s.fail(opAddBook, "invalid_input", err)
	}
	id, err := s.newID(opAddBook)
	if err != nil {
		return Book{}, err
	}
	record, err := s.adapter.Create(ctx, schema.Books, storage.Record{
		"id":       id,
		"title":    input.Title,
		"author":   optional(input.Author),
		"filepath": input.FilePath,
	})
	if err != nil {
		return Book{}, s.fail(opAddBook, "create_failed", err)
	}
	return s.book(opAddBook, record)
}

func (s *Service) GetBook(ctx context.Context, id string) (Book, error) {
	if id == "" {
		return Book{}, s.fail(opGetBook, "invalid_input", errMissingID)
	}
	record, err := s.adapter.Read(ctx, schema.Books, id)
	if err != nil {
		return Book{}, s.fail(opGetBook, "read_failed", err, zap.String("book_id", id))
	}
	return s.book(opGetBook, record)
}

// ListBooks returns the most recently opened books first; never opened books follow by title.
func (s *Service) ListBooks(ctx context.Context) ([]Book, error) {
	records, err := s.adapter.Query(ctx, schema.Books, nil)
	if err != nil {
		return nil, s.fail(opListBooks, "query_failed", err)
	}
	books, err := decodeAll[Book](records)
	if err != nil {
		return nil, s.fail(opListBooks, "decode_failed", err)
	}
	sort.SliceStable(books, func(i, j int) bool {
		left, right := books[i].LastOpened, books[j].LastOpened
		switch {
		case left != nil && right != nil && *left != *right:
			return *left > *right
		case left != nil && right == nil:
			return true
		case left == nil && right != nil:
			return false
		}
		return books[i].Title < books[j].Title
	})
	return books, nil
}

// OpenBook records that the book was opened at chapterID.
func (s *Service) OpenBook(ctx context.Context, id, chapterID string) (Book, error) {
	if id == "" {
		return Book{}, s.fail(opOpenBook, "invalid_input", errMissingID)
	}
	record, err := s.adapter.Update(ctx, schema.Books, id, storage.Record{
		"last_opened":     s.now(),
		"current_chapter": optional(chapterID),
	})
	if err != nil {
		return Book{}, s.fail(opOpenBook, "update_failed", err, zap.String("book_id", id))
	}
	return s.book(opOpenBook, record)
}

// UpdateBook applies changes to the book's metadata. A blank author clears it.
func (s *Service) UpdateBook(ctx context.Context, id string, changes BookChanges) (Book, error) {
	if id == "" {
		return Book{}, s.fail(opUpdateBook, "invalid_input", errMissingID)
	}
	patch, err := changes.patch()
	if err != nil {
		return Book{}, s.fail(opUpdateBook, "invalid_input", err)
	}
	record, err := s.adapter.Update(ctx, schema.Books, id, patch)
	if err != nil {
		return Book{}, s.fail(opUpdateBook, "update_failed", err, zap.String("book_id", id))
	}
	return s.book(opUpdateBook, record)
}

// DeleteBook removes the book with its highlights, notes and summaries.
func (s *Service) DeleteBook(ctx context.Context, id string) error {
	if id == "" {
		return s.fail(opDeleteBook, "invalid_input", errMissingID)
	}
	if err := s.adapter.Delete(ctx, schema.Books, id); err != nil {
		return s.fail(opDeleteBook, "delete_failed", err, zap.String("book_id", id))
	}
	return nil
}

func (s *Service) AddHighlight(ctx context.Context, input NewHighlight) (Highlight, error) {
	if err := input.validate(); err != nil {
		return Highlight{}, s.fail(opAddHighlight, "invalid_input", err)
	}
	id, err := s.newID(opAddHighlight)
	if err != nil {
		return Highlight{}, err
	}
	record, err := s.adapter.Create(ctx, schema.Highlights, s.highlightRecord(id, input))
	if err != nil {
		return Highlight{}, s.fail(opAddHighlight, "create_failed", err, zap.String("book_id", input.BookID))
	}
	return decodeOne[Highlight](s, opAddHighlight, record)
}

// SaveHighlights stores a batch of highlights in one call. When the backend
// cannot roll the batch back, the highlights written before the failure are
// returned alongside the error.
func (s *Service) SaveHighlights(ctx context.Context, inputs []NewHighlight) ([]Highlight, error) {
	items := make([]storage.Record, 0, len(inputs))
	for i, input := range inputs {
		if err := input.validate(); err != nil {
			return nil, s.fail(opSaveHighlights, "invalid_input", fmt.Errorf("highlight %d: %w", i, err))
		}
		id, err := s.newID(opSaveHighlights)
		if err != nil {
			return nil, err
		}
		items = append(items, s.highlightRecord(id, input))
	}
	if len(items) == 0 {
		return []Highlight{}, nil
	}

	var saved []storage.Record
	err := s.transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		records, err := tx.CreateMany(ctx, schema.Highlights, items)
		saved = records
		return err
	})
	if err != nil {
		if storage.RollsBack(s.adapter) {
			saved = nil
		}
		highlights, decodeErr := decodeAll[Highlight](saved)
		if decodeErr != nil {
			highlights = nil
		}
		return highlights, s.fail(opSaveHighlights, "create_failed", err, zap.Int("saved", len(highlights)))
	}
	highlights, err := decodeAll[Highlight](saved)
	if err != nil {
		return nil, s.fail(opSaveHighlights, "decode_failed", err)
	}
	return highlights, nil
}

func (s *Service) GetHighlight(ctx context.Context, id string) (Highlight, error) {
	if id == "" {
		return Highlight{}, s.fail(opGetHighlight, "invalid_input", errMissingID)
	}
	record, err := s.adapter.Read(ctx, schema.Highlights, id)
	if err != nil {
		return Highlight{}, s.fail(opGetHighlight, "read_failed", err, zap.String("highlight_id", id))
	}
	return decodeOne[Highlight](s, opGetHighlight, record)
}

// ListHighlights returns the book's highlights in reading order. A blank
// chapterID lists every chapter.
func (s *Service) ListHighlights(ctx context.Context, bookID, chapterID string) ([]Highlight, error) {
	if bookID == "" {
		return nil, s.fail(opListHighlights, "invalid_input", errMissingID)
	}
	filter := storage.Filter{"book_id": bookID}
	if chapterID != "" {
		filter["chapter_id"] = chapterID
	}
	records, err := s.adapter.Query(ctx, schema.Highlights, filter)
	if err != nil {
		return nil, s.fail(opListHighlights, "query_failed", err, zap.String("book_id", bookID))
	}
	highlights, err := decodeAll[Highlight](records)
	if err != nil {
		return nil, s.fail(opListHighlights, "decode_failed", err)
	}
	sort.SliceStable(highlights, func(i, j int) bool {
		if highlights[i].ChapterID != highlights[j].ChapterID {
			return highlights[i].ChapterID < highlights[j].ChapterID
		}
		return highlights[i].StartOffset < highlights[j].StartOffset
	})
	return highlights, nil
}

func (s *Service) DeleteHighlight(ctx context.Context, id string) error {
	if id == "" {
		return s.fail(opDeleteHighlight, "invalid_input", errMissingID)
	}
	if err := s.adapter.Delete(ctx, schema.Highlights, id); err != nil {
		return s.fail(opDeleteHighlight, "delete_failed", err, zap.String("highlight_id", id))
	}
	return nil
}

// CreateNote stores the note and its highlight links together.
func (s *Service) CreateNote(ctx context.Context, input NewNote) (Note, error) {
	if err := input.validate(); err != nil {
		return Note{}, s.fail(opCreateNote, "invalid_input", err)
	}
	id, err := s.newID(opCreateNote)
	if err != nil {
		return Note{}, err
	}
	now := s.now()
	var created storage.Record
	err = s.transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		record, err := tx.Create(ctx, schema.Notes, storage.Record{
			"id":         id,
			"book_id":    input.BookID,
			"chapter_id": optional(input.ChapterID),
			"title":      input.Title,
			"content":    input.Content,
			"created_at": now,
			"updated_at": now,
		})
		if err != nil {
			return err
		}
		for _, highlightID := range input.HighlightIDs {
			if _, err := tx.Create(ctx, schema.NoteHighlights, storage.Record{"note_id": id, "highlight_id": highlightID}); err != nil {
				return err
			}
		}
		created = record
		return nil
	})
	if err != nil {
		return Note{}, s.fail(opCreateNote, "create_failed", err, zap.String("book_id", input.BookID))
	}
	return decodeOne[Note](s, opCreateNote, created)
}

// UpdateNote applies changes and refreshes updated_at.
func (s *Service) UpdateNote(ctx context.Context, id string, changes NoteChanges) (Note, error) {
	if id == "" {
		return Note{}, s.fail(opUpdateNote, "invalid_input", errMissingID)
	}
	if changes.Title != nil && *changes.Title == "" {
		return Note{}, s.fail(opUpdateNote, "invalid_input", fmt.Errorf("%w: title is required", ErrInvalidNote))
	}
	patch := storage.Record{"updated_at": s.now()}
	if changes.Title != nil {
		patch["title"] = *changes.Title
	}
	if changes.Content != nil {
		patch["content"] = *changes.Content
	}
	record, err := s.adapter.Update(ctx, schema.Notes, id, patch)
	if err != nil {
		return Note{}, s.fail(opUpdateNote, "update_failed", err, zap.String("note_id", id))
	}
	return decodeOne[Note](s, opUpdateNote, record)
}

func (s *Service) GetNote(ctx context.Context, id string) (Note, error) {
	if id == "" {
		return Note{}, s.fail(opGetNote, "invalid_input", errMissingID)
	}
	record, err := s.adapter.Read(ctx, schema.Notes, id)
	if err != nil {
		return Note{}, s.fail(opGetNote, "read_failed", err, zap.String("note_id", id))
	}
	return decodeOne[Note](s, opGetNote, record)
}

func (s *Service) DeleteNote(ctx context.Context, id string) error {
	if id == "" {
		return s.fail(opDeleteNote, "invalid_input", errMissingID)
	}
	if err := s.adapter.Delete(ctx, schema.Notes, id); err != nil {
		return s.fail(opDeleteNote, "delete_failed", err, zap.String("note_id", id))
	}
	return nil
}

// ListNotes returns the book's notes, most recently edited first.
func (s *Service) ListNotes(ctx context.Context, bookID string) ([]Note, error) {
	if bookID == "" {
		return nil, s.fail(opListNotes, "invalid_input", errMissingID)
	}
	records, err := s.adapter.Query(ctx, schema.Notes, storage.Filter{"book_id": bookID})
	if err != nil {
		return nil, s.fail(opListNotes, "query_failed", err, zap.String("book_id", bookID))
	}
	notes, err := decodeAll[Note](records)
	if err != nil {
		return nil, s.fail(opListNotes, "decode_failed", err)
	}
	sort.SliceStable(notes, func(i, j int) bool { return notes[i].UpdatedAt > notes[j].UpdatedAt })
	return notes, nil
}

// RecentNotes returns up to limit notes across the library, most recently
// edited first. The notes update index serves the walk where the backend
// supports ranged queries.
func (s *Service) RecentNotes(ctx context.Context, limit int) ([]Note, error) {
	if limit <= 0 {
		return nil, s.fail(opRecentNotes, "invalid_input", fmt.Errorf("limit %d must be positive", limit))
	}
	var (
		records []storage.Record
		err     error
	)
	if querier, ok := s.adapter.(storage.RangeQuerier); ok {
		records, err = querier.QueryRange(ctx, schema.Notes, storage.QueryOptions{
			Index:     "by_update",
			Direction: storage.Descending,
			Limit:     limit,
		})
	} else {
		records, err = s.adapter.Query(ctx, schema.Notes, nil)
	}
	if err != nil {
		return nil, s.fail(opRecentNotes, "query_failed", err)
	}
	notes, err := decodeAll[Note](records)
	if err != nil {
		return nil, s.fail(opRecentNotes, "decode_failed", err)
	}
	sort.SliceStable(notes, func(i, j int) bool { return notes[i].UpdatedAt > notes[j].UpdatedAt })
	if len(notes) > limit {
		notes = notes[:limit]
	}
	return notes, nil
}

func (s *Service) LinkHighlight(ctx context.Context, noteID, highlightID string) error {
	if noteID == "" || highlightID == "" {
		return s.fail(opLinkHighlight, "invalid_input", errMissingID)
	}
	_, err := s.adapter.Create(ctx, schema.NoteHighlights, storage.Record{"note_id": noteID, "highlight_id": highlightID})
	if errors.Is(err, storage.ErrDuplicateKey) {
		return newServiceError(opLinkHighlight, "already_linked", fmt.Errorf("%w: %v", ErrAlreadyLinked, err))
	}
	if err != nil {
		return s.fail(opLinkHighlight, "create_failed", err,
			zap.String("note_id", noteID),
			zap.String("highlight_id", highlightID))
	}
	return nil
}

func (s *Service) UnlinkHighlight(ctx context.Context, noteID, highlightID string) error {
	if noteID == "" || highlightID == "" {
		return s.fail(opUnlinkHighlight, "invalid_input", errMissingID)
	}
	if err := s.adapter.Delete(ctx, schema.NoteHighlights, schema.CompositeID(noteID, highlightID)); err != nil {
		return s.fail(opUnlinkHighlight, "delete_failed", err,
			zap.String("note_id", noteID),
			zap.String("highlight_id", highlightID))
	}
	return nil
}

// NoteHighlights returns the highlights linked to the note in reading order.
func (s *Service) NoteHighlights(ctx context.Context, noteID string) ([]Highlight, error) {
	if noteID == "" {
		return nil, s.fail(opNoteHighlights, "invalid_input", errMissingID)
	}
	links, err := s.adapter.Query(ctx, schema.NoteHighlights, storage.Filter{"note_id": noteID})
	if err != nil {
		return nil, s.fail(opNoteHighlights, "query_failed", err, zap.String("note_id", noteID))
	}
	highlights := make([]Highlight, 0, len(links))
	for _, link := range links {
		record, err := s.adapter.Read(ctx, schema.Highlights, link.String("highlight_id"))
		if err != nil {
			return nil, s.fail(opNoteHighlights, "read_failed", err, zap.String("note_id", noteID))
		}
		highlight, err := decodeOne[Highlight](s, opNoteHighlights, record)
		if err != nil {
			return nil, err
		}
		highlights = append(highlights, highlight)
	}
	sort.SliceStable(highlights, func(i, j int) bool {
		if highlights[i].ChapterID != highlights[j].ChapterID {
			return highlights[i].ChapterID < highlights[j].ChapterID
		}
		return highlights[i].StartOffset < highlights[j].StartOffset
	})
	return highlights, nil
}

func (s *Service) SaveSummary(ctx context.Context, input NewSummary) (Summary, error) {
	if err := input.validate(); err != nil {
		return Summary{}, s.fail(opSaveSummary, "invalid_input", err)
	}
	id, err := s.newID(opSaveSummary)
	if err != nil {
		return Summary{}, err
	}
	record, err := s.adapter.Create(ctx, schema.Summaries, storage.Record{
		"id":           id,
		"book_id":      input.BookID,
		"chapter_id":   optional(input.ChapterID),
		"highlight_id": optional(input.HighlightID),
		"content":      input.Content,
		"created_at":   s.now(),
	})
	if err != nil {
		return Summary{}, s.fail(opSaveSummary, "create_failed", err, zap.String("book_id", input.BookID))
	}
	return decodeOne[Summary](s, opSaveSummary, record)
}

// ListSummaries returns the book's summaries, newest first.
func (s *Service) ListSummaries(ctx context.Context, bookID string) ([]Summary, error) {
	if bookID == "" {
		return nil, s.fail(opListSummaries, "invalid_input", errMissingID)
	}
	records, err := s.adapter.Query(ctx, schema.Summaries, storage.Filter{"book_id": bookID})
	if err != nil {
		return nil, s.fail(opListSummaries, "query_failed", err, zap.String("book_id", bookID))
	}
	summaries, err := decodeAll[Summary](records)
	if err != nil {
		return nil, s.fail(opListSummaries, "decode_failed", err)
	}
	sort.SliceStable(summaries, func(i, j int) bool { return summaries[i].CreatedAt > summaries[j].CreatedAt })
	return summaries, nil
}

// transaction runs fn atomically where the backend allows it. Backends that
// refuse callbacks, such as the bridge client, run fn directly.
func (s *Service) transaction(ctx context.Context, fn storage.TxFunc) error {
	called := false
	err := s.adapter.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		called = true
		return fn(ctx, tx)
	})
	if !called && errors.Is(err, storage.ErrUnsupportedOperation) {
		return fn(ctx, s.adapter)
	}
	return err
}

func (s *Service) highlightRecord(id string, input NewHighlight) storage.Record {
	return storage.Record{
		"id":           id,
		"book_id":      input.BookID,
		"chapter_id":   input.ChapterID,
		"text":         input.Text,
		"start_offset": input.StartOffset,
		"end_offset":   input.EndOffset,
		"color":        optional(input.Color),
		"note":         optional(input.Note),
		"created_at":   s.now(),
	}
}

func (s *Service) book(operation string, record storage.Record) (Book, error) {
	return decodeOne[Book](s, operation, record)
}

func decodeOne[T any](s *Service, operation string, record storage.Record) (T, error) {
	item, err := decode[T](record)
	if err != nil {
		var zero T
		return zero, s.fail(operation, "decode_failed", err)
	}
	return item, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("library service error", attrs...)
}
