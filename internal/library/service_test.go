package library

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/platform"
	"github.com/TKKRTKY/brain-feed-reader/internal/provider"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type sequenceIDs struct {
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("%s-%d", s.prefix, s.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

// stepClock advances one second per reading.
type stepClock struct {
	current time.Time
}

func (c *stepClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

// noTransactions refuses callbacks the way the bridge client does.
type noTransactions struct {
	storage.Adapter
}

func (noTransactions) Transaction(context.Context, storage.TxFunc) error {
	return fmt.Errorf("%w: transactions are not available over the bridge", storage.ErrUnsupportedOperation)
}

func openBackend(testContext *testing.T, info platform.Info) storage.Adapter {
	testContext.Helper()
	cfg := provider.Config{}
	if info.StorageType == platform.StorageSQLite {
		cfg.Desktop.Filename = filepath.Join(testContext.TempDir(), provider.DefaultFilename)
	}
	p, err := provider.Start(context.Background(), cfg, info)
	if err != nil {
		testContext.Fatalf("failed to start storage: %v", err)
	}
	testContext.Cleanup(func() { _ = p.Close() })
	adapter, err := p.Adapter()
	if err != nil {
		testContext.Fatalf("failed to resolve adapter: %v", err)
	}
	return adapter
}

var backends = map[string]platform.Info{
	"sqlite":    {Type: platform.TypeDesktop, IsDesktop: true, StorageType: platform.StorageSQLite},
	"indexeddb": {Type: platform.TypeWeb, StorageType: platform.StorageIndexedDB},
}

func newTestService(testContext *testing.T, adapter storage.Adapter, logger *zap.Logger) *Service {
	testContext.Helper()
	clock := &stepClock{current: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{
		Adapter:    adapter,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{prefix: "id"},
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}
	return service
}

func mustAddBook(testContext *testing.T, service *Service, title string) Book {
	testContext.Helper()
	book, err := service.AddBook(context.Background(), NewBook{Title: title, FilePath: "/books/" + strings.ToLower(title) + ".epub"})
	if err != nil {
		testContext.Fatalf("failed to add book: %v", err)
	}
	return book
}

func mustAddHighlight(testContext *testing.T, service *Service, bookID, chapterID string, start int64) Highlight {
	testContext.Helper()
	highlight, err := service.AddHighlight(context.Background(), NewHighlight{
		BookID:      bookID,
		ChapterID:   chapterID,
		Text:        "passage",
		StartOffset: start,
		EndOffset:   start + 7,
	})
	if err != nil {
		testContext.Fatalf("failed to add highlight: %v", err)
	}
	return highlight
}

func TestNewServiceRequiresDependencies(testContext *testing.T) {
	if _, err := NewService(ServiceConfig{}); !errors.Is(err, errMissingAdapter) {
		testContext.Fatalf("expected missing adapter error, got %v", err)
	}
	adapter := openBackend(testContext, backends["sqlite"])
	_, err := NewService(ServiceConfig{Adapter: adapter})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "library.service.new.missing_id_provider" {
		testContext.Fatalf("expected missing id provider code, got %v", err)
	}
}

func TestLibraryWorkflow(testContext *testing.T) {
	for name, info := range backends {
		testContext.Run(name, func(testContext *testing.T) {
			ctx := context.Background()
			service := newTestService(testContext, openBackend(testContext, info), nil)

			dune := mustAddBook(testContext, service, "Dune")
			if dune.Author != nil || dune.LastOpened != nil {
				testContext.Fatalf("expected unset optional fields, got %+v", dune)
			}
			emma := mustAddBook(testContext, service, "Emma")

			opened, err := service.OpenBook(ctx, emma.ID, "chapter-3")
			if err != nil {
				testContext.Fatalf("open book: %v", err)
			}
			if opened.CurrentChapter == nil || *opened.CurrentChapter != "chapter-3" || opened.LastOpened == nil {
				testContext.Fatalf("expected reading position, got %+v", opened)
			}

			books, err := service.ListBooks(ctx)
			if err != nil {
				testContext.Fatalf("list books: %v", err)
			}
			if len(books) != 2 || books[0].ID != emma.ID || books[1].ID != dune.ID {
				testContext.Fatalf("expected recently opened book first, got %+v", books)
			}

			late := mustAddHighlight(testContext, service, dune.ID, "chapter-1", 120)
			early := mustAddHighlight(testContext, service, dune.ID, "chapter-1", 10)
			other := mustAddHighlight(testContext, service, dune.ID, "chapter-2", 0)

			chapterOne, err := service.ListHighlights(ctx, dune.ID, "chapter-1")
			if err != nil {
				testContext.Fatalf("list highlights: %v", err)
			}
			if len(chapterOne) != 2 || chapterOne[0].ID != early.ID || chapterOne[1].ID != late.ID {
				testContext.Fatalf("expected chapter highlights by offset, got %+v", chapterOne)
			}
			all, err := service.ListHighlights(ctx, dune.ID, "")
			if err != nil || len(all) != 3 || all[2].ID != other.ID {
				testContext.Fatalf("expected every highlight, got %+v (%v)", all, err)
			}

			note, err := service.CreateNote(ctx, NewNote{
				BookID:       dune.ID,
				Title:        "Spice",
				Content:      "The spice must flow.",
				HighlightIDs: []string{late.ID, early.ID},
			})
			if err != nil {
				testContext.Fatalf("create note: %v", err)
			}
			if note.CreatedAt != note.UpdatedAt {
				testContext.Fatalf("expected matching timestamps on a new note, got %+v", note)
			}
			linked, err := service.NoteHighlights(ctx, note.ID)
			if err != nil || len(linked) != 2 || linked[0].ID != early.ID {
				testContext.Fatalf("expected linked highlights in order, got %+v (%v)", linked, err)
			}

			content := "Fear is the mind-killer."
			updated, err := service.UpdateNote(ctx, note.ID, NoteChanges{Content: &content})
			if err != nil {
				testContext.Fatalf("update note: %v", err)
			}
			if updated.Content != content || updated.Title != "Spice" || updated.UpdatedAt <= note.UpdatedAt {
				testContext.Fatalf("expected refreshed note, got %+v", updated)
			}

			if _, err := service.SaveSummary(ctx, NewSummary{BookID: dune.ID, HighlightID: early.ID, Content: "Arrakis."}); err != nil {
				testContext.Fatalf("save summary: %v", err)
			}

			if err := service.DeleteBook(ctx, dune.ID); err != nil {
				testContext.Fatalf("delete book: %v", err)
			}
			notes, err := service.ListNotes(ctx, dune.ID)
			if err != nil || len(notes) != 0 {
				testContext.Fatalf("expected notes removed with the book, got %+v (%v)", notes, err)
			}
			summaries, err := service.ListSummaries(ctx, dune.ID)
			if err != nil || len(summaries) != 0 {
				testContext.Fatalf("expected summaries removed with the book, got %+v (%v)", summaries, err)
			}
			remaining, err := service.ListHighlights(ctx, dune.ID, "")
			if err != nil || len(remaining) != 0 {
				testContext.Fatalf("expected highlights removed with the book, got %+v (%v)", remaining, err)
			}
		})
	}
}

func TestLookupsAndBookEdits(testContext *testing.T) {
	for name, info := range backends {
		testContext.Run(name, func(testContext *testing.T) {
			ctx := context.Background()
			service := newTestService(testContext, openBackend(testContext, info), nil)
			dune := mustAddBook(testContext, service, "Dune")

			author, title := "Frank Herbert", "Dune Messiah"
			updated, err := service.UpdateBook(ctx, dune.ID, BookChanges{Title: &title, Author: &author})
			if err != nil {
				testContext.Fatalf("update book: %v", err)
			}
			if updated.Title != title || updated.Author == nil || *updated.Author != author || updated.FilePath != dune.FilePath {
				testContext.Fatalf("unexpected updated book %+v", updated)
			}
			blank := ""
			cleared, err := service.UpdateBook(ctx, dune.ID, BookChanges{Author: &blank})
			if err != nil || cleared.Author != nil || cleared.Title != title {
				testContext.Fatalf("expected author cleared, got %+v (%v)", cleared, err)
			}
			if _, err := service.UpdateBook(ctx, "absent", BookChanges{Title: &title}); !errors.Is(err, storage.ErrNotFound) {
				testContext.Fatalf("expected not found, got %v", err)
			}

			highlight := mustAddHighlight(testContext, service, dune.ID, "chapter-1", 4)
			fetched, err := service.GetHighlight(ctx, highlight.ID)
			if err != nil || fetched != highlight {
				testContext.Fatalf("expected %+v, got %+v (%v)", highlight, fetched, err)
			}

			note, err := service.CreateNote(ctx, NewNote{BookID: dune.ID, ChapterID: "chapter-1", Title: "Spice"})
			if err != nil {
				testContext.Fatalf("create note: %v", err)
			}
			gotNote, err := service.GetNote(ctx, note.ID)
			if err != nil || gotNote.Title != "Spice" || gotNote.ChapterID == nil || *gotNote.ChapterID != "chapter-1" {
				testContext.Fatalf("unexpected note %+v (%v)", gotNote, err)
			}
			if _, err := service.GetNote(ctx, highlight.ID); !errors.Is(err, storage.ErrNotFound) {
				testContext.Fatalf("expected not found for a highlight id, got %v", err)
			}
		})
	}
}

func TestSaveHighlights(testContext *testing.T) {
	for name, info := range backends {
		testContext.Run(name, func(testContext *testing.T) {
			ctx := context.Background()
			adapter := openBackend(testContext, info)
			service := newTestService(testContext, adapter, nil)
			dune := mustAddBook(testContext, service, "Dune")

			saved, err := service.SaveHighlights(ctx, []NewHighlight{
				{BookID: dune.ID, ChapterID: "chapter-2", Text: "sand", StartOffset: 0, EndOffset: 4},
				{BookID: dune.ID, ChapterID: "chapter-1", Text: "spice", StartOffset: 10, EndOffset: 15, Color: "yellow"},
			})
			if err != nil {
				testContext.Fatalf("save highlights: %v", err)
			}
			if len(saved) != 2 || saved[0].Text != "sand" || saved[1].Color == nil || *saved[1].Color != "yellow" {
				testContext.Fatalf("unexpected saved highlights %+v", saved)
			}

			empty, err := service.SaveHighlights(ctx, nil)
			if err != nil || len(empty) != 0 {
				testContext.Fatalf("expected an empty batch to be a no-op, got %+v (%v)", empty, err)
			}

			kept, err := service.SaveHighlights(ctx, []NewHighlight{
				{BookID: dune.ID, ChapterID: "chapter-3", Text: "worm", StartOffset: 0, EndOffset: 4},
				{BookID: "ghost", ChapterID: "chapter-1", Text: "nothing", StartOffset: 0, EndOffset: 7},
			})
			if !errors.Is(err, storage.ErrConstraintViolation) {
				testContext.Fatalf("expected a constraint violation, got %v", err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != "library.save_highlights.create_failed" {
				testContext.Fatalf("unexpected error code %v", err)
			}

			stored, err := service.ListHighlights(ctx, dune.ID, "chapter-3")
			if err != nil {
				testContext.Fatalf("list highlights: %v", err)
			}
			if storage.RollsBack(adapter) {
				if len(kept) != 0 || len(stored) != 0 {
					testContext.Fatalf("expected the batch to roll back, got %+v and %+v", kept, stored)
				}
				return
			}
			if len(kept) != 1 || kept[0].Text != "worm" || len(stored) != 1 || stored[0].ID != kept[0].ID {
				testContext.Fatalf("expected the committed highlight back, got %+v and %+v", kept, stored)
			}
		})
	}
}

func TestRecentNotes(testContext *testing.T) {
	testCases := map[string]func(testContext *testing.T) storage.Adapter{
		"indexeddb": func(testContext *testing.T) storage.Adapter { return openBackend(testContext, backends["indexeddb"]) },
		"sqlite":    func(testContext *testing.T) storage.Adapter { return openBackend(testContext, backends["sqlite"]) },
		"unranged": func(testContext *testing.T) storage.Adapter {
			return noTransactions{Adapter: openBackend(testContext, backends["sqlite"])}
		},
	}
	for name, open := range testCases {
		testContext.Run(name, func(testContext *testing.T) {
			ctx := context.Background()
			service := newTestService(testContext, open(testContext), nil)
			dune := mustAddBook(testContext, service, "Dune")
			emma := mustAddBook(testContext, service, "Emma")

			var ids []string
			for _, input := range []NewNote{
				{BookID: dune.ID, Title: "first"},
				{BookID: emma.ID, Title: "second"},
				{BookID: dune.ID, Title: "third"},
			} {
				note, err := service.CreateNote(ctx, input)
				if err != nil {
					testContext.Fatalf("create note: %v", err)
				}
				ids = append(ids, note.ID)
			}
			content := "revised"
			if _, err := service.UpdateNote(ctx, ids[0], NoteChanges{Content: &content}); err != nil {
				testContext.Fatalf("update note: %v", err)
			}

			recent, err := service.RecentNotes(ctx, 2)
			if err != nil {
				testContext.Fatalf("recent notes: %v", err)
			}
			if len(recent) != 2 || recent[0].ID != ids[0] || recent[1].ID != ids[2] {
				testContext.Fatalf("expected the two latest edits, got %+v", recent)
			}
			all, err := service.RecentNotes(ctx, 10)
			if err != nil || len(all) != 3 || all[2].ID != ids[1] {
				testContext.Fatalf("expected every note, got %+v (%v)", all, err)
			}
		})
	}
}

func TestLinkHighlight(testContext *testing.T) {
	ctx := context.Background()
	service := newTestService(testContext, openBackend(testContext, backends["sqlite"]), nil)
	book := mustAddBook(testContext, service, "Dune")
	highlight := mustAddHighlight(testContext, service, book.ID, "chapter-1", 0)
	note, err := service.CreateNote(ctx, NewNote{BookID: book.ID, Title: "Spice"})
	if err != nil {
		testContext.Fatalf("create note: %v", err)
	}

	if err := service.LinkHighlight(ctx, note.ID, highlight.ID); err != nil {
		testContext.Fatalf("link: %v", err)
	}
	err = service.LinkHighlight(ctx, note.ID, highlight.ID)
	if !errors.Is(err, ErrAlreadyLinked) {
		testContext.Fatalf("expected already linked, got %v", err)
	}

	if err := service.UnlinkHighlight(ctx, note.ID, highlight.ID); err != nil {
		testContext.Fatalf("unlink: %v", err)
	}
	linked, err := service.NoteHighlights(ctx, note.ID)
	if err != nil || len(linked) != 0 {
		testContext.Fatalf("expected no links, got %+v (%v)", linked, err)
	}
	if err := service.UnlinkHighlight(ctx, note.ID, highlight.ID); !errors.Is(err, storage.ErrNotFound) {
		testContext.Fatalf("expected not found on second unlink, got %v", err)
	}
}

func TestCreateNoteRollsBackLinks(testContext *testing.T) {
	ctx := context.Background()
	service := newTestService(testContext, openBackend(testContext, backends["sqlite"]), nil)
	book := mustAddBook(testContext, service, "Dune")
	highlight := mustAddHighlight(testContext, service, book.ID, "chapter-1", 0)

	_, err := service.CreateNote(ctx, NewNote{
		BookID:       book.ID,
		Title:        "Spice",
		HighlightIDs: []string{highlight.ID, highlight.ID},
	})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		testContext.Fatalf("expected duplicate link to fail the note, got %v", err)
	}
	notes, err := service.ListNotes(ctx, book.ID)
	if err != nil || len(notes) != 0 {
		testContext.Fatalf("expected the note to roll back, got %+v (%v)", notes, err)
	}
}

func TestCreateNoteWithoutTransactions(testContext *testing.T) {
	ctx := context.Background()
	adapter := noTransactions{Adapter: openBackend(testContext, backends["sqlite"])}
	service := newTestService(testContext, adapter, nil)
	book := mustAddBook(testContext, service, "Dune")
	highlight := mustAddHighlight(testContext, service, book.ID, "chapter-1", 0)

	note, err := service.CreateNote(ctx, NewNote{BookID: book.ID, Title: "Spice", HighlightIDs: []string{highlight.ID}})
	if err != nil {
		testContext.Fatalf("expected direct writes when transactions are refused, got %v", err)
	}
	linked, err := service.NoteHighlights(ctx, note.ID)
	if err != nil || len(linked) != 1 {
		testContext.Fatalf("expected one linked highlight, got %+v (%v)", linked, err)
	}
}

func TestInputValidation(testContext *testing.T) {
	ctx := context.Background()
	service := newTestService(testContext, openBackend(testContext, backends["sqlite"]), nil)
	blank := ""

	testCases := []struct {
		name     string
		call     func() error
		sentinel error
		code     string
	}{
		{
			name:     "book without title",
			call:     func() error { _, err := service.AddBook(ctx, NewBook{FilePath: "/a.epub"}); return err },
			sentinel: ErrInvalidBook,
			code:     "library.add_book.invalid_input",
		},
		{
			name: "highlight with reversed offsets",
			call: func() error {
				_, err := service.AddHighlight(ctx, NewHighlight{BookID: "b", ChapterID: "c", Text: "t", StartOffset: 9, EndOffset: 3})
				return err
			},
			sentinel: ErrInvalidHighlight,
			code:     "library.add_highlight.invalid_input",
		},
		{
			name:     "note without title",
			call:     func() error { _, err := service.CreateNote(ctx, NewNote{BookID: "b"}); return err },
			sentinel: ErrInvalidNote,
			code:     "library.create_note.invalid_input",
		},
		{
			name:     "note update clearing the title",
			call:     func() error { _, err := service.UpdateNote(ctx, "n", NoteChanges{Title: &blank}); return err },
			sentinel: ErrInvalidNote,
			code:     "library.update_note.invalid_input",
		},
		{
			name:     "book update without changes",
			call:     func() error { _, err := service.UpdateBook(ctx, "b", BookChanges{}); return err },
			sentinel: ErrInvalidBook,
			code:     "library.update_book.invalid_input",
		},
		{
			name:     "book update clearing the file path",
			call:     func() error { _, err := service.UpdateBook(ctx, "b", BookChanges{FilePath: &blank}); return err },
			sentinel: ErrInvalidBook,
			code:     "library.update_book.invalid_input",
		},
		{
			name: "highlight batch with an empty entry",
			call: func() error {
				_, err := service.SaveHighlights(ctx, []NewHighlight{{BookID: "b", ChapterID: "c", Text: "t", EndOffset: 1}, {}})
				return err
			},
			sentinel: ErrInvalidHighlight,
			code:     "library.save_highlights.invalid_input",
		},
		{
			name:     "summary without content",
			call:     func() error { _, err := service.SaveSummary(ctx, NewSummary{BookID: "b"}); return err },
			sentinel: ErrInvalidSummary,
			code:     "library.save_summary.invalid_input",
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			err := testCase.call()
			if !errors.Is(err, testCase.sentinel) {
				testContext.Fatalf("expected %v, got %v", testCase.sentinel, err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != testCase.code {
				testContext.Fatalf("expected code %s, got %v", testCase.code, err)
			}
		})
	}
}

func TestMissingRecordsAreNotLogged(testContext *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	service := newTestService(testContext, openBackend(testContext, backends["sqlite"]), zap.New(core))

	_, err := service.GetBook(context.Background(), "absent")
	if !errors.Is(err, storage.ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
	if recorded.Len() != 0 {
		testContext.Fatalf("expected no log entries, got %d", recorded.Len())
	}
}

func TestStorageFailuresAreLogged(testContext *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	adapter := openBackend(testContext, backends["sqlite"])
	service, err := NewService(ServiceConfig{Adapter: adapter, IDProvider: failingIDs{}, Logger: zap.New(core)})
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}

	_, err = service.AddBook(context.Background(), NewBook{Title: "Dune", FilePath: "/dune.epub"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "library.add_book.id_generation_failed" {
		testContext.Fatalf("expected id generation failure, got %v", err)
	}
	entries := recorded.FilterMessage("library service error").All()
	if len(entries) != 1 {
		testContext.Fatalf("expected one error log, got %d", len(entries))
	}
	if entries[0].ContextMap()["operation"] != opAddBook {
		testContext.Fatalf("expected operation field, got %v", entries[0].ContextMap())
	}
}
