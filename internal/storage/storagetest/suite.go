// Package storagetest runs one behavioural suite against every storage.Adapter implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh, empty adapter over the default schema.
type Factory func(t *testing.T) storage.Adapter

// Capabilities describe where backends are allowed to differ.
type Capabilities struct {
	// AtomicTransactions is set when a failing Transaction undoes its earlier writes.
	AtomicTransactions bool
	// Transactions is false for backends whose Transaction fails with ErrUnsupportedOperation.
	Transactions bool
	// Execute is false for backends whose Execute fails with ErrUnsupportedOperation.
	Execute bool
	// AtomicBatches is set when a failing batch call leaves nothing behind.
	AtomicBatches bool
}

// Run executes the suite once per factory.
func Run(t *testing.T, factories map[string]Factory, caps Capabilities) {
	cases := []struct {
		name string
		fn   func(t *testing.T, adapter storage.Adapter, caps Capabilities)
	}{
		{"CreateThenRead", testCreateThenRead},
		{"CreateAssignsID", testCreateAssignsID},
		{"CreateDuplicateKey", testCreateDuplicateKey},
		{"CreateRejectsUnknownColumn", testCreateRejectsUnknownColumn},
		{"CreateRejectsMissingParent", testCreateRejectsMissingParent},
		{"ReadMissing", testReadMissing},
		{"UpdateMerges", testUpdateMerges},
		{"UpdateMissing", testUpdateMissing},
		{"DeleteMissing", testDeleteMissing},
		{"DeleteCascades", testDeleteCascades},
		{"QueryFilters", testQueryFilters},
		{"QueryNullFilter", testQueryNullFilter},
		{"FindOne", testFindOne},
		{"LinkTable", testLinkTable},
		{"Batches", testBatches},
		{"Transaction", testTransaction},
		{"Execute", testExecute},
		{"ReportsAtomicity", testReportsAtomicity},
		{"QueryRangeOrdersAndPages", testQueryRangeOrdersAndPages},
		{"QueryRangeCompoundIndex", testQueryRangeCompoundIndex},
		{"QueryRangeRejectsBadOptions", testQueryRangeRejectsBadOptions},
		{"Close", testClose},
	}
	for name, factory := range factories {
		for _, tc := range cases {
			t.Run(name+"/"+tc.name, func(t *testing.T) {
				adapter := factory(t)
				tc.fn(t, adapter, caps)
			})
		}
	}
}

func book(id, title string) storage.Record {
	return storage.Record{"id": id, "title": title, "filepath": "/books/" + id + ".epub"}
}

func highlight(id, bookID, chapterID string, start int64) storage.Record {
	return storage.Record{
		"id":           id,
		"book_id":      bookID,
		"chapter_id":   chapterID,
		"text":         "passage " + id,
		"start_offset": start,
		"end_offset":   start + 10,
		"created_at":   int64(1700000000000),
	}
}

func note(id, bookID string) storage.Record {
	return storage.Record{
		"id":         id,
		"book_id":    bookID,
		"title":      "note " + id,
		"content":    "body",
		"created_at": int64(1700000000000),
		"updated_at": int64(1700000000000),
	}
}

func mustCreate(t *testing.T, adapter storage.Adapter, table string, data storage.Record) storage.Record {
	t.Helper()
	record, err := adapter.Create(context.Background(), table, data)
	require.NoError(t, err, "create %s", table)
	return record
}

func ids(records []storage.Record, field string) []string {
	out := make([]string, len(records))
	for i, record := range records {
		out[i] = record.String(field)
	}
	return out
}

func testCreateThenRead(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	ctx := context.Background()
	created := mustCreate(t, adapter, schema.Books, storage.Record{
		"id":          "b1",
		"title":       "Dune",
		"author":      "Frank Herbert",
		"filepath":    "/books/dune.epub",
		"last_opened": 1700000000123,
	})
	assert.Equal(t, "b1", created["id"])
	assert.Nil(t, created["current_chapter"])
	assert.Equal(t, int64(1700000000123), created["last_opened"])

	read, err := adapter.Read(ctx, schema.Books, "b1")
	require.NoError(t, err)
	assert.Equal(t, created, read)
}

func testCreateAssignsID(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	created := mustCreate(t, adapter, schema.Books, storage.Record{"title": "Untitled", "filepath": "/x.epub"})
	id := created.String("id")
	require.NotEmpty(t, id)

	read, err := adapter.Read(context.Background(), schema.Books, id)
	require.NoError(t, err)
	assert.Equal(t, "Untitled", read["title"])
}

func testCreateDuplicateKey(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	mustCreate(t, adapter, schema.Books, book("b1", "first"))
	_, err := adapter.Create(context.Background(), schema.Books, book("b1", "second"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey), "got %v", err)

	read, err := adapter.Read(context.Background(), schema.Books, "b1")
	require.NoError(t, err)
	assert.Equal(t, "first", read["title"])
}

func testCreateRejectsUnknownColumn(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	data := book("b1", "x")
	data["title) VALUES ('x'); DROP TABLE books; --"] = "y"
	_, err := adapter.Create(context.Background(), schema.Books, data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrUnknownColumn), "got %v", err)

	_, err = adapter.Create(context.Background(), "shelves", book("b2", "x"))
	assert.True(t, errors.Is(err, storage.ErrUnknownTable), "got %v", err)
}

func testCreateRejectsMissingParent(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	_, err := adapter.Create(context.Background(), schema.Highlights, highlight("h1", "missing", "c1", 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrConstraintViolation), "got %v", err)
}

func testReadMissing(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	_, err := adapter.Read(context.Background(), schema.Books, "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.Equal(t, "record not found in books with id nope", err.Error())
}

func testUpdateMerges(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	ctx := context.Background()
	original := mustCreate(t, adapter, schema.Books, storage.Record{
		"id": "b1", "title": "Dune", "author": "Herbert", "filepath": "/d.epub",
	})
	updated, err := adapter.Update(ctx, schema.Books, "b1", storage.Record{
		"current_chapter": "ch-3",
		"id":              "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "b1", updated["id"])
	assert.Equal(t, original["author"], updated["author"])
	assert.Equal(t, "ch-3", updated["current_chapter"])

	read, err := adapter.Read(ctx, schema.Books, "b1")
	require.NoError(t, err)
	assert.Equal(t, updated, read)
}

func testUpdateMissing(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	_, err := adapter.Update(context.Background(), schema.Books, "nope", storage.Record{"title": "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testDeleteMissing(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	err := adapter.Delete(context.Background(), schema.Books, "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testDeleteCascades(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	ctx := context.Background()
	mustCreate(t, adapter, schema.Books, book("b1", "one"))
	mustCreate(t, adapter, schema.Books, book("b2", "two"))
	mustCreate(t, adapter, schema.Highlights, highlight("h1", "b1", "c1", 0))
	mustCreate(t, adapter, schema.Highlights, highlight("h2", "b2", "c1", 0))
	mustCreate(t, adapter, schema.Notes, note("n1", "b1"))
	mustCreate(t, adapter, schema.NoteHighlights, storage.Record{"note_id": "n1", "highlight_id": "h1"})
	mustCreate(t, adapter, schema.Summaries, storage.Record{
		"id": "s1", "book_id": "b1", "content": "summary", "created_at": int64(1),
	})

	require.NoError(t, adapter.Delete(ctx, schema.Books, "b1"))

	_, err := adapter.Read(ctx, schema.Books, "b1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	for _, table := range []string{schema.Highlights, schema.Notes, schema.NoteHighlights, schema.Summaries} {
		rows, err := adapter.Query(ctx, table, storage.Filter{})
		require.NoError(t, err)
		for _, row := range rows {
			assert.NotEqual(t, "b1", row["book_id"], "%s kept a row of the deleted book", table)
		}
	}
	links, err := adapter.Query(ctx, schema.NoteHighlights, storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, links)

	remaining, err := adapter.Query(ctx, schema.Highlights, storage.Filter{"book_id": "b2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, ids(remaining, "id"))
}

func testQueryFilters(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	ctx := context.Background()
	mustCreate(t, adapter, schema.Books, book("b1", "one"))
	mustCreate(t, adapter, schema.Books, book("b2", "two"))
	mustCreate(t, adapter, schema.Highlights, highlight("h1", "b1", "c1", 0))
	mustCreate(t, adapter, schema.Highlights, highlight("h2", "b1", "c2", 5))
	mustCreate(t, adapter, schema.Highlights, highlight("h3", "b1", "c1", 20))
	mustCreate(t, adapter, schema.Highlights, highlight("h4", "b2", "c1", 0))

	all, err := adapter.Query(ctx, schema.Highlights, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byBook, err := adapter.Query(ctx, schema.Highlights, storage.Filter{"book_id": "b1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"h1", "h2", "h3"}, ids(byBook, "id"))

	byChapter, err := adapter.Query(ctx, schema.Highlights, storage.Filter{"book_id": "b1", "chapter_id": "c1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"h1", "h3"}, ids(byChapter, "id"))

	narrowed, err := adapter.Query(ctx, schema.Highlights, storage.Filter{"book_id": "b1", "start_offset": 20})
	require.NoError(t, err)
	assert.Equal(t, []string{"h3"}, ids(narrowed, "id"))

	none, err := adapter.Query(ctx, schema.Highlights, storage.Filter{"book_id": "b9"})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = adapter.Query(ctx, schema.Highlights, storage.Filter{"color; --": "red"})
	assert.True(t, errors.Is(err, storage.ErrUnknownColumn), "got %v", err)
}

func testQueryNullFilter(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	ctx := context.Background()
	mustCreate(t, adapter, schema.Books, book("b1", "one"))
	mustCreate(t, adapter, schema.Summaries, storage.Record{
		"id": "s1", "book_id": "b1", "content": "book summary", "created_at": int64(1),
	})
	mustCreate(t, adapter, schema.Summaries, storage.Record{
		"id": "s2", "book_id": "b1", "chapter_id": "c1", "content": "chapter summary", "created_at": int64(2),
	})

	bookLevel, err := adapter.Query(ctx, schema.Summaries, storage.Filter{"book_id": "b1", "chapter_id": nil})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids(bookLevel, "id"))
}

func testFindOne(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	ctx := context.Background()
	mustCreate(t, adapter, schema.Books, book("b1", "one"))

	found, err := adapter.FindOne(ctx, schema.Books, storage.Filter{"title": "one"})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "b1", found["id"])

	missing, err := adapter.FindOne(ctx, schema.Books, storage.Filter{"title": "two"})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testLinkTable(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	ctx := context.Background()
	mustCreate(t, adapter, schema.Books, book("b1", "one"))
	mustCreate(t, adapter, schema.Highlights, highlight("h1", "b1", "c1", 0))
	mustCreate(t, adapter, schema.Highlights, highlight("h2", "b1", "c1", 30))
	mustCreate(t, adapter, schema.Notes, note("n1", "b1"))

	link := storage.Record{"note_id": "n1", "highlight_id": "h1"}
	mustCreate(t, adapter, schema.NoteHighlights, link)
	mustCreate(t, adapter, schema.NoteHighlights, storage.Record{"note_id": "n1", "highlight_id": "h2"})
	_, err := adapter.Create(ctx, schema.NoteHighlights, link)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey), "got %v", err)

	linked, err := adapter.Query(ctx, schema.NoteHighlights, storage.Filter{"note_id": "n1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"h1", "h2"}, ids(linked, "highlight_id"))

	require.NoError(t, adapter.Delete(ctx, schema.Highlights, "h1"))
	linked, err = adapter.Query(ctx, schema.NoteHighlights, storage.Filter{"note_id": "n1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, ids(linked, "highlight_id"))

	require.NoError(t, adapter.Delete(ctx, schema.NoteHighlights, schema.CompositeID("n1", "h2")))
	linked, err = adapter.Query(ctx, schema.NoteHighlights, storage.Filter{"note_id": "n1"})
	require.NoError(t, err)
	assert.Empty(t, linked)
}

func testBatches(t *testing.T, adapter storage.Adapter, caps Capabilities) {
	ctx := context.Background()
	created, err := adapter.CreateMany(ctx, schema.Books, []storage.Record{book("b1", "one"), book("b2", "two")})
	require.NoError(t, err)
	assert.Len(t, created, 2)

	updated, err := adapter.UpdateMany(ctx, schema.Books, []storage.Patch{
		{ID: "b1", Data: storage.Record{"author": "A"}},
		{ID: "b2", Data: storage.Record{"author": "B"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(updated, "author"))

	partial, err := adapter.CreateMany(ctx, schema.Books, []storage.Record{book("b3", "three"), book("b1", "dup"), book("b4", "four")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey), "got %v", err)
	expectedRest := []string{"b3"}
	if caps.AtomicBatches {
		assert.Empty(t, partial)
		expectedRest = []string{}
	} else {
		assert.Equal(t, []string{"b3"}, ids(partial, "id"))
	}
	_, err = adapter.Read(ctx, schema.Books, "b4")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "batch must stop at the first failure")

	require.NoError(t, adapter.DeleteMany(ctx, schema.Books, []string{"b1", "b2"}))
	rest, err := adapter.Query(ctx, schema.Books, nil)
	require.NoError(t, err)
	assert.Equal(t, expectedRest, ids(rest, "id"))

	err = adapter.DeleteMany(ctx, schema.Books, []string{"b3", "missing"})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testTransaction(t *testing.T, adapter storage.Adapter, caps Capabilities) {
	ctx := context.Background()
	if !caps.Transactions {
		called := false
		err := adapter.Transaction(ctx, func(context.Context, storage.Adapter) error {
			called = true
			return nil
		})
		assert.True(t, errors.Is(err, storage.ErrUnsupportedOperation), "got %v", err)
		assert.False(t, called)
		return
	}

	err := adapter.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		if _, err := tx.Create(ctx, schema.Books, book("b1", "one")); err != nil {
			return err
		}
		_, err := tx.Create(ctx, schema.Highlights, highlight("h1", "b1", "c1", 0))
		return err
	})
	require.NoError(t, err)
	_, err = adapter.Read(ctx, schema.Highlights, "h1")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = adapter.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		if _, err := tx.Create(ctx, schema.Books, book("b2", "two")); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom), "got %v", err)

	_, err = adapter.Read(ctx, schema.Books, "b2")
	if caps.AtomicTransactions {
		assert.True(t, errors.Is(err, storage.ErrNotFound), "rolled back write is visible")
	} else {
		assert.NoError(t, err, "writes before the failure stay committed")
	}
}

func testExecute(t *testing.T, adapter storage.Adapter, caps Capabilities) {
	ctx := context.Background()
	if !caps.Execute {
		_, err := adapter.Execute(ctx, "SELECT * FROM books")
		assert.True(t, errors.Is(err, storage.ErrUnsupportedOperation), "got %v", err)
		return
	}
	res, err := adapter.Execute(ctx, `INSERT INTO books (id, title, filepath) VALUES (?, ?, ?)`, "b1", "one", "/one.epub")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	res, err = adapter.Execute(ctx, `UPDATE books SET author = ? WHERE id = ?`, "A", "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	res, err = adapter.Execute(ctx, `SELECT * FROM books WHERE id = ?`, "b1")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "A", res.Rows[0]["author"])

	res, err = adapter.Execute(ctx, `DELETE FROM books WHERE id = ?`, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	rows, err := adapter.Query(ctx, schema.Books, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testReportsAtomicity(t *testing.T, adapter storage.Adapter, caps Capabilities) {
	assert.Equal(t, caps.AtomicTransactions, storage.RollsBack(adapter))
}

func rangeQuerier(t *testing.T, adapter storage.Adapter) storage.RangeQuerier {
	t.Helper()
	ranger, ok := adapter.(storage.RangeQuerier)
	require.True(t, ok, "%T does not serve ranged queries", adapter)
	return ranger
}

func testQueryRangeOrdersAndPages(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	ctx := context.Background()
	ranger := rangeQuerier(t, adapter)
	mustCreate(t, adapter, schema.Books, book("b1", "one"))
	mustCreate(t, adapter, schema.Books, book("b2", "two"))
	notes := []struct {
		id, bookID string
		updatedAt  int64
	}{
		{"n4", "b1", 40},
		{"n2", "b1", 20},
		{"n5", "b1", 50},
		{"n1", "b1", 10},
		{"n3", "b2", 30},
	}
	for _, n := range notes {
		data := note(n.id, n.bookID)
		data["updated_at"] = n.updatedAt
		mustCreate(t, adapter, schema.Notes, data)
	}

	byKey, err := ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3", "n4", "n5"}, ids(byKey, "id"))

	fromKey, err := ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{Range: &storage.Range{Lower: "n4"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"n4", "n5"}, ids(fromKey, "id"))

	window, err := ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{
		Index: "by_update",
		Range: &storage.Range{Lower: 20, Upper: 40, UpperOpen: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"n2", "n3"}, ids(window, "id"))

	above, err := ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{
		Index: "by_update",
		Range: &storage.Range{Lower: 20, LowerOpen: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"n3", "n4", "n5"}, ids(above, "id"))

	latest, err := ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{
		Index:     "by_update",
		Direction: storage.Descending,
		Limit:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"n5", "n4"}, ids(latest, "id"))

	page, err := ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{Index: "by_update", Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"n2", "n3"}, ids(page, "id"))

	filtered, err := ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{
		Index:     "by_update",
		Filter:    storage.Filter{"book_id": "b1"},
		Direction: storage.Descending,
		Offset:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"n4", "n2", "n1"}, ids(filtered, "id"))

	past, err := ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)

	inverted, err := ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{
		Index: "by_update",
		Range: &storage.Range{Lower: 40, Upper: 20},
	})
	require.NoError(t, err)
	assert.Empty(t, inverted)
}

func testQueryRangeCompoundIndex(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	ctx := context.Background()
	ranger := rangeQuerier(t, adapter)
	mustCreate(t, adapter, schema.Books, book("b1", "one"))
	mustCreate(t, adapter, schema.Highlights, highlight("h3", "b1", "c2", 30))
	mustCreate(t, adapter, schema.Highlights, highlight("h1", "b1", "c1", 10))
	mustCreate(t, adapter, schema.Highlights, highlight("h2", "b1", "c2", 20))
	mustCreate(t, adapter, schema.Highlights, highlight("h4", "b1", "c3", 40))

	chapter, err := ranger.QueryRange(ctx, schema.Highlights, storage.QueryOptions{
		Index: "by_chapter",
		Range: &storage.Range{Lower: []any{"b1", "c2"}, Upper: []any{"b1", "c2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2", "h3"}, ids(chapter, "id"))

	reversed, err := ranger.QueryRange(ctx, schema.Highlights, storage.QueryOptions{
		Index:     "by_chapter",
		Range:     &storage.Range{Upper: []any{"b1", "c2"}},
		Direction: storage.Descending,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"h3", "h2", "h1"}, ids(reversed, "id"))

	mustCreate(t, adapter, schema.Summaries, storage.Record{
		"id": "s1", "book_id": "b1", "highlight_id": "h1", "content": "linked", "created_at": int64(1),
	})
	mustCreate(t, adapter, schema.Summaries, storage.Record{
		"id": "s2", "book_id": "b1", "content": "whole book", "created_at": int64(2),
	})
	indexed, err := ranger.QueryRange(ctx, schema.Summaries, storage.QueryOptions{Index: "by_highlight"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids(indexed, "id"), "records with a null index field are left out")
}

func testQueryRangeRejectsBadOptions(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	ctx := context.Background()
	ranger := rangeQuerier(t, adapter)

	_, err := ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{Index: "by_mood"})
	assert.True(t, errors.Is(err, storage.ErrUnknownColumn), "got %v", err)

	_, err = ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{Limit: -1})
	assert.True(t, errors.Is(err, storage.ErrInvalidRecord), "got %v", err)

	_, err = ranger.QueryRange(ctx, schema.Notes, storage.QueryOptions{Direction: "sideways"})
	assert.True(t, errors.Is(err, storage.ErrInvalidRecord), "got %v", err)

	_, err = ranger.QueryRange(ctx, schema.Highlights, storage.QueryOptions{
		Index: "by_chapter",
		Range: &storage.Range{Lower: "b1"},
	})
	assert.True(t, errors.Is(err, storage.ErrInvalidRecord), "got %v", err)

	_, err = ranger.QueryRange(ctx, "shelves", storage.QueryOptions{})
	assert.True(t, errors.Is(err, storage.ErrUnknownTable), "got %v", err)
}

func testClose(t *testing.T, adapter storage.Adapter, _ Capabilities) {
	require.NoError(t, adapter.Close())
	_, err := adapter.Read(context.Background(), schema.Books, "b1")
	assert.True(t, errors.Is(err, storage.ErrNotInitialized), "got %v", err)
}
