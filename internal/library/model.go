package library

import (
	"errors"
	"fmt"
	"strings"

	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"github.com/go-viper/mapstructure/v2"
)

var (
	// ErrInvalidBook indicates a book without a title or file path.
	ErrInvalidBook = errors.New("library: invalid book")
	// ErrInvalidHighlight indicates a highlight with empty text or a bad offset range.
	ErrInvalidHighlight = errors.New("library: invalid highlight")
	// ErrInvalidNote indicates a note without a title or book.
	ErrInvalidNote = errors.New("library: invalid note")
	// ErrInvalidSummary indicates a summary without content or book.
	ErrInvalidSummary = errors.New("library: invalid summary")
	// ErrAlreadyLinked indicates the highlight is already attached to the note.
	ErrAlreadyLinked = errors.New("library: highlight already linked to note")
)

// Book is an EPUB file in the library.
type Book struct {
	ID             string  `mapstructure:"id" json:"id"`
	Title          string  `mapstructure:"title" json:"title"`
	Author         *string `mapstructure:"author" json:"author,omitempty"`
	FilePath       string  `mapstructure:"filepath" json:"filepath"`
	LastOpened     *int64  `mapstructure:"last_opened" json:"last_opened,omitempty"`
	CurrentChapter *string `mapstructure:"current_chapter" json:"current_chapter,omitempty"`
}

// Highlight is a marked span of chapter text. Offsets are character positions.
type Highlight struct {
	ID          string  `mapstructure:"id" json:"id"`
	BookID      string  `mapstructure:"book_id" json:"book_id"`
	ChapterID   string  `mapstructure:"chapter_id" json:"chapter_id"`
	Text        string  `mapstructure:"text" json:"text"`
	StartOffset int64   `mapstructure:"start_offset" json:"start_offset"`
	EndOffset   int64   `mapstructure:"end_offset" json:"end_offset"`
	Color       *string `mapstructure:"color" json:"color,omitempty"`
	Note        *string `mapstructure:"note" json:"note,omitempty"`
	CreatedAt   int64   `mapstructure:"created_at" json:"created_at"`
}

type Note struct {
	ID        string  `mapstructure:"id" json:"id"`
	BookID    string  `mapstructure:"book_id" json:"book_id"`
	ChapterID *string `mapstructure:"chapter_id" json:"chapter_id,omitempty"`
	Title     string  `mapstructure:"title" json:"title"`
	Content   string  `mapstructure:"content" json:"content"`
	CreatedAt int64   `mapstructure:"created_at" json:"created_at"`
	UpdatedAt int64   `mapstructure:"updated_at" json:"updated_at"`
}

type Summary struct {
	ID          string  `mapstructure:"id" json:"id"`
	BookID      string  `mapstructure:"book_id" json:"book_id"`
	ChapterID   *string `mapstructure:"chapter_id" json:"chapter_id,omitempty"`
	HighlightID *string `mapstructure:"highlight_id" json:"highlight_id,omitempty"`
	Content     string  `mapstructure:"content" json:"content"`
	CreatedAt   int64   `mapstructure:"created_at" json:"created_at"`
}

// NewBook holds the caller supplied fields of a book.
type NewBook struct {
	Title    string
	Author   string
	FilePath string
}

func (b NewBook) validate() error {
	if strings.TrimSpace(b.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidBook)
	}
	if strings.TrimSpace(b.FilePath) == "" {
		return fmt.Errorf("%w: file path is required", ErrInvalidBook)
	}
	return nil
}

// BookChanges lists the book fields to replace. Nil fields are kept.
type BookChanges struct {
	Title    *string
	Author   *string
	FilePath *string
}

func (c BookChanges) patch() (storage.Record, error) {
	patch := storage.Record{}
	if c.Title != nil {
		if strings.TrimSpace(*c.Title) == "" {
			return nil, fmt.Errorf("%w: title is required", ErrInvalidBook)
		}
		patch["title"] = *c.Title
	}
	if c.FilePath != nil {
		if strings.TrimSpace(*c.FilePath) == "" {
			return nil, fmt.Errorf("%w: file path is required", ErrInvalidBook)
		}
		patch["filepath"] = *c.FilePath
	}
	if c.Author != nil {
		patch["author"] = optional(*c.Author)
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: no changes", ErrInvalidBook)
	}
	return patch, nil
}

type NewHighlight struct {
	BookID      string
	ChapterID   string
	Text        string
	StartOffset int64
	EndOffset   int64
	Color       string
	Note        string
}

func (h NewHighlight) validate() error {
	switch {
	case strings.TrimSpace(h.BookID) == "":
		return fmt.Errorf("%w: book id is required", ErrInvalidHighlight)
	case strings.TrimSpace(h.ChapterID) == "":
		return fmt.Errorf("%w: chapter id is required", ErrInvalidHighlight)
	case h.Text == "":
		return fmt.Errorf("%w: text is required", ErrInvalidHighlight)
	case h.StartOffset < 0:
		return fmt.Errorf("%w: start offset %d is negative", ErrInvalidHighlight, h.StartOffset)
	case h.EndOffset <= h.StartOffset:
		return fmt.Errorf("%w: end offset %d must follow start offset %d", ErrInvalidHighlight, h.EndOffset, h.StartOffset)
	}
	return nil
}

// NewNote creates a note and attaches HighlightIDs to it.
type NewNote struct {
	BookID       string
	ChapterID    string
	Title        string
	Content      string
	HighlightIDs []string
}

func (n NewNote) validate() error {
	if strings.TrimSpace(n.BookID) == "" {
		return fmt.Errorf("%w: book id is required", ErrInvalidNote)
	}
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidNote)
	}
	return nil
}

// NoteChanges lists the note fields to replace. Nil fields are kept.
type NoteChanges struct {
	Title   *string
	Content *string
}

type NewSummary struct {
	BookID      string
	ChapterID   string
	HighlightID string
	Content     string
}

func (s NewSummary) validate() error {
	if strings.TrimSpace(s.BookID) == "" {
		return fmt.Errorf("%w: book id is required", ErrInvalidSummary)
	}
	if strings.TrimSpace(s.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidSummary)
	}
	return nil
}

func decode[T any](record storage.Record) (T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &out,
		TagName: "mapstructure",
	})
	if err != nil {
		return out, err
	}
	if err := decoder.Decode(map[string]any(record)); err != nil {
		return out, err
	}
	return out, nil
}

func decodeAll[T any](records []storage.Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, record := range records {
		item, err := decode[T](record)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// optional maps blank strings to NULL.
func optional(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
