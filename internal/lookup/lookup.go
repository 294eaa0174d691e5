// Package lookup resolves book references into bibliographic metadata.
package lookup

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrSourceUnavailable is returned when the metadata source could not be
	// reached or answered with a server error. Callers may retry later.
	ErrSourceUnavailable = errors.New("metadata source unavailable")

	// ErrNoMatch is returned when the source answered but knows no such book.
	ErrNoMatch = errors.New("no matching book")
)

// Source values recorded on resolved metadata.
const (
	SourceOpenLibrary = "openlibrary"
	SourceLibrary     = "library"
	SourceManual      = "manual"
)

// Metadata is a resolved bibliographic record.
type Metadata struct {
	Title          string   `json:"title" validate:"required"`
	Authors        []string `json:"authors,omitempty"`
	Description    string   `json:"description,omitempty"`
	Genres         []string `json:"genres,omitempty"`
	Series         string   `json:"series,omitempty"`
	SeriesSequence string   `json:"series_sequence,omitempty"`
	ISBNs          []string `json:"isbns,omitempty"`
	CoverID        string   `json:"cover_id,omitempty"`
	WorkKey        string   `json:"work_key,omitempty"`
	LibraryItemID  string   `json:"library_item_id,omitempty"`
	Source         string   `json:"source,omitempty"`
}

// Query identifies a book to resolve. Exactly one of ISBN, WorkKey or Title
// is used, in that order of preference.
type Query struct {
	ISBN    string
	WorkKey string
	Title   string
	Author  string
}

func (q Query) String() string {
	switch {
	case q.ISBN != "":
		return "isbn:" + q.ISBN
	case q.WorkKey != "":
		return "work:" + q.WorkKey
	case q.Author != "":
		return "title:" + q.Title + " author:" + q.Author
	}
	return "title:" + q.Title
}

// Resolver turns a Query into Metadata.
type Resolver interface {
	Resolve(ctx context.Context, q Query) (Metadata, error)
}

// ExternalID returns the dedupe key for m: its first ISBN when known,
// then its Open Library work, then its library item, then a normalized
// title and first author.
func ExternalID(m Metadata) string {
	for _, isbn := range m.ISBNs {
		if n := NormalizeISBN(isbn); n != "" {
			return "isbn:" + n
		}
	}
	if m.WorkKey != "" {
		return "ol:" + bareKey(m.WorkKey)
	}
	if m.LibraryItemID != "" {
		return "lib:" + m.LibraryItemID
	}
	author := ""
	if len(m.Authors) > 0 {
		author = normalizeKey(m.Authors[0])
	}
	return "title:" + normalizeKey(m.Title) + "|" + author
}

// NormalizeISBN strips separators from an ISBN-10 or ISBN-13 and returns
// "" when what is left cannot be one.
func NormalizeISBN(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteRune('X')
		case r == '-' || r == ' ':
		default:
			return ""
		}
	}
	out := b.String()
	switch len(out) {
	case 10:
		if strings.Contains(out[:9], "X") {
			return ""
		}
	case 13:
		if strings.Contains(out, "X") {
			return ""
		}
	default:
		return ""
	}
	return out
}

// bareKey reduces "/works/OL45804W" to "OL45804W".
func bareKey(key string) string {
	key = strings.TrimSuffix(key, ".json")
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

func normalizeKey(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}
