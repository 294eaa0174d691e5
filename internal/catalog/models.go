package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDimensionMismatch is returned when a vector's length disagrees with
	// the configured embedding dimension. The vector is not stored.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrStaleText is returned by SetEmbedding when the book's text changed
	// after the vector was computed.
	ErrStaleText = errors.New("embedding computed from outdated text")
)

// Status is the embedding lifecycle state of a book.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusFailed:
		return true
	}
	return false
}

// Source values recorded on a book.
const (
	SourceOpenLibrary = "openlibrary"
	SourceLibrary     = "library"
	SourceManual      = "manual"
)

// Series places a book within a named series.
type Series struct {
	Name     string `json:"name,omitempty"`
	Sequence string `json:"sequence,omitempty"`
}

type Book struct {
	ID          string
	ExternalID  string
	Title       string
	Authors     []string
	Description string
	Genres      []string
	Series      Series
	ISBNs       []string
	CoverID     string
	Source      string

	// Text is the representation that gets embedded; TextHash identifies it.
	Text     string
	TextHash string

	Status        Status
	EmbedAttempts int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UpsertResult describes what an Upsert did.
type UpsertResult struct {
	ID          string
	Created     bool
	Changed     bool // any stored field differs from before
	TextChanged bool // embedding text differs; the old vector was dropped
	Status      Status
}

// Embedding is a vector computed for a book's text.
type Embedding struct {
	BookID   string
	Vector   []float32
	Model    string
	TextHash string
}

// Embedded pairs a ready book with its stored vector.
type Embedded struct {
	ID     string
	Vector []float32
}

// Feedback is an explicit user signal on a book, in [-1, 1].
type Feedback struct {
	BookID    string
	Kind      string
	Value     float64
	UpdatedAt time.Time
}

// FeedbackRating is the only feedback kind recorded today.
const FeedbackRating = "rating"

// ListFilter narrows List results. Zero values mean no filtering.
type ListFilter struct {
	Status Status
	Query  string // case-insensitive substring of title or authors
	Limit  int
	Offset int
}

type Stats struct {
	Books     int
	Ready     int
	Pending   int
	Failed    int
	Feedback  int
	Dimension int
}

// NewID derives the catalog id for an external identifier. ISBN-keyed
// books keep their ISBN key; everything else gets a generated id.
func NewID(externalID string) string {
	if strings.HasPrefix(externalID, "isbn:") {
		return externalID
	}
	return uuid.NewString()
}

// HashText returns the hex SHA-256 of s.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// metaHash covers every stored metadata field so a re-ingest of identical
// metadata can be detected.
func metaHash(b Book) string {
	var sb strings.Builder
	for _, part := range []string{
		b.Title, strings.Join(b.Authors, "\x1f"), b.Description,
		strings.Join(b.Genres, "\x1f"), b.Series.Name, b.Series.Sequence,
		strings.Join(b.ISBNs, "\x1f"), b.CoverID, b.Source, b.Text,
	} {
		sb.WriteString(part)
		sb.WriteByte('\x1e')
	}
	return HashText(sb.String())
}
