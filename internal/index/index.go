// Package index provides in-memory similarity search over book embeddings.
//
// Two interchangeable backends exist: an exact brute-force cosine scan and
// an HNSW graph whose candidates are re-scored exactly. Both return the
// same ordering: descending cosine score, ties broken by ascending id.
// Every backend publishes immutable snapshots, so a query sees either the
// index before a build or after it, never a partially built one.
package index

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kalambet/shelf/internal/embedding"
)

var (
	// ErrIndexCorrupt is returned when a snapshot fails its consistency
	// checks. The Manager answers it with a rebuild.
	ErrIndexCorrupt = errors.New("index corrupt")

	// ErrDimensionMismatch is returned for vectors whose length differs
	// from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension does not match index")

	// ErrUnknownBackend is returned by New for an unrecognized kind.
	ErrUnknownBackend = errors.New("unknown index backend")
)

// Entry is a vector keyed by catalog id.
type Entry struct {
	ID     string
	Vector []float32

	// Hash identifies the text the vector was computed from. Optional;
	// the Manager uses it to discard vectors for superseded text.
	Hash string
}

// Match is a query hit with its cosine similarity.
type Match struct {
	ID    string
	Score float32
}

// Index is a similarity search backend.
type Index interface {
	// Name identifies the backend ("bruteforce", "hnsw").
	Name() string

	// Build replaces the contents with entries. Queries running during a
	// build keep using the previous snapshot.
	Build(entries []Entry) error

	// Query returns up to k matches ordered by descending score, ties by
	// ascending id.
	Query(vec []float32, k int) ([]Match, error)

	Len() int
	Dimension() int

	// Check validates snapshot invariants, returning ErrIndexCorrupt.
	Check() error
}

// Updater is implemented by backends that can apply incremental changes
// as a single atomic snapshot swap.
type Updater interface {
	Apply(upserts []Entry, removals []string) error
}

// Kind names a backend.
type Kind string

const (
	KindBruteForce Kind = "bruteforce"
	KindHNSW       Kind = "hnsw"
)

// Options tunes backends. Zero values use defaults.
type Options struct {
	M        int // HNSW neighbors per node
	EfSearch int // HNSW search breadth

	// ExactThreshold is the largest index HNSW answers with an exact scan
	// instead of the graph; default 4096. Negative always uses the graph.
	ExactThreshold int

	// Oversample multiplies k to size the graph's candidate pool; default 10.
	Oversample int
}

// New returns an empty index of the given kind.
func New(kind Kind, opts Options) (Index, error) {
	switch kind {
	case KindBruteForce, "":
		return NewBruteForce(), nil
	case KindHNSW:
		return NewHNSW(opts), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
}

// prepare validates entries and returns unit-normalized copies along with
// the shared dimension.
func prepare(entries []Entry) ([]Entry, int, error) {
	if len(entries) == 0 {
		return nil, 0, nil
	}
	dim := len(entries[0].Vector)
	seen := make(map[string]struct{}, len(entries))
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return nil, 0, fmt.Errorf("entry %d: empty id", i)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, 0, fmt.Errorf("entry %d: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = struct{}{}
		if len(e.Vector) != dim {
			return nil, 0, fmt.Errorf("entry %q: %d dimensions, want %d: %w", e.ID, len(e.Vector), dim, ErrDimensionMismatch)
		}
		v, err := embedding.Normalize(e.Vector)
		if err != nil {
			return nil, 0, fmt.Errorf("entry %q: %w", e.ID, err)
		}
		out[i] = Entry{ID: e.ID, Vector: v}
	}
	return out, dim, nil
}

// prepareQuery normalizes vec and checks it against dim.
func prepareQuery(vec []float32, dim int) ([]float32, error) {
	if len(vec) != dim {
		return nil, fmt.Errorf("query has %d dimensions, index has %d: %w", len(vec), dim, ErrDimensionMismatch)
	}
	return embedding.Normalize(vec)
}

// better reports whether a ranks ahead of b.
func better(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool { return better(ms[i], ms[j]) })
}
