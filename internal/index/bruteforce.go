package index

import (
	"container/heap"
	"fmt"
	"sync/atomic"

	"github.com/kalambet/shelf/internal/embedding"
)

var (
	_ Index   = (*BruteForce)(nil)
	_ Updater = (*BruteForce)(nil)
)

// BruteForce scans every vector for each query. Rows are stored contiguously
// in one row-major slice.
type BruteForce struct {
	snap atomic.Pointer[flatSnapshot]
}

type flatSnapshot struct {
	dim  int
	ids  []string
	rows []float32 // len(ids) * dim
	pos  map[string]int
}

func (s *flatSnapshot) row(i int) []float32 {
	return s.rows[i*s.dim : (i+1)*s.dim]
}

// NewBruteForce returns an empty exact index.
func NewBruteForce() *BruteForce {
	b := &BruteForce{}
	b.snap.Store(&flatSnapshot{pos: map[string]int{}})
	return b
}

func (b *BruteForce) Name() string { return string(KindBruteForce) }

func (b *BruteForce) Len() int { return len(b.snap.Load().ids) }

func (b *BruteForce) Dimension() int { return b.snap.Load().dim }

func (b *BruteForce) Build(entries []Entry) error {
	prepared, dim, err := prepare(entries)
	if err != nil {
		return fmt.Errorf("building bruteforce index: %w", err)
	}
	b.snap.Store(newFlatSnapshot(prepared, dim))
	return nil
}

func newFlatSnapshot(entries []Entry, dim int) *flatSnapshot {
	s := &flatSnapshot{
		dim:  dim,
		ids:  make([]string, len(entries)),
		rows: make([]float32, 0, len(entries)*dim),
		pos:  make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		s.ids[i] = e.ID
		s.rows = append(s.rows, e.Vector...)
		s.pos[e.ID] = i
	}
	return s
}

// Apply upserts and removes entries, publishing one new snapshot.
func (b *BruteForce) Apply(upserts []Entry, removals []string) error {
	prepared, dim, err := prepare(upserts)
	if err != nil {
		return fmt.Errorf("applying bruteforce update: %w", err)
	}
	old := b.snap.Load()
	if len(old.ids) > 0 && len(prepared) > 0 && dim != old.dim {
		return fmt.Errorf("update has %d dimensions, index has %d: %w", dim, old.dim, ErrDimensionMismatch)
	}
	if len(old.ids) > 0 {
		dim = old.dim
	}

	drop := make(map[string]struct{}, len(removals)+len(prepared))
	for _, id := range removals {
		drop[id] = struct{}{}
	}
	for _, e := range prepared {
		drop[e.ID] = struct{}{}
	}

	merged := make([]Entry, 0, len(old.ids)+len(prepared))
	for i, id := range old.ids {
		if _, gone := drop[id]; gone {
			continue
		}
		merged = append(merged, Entry{ID: id, Vector: old.row(i)})
	}
	merged = append(merged, prepared...)
	b.snap.Store(newFlatSnapshot(merged, dim))
	return nil
}

func (b *BruteForce) Query(vec []float32, k int) ([]Match, error) {
	s := b.snap.Load()
	if k <= 0 || len(s.ids) == 0 {
		return nil, nil
	}
	q, err := prepareQuery(vec, s.dim)
	if err != nil {
		return nil, err
	}
	return s.top(q, k), nil
}

func (b *BruteForce) Check() error {
	return b.snap.Load().check()
}

// top scans every row against the normalized query q.
func (s *flatSnapshot) top(q []float32, k int) []Match {
	h := &matchHeap{}
	for i, id := range s.ids {
		m := Match{ID: id, Score: embedding.Dot(q, s.row(i))}
		if h.Len() < k {
			heap.Push(h, m)
		} else if better(m, (*h)[0]) {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}

	out := make([]Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Match)
	}
	return out
}

func (s *flatSnapshot) check() error {
	if len(s.rows) != len(s.ids)*s.dim {
		return fmt.Errorf("%w: %d values for %d rows of %d", ErrIndexCorrupt, len(s.rows), len(s.ids), s.dim)
	}
	if len(s.pos) != len(s.ids) {
		return fmt.Errorf("%w: %d positions for %d ids", ErrIndexCorrupt, len(s.pos), len(s.ids))
	}
	return nil
}

// matchHeap keeps the worst retained match on top.
type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
