package index

import (
	"fmt"
	"sync/atomic"

	"github.com/coder/hnsw"

	"github.com/kalambet/shelf/internal/embedding"
)

var _ Index = (*HNSW)(nil)

// HNSW answers queries from a hierarchical navigable small world graph.
//
// Up to Options.ExactThreshold vectors no graph is built and every query is
// an exact scan, so results are identical to BruteForce. Above it the graph
// nominates max(k*Oversample, EfSearch) candidates which are re-scored with
// the exact dot product; scores and tie-breaking match BruteForce, but a
// true neighbor the graph never reached can be missing.
// There is no incremental update: changes are applied by a full Build.
type HNSW struct {
	opts Options
	snap atomic.Pointer[graphSnapshot]
}

type graphSnapshot struct {
	flat  *flatSnapshot
	graph *hnsw.Graph[string] // nil when queries scan exactly
}

// NewHNSW returns an empty approximate index.
func NewHNSW(opts Options) *HNSW {
	if opts.M <= 0 {
		opts.M = 16
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = 64
	}
	if opts.ExactThreshold == 0 {
		opts.ExactThreshold = 4096
	}
	if opts.Oversample <= 0 {
		opts.Oversample = 10
	}
	h := &HNSW{opts: opts}
	h.snap.Store(&graphSnapshot{flat: newFlatSnapshot(nil, 0)})
	return h
}

func (h *HNSW) Name() string { return string(KindHNSW) }

func (h *HNSW) Len() int { return len(h.snap.Load().flat.ids) }

func (h *HNSW) Dimension() int { return h.snap.Load().flat.dim }

// exact reports whether an index of n vectors is scanned instead of searched.
func (h *HNSW) exact(n int) bool {
	return h.opts.ExactThreshold >= 0 && n <= h.opts.ExactThreshold
}

func (h *HNSW) Build(entries []Entry) error {
	prepared, dim, err := prepare(entries)
	if err != nil {
		return fmt.Errorf("building hnsw index: %w", err)
	}

	snap := &graphSnapshot{flat: newFlatSnapshot(prepared, dim)}
	if len(prepared) > 0 && !h.exact(len(prepared)) {
		g := hnsw.NewGraph[string]()
		g.M = h.opts.M
		g.EfSearch = h.opts.EfSearch
		g.Distance = hnsw.CosineDistance

		nodes := make([]hnsw.Node[string], len(prepared))
		for i, e := range prepared {
			nodes[i] = hnsw.MakeNode(e.ID, e.Vector)
		}
		g.Add(nodes...)
		snap.graph = g
	}

	h.snap.Store(snap)
	return nil
}

func (h *HNSW) Query(vec []float32, k int) ([]Match, error) {
	s := h.snap.Load()
	n := len(s.flat.ids)
	if k <= 0 || n == 0 {
		return nil, nil
	}
	q, err := prepareQuery(vec, s.flat.dim)
	if err != nil {
		return nil, err
	}
	if s.graph == nil {
		return s.flat.top(q, k), nil
	}

	want := min(max(k*h.opts.Oversample, h.opts.EfSearch), n)
	nodes := s.graph.Search(q, want)

	out := make([]Match, 0, len(nodes))
	for _, node := range nodes {
		i, ok := s.flat.pos[node.Key]
		if !ok {
			return nil, fmt.Errorf("%w: graph node %q has no stored vector", ErrIndexCorrupt, node.Key)
		}
		out = append(out, Match{ID: node.Key, Score: embedding.Dot(q, s.flat.row(i))})
	}
	sortMatches(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (h *HNSW) Check() error {
	s := h.snap.Load()
	if err := s.flat.check(); err != nil {
		return err
	}
	n := len(s.flat.ids)
	if n == 0 || h.exact(n) {
		return nil
	}
	if s.graph == nil {
		return fmt.Errorf("%w: missing graph", ErrIndexCorrupt)
	}
	if g := s.graph.Len(); g != n {
		return fmt.Errorf("%w: graph holds %d nodes, %d vectors stored", ErrIndexCorrupt, g, n)
	}
	return nil
}
