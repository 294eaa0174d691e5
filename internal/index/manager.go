package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/shelf/internal/metrics"
)

// Source supplies the vectors an index is built from.
type Source interface {
	// Entries returns every indexable vector in insertion order.
	Entries(ctx context.Context) ([]Entry, error)

	// Fingerprint changes whenever the set returned by Entries does.
	Fingerprint(ctx context.Context) (string, error)
}

// Verifier is implemented by sources that can tell which text each stored
// vector belongs to. Ids without a stored vector are absent from the map.
type Verifier interface {
	CurrentHashes(ctx context.Context, ids []string) (map[string]string, error)
}

// Manager owns the active index and the entry set it was built from.
// The source is read only by Rebuild. After that the entry set changes
// only through Refresh, so a batch reaches queries in one swap no matter
// how far the source has moved on. Queries run lock-free against the
// current snapshot.
type Manager struct {
	idx    Index
	source Source
	logger *slog.Logger

	mu          sync.Mutex // serializes changes to entries and builds
	entries     []Entry
	fingerprint string
}

// NewManager wraps idx, loading it from source on Rebuild.
func NewManager(idx Index, source Source) *Manager {
	return &Manager{idx: idx, source: source, logger: slog.Default()}
}

// Backend returns the active backend name.
func (m *Manager) Backend() string { return m.idx.Name() }

// Len returns the number of indexed vectors.
func (m *Manager) Len() int { return m.idx.Len() }

// Rebuild reloads the index from the source. Unless force is set, the
// rebuild is skipped when the source fingerprint has not changed since the
// last load.
func (m *Manager) Rebuild(ctx context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fp, err := m.source.Fingerprint(ctx)
	if err != nil {
		return fmt.Errorf("fingerprinting index source: %w", err)
	}
	if !force && fp != "" && fp == m.fingerprint {
		m.logger.Debug("index unchanged, skipping rebuild", "backend", m.idx.Name())
		return nil
	}

	entries, err := m.source.Entries(ctx)
	if err != nil {
		return fmt.Errorf("loading index entries: %w", err)
	}
	reason := "refresh"
	if force {
		reason = "forced"
	}
	if err := m.build(entries, reason); err != nil {
		return err
	}
	m.fingerprint = fp
	return nil
}

// build publishes a full snapshot of entries. The caller holds m.mu.
func (m *Manager) build(entries []Entry, reason string) error {
	start := time.Now()
	if err := m.idx.Build(entries); err != nil {
		return err
	}
	elapsed := time.Since(start)

	m.entries = entries
	metrics.IndexRebuilds.WithLabelValues(reason).Inc()
	metrics.IndexRebuildDuration.WithLabelValues(m.idx.Name()).Observe(elapsed.Seconds())
	metrics.IndexSize.WithLabelValues(m.idx.Name()).Set(float64(m.idx.Len()))
	m.logger.Info("index rebuilt", "backend", m.idx.Name(), "vectors", m.idx.Len(), "reason", reason, "duration", elapsed)
	return nil
}

// Refresh applies a batch of changes in one snapshot swap: incrementally
// when the backend supports it, otherwise by rebuilding from the entry set.
// Upserts carrying a Hash that no longer matches the source are dropped; a
// newer write for the same book publishes its own vector.
func (m *Manager) Refresh(ctx context.Context, upserts []Entry, removals []string) error {
	if len(upserts) == 0 && len(removals) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	upserts, err := m.current(ctx, upserts)
	if err != nil {
		return err
	}
	if len(upserts) == 0 && len(removals) == 0 {
		return nil
	}
	next := merge(m.entries, upserts, removals)

	if u, ok := m.idx.(Updater); ok {
		err = u.Apply(upserts, removals)
		if err == nil {
			m.entries = next
			m.fingerprint = ""
			metrics.IndexSize.WithLabelValues(m.idx.Name()).Set(float64(m.idx.Len()))
			return nil
		}
	} else {
		err = m.build(next, "refresh")
		if err == nil {
			m.fingerprint = ""
			return nil
		}
	}
	if !errors.Is(err, ErrDimensionMismatch) || len(upserts) == 0 {
		return err
	}

	// The upserts come from a model with a different dimension; vectors
	// of the old length can no longer be compared with them.
	dim := len(upserts[0].Vector)
	kept := make([]Entry, 0, len(next))
	for _, e := range next {
		if len(e.Vector) == dim {
			kept = append(kept, e)
		}
	}
	m.logger.Warn("index dimension changed, dropping old vectors", "backend", m.idx.Name(), "dimension", dim, "dropped", len(next)-len(kept))
	if err := m.build(kept, "dimension"); err != nil {
		return err
	}
	m.fingerprint = ""
	return nil
}

// current drops upserts whose Hash the source no longer holds. The caller
// holds m.mu, so a later Refresh for the same book cannot overtake it.
func (m *Manager) current(ctx context.Context, upserts []Entry) ([]Entry, error) {
	v, ok := m.source.(Verifier)
	if !ok {
		return upserts, nil
	}
	var ids []string
	for _, e := range upserts {
		if e.Hash != "" {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return upserts, nil
	}

	hashes, err := v.CurrentHashes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("verifying index upserts: %w", err)
	}
	out := make([]Entry, 0, len(upserts))
	for _, e := range upserts {
		if e.Hash != "" && hashes[e.ID] != e.Hash {
			m.logger.Debug("dropping superseded vector", "id", e.ID)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// merge returns entries with removals and replaced ids dropped and upserts
// appended. entries is not modified.
func merge(entries, upserts []Entry, removals []string) []Entry {
	drop := make(map[string]struct{}, len(removals)+len(upserts))
	for _, id := range removals {
		drop[id] = struct{}{}
	}
	for _, e := range upserts {
		drop[e.ID] = struct{}{}
	}
	out := make([]Entry, 0, len(entries)+len(upserts))
	for _, e := range entries {
		if _, gone := drop[e.ID]; !gone {
			out = append(out, e)
		}
	}
	return append(out, upserts...)
}

// Query returns the k nearest vectors. A corrupt snapshot is rebuilt from
// the entry set once before the query is retried.
func (m *Manager) Query(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if err := m.idx.Check(); err != nil {
		return m.recover(vec, k, err)
	}
	matches, err := m.idx.Query(vec, k)
	if errors.Is(err, ErrIndexCorrupt) {
		return m.recover(vec, k, err)
	}
	return matches, err
}

func (m *Manager) recover(vec []float32, k int, cause error) ([]Match, error) {
	m.logger.Warn("index corrupt, rebuilding", "backend", m.idx.Name(), "error", cause)
	m.mu.Lock()
	err := m.build(m.entries, "corrupt")
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("rebuilding corrupt index: %w", err)
	}
	return m.idx.Query(vec, k)
}
