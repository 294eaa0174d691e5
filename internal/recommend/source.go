package recommend

import (
	"context"
	"fmt"

	"github.com/kalambet/shelf/internal/catalog"
	"github.com/kalambet/shelf/internal/index"
)

// EmbeddedStore lists the vectors of ready books.
type EmbeddedStore interface {
	AllEmbedded(ctx context.Context) ([]catalog.Embedded, error)
	EmbeddingsFingerprint(ctx context.Context) (string, error)
	EmbeddingHashes(ctx context.Context, ids []string) (map[string]string, error)
}

// CatalogSource feeds an index.Manager from the catalog.
type CatalogSource struct {
	store EmbeddedStore
}

var (
	_ index.Source   = (*CatalogSource)(nil)
	_ index.Verifier = (*CatalogSource)(nil)
)

func NewCatalogSource(store EmbeddedStore) *CatalogSource {
	return &CatalogSource{store: store}
}

func (s *CatalogSource) Entries(ctx context.Context) ([]index.Entry, error) {
	embedded, err := s.store.AllEmbedded(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading embedded books: %w", err)
	}
	entries := make([]index.Entry, len(embedded))
	for i, e := range embedded {
		entries[i] = index.Entry{ID: e.ID, Vector: e.Vector}
	}
	return entries, nil
}

func (s *CatalogSource) Fingerprint(ctx context.Context) (string, error) {
	return s.store.EmbeddingsFingerprint(ctx)
}

// CurrentHashes reports which text each ready book's stored vector belongs to.
func (s *CatalogSource) CurrentHashes(ctx context.Context, ids []string) (map[string]string, error) {
	hashes, err := s.store.EmbeddingHashes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading embedding hashes: %w", err)
	}
	return hashes, nil
}
