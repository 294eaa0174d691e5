package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/shelf/internal/catalog"
	"github.com/kalambet/shelf/internal/index"
)

// PendingStore abstracts the retry queue: books still waiting for a vector.
type PendingStore interface {
	Pending(ctx context.Context, limit int) ([]catalog.Book, error)
	SetEmbedding(ctx context.Context, e catalog.Embedding) error
	MarkEmbedFailure(ctx context.Context, id, errMsg string, maxAttempts int) (catalog.Status, error)
}

// Worker re-attempts embeddings for pending books.
type Worker struct {
	store       PendingStore
	embedder    Embedder
	index       Refresher
	poll        time.Duration
	batch       int
	maxAttempts int
	logger      *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 30s.
func NewWorker(store PendingStore, embedder Embedder, idx Refresher, pollInterval time.Duration, maxAttempts int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		store:       store,
		embedder:    embedder,
		index:       idx,
		poll:        pollInterval,
		batch:       20,
		maxAttempts: maxAttempts,
		logger:      slog.Default(),
	}
}

// Serve runs the worker until ctx is cancelled.
func (w *Worker) Serve(ctx context.Context) error {
	w.Run(ctx)
	return ctx.Err()
}

func (w *Worker) String() string { return "embedding retry worker" }

// Run polls for pending books until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		// A full batch suggests more work is waiting.
		if n == w.batch {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// BatchEmbedder embeds several texts concurrently. Results and errors are
// positional.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, []error)
}

// RunOnce processes one batch of due pending books and returns how many
// were attempted, whether or not they succeeded.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	books, err := w.store.Pending(ctx, w.batch)
	if err != nil {
		return 0, fmt.Errorf("loading pending books: %w", err)
	}
	if len(books) == 0 {
		return 0, nil
	}

	books, vecs, errs := w.embedAll(ctx, books)

	var upserts []index.Entry
	for i, b := range books {
		vec, err := vecs[i], errs[i]
		if err == nil {
			vec, err = w.save(ctx, b, vec)
		}
		if err != nil {
			if ctx.Err() == nil {
				w.recordFailure(ctx, b, err)
			}
			continue
		}
		if vec != nil {
			upserts = append(upserts, index.Entry{ID: b.ID, Vector: vec, Hash: b.TextHash})
		}
	}

	if len(upserts) > 0 && w.index != nil {
		if err := w.index.Refresh(context.WithoutCancel(ctx), upserts, nil); err != nil {
			return len(books), fmt.Errorf("refreshing index: %w", err)
		}
	}
	if len(upserts) > 0 {
		w.logger.Info("pending books embedded", "embedded", len(upserts), "attempted", len(books))
	}
	return len(books), nil
}

// embedAll embeds the books' texts, concurrently when the embedder supports
// it. It returns the books actually attempted with positional results.
func (w *Worker) embedAll(ctx context.Context, books []catalog.Book) ([]catalog.Book, [][]float32, []error) {
	if ctx.Err() != nil {
		return nil, nil, nil
	}
	if be, ok := w.embedder.(BatchEmbedder); ok {
		texts := make([]string, len(books))
		for i, b := range books {
			texts[i] = b.Text
		}
		vecs, errs := be.EmbedBatch(ctx, texts)
		for i, err := range errs {
			if err != nil {
				errs[i] = fmt.Errorf("embedding: %w", err)
			}
		}
		return books, vecs, errs
	}

	var vecs [][]float32
	var errs []error
	for i, b := range books {
		if ctx.Err() != nil {
			return books[:i], vecs, errs
		}
		vec, err := w.embedder.Embed(ctx, b.Text)
		if err != nil {
			err = fmt.Errorf("embedding: %w", err)
		}
		vecs = append(vecs, vec)
		errs = append(errs, err)
	}
	return books, vecs, errs
}

// save stores vec for b. A nil vector with a nil error means the book
// changed or went away meanwhile and the newer write owns it.
func (w *Worker) save(ctx context.Context, b catalog.Book, vec []float32) ([]float32, error) {
	err := w.store.SetEmbedding(ctx, catalog.Embedding{
		BookID:   b.ID,
		Vector:   vec,
		Model:    w.embedder.Model(),
		TextHash: b.TextHash,
	})
	switch {
	case errors.Is(err, catalog.ErrStaleText), errors.Is(err, catalog.ErrNotFound):
		w.logger.Debug("pending book changed during embedding", "book_id", b.ID, "error", err)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("storing embedding: %w", err)
	}
	return vec, nil
}

func (w *Worker) recordFailure(ctx context.Context, b catalog.Book, cause error) {
	status, err := w.store.MarkEmbedFailure(context.WithoutCancel(ctx), b.ID, cause.Error(), w.maxAttempts)
	if err != nil {
		w.logger.Error("failed to record embedding failure", "book_id", b.ID, "error", err)
		return
	}
	if status == catalog.StatusFailed {
		w.logger.Warn("giving up on embedding", "book_id", b.ID, "attempts", w.maxAttempts, "error", cause)
		return
	}
	w.logger.Warn("embedding retry failed", "book_id", b.ID, "error", cause)
}
