// Package service is the single entry point the transports use: HTTP,
// MCP and the CLI all go through a Service.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/shelf/internal/catalog"
	"github.com/kalambet/shelf/internal/index"
	"github.com/kalambet/shelf/internal/ingest"
	"github.com/kalambet/shelf/internal/recommend"
)

// ErrInvalidRequest is returned for inputs that fail validation.
var ErrInvalidRequest = errors.New("invalid request")

// MaxBatch caps the number of references accepted by IngestBatch.
const MaxBatch = 500

// Deps wires a Service. Worker is optional; without it Reembed only
// requeues.
type Deps struct {
	Catalog     *catalog.Store
	Pipeline    *ingest.Pipeline
	Engine      *recommend.Engine
	Index       *index.Manager
	Worker      *ingest.Worker
	EmbedModel  string
	Explanation bool
}

// Service exposes ingestion, recommendation and catalog management.
type Service struct {
	catalog  *catalog.Store
	pipeline *ingest.Pipeline
	engine   *recommend.Engine
	index    *index.Manager
	worker   *ingest.Worker
	validate *validator.Validate
	status   Status
	logger   *slog.Logger
}

// New creates a Service.
func New(d Deps) *Service {
	return &Service{
		catalog:  d.Catalog,
		pipeline: d.Pipeline,
		engine:   d.Engine,
		index:    d.Index,
		worker:   d.Worker,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		status:   Status{EmbedModel: d.EmbedModel, Explanations: d.Explanation},
		logger:   slog.Default(),
	}
}

// Ingest resolves and stores one book. Failures are reported in the
// Outcome, never as a panic or a partial record.
func (s *Service) Ingest(ctx context.Context, ref ingest.Reference) ingest.Outcome {
	if err := s.validate.Struct(ref); err != nil {
		return invalidOutcome(ref, err)
	}
	return s.pipeline.Ingest(ctx, ref)
}

// IngestBatch ingests refs in order. Invalid references fail individually;
// the rest of the batch still runs.
func (s *Service) IngestBatch(ctx context.Context, refs []ingest.Reference) ([]ingest.Outcome, error) {
	if len(refs) > MaxBatch {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d references", ErrInvalidRequest, len(refs), MaxBatch)
	}

	out := make([]ingest.Outcome, len(refs))
	valid := make([]ingest.Reference, 0, len(refs))
	pos := make([]int, 0, len(refs))
	for i, ref := range refs {
		if err := s.validate.Struct(ref); err != nil {
			out[i] = invalidOutcome(ref, err)
			continue
		}
		valid = append(valid, ref)
		pos = append(pos, i)
	}

	for j, o := range s.pipeline.IngestBatch(ctx, valid) {
		out[pos[j]] = o
	}
	return out, nil
}

func invalidOutcome(ref ingest.Reference, err error) ingest.Outcome {
	return ingest.Outcome{
		Ref:    ref,
		Result: ingest.ResultFailed,
		Err:    fmt.Errorf("%w: %v", ErrInvalidRequest, err),
		Reason: "invalid reference",
	}
}

// Recommend returns ranked recommendations for q.
func (s *Service) Recommend(ctx context.Context, q recommend.Query) ([]recommend.Recommendation, error) {
	if err := s.validate.Struct(q); err != nil {
		return nil, fmt.Errorf("%w: %v", recommend.ErrInvalidQuery, err)
	}
	return s.engine.Recommend(ctx, q)
}

// RecordFeedback stores a rating in [-1, 1] for a book, replacing any
// earlier one. Zero clears it.
func (s *Service) RecordFeedback(ctx context.Context, bookID string, value float64) (catalog.Feedback, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return catalog.Feedback{}, fmt.Errorf("%w: book id is required", ErrInvalidRequest)
	}
	if math.IsNaN(value) || value < -1 || value > 1 {
		return catalog.Feedback{}, fmt.Errorf("%w: feedback must be between -1 and 1", ErrInvalidRequest)
	}
	fb, err := s.catalog.RecordFeedback(ctx, bookID, value)
	if err != nil {
		return catalog.Feedback{}, err
	}
	s.logger.Info("feedback recorded", "book_id", bookID, "value", fb.Value)
	return fb, nil
}

// RemoveBook deletes a book with its embedding and feedback and drops it
// from the index.
func (s *Service) RemoveBook(ctx context.Context, id string) error {
	if err := s.catalog.Remove(ctx, id); err != nil {
		return err
	}
	if err := s.index.Refresh(context.WithoutCancel(ctx), nil, []string{id}); err != nil {
		return fmt.Errorf("removing %s from index: %w", id, err)
	}
	s.logger.Info("book removed", "book_id", id)
	return nil
}

// ListBooks returns catalog books matching f.
func (s *Service) ListBooks(ctx context.Context, f catalog.ListFilter) ([]catalog.Book, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	return s.catalog.List(ctx, f)
}

// BookDetail is a book with its current rating.
type BookDetail struct {
	catalog.Book
	Feedback float64
}

// GetBook returns one book, catalog.ErrNotFound if it does not exist.
func (s *Service) GetBook(ctx context.Context, id string) (BookDetail, error) {
	b, err := s.catalog.Get(ctx, id)
	if err != nil {
		return BookDetail{}, err
	}
	d := BookDetail{Book: b}
	fb, err := s.catalog.Feedback(ctx, id)
	switch {
	case err == nil:
		d.Feedback = fb.Value
	case !errors.Is(err, catalog.ErrNotFound):
		return BookDetail{}, err
	}
	return d, nil
}

// ReembedResult reports what Reembed did.
type ReembedResult struct {
	Requeued  int `json:"requeued"`
	Attempted int `json:"attempted"`
}

// Reembed returns failed books (or the given ones) to the pending queue and,
// when a worker is wired, runs one retry pass right away.
func (s *Service) Reembed(ctx context.Context, ids ...string) (ReembedResult, error) {
	n, err := s.catalog.Requeue(ctx, ids...)
	if err != nil {
		return ReembedResult{}, err
	}
	res := ReembedResult{Requeued: n}
	if s.worker == nil || n == 0 {
		return res, nil
	}
	res.Attempted, err = s.worker.RunOnce(ctx)
	if err != nil {
		return res, fmt.Errorf("re-embedding: %w", err)
	}
	return res, nil
}

// Status summarizes the catalog and the active index.
type Status struct {
	Books        int    `json:"books"`
	Ready        int    `json:"ready"`
	Pending      int    `json:"pending"`
	Failed       int    `json:"failed"`
	Feedback     int    `json:"feedback"`
	Dimension    int    `json:"dimension"`
	Indexed      int    `json:"indexed"`
	Backend      string `json:"backend"`
	EmbedModel   string `json:"embed_model"`
	Explanations bool   `json:"explanations"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	st, err := s.catalog.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	out := s.status
	out.Books = st.Books
	out.Ready = st.Ready
	out.Pending = st.Pending
	out.Failed = st.Failed
	out.Feedback = st.Feedback
	out.Dimension = st.Dimension
	out.Indexed = s.index.Len()
	out.Backend = s.index.Backend()
	return out, nil
}
