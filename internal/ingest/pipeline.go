// Package ingest turns book references into embedded catalog entries.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/kalambet/shelf/internal/catalog"
	"github.com/kalambet/shelf/internal/embedding"
	"github.com/kalambet/shelf/internal/index"
	"github.com/kalambet/shelf/internal/lookup"
	"github.com/kalambet/shelf/internal/metrics"
)

// Kind selects how a Reference is resolved.
type Kind string

const (
	KindISBN    Kind = "isbn"
	KindQuery   Kind = "query"
	KindWork    Kind = "work"
	KindLibrary Kind = "library"
)

// Reference identifies a book to ingest.
type Reference struct {
	Kind    Kind   `json:"kind" validate:"required,oneof=isbn query work library"`
	ISBN    string `json:"isbn,omitempty" validate:"required_if=Kind isbn"`
	Query   string `json:"query,omitempty"`
	Title   string `json:"title,omitempty"`
	Author  string `json:"author,omitempty"`
	WorkKey string `json:"work_key,omitempty" validate:"required_if=Kind work"`

	// Record carries pre-resolved metadata for library items.
	Record *lookup.Metadata `json:"record,omitempty" validate:"required_if=Kind library,omitempty"`

	// FilePath points at a local copy of a library item. When the record
	// has no description, text from the file's first pages is used.
	FilePath string `json:"file_path,omitempty"`
}

func (r Reference) String() string {
	switch r.Kind {
	case KindISBN:
		return "isbn:" + r.ISBN
	case KindWork:
		return "work:" + r.WorkKey
	case KindLibrary:
		if r.Record != nil {
			if r.Record.LibraryItemID != "" {
				return "library:" + r.Record.LibraryItemID
			}
			return "library:" + r.Record.Title
		}
		return "library:?"
	}
	if r.Query != "" {
		return "query:" + r.Query
	}
	return "query:" + r.Title
}

// Result classifies what ingesting one reference did.
type Result string

const (
	ResultCreated Result = "created"
	ResultUpdated Result = "updated"
	ResultSkipped Result = "skipped"
	ResultFailed  Result = "failed"
)

// Outcome reports the result for one reference. Err is set for failures
// and for non-fatal problems such as a deferred embedding.
type Outcome struct {
	Ref    Reference
	BookID string
	Result Result
	Err    error
	Reason string
}

// Stage names used in StageError.
const (
	StageResolve = "resolve"
	StageStore   = "store"
	StageEmbed   = "embed"
)

// StageError ties an ingestion failure to the step and book it concerns.
type StageError struct {
	Stage  string
	BookID string
	Err    error
}

func (e *StageError) Error() string {
	if e.BookID != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.BookID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Catalog is the subset of the catalog store the pipeline writes to.
type Catalog interface {
	Upsert(ctx context.Context, b catalog.Book) (catalog.UpsertResult, error)
	SetEmbedding(ctx context.Context, e catalog.Embedding) error
	MarkEmbedFailure(ctx context.Context, id, errMsg string, maxAttempts int) (catalog.Status, error)
}

// Embedder computes normalized vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Refresher applies a batch of index changes in one step.
type Refresher interface {
	Refresh(ctx context.Context, upserts []index.Entry, removals []string) error
}

// Config tunes the pipeline.
type Config struct {
	MaxEmbedAttempts int // attempts before a book is marked failed; default 5
	PDFMaxChars      int // default 4000
}

// Pipeline resolves, stores and embeds books.
type Pipeline struct {
	resolver lookup.Resolver
	catalog  Catalog
	embedder Embedder
	index    Refresher
	cfg      Config
	locks    *keyLock
	logger   *slog.Logger
}

// NewPipeline wires a pipeline. index may be nil when no index is kept.
func NewPipeline(resolver lookup.Resolver, cat Catalog, embedder Embedder, idx Refresher, cfg Config) *Pipeline {
	if cfg.MaxEmbedAttempts <= 0 {
		cfg.MaxEmbedAttempts = 5
	}
	if cfg.PDFMaxChars <= 0 {
		cfg.PDFMaxChars = 4000
	}
	return &Pipeline{
		resolver: resolver,
		catalog:  cat,
		embedder: embedder,
		index:    idx,
		cfg:      cfg,
		locks:    newKeyLock(),
		logger:   slog.Default(),
	}
}

// Ingest processes a single reference.
func (p *Pipeline) Ingest(ctx context.Context, ref Reference) Outcome {
	return p.IngestBatch(ctx, []Reference{ref})[0]
}

// IngestBatch processes refs in order. One item's failure never stops the
// batch. Cancellation is checked between items; items not yet started are
// reported failed with the context error. An item already started is not
// interrupted. The index is refreshed once, after the last item.
func (p *Pipeline) IngestBatch(ctx context.Context, refs []Reference) []Outcome {
	outcomes := make([]Outcome, len(refs))
	var ch changes

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(refs); j++ {
				outcomes[j] = Outcome{Ref: refs[j], Result: ResultFailed, Err: err, Reason: "cancelled before start"}
			}
			break
		}
		// A started item runs to completion.
		outcomes[i] = p.ingestOne(context.WithoutCancel(ctx), ref, &ch)
	}

	for _, o := range outcomes {
		metrics.IngestOutcomes.WithLabelValues(string(o.Result)).Inc()
	}

	if p.index != nil && !ch.empty() {
		// Stored books must reach the index even if the caller gave up.
		if err := p.index.Refresh(context.WithoutCancel(ctx), ch.upserts, ch.removals); err != nil {
			p.logger.Error("index refresh after ingest failed", "upserts", len(ch.upserts), "removals", len(ch.removals), "error", err)
		}
	}
	return outcomes
}

// changes accumulates index updates over a batch.
type changes struct {
	upserts  []index.Entry
	removals []string
}

func (c *changes) empty() bool { return len(c.upserts) == 0 && len(c.removals) == 0 }

// upsert records e, replacing an earlier vector for the same book.
func (c *changes) upsert(e index.Entry) {
	c.drop(e.ID)
	c.upserts = append(c.upserts, e)
}

// remove records that id no longer has a vector.
func (c *changes) remove(id string) {
	c.drop(id)
	c.removals = append(c.removals, id)
}

func (c *changes) drop(id string) {
	c.upserts = slices.DeleteFunc(c.upserts, func(e index.Entry) bool { return e.ID == id })
	c.removals = slices.DeleteFunc(c.removals, func(r string) bool { return r == id })
}

func (p *Pipeline) ingestOne(ctx context.Context, ref Reference, ch *changes) Outcome {
	out := Outcome{Ref: ref}

	meta, err := p.resolve(ctx, ref)
	if err != nil {
		out.Result = ResultFailed
		out.Err = &StageError{Stage: StageResolve, Err: err}
		out.Reason = reason(err)
		p.logger.Warn("ingest resolve failed", "ref", ref.String(), "error", err)
		return out
	}

	book := toBook(meta)
	unlock := p.locks.Lock(book.ExternalID)
	defer unlock()

	res, err := p.catalog.Upsert(ctx, book)
	if err != nil {
		out.Result = ResultFailed
		out.Err = &StageError{Stage: StageStore, Err: err}
		out.Reason = reason(err)
		p.logger.Error("ingest store failed", "ref", ref.String(), "external_id", book.ExternalID, "error", err)
		return out
	}
	out.BookID = res.ID

	switch {
	case res.Created:
		out.Result = ResultCreated
	case !res.Changed && res.Status == catalog.StatusReady:
		out.Result = ResultSkipped
		out.Reason = "unchanged"
		return out
	default:
		out.Result = ResultUpdated
	}

	if res.Status == catalog.StatusReady && !res.TextChanged {
		out.Reason = "metadata refreshed"
		return out
	}
	if res.TextChanged && !res.Created {
		// The old vector was dropped with the text change.
		ch.remove(res.ID)
	}

	vec, err := p.embedAndStore(ctx, res.ID, book.Text)
	if err != nil {
		out.Err = err
		out.Reason = "embedding deferred: " + reason(err)
		return out
	}
	ch.upsert(index.Entry{ID: res.ID, Vector: vec, Hash: catalog.HashText(book.Text)})
	p.logger.Debug("book ingested", "book_id", res.ID, "result", out.Result)
	return out
}

// embedAndStore embeds text and attaches the vector to the book. On failure
// the book stays pending and the attempt is recorded for the retry worker.
func (p *Pipeline) embedAndStore(ctx context.Context, id, text string) ([]float32, error) {
	vec, err := p.embedder.Embed(ctx, text)
	if err == nil {
		err = p.catalog.SetEmbedding(ctx, catalog.Embedding{
			BookID:   id,
			Vector:   vec,
			Model:    p.embedder.Model(),
			TextHash: catalog.HashText(text),
		})
	}
	if err == nil {
		return vec, nil
	}

	metrics.IngestEmbedPending.Inc()
	p.logger.Warn("embedding deferred", "book_id", id, "error", err)
	if _, markErr := p.catalog.MarkEmbedFailure(context.WithoutCancel(ctx), id, err.Error(), p.cfg.MaxEmbedAttempts); markErr != nil {
		p.logger.Error("recording embedding failure", "book_id", id, "error", markErr)
	}
	return nil, &StageError{Stage: StageEmbed, BookID: id, Err: err}
}

func (p *Pipeline) resolve(ctx context.Context, ref Reference) (lookup.Metadata, error) {
	switch ref.Kind {
	case KindLibrary:
		return p.libraryRecord(ref)
	case KindISBN:
		return p.lookup(ctx, lookup.Query{ISBN: ref.ISBN})
	case KindWork:
		return p.lookup(ctx, lookup.Query{WorkKey: ref.WorkKey})
	case KindQuery, "":
		title := ref.Title
		if title == "" {
			title = ref.Query
		}
		if strings.TrimSpace(title) == "" {
			return lookup.Metadata{}, fmt.Errorf("query reference has no text: %w", lookup.ErrNoMatch)
		}
		return p.lookup(ctx, lookup.Query{Title: title, Author: ref.Author})
	}
	return lookup.Metadata{}, fmt.Errorf("unknown reference kind %q", ref.Kind)
}

func (p *Pipeline) lookup(ctx context.Context, q lookup.Query) (lookup.Metadata, error) {
	if p.resolver == nil {
		return lookup.Metadata{}, fmt.Errorf("no metadata source configured: %w", lookup.ErrSourceUnavailable)
	}
	return p.resolver.Resolve(ctx, q)
}

func (p *Pipeline) libraryRecord(ref Reference) (lookup.Metadata, error) {
	if ref.Record == nil || strings.TrimSpace(ref.Record.Title) == "" {
		return lookup.Metadata{}, errors.New("library reference needs a record with a title")
	}
	m := *ref.Record
	if m.Source == "" {
		m.Source = lookup.SourceLibrary
	}
	if m.Description == "" && ref.FilePath != "" {
		text, err := lookup.PDFText(ref.FilePath, p.cfg.PDFMaxChars)
		if err != nil {
			p.logger.Warn("library file text unavailable", "path", ref.FilePath, "error", err)
		} else {
			m.Description = text
		}
	} else if m.Description != "" {
		m.Description = lookup.StripHTML(m.Description)
	}
	return m, nil
}

// reason renders err for an Outcome, naming the sentinel when one applies.
func reason(err error) string {
	switch {
	case errors.Is(err, lookup.ErrSourceUnavailable):
		return "metadata source unavailable"
	case errors.Is(err, lookup.ErrNoMatch):
		return "no matching book"
	case errors.Is(err, catalog.ErrDimensionMismatch), errors.Is(err, embedding.ErrDimensionMismatch):
		return "embedding dimension mismatch"
	case errors.Is(err, embedding.ErrEmbeddingUnavailable):
		return "embedding service unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return err.Error()
}
