// Package recommend ranks catalog books against liked books, a free-text
// prompt, and explicit feedback.
package recommend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/shelf/internal/catalog"
	"github.com/kalambet/shelf/internal/embedding"
	"github.com/kalambet/shelf/internal/explain"
	"github.com/kalambet/shelf/internal/index"
	"github.com/kalambet/shelf/internal/metrics"
)

// ErrInvalidQuery is returned for queries that cannot produce a query vector.
var ErrInvalidQuery = errors.New("invalid recommendation query")

// Query asks for recommendations.
type Query struct {
	LikedIDs        []string `json:"liked_ids,omitempty" validate:"omitempty,max=100,dive,required"`
	Prompt          string   `json:"prompt,omitempty" validate:"max=2000"`
	TopK            int      `json:"top_k,omitempty" validate:"gte=0,lte=100"`
	IncludeDisliked bool     `json:"include_disliked,omitempty"`
	SkipExplain     bool     `json:"skip_explain,omitempty"`
}

// Recommendation is one ranked result.
type Recommendation struct {
	BookID      string   `json:"book_id"`
	Title       string   `json:"title"`
	Authors     []string `json:"authors,omitempty"`
	CoverID     string   `json:"cover_id,omitempty"`
	Similarity  float64  `json:"similarity"`
	Feedback    float64  `json:"feedback,omitempty"`
	Score       float64  `json:"score"`
	Rank        int      `json:"rank"`
	Explanation string   `json:"explanation,omitempty"`
}

// Config holds the ranking constants.
type Config struct {
	TopK            int     // default result count
	Oversample      int     // candidates fetched per requested result
	MinSimilarity   float64 // floor on raw similarity
	FeedbackWeight  float64 // scales stored feedback into a score bias
	MaxFeedbackBias float64 // absolute cap on the bias
	PromptWeight    float64 // share of the prompt vector when blending with liked books
	ExcludeDisliked bool
}

// DefaultConfig returns the standard ranking constants.
func DefaultConfig() Config {
	return Config{
		TopK:            10,
		Oversample:      3,
		MinSimilarity:   0.2,
		FeedbackWeight:  0.05,
		MaxFeedbackBias: 0.1,
		PromptWeight:    0.5,
		ExcludeDisliked: true,
	}
}

// Catalog is the read side of the catalog store the engine needs.
type Catalog interface {
	EmbeddingsFor(ctx context.Context, ids []string) (map[string][]float32, error)
	FeedbackFor(ctx context.Context, ids []string) (map[string]float64, error)
	Books(ctx context.Context, ids []string) (map[string]catalog.Book, error)
}

// Searcher finds the nearest indexed vectors.
type Searcher interface {
	Query(ctx context.Context, vec []float32, k int) ([]index.Match, error)
}

// Embedder turns a prompt into a unit vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine produces ranked recommendations.
type Engine struct {
	catalog   Catalog
	index     Searcher
	embedder  Embedder
	explainer explain.Explainer
	cfg       Config
	logger    *slog.Logger
}

// NewEngine wires an engine. A nil explainer disables explanations.
func NewEngine(cat Catalog, idx Searcher, embedder Embedder, explainer explain.Explainer, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.Oversample <= 0 {
		cfg.Oversample = def.Oversample
	}
	if cfg.PromptWeight <= 0 || cfg.PromptWeight >= 1 {
		cfg.PromptWeight = def.PromptWeight
	}
	if cfg.MaxFeedbackBias < 0 {
		cfg.MaxFeedbackBias = 0
	}
	if explainer == nil {
		explainer = explain.NoOpExplainer{}
	}
	return &Engine{
		catalog:   cat,
		index:     idx,
		embedder:  embedder,
		explainer: explainer,
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// Config returns the engine's ranking constants.
func (e *Engine) Config() Config { return e.cfg }

type candidate struct {
	id         string
	similarity float64
	feedback   float64
	score      float64
}

// Recommend ranks catalog books for q. Liked books never appear in the
// result; disliked books are dropped unless q.IncludeDisliked is set.
// Feedback nudges the score but the similarity floor applies to the raw
// similarity, so feedback cannot admit an unrelated book.
func (e *Engine) Recommend(ctx context.Context, q Query) ([]Recommendation, error) {
	start := time.Now()
	defer func() { metrics.RecommendDuration.Observe(time.Since(start).Seconds()) }()

	liked := uniqueIDs(q.LikedIDs)
	prompt := strings.TrimSpace(q.Prompt)
	if len(liked) == 0 && prompt == "" {
		return nil, fmt.Errorf("%w: need liked books or a prompt", ErrInvalidQuery)
	}
	if q.TopK < 0 {
		return nil, fmt.Errorf("%w: top_k must not be negative", ErrInvalidQuery)
	}
	topK := q.TopK
	if topK == 0 {
		topK = e.cfg.TopK
	}

	vec, err := e.queryVector(ctx, liked, prompt)
	if err != nil {
		return nil, err
	}

	matches, err := e.index.Query(ctx, vec, topK*e.cfg.Oversample+len(liked))
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	cands, err := e.rank(ctx, matches, liked, q.IncludeDisliked || !e.cfg.ExcludeDisliked)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	books, err := e.catalog.Books(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading recommended books: %w", err)
	}

	recs := make([]Recommendation, 0, topK)
	for _, c := range cands {
		b, ok := books[c.id]
		if !ok {
			// Removed after the index snapshot was taken.
			continue
		}
		recs = append(recs, Recommendation{
			BookID:     c.id,
			Title:      b.Title,
			Authors:    b.Authors,
			CoverID:    b.CoverID,
			Similarity: c.similarity,
			Feedback:   c.feedback,
			Score:      c.score,
			Rank:       len(recs) + 1,
		})
		if len(recs) == topK {
			break
		}
	}

	if !q.SkipExplain && len(recs) > 0 {
		e.attachExplanations(ctx, liked, prompt, recs)
	}

	metrics.RecommendResults.Observe(float64(len(recs)))
	e.logger.Debug("recommendations ranked", "liked", len(liked), "prompt", prompt != "", "candidates", len(matches), "results", len(recs))
	return recs, nil
}

// queryVector averages the liked books' vectors, embeds the prompt, and
// blends the two when both exist.
func (e *Engine) queryVector(ctx context.Context, liked []string, prompt string) ([]float32, error) {
	var likedVec []float32
	if len(liked) > 0 {
		stored, err := e.catalog.EmbeddingsFor(ctx, liked)
		if err != nil {
			return nil, fmt.Errorf("loading liked embeddings: %w", err)
		}
		vecs := make([][]float32, 0, len(stored))
		for _, id := range liked {
			if v, ok := stored[id]; ok {
				vecs = append(vecs, v)
			}
		}
		if len(vecs) > 0 {
			mean, err := embedding.Mean(vecs)
			if err != nil {
				return nil, fmt.Errorf("averaging liked embeddings: %w", err)
			}
			// A mean of opposing vectors can vanish; the prompt may still help.
			if likedVec, err = embedding.Normalize(mean); err != nil {
				e.logger.Warn("liked books cancel out, ignoring them", "liked", len(vecs))
				likedVec = nil
			}
		}
	}

	var promptVec []float32
	if prompt != "" {
		v, err := e.embedder.Embed(ctx, prompt)
		switch {
		case err == nil:
			promptVec = v
		case likedVec != nil:
			e.logger.Warn("prompt embedding failed, using liked books only", "error", err)
		default:
			return nil, fmt.Errorf("embedding prompt: %w", err)
		}
	}

	switch {
	case likedVec != nil && promptVec != nil:
		blended, err := embedding.Blend(likedVec, promptVec, 1-e.cfg.PromptWeight)
		if err != nil {
			return nil, fmt.Errorf("blending query vectors: %w", err)
		}
		if out, err := embedding.Normalize(blended); err == nil {
			return out, nil
		}
		return likedVec, nil
	case likedVec != nil:
		return likedVec, nil
	case promptVec != nil:
		return promptVec, nil
	}
	return nil, fmt.Errorf("%w: no liked book has a ready embedding", ErrInvalidQuery)
}

// rank filters matches and orders them by adjusted score.
func (e *Engine) rank(ctx context.Context, matches []index.Match, liked []string, includeDisliked bool) ([]candidate, error) {
	skip := make(map[string]struct{}, len(liked))
	for _, id := range liked {
		skip[id] = struct{}{}
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := skip[m.ID]; !ok {
			ids = append(ids, m.ID)
		}
	}
	feedback, err := e.catalog.FeedbackFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading feedback: %w", err)
	}

	cands := make([]candidate, 0, len(ids))
	for _, m := range matches {
		if _, ok := skip[m.ID]; ok {
			continue
		}
		fb := feedback[m.ID]
		if fb < 0 && !includeDisliked {
			continue
		}
		sim := float64(m.Score)
		if sim < e.cfg.MinSimilarity {
			continue
		}
		cands = append(cands, candidate{
			id:         m.ID,
			similarity: sim,
			feedback:   fb,
			score:      sim + e.bias(fb),
		})
	}

	slices.SortFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.similarity, a.similarity); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	return cands, nil
}

// bias converts stored feedback into a bounded score adjustment.
func (e *Engine) bias(feedback float64) float64 {
	b := feedback * e.cfg.FeedbackWeight
	return math.Max(-e.cfg.MaxFeedbackBias, math.Min(e.cfg.MaxFeedbackBias, b))
}

func (e *Engine) attachExplanations(ctx context.Context, liked []string, prompt string, recs []Recommendation) {
	seed := explain.Seed{Prompt: prompt}
	if len(liked) > 0 {
		books, err := e.catalog.Books(ctx, liked)
		if err != nil {
			e.logger.Warn("loading liked books for explanations", "error", err)
		}
		for _, id := range liked {
			if b, ok := books[id]; ok {
				seed.LikedTitles = append(seed.LikedTitles, b.Title)
			}
		}
	}

	cands := make([]explain.Candidate, len(recs))
	for i, r := range recs {
		cands[i] = explain.Candidate{Title: r.Title, Authors: r.Authors}
	}
	for i, text := range e.explainer.ExplainAll(ctx, seed, cands) {
		if i < len(recs) {
			recs[i].Explanation = text
		}
	}
}

func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
