package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kalambet/shelf/internal/catalog"
	"github.com/kalambet/shelf/internal/config"
	"github.com/kalambet/shelf/internal/embedding"
	"github.com/kalambet/shelf/internal/explain"
	"github.com/kalambet/shelf/internal/index"
	"github.com/kalambet/shelf/internal/ingest"
	"github.com/kalambet/shelf/internal/lookup"
	"github.com/kalambet/shelf/internal/ollama"
	"github.com/kalambet/shelf/internal/recommend"
	"github.com/kalambet/shelf/internal/service"
)

const lookupTimeout = 15 * time.Second

// app holds the long-lived components built from one Config.
type app struct {
	store   *catalog.Store
	cache   *lookup.Cache
	index   *index.Manager
	worker  *ingest.Worker
	service *service.Service
}

// buildApp wires the catalog, model server, index and service. Readiness
// and model pull progress is written to progress.
func buildApp(ctx context.Context, cfg config.Config, progress io.Writer) (*app, error) {
	llm := ollama.New(cfg.Ollama.BaseURL)

	explainModel := ""
	if cfg.Explain.Enabled {
		explainModel = cfg.Ollama.LLMModel
	}
	if err := ollama.EnsureReady(ctx, llm, cfg.Ollama.EmbedModel, explainModel, progress); err != nil {
		// Ingests stay pending and the worker catches up once it is back.
		slog.Warn("model server not ready, embeddings deferred", "url", cfg.Ollama.BaseURL, "error", err)
	}

	store, err := catalog.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	a := &app{store: store}

	embedder := embedding.New(llm, embedding.Config{
		Model:       cfg.Ollama.EmbedModel,
		Timeout:     cfg.Embedding.Timeout,
		MaxRetries:  cfg.Embedding.MaxRetries,
		Backoff:     cfg.Embedding.Backoff,
		Dimension:   cfg.Ollama.EmbedDimension,
		Concurrency: cfg.Embedding.Concurrency,
	})
	if err := a.reconcileModel(ctx, embedder); err != nil {
		a.Close()
		return nil, err
	}

	idx, err := index.New(index.Kind(cfg.Index.Backend), index.Options{
		M:              cfg.Index.M,
		EfSearch:       cfg.Index.EfSearch,
		ExactThreshold: cfg.Index.ExactThreshold,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.index = index.NewManager(idx, recommend.NewCatalogSource(store))
	if err := a.index.Rebuild(ctx, true); err != nil {
		a.Close()
		return nil, fmt.Errorf("building %s index: %w", idx.Name(), err)
	}
	slog.Info("vector index ready", "backend", a.index.Backend(), "size", a.index.Len())

	var lookupOpts []lookup.Option
	if cfg.Lookup.CacheTTL > 0 {
		a.cache, err = lookup.OpenCache(filepath.Join(cfg.Storage.DataDir, "lookup-cache"), cfg.Lookup.CacheTTL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening lookup cache: %w", err)
		}
		lookupOpts = append(lookupOpts, lookup.WithCache(a.cache))
	}
	resolver := lookup.NewOpenLibrary(lookup.OpenLibraryConfig{
		BaseURL:       cfg.Lookup.BaseURL,
		RatePerSecond: cfg.Lookup.RatePerSecond,
		Timeout:       lookupTimeout,
	}, lookupOpts...)

	explainOn := cfg.Explain.Enabled && cfg.Ollama.LLMModel != ""
	explainer := explain.NewExplainer(llm, cfg.Ollama.LLMModel, explainOn, cfg.Explain.Timeout)

	pipeline := ingest.NewPipeline(resolver, store, embedder, a.index, ingest.Config{
		MaxEmbedAttempts: cfg.Ingest.MaxEmbedAttempts,
	})
	engine := recommend.NewEngine(store, a.index, embedder, explainer, recommend.Config{
		TopK:            cfg.Recommend.TopK,
		Oversample:      cfg.Recommend.Oversample,
		MinSimilarity:   cfg.Recommend.MinSimilarity,
		FeedbackWeight:  cfg.Recommend.FeedbackWeight,
		MaxFeedbackBias: cfg.Recommend.MaxFeedbackBias,
		PromptWeight:    cfg.Recommend.PromptWeight,
		ExcludeDisliked: cfg.Recommend.ExcludeDisliked,
	})
	a.worker = ingest.NewWorker(store, embedder, a.index, cfg.Ingest.PollInterval, cfg.Ingest.MaxEmbedAttempts)

	a.service = service.New(service.Deps{
		Catalog:     store,
		Pipeline:    pipeline,
		Engine:      engine,
		Index:       a.index,
		Worker:      a.worker,
		EmbedModel:  embedder.Model(),
		Explanation: explainOn,
	})
	return a, nil
}

// reconcileModel learns the embedding dimension and sends vectors from a
// different model or dimension back to the pending queue. With the model
// server down the dimension comes from vectors already stored for the model.
func (a *app) reconcileModel(ctx context.Context, embedder *embedding.Client) error {
	dim, err := embedder.Probe(ctx)
	if err != nil {
		dim, err = a.store.StoredDimension(ctx, embedder.Model())
		if err != nil {
			return err
		}
		slog.Warn("embedding dimension unknown, using stored vectors", "model", embedder.Model(), "dimension", dim)
	}

	n, err := a.store.InvalidateStale(ctx, embedder.Model(), dim)
	if err != nil {
		return fmt.Errorf("invalidating stale embeddings: %w", err)
	}
	if n > 0 {
		slog.Info("stale embeddings queued for re-embedding", "count", n, "model", embedder.Model(), "dimension", dim)
	}
	if dim > 0 {
		a.store.SetDimension(dim)
		embedder.SetDimension(dim)
	}
	return nil
}

// Close releases the catalog and the lookup cache.
func (a *app) Close() error {
	var errs []error
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing lookup cache: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing catalog: %w", err))
		}
	}
	return errors.Join(errs...)
}
