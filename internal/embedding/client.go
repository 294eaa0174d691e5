// Package embedding turns text into unit-length vectors through an external
// model server, with per-attempt timeouts, bounded retries and a circuit
// breaker in front of the server.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/shelf/internal/metrics"
)

var (
	// ErrEmbeddingUnavailable is returned when no vector could be obtained
	// after retries, or while the circuit breaker is open.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrDimensionMismatch is returned, wrapped in ErrEmbeddingUnavailable,
	// when the server answers with a vector of the wrong length.
	ErrDimensionMismatch = errors.New("embedding has unexpected dimension")
)

// Backend computes raw embeddings. *ollama.Client satisfies it.
type Backend interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// retryableError is implemented by backend errors that know whether a
// retry may help.
type retryableError interface {
	Retryable() bool
}

type Config struct {
	Model       string
	Timeout     time.Duration // per attempt
	MaxRetries  int           // retries after the first attempt
	Backoff     time.Duration // first retry delay, doubled per retry
	MaxBackoff  time.Duration
	Dimension   int // expected length; 0 means adopt the first vector's
	Concurrency int // EmbedBatch parallelism; default 4

	// Breaker opens after this many consecutive failed attempts and stays
	// open for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

type Client struct {
	backend Backend
	cfg     Config
	cb      *gobreaker.CircuitBreaker[[]float32]
	dim     atomic.Int64
	logger  *slog.Logger

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Client for cfg.Model on backend.
func New(backend Backend, cfg Config) *Client {
	cfg.applyDefaults()
	c := &Client{
		backend: backend,
		cfg:     cfg,
		logger:  slog.Default(),
		sleep:   sleepCtx,
	}
	c.dim.Store(int64(cfg.Dimension))

	name := "embedding:" + cfg.Model
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	c.cb = gobreaker.NewCircuitBreaker[[]float32](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A caller giving up says nothing about the server's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("embedding circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to.String()))
		},
	})
	return c
}

// Model returns the embedding model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Dimension returns the expected vector length, 0 if unknown.
func (c *Client) Dimension() int {
	return int(c.dim.Load())
}

// SetDimension fixes the expected vector length when none is known yet,
// for example from vectors already stored for this model.
func (c *Client) SetDimension(n int) {
	if n > 0 {
		c.dim.CompareAndSwap(0, int64(n))
	}
}

// Probe embeds a fixed string to learn the model's dimension when it was
// not configured. It returns the dimension.
func (c *Client) Probe(ctx context.Context) (int, error) {
	if d := c.Dimension(); d > 0 {
		return d, nil
	}
	if _, err := c.Embed(ctx, "dimension probe"); err != nil {
		return 0, fmt.Errorf("probing embedding dimension: %w", err)
	}
	return c.Dimension(), nil
}

// Embed returns the unit-normalized embedding of text. Once a dimension is
// known every vector must have it; until then the first vector fixes it.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("embedding: empty text")
	}

	var lastErr error
	delay := c.cfg.Backoff
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.EmbeddingRequests.WithLabelValues("retry").Inc()
			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
			}
			delay = min(delay*2, c.cfg.MaxBackoff)
		}

		vec, err := c.cb.Execute(func() ([]float32, error) {
			return c.attempt(ctx, text)
		})
		if err == nil {
			out, nerr := Normalize(vec)
			if nerr != nil {
				metrics.EmbeddingRequests.WithLabelValues("failure").Inc()
				return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, nerr)
			}
			c.dim.CompareAndSwap(0, int64(len(out)))
			metrics.EmbeddingRequests.WithLabelValues("success").Inc()
			return out, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.EmbeddingRequests.WithLabelValues("rejected").Inc()
			break
		}
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		c.logger.Debug("embedding attempt failed", "attempt", attempt+1, "error", err)
	}

	metrics.EmbeddingRequests.WithLabelValues("failure").Inc()
	return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, lastErr)
}

func (c *Client) attempt(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	vec, err := c.backend.Embed(ctx, c.cfg.Model, text)
	metrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidVector)
	}
	if d := c.Dimension(); d > 0 && len(vec) != d {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), d)
	}
	return vec, nil
}

// EmbedBatch embeds texts with bounded concurrency. Results and errors are
// positional; one failure does not cancel the others.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, []error) {
	vecs := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	if len(texts) == 0 {
		return vecs, errs
	}

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, text := range texts {
		g.Go(func() error {
			vecs[i], errs[i] = c.Embed(ctx, text)
			return nil
		})
	}
	g.Wait()
	return vecs, errs
}

func retryable(err error) bool {
	var r retryableError
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return !errors.Is(err, ErrInvalidVector) && !errors.Is(err, ErrDimensionMismatch)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
