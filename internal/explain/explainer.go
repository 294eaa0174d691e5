// Package explain writes short natural-language reasons for recommendations.
package explain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/shelf/internal/metrics"
	"github.com/kalambet/shelf/internal/ollama"
)

const (
	defaultConcurrency = 3
	defaultTimeout     = 20 * time.Second
	maxChars           = 600
)

// LLM generates text for a prompt.
type LLM interface {
	Generate(ctx context.Context, model, prompt string, opts ollama.GenerateOptions) (string, error)
}

// Seed describes what the recommendations were computed from.
type Seed struct {
	LikedTitles []string
	Prompt      string
}

// Candidate is the book being explained.
type Candidate struct {
	Title   string
	Authors []string
}

// Explainer attaches explanations to a ranked list. The result has one
// entry per candidate; "" means no explanation.
type Explainer interface {
	ExplainAll(ctx context.Context, seed Seed, cands []Candidate) []string
}

// NewExplainer returns an LLMExplainer if enabled, NoOpExplainer otherwise.
func NewExplainer(llm LLM, model string, enabled bool, timeout time.Duration) Explainer {
	if !enabled || llm == nil {
		return NoOpExplainer{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &LLMExplainer{
		llm:         llm,
		model:       model,
		timeout:     timeout,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
	}
}

// LLMExplainer asks a local LLM for one or two sentences per candidate.
// Calls run concurrently, bounded to defaultConcurrency, each with its own
// timeout.
type LLMExplainer struct {
	llm         LLM
	model       string
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
}

// ExplainAll explains every candidate. Failures leave that entry empty and
// never affect the others.
func (e *LLMExplainer) ExplainAll(ctx context.Context, seed Seed, cands []Candidate) []string {
	out := make([]string, len(cands))
	if len(cands) == 0 {
		return out
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, c := range cands {
		g.Go(func() error {
			if text, ok := e.Explain(gctx, seed, c); ok {
				out[i] = text
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Explain returns an explanation for c, or false when none could be had.
func (e *LLMExplainer) Explain(ctx context.Context, seed Seed, c Candidate) (string, bool) {
	prompt, ok := buildPrompt(seed, c)
	if !ok {
		return "", false
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.llm.Generate(callCtx, e.model, prompt, ollama.GenerateOptions{Temperature: 0.3, MaxTokens: 120})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			outcome = "timeout"
		}
		metrics.Explanations.WithLabelValues(outcome).Inc()
		e.logger.Debug("explanation failed", "title", c.Title, "error", err)
		return "", false
	}

	text := clean(resp)
	if text == "" {
		metrics.Explanations.WithLabelValues("failed").Inc()
		return "", false
	}
	metrics.Explanations.WithLabelValues("ok").Inc()
	return text, true
}

// buildPrompt picks the liked-books phrasing when titles are known and the
// free-text phrasing otherwise.
func buildPrompt(seed Seed, c Candidate) (string, bool) {
	if strings.TrimSpace(c.Title) == "" {
		return "", false
	}
	authors := strings.Join(c.Authors, ", ")
	if authors == "" {
		authors = "an unknown author"
	}

	if len(seed.LikedTitles) > 0 {
		return fmt.Sprintf(
			"In 1-2 sentences, explain why someone who liked '%s' might enjoy '%s' by %s. "+
				"Be specific about shared themes or style. Do not use bullet points.",
			strings.Join(seed.LikedTitles, ", "), c.Title, authors,
		), true
	}
	if p := strings.TrimSpace(seed.Prompt); p != "" {
		return fmt.Sprintf(
			"In 1-2 sentences, explain why '%s' by %s is a good match for someone looking for: '%s'. "+
				"Be specific. Do not use bullet points.",
			c.Title, authors, p,
		), true
	}
	return "", false
}

// clean trims model output, drops markdown code fences and caps the length.
// Small local models often wrap answers in fences or quotes.
func clean(resp string) string {
	s := strings.TrimSpace(resp)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], " .") {
			s = s[nl+1:] // language tag
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, `"`)

	if utf8.RuneCountInString(s) > maxChars {
		r := []rune(s)[:maxChars]
		s = string(r)
		if i := strings.LastIndexAny(s, ".!?"); i > maxChars/2 {
			s = s[:i+1]
		} else {
			s = strings.TrimSpace(s) + "..."
		}
	}
	return s
}

// NoOpExplainer never explains. Used when explanations are disabled.
type NoOpExplainer struct{}

func (NoOpExplainer) ExplainAll(_ context.Context, _ Seed, cands []Candidate) []string {
	return make([]string, len(cands))
}
