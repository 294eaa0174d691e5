package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that the server is reachable and that the embedding
// model, plus the LLM model when set, are available. Missing models are
// pulled with progress written to w. The LLM model is warmed up so the
// first explanation does not pay the load penalty; warm-up failure is not
// fatal.
func EnsureReady(ctx context.Context, c *Client, embedModel, llmModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("model server at %s is not reachable; start it with: ollama serve", c.BaseURL())
	}

	models := []string{embedModel}
	if llmModel != "" && llmModel != embedModel {
		models = append(models, llmModel)
	}

	for _, model := range models {
		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if llmModel == "" {
		return nil
	}
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Generate(warmCtx, llmModel, "ping", GenerateOptions{MaxTokens: 1}); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", llmModel, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", llmModel)
	}
	return nil
}
