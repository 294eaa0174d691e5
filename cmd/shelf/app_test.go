package main

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/kalambet/shelf/internal/config"
	"github.com/kalambet/shelf/internal/embedding"
	"github.com/kalambet/shelf/internal/ingest"
	"github.com/kalambet/shelf/internal/recommend"
)

var keywords = []string{"desert", "space", "dragon", "magic"}

// fakeOllama embeds text as keyword counts plus a small constant so that
// every vector is non-zero.
func fakeOllama(t *testing.T, models ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/tags":
			type entry struct {
				Name string `json:"name"`
			}
			var resp struct {
				Models []entry `json:"models"`
			}
			for _, m := range models {
				resp.Models = append(resp.Models, entry{Name: m + ":latest"})
			}
			json.NewEncoder(w).Encode(resp)
		case "/api/embed":
			var req struct {
				Input string `json:"input"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			text := strings.ToLower(req.Input)
			vec := make([]float32, len(keywords)+1)
			for i, k := range keywords {
				vec[i] = float32(strings.Count(text, k))
			}
			vec[len(keywords)] = 0.1
			json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{vec}})
		case "/api/generate":
			json.NewEncoder(w).Encode(map[string]any{"response": "Another trek across a desert world.", "done": true})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fakeOpenLibrary(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/search.json":
			switch r.URL.Query().Get("q") {
			case "isbn:9780441013593":
				w.Write([]byte(`{"numFound":1,"docs":[{"key":"/works/OL893415W","title":"Dune","author_name":["Frank Herbert"],"isbn":["9780441013593"],"subject":["Science fiction"]}]}`))
			case "isbn:9780553293357":
				w.Write([]byte(`{"numFound":1,"docs":[{"key":"/works/OL46125W","title":"Foundation","author_name":["Isaac Asimov"],"isbn":["9780553293357"],"subject":["Science fiction"]}]}`))
			case "isbn:9780441478125":
				w.Write([]byte(`{"numFound":1,"docs":[{"key":"/works/OL59800W","title":"The Left Hand of Darkness","author_name":["Ursula K. Le Guin"],"isbn":["9780441478125"]}]}`))
			default:
				w.Write([]byte(`{"numFound":0,"docs":[]}`))
			}
		case "/works/OL893415W.json":
			w.Write([]byte(`{"key":"/works/OL893415W","title":"Dune","description":"A noble family fights for control of a desert planet."}`))
		case "/works/OL46125W.json":
			w.Write([]byte(`{"key":"/works/OL46125W","title":"Foundation","description":{"type":"/type/text","value":"A mathematician foresees the fall of a galactic empire in space."}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testConfig loads config from the environment against fake backends and
// a throwaway data dir.
func testConfig(t *testing.T, ollamaURL, lookupURL, dataDir, embedModel string) config.Config {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SHELF_API_TOKEN", "test-token")
	t.Setenv("SHELF_STORAGE_DATA_DIR", dataDir)
	t.Setenv("SHELF_OLLAMA_BASE_URL", ollamaURL)
	t.Setenv("SHELF_OLLAMA_EMBED_MODEL", embedModel)
	t.Setenv("SHELF_OLLAMA_LLM_MODEL", "test-llm")
	t.Setenv("SHELF_LOOKUP_BASE_URL", lookupURL)
	t.Setenv("SHELF_LOOKUP_RATE_PER_SECOND", "0")
	t.Setenv("SHELF_EMBEDDING_MAX_RETRIES", "0")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestBuildApp_IngestAndRecommend(t *testing.T) {
	llm := fakeOllama(t, "test-embed", "test-llm")
	ol := fakeOpenLibrary(t)
	cfg := testConfig(t, llm.URL, ol.URL, t.TempDir(), "test-embed")

	a, err := buildApp(ctx, cfg, io.Discard)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()

	for _, isbn := range []string{"9780441013593", "9780553293357"} {
		out := a.service.Ingest(ctx, ingest.Reference{Kind: ingest.KindISBN, ISBN: isbn})
		if out.Result != ingest.ResultCreated {
			t.Fatalf("ingest %s: result = %s, err = %v", isbn, out.Result, out.Err)
		}
	}
	if n := a.index.Len(); n != 2 {
		t.Fatalf("index size = %d, want 2", n)
	}

	recs, err := a.service.Recommend(ctx, recommend.Query{Prompt: "desert survival"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("expected recommendations")
	}
	if recs[0].BookID != "isbn:9780441013593" {
		t.Errorf("top recommendation = %s, want Dune", recs[0].BookID)
	}
	if recs[0].Explanation == "" {
		t.Error("expected an explanation")
	}

	st, err := a.service.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Ready != 2 || st.Dimension != len(keywords)+1 || st.EmbedModel != "test-embed" {
		t.Errorf("status = %+v", st)
	}
}

func TestBuildApp_RestartRebuildsIndex(t *testing.T) {
	llm := fakeOllama(t, "test-embed", "other-embed", "test-llm")
	ol := fakeOpenLibrary(t)
	dataDir := t.TempDir()

	cfg := testConfig(t, llm.URL, ol.URL, dataDir, "test-embed")
	// Dune and Foundation share no keyword.
	cfg.Recommend.MinSimilarity = 0
	a, err := buildApp(ctx, cfg, io.Discard)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	out := a.service.Ingest(ctx, ingest.Reference{Kind: ingest.KindISBN, ISBN: "9780441013593"})
	if out.Result != ingest.ResultCreated {
		t.Fatalf("ingest: result = %s, err = %v", out.Result, out.Err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Same model: vectors are loaded back from the catalog.
	a, err = buildApp(ctx, cfg, io.Discard)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n := a.index.Len(); n != 1 {
		t.Errorf("index size after restart = %d, want 1", n)
	}
	a.Close()

	// A different model sends the stored vector back to pending.
	cfg = testConfig(t, llm.URL, ol.URL, dataDir, "other-embed")
	a, err = buildApp(ctx, cfg, io.Discard)
	if err != nil {
		t.Fatalf("rebuild with new model: %v", err)
	}
	defer a.Close()

	if n := a.index.Len(); n != 0 {
		t.Errorf("index size after model change = %d, want 0", n)
	}
	st, err := a.service.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Pending != 1 || st.Ready != 0 {
		t.Errorf("status = %+v, want 1 pending", st)
	}
}

func TestBuildApp_ModelServerDown(t *testing.T) {
	llm := fakeOllama(t, "test-embed", "test-llm")
	ol := fakeOpenLibrary(t)
	dataDir := t.TempDir()

	cfg := testConfig(t, llm.URL, ol.URL, dataDir, "test-embed")
	// Dune and Foundation share no keyword.
	cfg.Recommend.MinSimilarity = 0
	a, err := buildApp(ctx, cfg, io.Discard)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	for _, isbn := range []string{"9780441013593", "9780553293357"} {
		if out := a.service.Ingest(ctx, ingest.Reference{Kind: ingest.KindISBN, ISBN: isbn}); out.Result != ingest.ResultCreated {
			t.Fatalf("ingest %s: result = %s, err = %v", isbn, out.Result, out.Err)
		}
	}
	a.Close()

	// The model server goes away; the app still starts from what is stored.
	llm.Close()
	a, err = buildApp(ctx, cfg, io.Discard)
	if err != nil {
		t.Fatalf("buildApp with model server down: %v", err)
	}
	defer a.Close()

	if n := a.index.Len(); n != 2 {
		t.Errorf("index size = %d, want 2 stored vectors", n)
	}
	recs, err := a.service.Recommend(ctx, recommend.Query{LikedIDs: []string{"isbn:9780441013593"}, SkipExplain: true})
	if err != nil {
		t.Fatalf("Recommend from liked books: %v", err)
	}
	if len(recs) != 1 || recs[0].BookID != "isbn:9780553293357" {
		t.Errorf("recommendations = %+v, want Foundation", recs)
	}

	out := a.service.Ingest(ctx, ingest.Reference{Kind: ingest.KindISBN, ISBN: "9780441478125"})
	if out.Result != ingest.ResultCreated || !errors.Is(out.Err, embedding.ErrEmbeddingUnavailable) {
		t.Errorf("ingest while down: result = %s, err = %v", out.Result, out.Err)
	}
	st, err := a.service.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Ready != 2 || st.Pending != 1 || st.Dimension != len(keywords)+1 {
		t.Errorf("status = %+v, want 2 ready, 1 pending", st)
	}
}
