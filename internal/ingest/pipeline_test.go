package ingest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kalambet/shelf/internal/catalog"
	"github.com/kalambet/shelf/internal/embedding"
	"github.com/kalambet/shelf/internal/index"
	"github.com/kalambet/shelf/internal/lookup"
)

type mockResolver struct {
	mu      sync.Mutex
	records map[string]lookup.Metadata
	err     error
	calls   int
	hook    func(q lookup.Query)
}

func (m *mockResolver) Resolve(ctx context.Context, q lookup.Query) (lookup.Metadata, error) {
	m.mu.Lock()
	m.calls++
	hook, err := m.hook, m.err
	rec, ok := m.records[q.String()]
	m.mu.Unlock()
	if hook != nil {
		hook(q)
	}
	if err != nil {
		return lookup.Metadata{}, err
	}
	if !ok {
		return lookup.Metadata{}, fmt.Errorf("resolving %s: %w", q, lookup.ErrNoMatch)
	}
	return rec, nil
}

func (m *mockResolver) set(q lookup.Query, rec lookup.Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = map[string]lookup.Metadata{}
	}
	m.records[q.String()] = rec
}

type mockEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
	dim   int
	hook  func(text string)
}

func newMockEmbedder() *mockEmbedder { return &mockEmbedder{dim: 4} }

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	hook, err, dim := m.hook, m.err, m.dim
	m.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return textVector(text, dim), nil
}

func (m *mockEmbedder) Model() string { return "test-embed" }

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// textVector derives a stable unit vector from text.
func textVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(sum[i%len(sum)]) - 127.5
	}
	out, _ := embedding.Normalize(v)
	return out
}

type refreshCall struct {
	upserts  []index.Entry
	removals []string
}

type mockRefresher struct {
	mu    sync.Mutex
	calls []refreshCall
}

func (m *mockRefresher) Refresh(ctx context.Context, upserts []index.Entry, removals []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, refreshCall{upserts: upserts, removals: removals})
	return nil
}

func (m *mockRefresher) snapshot() []refreshCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]refreshCall(nil), m.calls...)
}

func openTestStore(t *testing.T, opts ...catalog.Option) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

var dune = lookup.Metadata{
	Title:       "Dune",
	Authors:     []string{"Frank Herbert"},
	Description: "Set on the desert planet Arrakis.",
	Genres:      []string{"Science fiction"},
	ISBNs:       []string{"0441013597"},
	WorkKey:     "OL893415W",
	Source:      lookup.SourceOpenLibrary,
}

type fixture struct {
	store    *catalog.Store
	resolver *mockResolver
	embedder *mockEmbedder
	refresh  *mockRefresher
	pipeline *Pipeline
}

func newFixture(t *testing.T, opts ...catalog.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    openTestStore(t, opts...),
		resolver: &mockResolver{},
		embedder: newMockEmbedder(),
		refresh:  &mockRefresher{},
	}
	f.pipeline = NewPipeline(f.resolver, f.store, f.embedder, f.refresh, Config{MaxEmbedAttempts: 3})
	return f
}

func TestIngest_CreatesReadyBook(t *testing.T) {
	f := newFixture(t)
	f.resolver.set(lookup.Query{ISBN: "0441013597"}, dune)

	out := f.pipeline.Ingest(context.Background(), Reference{Kind: KindISBN, ISBN: "0441013597"})
	if out.Result != ResultCreated || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.BookID != "isbn:0441013597" {
		t.Errorf("BookID = %q, want isbn-derived id", out.BookID)
	}

	b, err := f.store.Get(context.Background(), out.BookID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Status != catalog.StatusReady {
		t.Errorf("status = %s, want ready", b.Status)
	}
	if !strings.HasPrefix(b.Text, "Dune\nby Frank Herbert\n") {
		t.Errorf("text = %q", b.Text)
	}
	calls := f.refresh.snapshot()
	if len(calls) != 1 || len(calls[0].upserts) != 1 || calls[0].upserts[0].ID != out.BookID {
		t.Errorf("refresh calls = %+v", calls)
	}
}

func TestIngest_SameIdentifierTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.resolver.set(lookup.Query{ISBN: "0441013597"}, dune)
	ref := Reference{Kind: KindISBN, ISBN: "0441013597"}

	first := f.pipeline.Ingest(context.Background(), ref)
	second := f.pipeline.Ingest(context.Background(), ref)

	if first.Result != ResultCreated || second.Result != ResultSkipped {
		t.Errorf("results = %s, %s; want created, skipped", first.Result, second.Result)
	}
	if first.BookID != second.BookID {
		t.Errorf("ids differ: %s vs %s", first.BookID, second.BookID)
	}
	stats, _ := f.store.Stats(context.Background())
	if stats.Books != 1 {
		t.Errorf("books = %d, want 1", stats.Books)
	}
	if got := f.embedder.callCount(); got != 1 {
		t.Errorf("embed calls = %d, want 1", got)
	}
	if got := len(f.refresh.snapshot()); got != 1 {
		t.Errorf("refresh calls = %d, want 1 (skip changes nothing)", got)
	}
}

func TestIngest_MetadataOnlyChangeKeepsVector(t *testing.T) {
	f := newFixture(t)
	ref := Reference{Kind: KindISBN, ISBN: "0441013597"}
	f.resolver.set(lookup.Query{ISBN: "0441013597"}, dune)
	f.pipeline.Ingest(context.Background(), ref)

	updated := dune
	updated.CoverID = "11481354"
	f.resolver.set(lookup.Query{ISBN: "0441013597"}, updated)
	out := f.pipeline.Ingest(context.Background(), ref)

	if out.Result != ResultUpdated || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if got := f.embedder.callCount(); got != 1 {
		t.Errorf("embed calls = %d, want 1 (text unchanged)", got)
	}
	b, _ := f.store.Get(context.Background(), out.BookID)
	if b.CoverID != "11481354" || b.Status != catalog.StatusReady {
		t.Errorf("book = %+v", b)
	}
}

func TestIngest_TextChangeReembeds(t *testing.T) {
	f := newFixture(t)
	ref := Reference{Kind: KindISBN, ISBN: "0441013597"}
	f.resolver.set(lookup.Query{ISBN: "0441013597"}, dune)
	first := f.pipeline.Ingest(context.Background(), ref)

	updated := dune
	updated.Description = "A new, longer description of Arrakis."
	f.resolver.set(lookup.Query{ISBN: "0441013597"}, updated)
	out := f.pipeline.Ingest(context.Background(), ref)

	if out.Result != ResultUpdated || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if got := f.embedder.callCount(); got != 2 {
		t.Errorf("embed calls = %d, want 2", got)
	}
	vec, err := f.store.Embedding(context.Background(), out.BookID)
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	b, _ := f.store.Get(context.Background(), first.BookID)
	want := textVector(b.Text, 4)
	if embedding.Dot(vec, want) < 0.9999 {
		t.Error("stored vector does not match the new text")
	}

	calls := f.refresh.snapshot()
	last := calls[len(calls)-1]
	if len(last.upserts) != 1 || len(last.removals) != 0 {
		t.Errorf("last refresh = %+v, want a single replacing upsert", last)
	}
}

func TestIngest_ResolveFailureCreatesNothing(t *testing.T) {
	tests := map[string]error{
		"unavailable": fmt.Errorf("resolving: %w", lookup.ErrSourceUnavailable),
		"no match":    lookup.ErrNoMatch,
	}
	for name, resolveErr := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.resolver.err = resolveErr

			out := f.pipeline.Ingest(context.Background(), Reference{Kind: KindQuery, Query: "dune"})
			if out.Result != ResultFailed {
				t.Fatalf("result = %s, want failed", out.Result)
			}
			if !errors.Is(out.Err, resolveErr) {
				t.Errorf("err = %v, want %v", out.Err, resolveErr)
			}
			var se *StageError
			if !errors.As(out.Err, &se) || se.Stage != StageResolve {
				t.Errorf("err = %v, want resolve StageError", out.Err)
			}
			stats, _ := f.store.Stats(context.Background())
			if stats.Books != 0 {
				t.Errorf("books = %d, want 0", stats.Books)
			}
			if len(f.refresh.snapshot()) != 0 {
				t.Error("index refreshed after failed ingest")
			}
		})
	}
}

func TestIngest_EmbeddingFailureKeepsPendingBook(t *testing.T) {
	f := newFixture(t)
	f.resolver.set(lookup.Query{ISBN: "0441013597"}, dune)
	f.embedder.err = embedding.ErrEmbeddingUnavailable

	out := f.pipeline.Ingest(context.Background(), Reference{Kind: KindISBN, ISBN: "0441013597"})
	if out.Result != ResultCreated {
		t.Errorf("result = %s, want created", out.Result)
	}
	if !errors.Is(out.Err, embedding.ErrEmbeddingUnavailable) {
		t.Errorf("err = %v, want ErrEmbeddingUnavailable", out.Err)
	}
	b, err := f.store.Get(context.Background(), out.BookID)
	if err != nil {
		t.Fatalf("metadata not preserved: %v", err)
	}
	if b.Status != catalog.StatusPending || b.EmbedAttempts != 1 {
		t.Errorf("status=%s attempts=%d, want pending with 1 attempt", b.Status, b.EmbedAttempts)
	}

	// A later ingest with a healthy service completes the book.
	f.embedder.mu.Lock()
	f.embedder.err = nil
	f.embedder.mu.Unlock()
	again := f.pipeline.Ingest(context.Background(), Reference{Kind: KindISBN, ISBN: "0441013597"})
	if again.Result != ResultUpdated || again.Err != nil {
		t.Errorf("retry outcome = %+v", again)
	}
	b, _ = f.store.Get(context.Background(), out.BookID)
	if b.Status != catalog.StatusReady {
		t.Errorf("status = %s, want ready after retry", b.Status)
	}
}

func TestIngest_DimensionMismatchLeavesPending(t *testing.T) {
	f := newFixture(t, catalog.WithDimension(8))
	f.resolver.set(lookup.Query{ISBN: "0441013597"}, dune)

	out := f.pipeline.Ingest(context.Background(), Reference{Kind: KindISBN, ISBN: "0441013597"})
	if !errors.Is(out.Err, catalog.ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", out.Err)
	}
	b, _ := f.store.Get(context.Background(), out.BookID)
	if b.Status != catalog.StatusPending {
		t.Errorf("status = %s, want pending", b.Status)
	}
	if _, err := f.store.Embedding(context.Background(), out.BookID); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("mismatched vector was stored: %v", err)
	}
}

func TestIngest_LibraryRecord(t *testing.T) {
	f := newFixture(t)
	rec := &lookup.Metadata{
		Title:         "Project Hail Mary",
		Authors:       []string{"Andy Weir"},
		Description:   "<p>A lone astronaut.</p>",
		Series:        "Standalone",
		LibraryItemID: "li_42",
	}

	out := f.pipeline.Ingest(context.Background(), Reference{Kind: KindLibrary, Record: rec})
	if out.Result != ResultCreated || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if f.resolver.calls != 0 {
		t.Errorf("resolver called %d times for a pre-resolved record", f.resolver.calls)
	}
	b, _ := f.store.Get(context.Background(), out.BookID)
	if b.ExternalID != "lib:li_42" || b.Source != lookup.SourceLibrary {
		t.Errorf("book = %+v", b)
	}
	if b.Description != "A lone astronaut." {
		t.Errorf("description = %q", b.Description)
	}

	bad := f.pipeline.Ingest(context.Background(), Reference{Kind: KindLibrary})
	if bad.Result != ResultFailed {
		t.Errorf("library ref without record: %+v", bad)
	}
}

func TestIngestBatch_FailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.resolver.set(lookup.Query{Title: "Dune"}, dune)
	hyperion := lookup.Metadata{Title: "Hyperion", Authors: []string{"Dan Simmons"}, Source: lookup.SourceOpenLibrary}
	f.resolver.set(lookup.Query{Title: "Hyperion"}, hyperion)

	outs := f.pipeline.IngestBatch(context.Background(), []Reference{
		{Kind: KindQuery, Query: "Dune"},
		{Kind: KindQuery, Query: "Nothing Like This"},
		{Kind: KindQuery, Query: "Hyperion"},
	})
	got := []Result{outs[0].Result, outs[1].Result, outs[2].Result}
	if got[0] != ResultCreated || got[1] != ResultFailed || got[2] != ResultCreated {
		t.Errorf("results = %v", got)
	}
	if !errors.Is(outs[1].Err, lookup.ErrNoMatch) {
		t.Errorf("err = %v, want ErrNoMatch", outs[1].Err)
	}
	calls := f.refresh.snapshot()
	if len(calls) != 1 || len(calls[0].upserts) != 2 {
		t.Errorf("refresh calls = %+v, want exactly one with 2 upserts", calls)
	}
}

func TestIngestBatch_CancelBetweenItems(t *testing.T) {
	f := newFixture(t)
	f.resolver.set(lookup.Query{Title: "Dune"}, dune)
	f.resolver.set(lookup.Query{Title: "Hyperion"}, lookup.Metadata{Title: "Hyperion"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.resolver.hook = func(lookup.Query) { cancel() }

	outs := f.pipeline.IngestBatch(ctx, []Reference{
		{Kind: KindQuery, Query: "Dune"},
		{Kind: KindQuery, Query: "Hyperion"},
		{Kind: KindQuery, Query: "Hyperion"},
	})
	if outs[0].Result != ResultCreated || outs[0].Err != nil {
		t.Errorf("in-flight item = %+v, want it to complete", outs[0])
	}
	for i, o := range outs[1:] {
		if o.Result != ResultFailed || !errors.Is(o.Err, context.Canceled) {
			t.Errorf("item %d = %+v, want failed with context.Canceled", i+1, o)
		}
	}
	calls := f.refresh.snapshot()
	if len(calls) != 1 || len(calls[0].upserts) != 1 {
		t.Errorf("refresh calls = %+v, want the completed item indexed", calls)
	}
}

func TestIngest_ConcurrentSameIdentifier(t *testing.T) {
	f := newFixture(t)
	f.resolver.set(lookup.Query{ISBN: "0441013597"}, dune)

	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := f.pipeline.Ingest(context.Background(), Reference{Kind: KindISBN, ISBN: "0441013597"})
			if out.Result == ResultCreated {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("created = %d, want 1", created.Load())
	}
	stats, _ := f.store.Stats(context.Background())
	if stats.Books != 1 || stats.Ready != 1 {
		t.Errorf("stats = %+v, want one ready book", stats)
	}
	if f.pipeline.locks.size() != 0 {
		t.Errorf("key locks leaked: %d", f.pipeline.locks.size())
	}
}

// catalogSource feeds an index.Manager straight from a test catalog.
type catalogSource struct{ store *catalog.Store }

func (s catalogSource) Entries(ctx context.Context) ([]index.Entry, error) {
	embedded, err := s.store.AllEmbedded(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]index.Entry, len(embedded))
	for i, e := range embedded {
		out[i] = index.Entry{ID: e.ID, Vector: e.Vector}
	}
	return out, nil
}

func (s catalogSource) Fingerprint(ctx context.Context) (string, error) {
	return s.store.EmbeddingsFingerprint(ctx)
}

func (s catalogSource) CurrentHashes(ctx context.Context, ids []string) (map[string]string, error) {
	return s.store.EmbeddingHashes(ctx, ids)
}

// TestIngestBatch_QueriesSeeWholeBatch checks that a query running during a
// batch sees either none or all of the batch's books, even when another
// refresh lands while the batch is half stored.
func TestIngestBatch_QueriesSeeWholeBatch(t *testing.T) {
	backends := map[string]func() index.Index{
		"bruteforce": func() index.Index { return index.NewBruteForce() },
		"hnsw":       func() index.Index { return index.NewHNSW(index.Options{}) },
	}
	for name, newIndex := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := openTestStore(t)
			mgr := index.NewManager(newIndex(), catalogSource{store})
			if err := mgr.Rebuild(ctx, true); err != nil {
				t.Fatalf("Rebuild: %v", err)
			}
			resolver := &mockResolver{}
			p := NewPipeline(resolver, store, newMockEmbedder(), mgr, Config{})

			var seed, batch []Reference
			for i := 0; i < 3; i++ {
				title := fmt.Sprintf("Seed %d", i)
				resolver.set(lookup.Query{Title: title}, lookup.Metadata{Title: title})
				seed = append(seed, Reference{Kind: KindQuery, Query: title})
			}
			for i := 0; i < 10; i++ {
				title := fmt.Sprintf("Batch %d", i)
				resolver.set(lookup.Query{Title: title}, lookup.Metadata{Title: title, Description: strings.Repeat("x", i)})
				batch = append(batch, Reference{Kind: KindQuery, Query: title})
			}
			p.IngestBatch(ctx, seed)
			if mgr.Len() != 3 {
				t.Fatalf("seeded index Len = %d, want 3", mgr.Len())
			}

			q := textVector("query", 4)
			var bad atomic.Int32
			var resolves atomic.Int32
			resolver.hook = func(lookup.Query) {
				if resolves.Add(1) != 6 {
					return
				}
				// A refresh from elsewhere, as a worker pass or a removal would do.
				if err := mgr.Refresh(ctx, nil, []string{"not-indexed"}); err != nil {
					t.Errorf("concurrent Refresh: %v", err)
				}
				if got, _ := mgr.Query(ctx, q, 100); len(got) != 3 {
					t.Errorf("mid-batch query sees %d books, want 3", len(got))
				}
			}

			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					got, err := mgr.Query(ctx, q, 100)
					if err != nil || (len(got) != 3 && len(got) != 13) {
						bad.Add(1)
					}
				}
			}()

			p.IngestBatch(ctx, batch)
			close(stop)
			wg.Wait()

			if bad.Load() > 0 {
				t.Errorf("%d queries saw a partial batch", bad.Load())
			}
			if mgr.Len() != 13 {
				t.Errorf("index Len = %d, want 13", mgr.Len())
			}
		})
	}
}

func TestBuildText(t *testing.T) {
	tests := []struct {
		name string
		m    lookup.Metadata
		want string
	}{
		{
			"full",
			lookup.Metadata{
				Title: "Dune", Authors: []string{"Frank Herbert"}, Series: "Dune", SeriesSequence: "1",
				Description: "Desert planet.", Genres: []string{"Science fiction", "Ecology"},
			},
			"Dune\nby Frank Herbert\nSeries: Dune #1\nDesert planet.\nGenres: Science fiction, Ecology",
		},
		{"title only", lookup.Metadata{Title: "Beowulf"}, "Beowulf"},
		{"blank parts omitted", lookup.Metadata{Title: "X", Authors: []string{" ", ""}, Description: "  "}, "X"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildText(tt.m); got != tt.want {
				t.Errorf("BuildText = %q, want %q", got, tt.want)
			}
		})
	}

	many := make([]string, 30)
	for i := range many {
		many[i] = fmt.Sprintf("g%d", i)
	}
	text := BuildText(lookup.Metadata{Title: "T", Genres: many})
	if strings.Contains(text, "g20") || !strings.Contains(text, "g19") {
		t.Errorf("genres not capped at 20: %q", text)
	}
}

func TestKeyLock_Serializes(t *testing.T) {
	k := newKeyLock()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside.Load())
	}
	if k.size() != 0 {
		t.Errorf("locks left = %d", k.size())
	}
}
