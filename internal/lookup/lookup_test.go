package lookup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestServer(t *testing.T, routes map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

const duneSearch = `{"numFound":1,"docs":[{
	"key":"/works/OL893415W",
	"title":"Dune",
	"author_name":["Frank Herbert"],
	"isbn":["0441013597","978-0441013593","0441013597"],
	"cover_i":11481354,
	"subject":["Science fiction","Dune (Imaginary place)","science fiction"]
}]}`

const duneWork = `{
	"key":"/works/OL893415W",
	"title":"Dune",
	"description":{"type":"/type/text","value":"<p>Set on the desert planet <b>Arrakis</b>.</p>"},
	"subjects":["Ecology"],
	"covers":[11481354],
	"authors":[{"author":{"key":"/authors/OL79034A"}}]
}`

func TestResolve_ByISBN(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{
		"/search.json":          duneSearch,
		"/works/OL893415W.json": duneWork,
	})
	ol := NewOpenLibrary(OpenLibraryConfig{BaseURL: srv.URL})

	m, err := ol.Resolve(context.Background(), Query{ISBN: "978-0-441-01359-3"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Title != "Dune" || len(m.Authors) != 1 || m.Authors[0] != "Frank Herbert" {
		t.Errorf("metadata = %+v", m)
	}
	if m.Description != "Set on the desert planet Arrakis." {
		t.Errorf("Description = %q", m.Description)
	}
	if len(m.Genres) != 2 {
		t.Errorf("Genres = %v, want deduplicated pair", m.Genres)
	}
	if m.ISBNs[0] != "9780441013593" || len(m.ISBNs) != 2 {
		t.Errorf("ISBNs = %v, want requested isbn first", m.ISBNs)
	}
	if m.WorkKey != "OL893415W" || m.CoverID != "11481354" || m.Source != SourceOpenLibrary {
		t.Errorf("metadata = %+v", m)
	}
	if got := ExternalID(m); got != "isbn:9780441013593" {
		t.Errorf("ExternalID = %q", got)
	}
}

func TestResolve_ByWorkKey(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{
		"/works/OL893415W.json":  `{"title":"Dune","description":"A plain description.","subjects":["Ecology"],"authors":[{"author":{"key":"/authors/OL79034A"}},{"author":{"key":"/authors/missing"}}]}`,
		"/authors/OL79034A.json": `{"name":"Frank Herbert"}`,
	})
	ol := NewOpenLibrary(OpenLibraryConfig{BaseURL: srv.URL})

	m, err := ol.Resolve(context.Background(), Query{WorkKey: "/works/OL893415W"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(m.Authors) != 1 || m.Authors[0] != "Frank Herbert" {
		t.Errorf("Authors = %v (missing author should be skipped)", m.Authors)
	}
	if m.Description != "A plain description." {
		t.Errorf("Description = %q", m.Description)
	}
	if got := ExternalID(m); got != "ol:OL893415W" {
		t.Errorf("ExternalID = %q", got)
	}
}

func TestResolve_TitleSearchSendsParams(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search.json" {
			query = r.URL.RawQuery
			w.Write([]byte(`{"docs":[{"title":"Hyperion","author_name":["Dan Simmons"]}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()
	ol := NewOpenLibrary(OpenLibraryConfig{BaseURL: srv.URL})

	m, err := ol.Resolve(context.Background(), Query{Title: "Hyperion", Author: "Simmons"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.Contains(query, "title=Hyperion") || !strings.Contains(query, "author=Simmons") || !strings.Contains(query, "limit=1") {
		t.Errorf("query = %q", query)
	}
	if got := ExternalID(m); got != "title:hyperion|dan simmons" {
		t.Errorf("ExternalID = %q", got)
	}
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		q      Query
		want   error
	}{
		{"no docs", 200, `{"docs":[]}`, Query{Title: "nothing"}, ErrNoMatch},
		{"server error", 503, `down`, Query{Title: "x"}, ErrSourceUnavailable},
		{"rate limited", 429, `slow down`, Query{Title: "x"}, ErrSourceUnavailable},
		{"bad json", 200, `{"docs":`, Query{Title: "x"}, ErrSourceUnavailable},
		{"unknown work", 404, ``, Query{WorkKey: "OL1W"}, ErrNoMatch},
		{"invalid isbn", 200, `{}`, Query{ISBN: "12"}, ErrNoMatch},
		{"empty query", 200, `{}`, Query{}, ErrNoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			ol := NewOpenLibrary(OpenLibraryConfig{BaseURL: srv.URL})
			if _, err := ol.Resolve(context.Background(), tt.q); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResolve_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	ol := NewOpenLibrary(OpenLibraryConfig{BaseURL: base})
	if _, err := ol.Resolve(context.Background(), Query{Title: "Dune"}); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestResolve_WorkFetchFailureKeepsSearchHit(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{"/search.json": duneSearch})
	ol := NewOpenLibrary(OpenLibraryConfig{BaseURL: srv.URL})

	m, err := ol.Resolve(context.Background(), Query{Title: "Dune"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Title != "Dune" || m.Description != "" {
		t.Errorf("metadata = %+v", m)
	}
}

func TestResolve_UsesCache(t *testing.T) {
	srv, hits := newTestServer(t, map[string]string{
		"/search.json":          duneSearch,
		"/works/OL893415W.json": duneWork,
	})
	cache, err := OpenCache("", 0)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()
	ol := NewOpenLibrary(OpenLibraryConfig{BaseURL: srv.URL}, WithCache(cache))

	for i := 0; i < 3; i++ {
		if _, err := ol.Resolve(context.Background(), Query{ISBN: "0441013597"}); err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2 (search + work, then cached)", got)
	}
}

func TestResolve_RateLimitHonorsContext(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{"/search.json": `{"docs":[{"title":"A"}]}`})
	ol := NewOpenLibrary(OpenLibraryConfig{BaseURL: srv.URL, RatePerSecond: 0.001})

	ctx := context.Background()
	if _, err := ol.Resolve(ctx, Query{Title: "A"}); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := ol.Resolve(ctx, Query{Title: "B"}); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("err = %v, want ErrSourceUnavailable while rate limited", err)
	}
}

func TestCache_SetGetDelete(t *testing.T) {
	c, err := OpenCache("", 0)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer c.Close()

	if _, ok := c.Get("k"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	if err := c.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok := c.Get("k"); !ok || string(v) != "v" {
		t.Errorf("Get = %q, %v", v, ok)
	}
	if err := c.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Error("key still present after Delete")
	}
}

func TestCache_PersistsOnDisk(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCache(dir, 0)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	c.Set("k", []byte("v"))
	c.Close()

	c, err = OpenCache(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	if v, ok := c.Get("k"); !ok || string(v) != "v" {
		t.Errorf("Get after reopen = %q, %v", v, ok)
	}
}

func TestNormalizeISBN(t *testing.T) {
	tests := map[string]string{
		"0441013597":        "0441013597",
		"978-0-441-01359-3": "9780441013593",
		"0 8044 2957 x":     "080442957X",
		"12345":             "",
		"97804410135X3":     "",
		"isbn0441013597":    "",
		"X441013597":        "",
	}
	for in, want := range tests {
		if got := NormalizeISBN(in); got != want {
			t.Errorf("NormalizeISBN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExternalID(t *testing.T) {
	tests := []struct {
		name string
		m    Metadata
		want string
	}{
		{"isbn wins", Metadata{ISBNs: []string{"bad", "0441013597"}, WorkKey: "OL1W"}, "isbn:0441013597"},
		{"work key", Metadata{WorkKey: "/works/OL1W"}, "ol:OL1W"},
		{"library item", Metadata{LibraryItemID: "li_42", Title: "X"}, "lib:li_42"},
		{"title fallback", Metadata{Title: "  The Left Hand of Darkness! ", Authors: []string{"Ursula K. Le Guin"}}, "title:the left hand of darkness|ursula k le guin"},
		{"title only", Metadata{Title: "Beowulf"}, "title:beowulf|"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExternalID(tt.m); got != tt.want {
				t.Errorf("ExternalID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripHTML(t *testing.T) {
	tests := map[string]string{
		"plain   text\n":                       "plain text",
		"<p>One</p><p>Two &amp; three</p>":     "One\n\nTwo & three",
		"Line<br>break":                        "Line\nbreak",
		"<script>alert(1)</script>Visible":     "Visible",
		"<div>  spaced   <i>out</i> </div>":    "spaced out",
		"First para\n\n\n\nSecond para": "First para\n\nSecond para",
	}
	for in, want := range tests {
		if got := StripHTML(in); got != want {
			t.Errorf("StripHTML(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPDFText_MissingFile(t *testing.T) {
	if _, err := PDFText(t.TempDir()+"/nope.pdf", 100); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTruncateWords(t *testing.T) {
	if got := truncateWords("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncateWords("alpha beta gamma delta", 13); got != "alpha beta" {
		t.Errorf("got %q, want cut at word boundary", got)
	}
}
