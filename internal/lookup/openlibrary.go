package lookup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/kalambet/shelf/internal/metrics"
)

const (
	DefaultOpenLibraryURL = "https://openlibrary.org"

	maxGenres = 50
	maxISBNs  = 10
)

var _ Resolver = (*OpenLibrary)(nil)

// OpenLibraryConfig configures the Open Library resolver.
type OpenLibraryConfig struct {
	BaseURL       string
	RatePerSecond float64 // <= 0 disables limiting
	Timeout       time.Duration
}

// OpenLibrary resolves books against the Open Library API.
type OpenLibrary struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	cache   *Cache
	logger  *slog.Logger
}

// Option configures an OpenLibrary resolver.
type Option func(*OpenLibrary)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *OpenLibrary) { o.http = c }
}

// WithCache caches successful responses in c.
func WithCache(c *Cache) Option {
	return func(o *OpenLibrary) { o.cache = c }
}

// NewOpenLibrary creates a resolver for cfg.
func NewOpenLibrary(cfg OpenLibraryConfig, opts ...Option) *OpenLibrary {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenLibraryURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	o := &OpenLibrary{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// searchDoc is one entry of /search.json.
type searchDoc struct {
	Key        string   `json:"key"`
	Title      string   `json:"title"`
	AuthorName []string `json:"author_name"`
	ISBN       []string `json:"isbn"`
	CoverI     int      `json:"cover_i"`
	Subject    []string `json:"subject"`
}

type searchResponse struct {
	NumFound int         `json:"numFound"`
	Docs     []searchDoc `json:"docs"`
}

type work struct {
	Key         string     `json:"key"`
	Title       string     `json:"title"`
	Description textValue  `json:"description"`
	Subjects    []string   `json:"subjects"`
	Covers      []int      `json:"covers"`
	Authors     []authorOf `json:"authors"`
}

type authorOf struct {
	Author struct {
		Key string `json:"key"`
	} `json:"author"`
}

type author struct {
	Name string `json:"name"`
}

// textValue accepts both "text" and {"type": ..., "value": "text"}.
type textValue string

func (t *textValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = textValue(s)
		return nil
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*t = textValue(obj.Value)
	return nil
}

// Resolve looks the book up by ISBN, work key, or title and author.
func (o *OpenLibrary) Resolve(ctx context.Context, q Query) (Metadata, error) {
	switch {
	case q.ISBN != "":
		isbn := NormalizeISBN(q.ISBN)
		if isbn == "" {
			return Metadata{}, fmt.Errorf("resolving %q: invalid isbn: %w", q.ISBN, ErrNoMatch)
		}
		m, err := o.search(ctx, url.Values{"q": {"isbn:" + isbn}})
		if err != nil {
			return Metadata{}, fmt.Errorf("resolving %s: %w", q, err)
		}
		m.ISBNs = prependUnique(isbn, m.ISBNs)
		return m, nil
	case q.WorkKey != "":
		m, err := o.byWork(ctx, q.WorkKey)
		if err != nil {
			return Metadata{}, fmt.Errorf("resolving %s: %w", q, err)
		}
		return m, nil
	case strings.TrimSpace(q.Title) != "":
		params := url.Values{"title": {q.Title}}
		if q.Author != "" {
			params.Set("author", q.Author)
		}
		m, err := o.search(ctx, params)
		if err != nil {
			return Metadata{}, fmt.Errorf("resolving %s: %w", q, err)
		}
		return m, nil
	}
	return Metadata{}, fmt.Errorf("resolving: empty query: %w", ErrNoMatch)
}

// search takes the first search hit and enriches it with the work's
// description. A failed work fetch leaves the description empty.
func (o *OpenLibrary) search(ctx context.Context, params url.Values) (Metadata, error) {
	params.Set("limit", "1")
	params.Set("fields", "key,title,author_name,isbn,cover_i,subject")

	var resp searchResponse
	if err := o.getJSON(ctx, "/search.json", params, &resp); err != nil {
		return Metadata{}, err
	}
	if len(resp.Docs) == 0 {
		return Metadata{}, ErrNoMatch
	}
	doc := resp.Docs[0]

	m := Metadata{
		Title:   strings.TrimSpace(doc.Title),
		Authors: doc.AuthorName,
		Genres:  capList(doc.Subject, maxGenres),
		ISBNs:   normalizeISBNs(doc.ISBN),
		WorkKey: bareKey(doc.Key),
		Source:  SourceOpenLibrary,
	}
	if doc.CoverI > 0 {
		m.CoverID = strconv.Itoa(doc.CoverI)
	}
	if m.Title == "" {
		return Metadata{}, ErrNoMatch
	}

	if m.WorkKey != "" {
		var w work
		if err := o.getJSON(ctx, "/works/"+m.WorkKey+".json", nil, &w); err != nil {
			o.logger.Warn("work details unavailable", "work", m.WorkKey, "error", err)
		} else {
			m.Description = StripHTML(string(w.Description))
			if len(m.Genres) == 0 {
				m.Genres = capList(w.Subjects, maxGenres)
			}
		}
	}
	return m, nil
}

func (o *OpenLibrary) byWork(ctx context.Context, key string) (Metadata, error) {
	key = bareKey(key)
	var w work
	if err := o.getJSON(ctx, "/works/"+key+".json", nil, &w); err != nil {
		return Metadata{}, err
	}
	if strings.TrimSpace(w.Title) == "" {
		return Metadata{}, ErrNoMatch
	}

	m := Metadata{
		Title:       strings.TrimSpace(w.Title),
		Description: StripHTML(string(w.Description)),
		Genres:      capList(w.Subjects, maxGenres),
		WorkKey:     key,
		Source:      SourceOpenLibrary,
	}
	if len(w.Covers) > 0 && w.Covers[0] > 0 {
		m.CoverID = strconv.Itoa(w.Covers[0])
	}
	for _, ref := range w.Authors {
		if ref.Author.Key == "" {
			continue
		}
		var a author
		if err := o.getJSON(ctx, "/authors/"+bareKey(ref.Author.Key)+".json", nil, &a); err != nil {
			o.logger.Warn("author details unavailable", "author", ref.Author.Key, "error", err)
			continue
		}
		if a.Name != "" {
			m.Authors = append(m.Authors, a.Name)
		}
	}
	return m, nil
}

// getJSON fetches path and decodes it into out, consulting the cache first.
func (o *OpenLibrary) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := o.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	if o.cache != nil {
		if body, ok := o.cache.Get(u); ok {
			if err := json.Unmarshal(body, out); err == nil {
				metrics.LookupRequests.WithLabelValues("hit").Inc()
				return nil
			}
			_ = o.cache.Delete(u)
		}
	}

	body, err := o.fetch(ctx, u)
	if err != nil {
		metrics.LookupRequests.WithLabelValues("error").Inc()
		return err
	}
	metrics.LookupRequests.WithLabelValues("miss").Inc()

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrSourceUnavailable, path, err)
	}
	if o.cache != nil {
		if err := o.cache.Set(u, body); err != nil {
			o.logger.Warn("lookup cache write failed", "error", err)
		}
	}
	return nil
}

func (o *OpenLibrary) fetch(ctx context.Context, u string) ([]byte, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "shelf/1.0 (book recommendations)")

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrSourceUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoMatch
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrSourceUnavailable, resp.StatusCode, truncate(string(body), 200))
	}
}

func capList(in []string, n int) []string {
	out := make([]string, 0, min(len(in), n))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		k := strings.ToLower(s)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
		if len(out) == n {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeISBNs(in []string) []string {
	var out []string
	for _, s := range in {
		if n := NormalizeISBN(s); n != "" {
			out = append(out, n)
		}
	}
	out = prependUnique("", out)
	if len(out) > maxISBNs {
		out = out[:maxISBNs]
	}
	return out
}

// prependUnique puts s first and drops later duplicates of any value.
// An empty s only deduplicates.
func prependUnique(s string, list []string) []string {
	out := make([]string, 0, len(list)+1)
	seen := map[string]struct{}{}
	if s != "" {
		out = append(out, s)
		seen[s] = struct{}{}
	}
	for _, v := range list {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
