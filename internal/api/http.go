package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/shelf/internal/catalog"
	"github.com/kalambet/shelf/internal/embedding"
	"github.com/kalambet/shelf/internal/ingest"
	"github.com/kalambet/shelf/internal/lookup"
	"github.com/kalambet/shelf/internal/recommend"
	"github.com/kalambet/shelf/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxBatchBodySize = 10 << 20  // 10MB

// Service is what the transports call into.
type Service interface {
	Ingest(ctx context.Context, ref ingest.Reference) ingest.Outcome
	IngestBatch(ctx context.Context, refs []ingest.Reference) ([]ingest.Outcome, error)
	Recommend(ctx context.Context, q recommend.Query) ([]recommend.Recommendation, error)
	RecordFeedback(ctx context.Context, bookID string, value float64) (catalog.Feedback, error)
	RemoveBook(ctx context.Context, id string) error
	ListBooks(ctx context.Context, f catalog.ListFilter) ([]catalog.Book, error)
	GetBook(ctx context.Context, id string) (service.BookDetail, error)
	Reembed(ctx context.Context, ids ...string) (service.ReembedResult, error)
	Status(ctx context.Context) (service.Status, error)
}

type AppDeps struct {
	Service Service
	Token   string
}

type batchRequest struct {
	Items []ingest.Reference `json:"items" validate:"required,min=1,max=500"`
}

type feedbackRequest struct {
	Value *float64 `json:"value" validate:"required,gte=-1,lte=1"`
}

type reembedRequest struct {
	IDs []string `json:"ids,omitempty" validate:"max=500,dive,required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// NewAppHandler returns the HTTP API. /health and /metrics are open; every
// other route needs the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ingest", handleIngest(deps))
		r.Post("/ingest/batch", handleIngestBatch(deps))
		r.Post("/recommend", handleRecommend(deps))
		r.Get("/books", handleListBooks(deps))
		r.Get("/books/{id}", handleGetBook(deps))
		r.Delete("/books/{id}", handleDeleteBook(deps))
		r.Put("/books/{id}/feedback", handleFeedback(deps))
		r.Post("/reembed", handleReembed(deps))
		r.Get("/status", handleStatus(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ref ingest.Reference
		if !decodeBody(w, r, maxRequestBodySize, &ref) {
			return
		}

		out := deps.Service.Ingest(r.Context(), ref)
		switch out.Result {
		case ingest.ResultFailed:
			writeServiceError(w, out.Err)
		case ingest.ResultCreated:
			writeJSON(w, http.StatusCreated, toOutcomeView(out))
		default:
			writeJSON(w, http.StatusOK, toOutcomeView(out))
		}
	}
}

func handleIngestBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if !decodeBody(w, r, maxBatchBodySize, &req) {
			return
		}

		outcomes, err := deps.Service.IngestBatch(r.Context(), req.Items)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]outcomeView, len(outcomes))
		counts := make(map[ingest.Result]int)
		for i, o := range outcomes {
			views[i] = toOutcomeView(o)
			counts[o.Result]++
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"outcomes": views,
			"created":  counts[ingest.ResultCreated],
			"updated":  counts[ingest.ResultUpdated],
			"skipped":  counts[ingest.ResultSkipped],
			"failed":   counts[ingest.ResultFailed],
		})
	}
}

func handleRecommend(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q recommend.Query
		if !decodeBody(w, r, maxRequestBodySize, &q) {
			return
		}

		recs, err := deps.Service.Recommend(r.Context(), q)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if recs == nil {
			recs = []recommend.Recommendation{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
	}
}

func handleListBooks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := catalog.ListFilter{
			Status: catalog.Status(r.URL.Query().Get("status")),
			Query:  r.URL.Query().Get("q"),
			Limit:  parseIntParam(r, "limit", 50, 500),
			Offset: parseIntParam(r, "offset", 0, 0),
		}
		books, err := deps.Service.ListBooks(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]bookView, len(books))
		for i, b := range books {
			views[i] = toBookView(b)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetBook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Service.GetBook(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		v := toBookView(d.Book)
		v.Feedback = d.Feedback
		writeJSON(w, http.StatusOK, v)
	}
}

func handleDeleteBook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.RemoveBook(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req feedbackRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		fb, err := deps.Service.RecordFeedback(r.Context(), chi.URLParam(r, "id"), *req.Value)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"book_id": fb.BookID, "value": fb.Value})
	}
}

func handleReembed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reembedRequest
		if r.ContentLength > 0 {
			if !decodeBody(w, r, maxRequestBodySize, &req) {
				return
			}
		}
		res, err := deps.Service.Reembed(r.Context(), req.IDs...)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Service.Status(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// decodeBody reads a JSON body into dst and validates it. On failure it
// writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", describeValidation(err))
		return false
	}
	return true
}

// describeValidation turns validator errors into one readable line.
func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	msgs := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), strings.SplitN(fe.Namespace(), ".", 2)[0]+".")
		switch fe.Tag() {
		case "required", "required_if":
			msgs[i] = field + " is required"
		case "oneof":
			msgs[i] = fmt.Sprintf("%s must be one of: %s", field, fe.Param())
		case "gte", "min":
			msgs[i] = fmt.Sprintf("%s must be at least %s", field, fe.Param())
		case "lte", "max":
			msgs[i] = fmt.Sprintf("%s must be at most %s", field, fe.Param())
		default:
			msgs[i] = fmt.Sprintf("%s failed %s validation", field, fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}

// writeServiceError maps service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recommend.ErrInvalidQuery), errors.Is(err, service.ErrInvalidRequest):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, catalog.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "book not found")
	case errors.Is(err, lookup.ErrNoMatch):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, lookup.ErrSourceUnavailable), errors.Is(err, embedding.ErrEmbeddingUnavailable):
		httpError(w, http.StatusServiceUnavailable, "service_unavailable", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
