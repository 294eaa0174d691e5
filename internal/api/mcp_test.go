package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/shelf/internal/ingest"
	"github.com/kalambet/shelf/internal/lookup"
	"github.com/kalambet/shelf/internal/recommend"
	"github.com/kalambet/shelf/internal/service"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_IngestBook(t *testing.T) {
	svc := newMockService()
	var got ingest.Reference
	svc.ingestFn = func(ref ingest.Reference) ingest.Outcome {
		got = ref
		return ingest.Outcome{Ref: ref, BookID: "b1", Result: ingest.ResultCreated}
	}
	handler := mcpIngestBook(svc)

	tests := []struct {
		name string
		args map[string]any
		kind ingest.Kind
	}{
		{"isbn wins", map[string]any{"isbn": "9780441013593", "title": "Dune"}, ingest.KindISBN},
		{"work key", map[string]any{"work_key": "OL45883W"}, ingest.KindWork},
		{"title search", map[string]any{"title": "Dune", "author": "Herbert"}, ingest.KindQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("ingest_book", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.IsError {
				t.Fatalf("unexpected error: %s", toolText(t, result))
			}
			if got.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", got.Kind, tt.kind)
			}
			if text := toolText(t, result); text != "created b1" {
				t.Errorf("text = %q", text)
			}
		})
	}
}

func TestMCPTool_IngestBook_Errors(t *testing.T) {
	svc := newMockService()
	svc.ingestFn = func(ref ingest.Reference) ingest.Outcome {
		return ingest.Outcome{Ref: ref, Result: ingest.ResultFailed, Err: lookup.ErrNoMatch, Reason: "no matching book"}
	}
	handler := mcpIngestBook(svc)

	result, _ := handler(context.Background(), makeCallToolRequest("ingest_book", map[string]any{}))
	if !result.IsError {
		t.Error("expected error without identifiers")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("ingest_book", map[string]any{"isbn": "0000000000"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "no matching book") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_Recommend(t *testing.T) {
	svc := newMockService()
	handler := mcpRecommend(svc)

	req := makeCallToolRequest("recommend_books", map[string]any{
		"liked_ids":        []any{"isbn:9780441013593"},
		"prompt":           "desert ecology",
		"top_k":            float64(500),
		"include_disliked": true,
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var recs []recommend.Recommendation
	if err := json.Unmarshal([]byte(toolText(t, result)), &recs); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(recs) != 1 || recs[0].Title != "Dune" {
		t.Errorf("recs = %+v", recs)
	}

	q := svc.lastQuery
	if len(q.LikedIDs) != 1 || q.Prompt != "desert ecology" || q.TopK != 50 || !q.IncludeDisliked {
		t.Errorf("query = %+v", q)
	}
}

func TestMCPTool_Recommend_EmptyAndInvalid(t *testing.T) {
	svc := newMockService()
	handler := mcpRecommend(svc)

	svc.recommendFn = func(recommend.Query) ([]recommend.Recommendation, error) { return nil, nil }
	result, _ := handler(context.Background(), makeCallToolRequest("recommend_books", map[string]any{"prompt": "x"}))
	if result.IsError || toolText(t, result) != "[]" {
		t.Errorf("empty result = %+v", result)
	}

	svc.recommendFn = func(recommend.Query) ([]recommend.Recommendation, error) {
		return nil, recommend.ErrInvalidQuery
	}
	result, _ = handler(context.Background(), makeCallToolRequest("recommend_books", map[string]any{}))
	if !result.IsError {
		t.Error("expected error result for an empty query")
	}
}

func TestMCPTool_RecordFeedback(t *testing.T) {
	svc := newMockService()
	handler := mcpRecordFeedback(svc)

	result, err := handler(context.Background(), makeCallToolRequest("record_feedback", map[string]any{
		"book_id": "isbn:9780441013593",
		"value":   float64(1),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if svc.feedback["isbn:9780441013593"] != 1 {
		t.Errorf("feedback = %v", svc.feedback)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("record_feedback", map[string]any{"book_id": "x"}))
	if !result.IsError {
		t.Error("expected error without value")
	}
	result, _ = handler(context.Background(), makeCallToolRequest("record_feedback", map[string]any{"book_id": "x", "value": float64(1)}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("unknown book result = %+v", result)
	}
}

func TestMCPTool_RemoveBook(t *testing.T) {
	svc := newMockService()
	handler := mcpRemoveBook(svc)

	result, _ := handler(context.Background(), makeCallToolRequest("remove_book", map[string]any{"book_id": "isbn:9780441013593"}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if _, ok := svc.books["isbn:9780441013593"]; ok {
		t.Error("book still present")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("remove_book", map[string]any{"book_id": "isbn:9780441013593"}))
	if !result.IsError {
		t.Error("expected error removing twice")
	}
}

func TestMCPResource_Stats(t *testing.T) {
	svc := newMockService()
	handler := mcpResourceStats(svc)

	contents, err := handler(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "shelf://catalog/stats"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var st service.Status
	if err := json.Unmarshal([]byte(tc.Text), &st); err != nil {
		t.Fatalf("failed to parse stats: %v", err)
	}
	if st.Books != 1 || st.Backend != "bruteforce" {
		t.Errorf("stats = %+v", st)
	}

	svc.statusErr = errors.New("closed")
	if _, err := handler(context.Background(), mcp.ReadResourceRequest{}); err == nil {
		t.Error("expected error")
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	svc := newMockService()
	recommendHandler := mcpRecommend(svc)
	feedbackHandler := mcpRecordFeedback(svc)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := recommendHandler(context.Background(), makeCallToolRequest("recommend_books", map[string]any{"prompt": "x"})); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("record_feedback", map[string]any{"book_id": "isbn:9780441013593", "value": float64(-1)})
			if _, err := feedbackHandler(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

func TestNewMCPServer(t *testing.T) {
	if s := NewMCPServer(newMockService(), "test"); s == nil {
		t.Fatal("nil server")
	}
}
