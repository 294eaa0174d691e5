package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/shelf/internal/catalog"
	"github.com/kalambet/shelf/internal/ingest"
	"github.com/kalambet/shelf/internal/recommend"
)

// NewMCPServer creates an MCP server exposing the shelf tools and the
// catalog stats resource.
func NewMCPServer(svc Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"shelf",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("shelf: a personal book catalog that recommends what to read next."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ingest_book",
			mcp.WithDescription("Add a book to the catalog by ISBN, Open Library work key, or title and author."),
			mcp.WithString("isbn", mcp.Description("ISBN-10 or ISBN-13")),
			mcp.WithString("work_key", mcp.Description("Open Library work key, e.g. OL45883W")),
			mcp.WithString("title", mcp.Description("Title to search for when no identifier is known")),
			mcp.WithString("author", mcp.Description("Author to narrow a title search")),
		),
		mcpIngestBook(svc),
	)

	s.AddTool(
		mcp.NewTool("recommend_books",
			mcp.WithDescription("Recommend catalog books similar to liked books and/or matching a free-text description."),
			mcp.WithArray("liked_ids", mcp.Description("Catalog ids of books the reader liked"), mcp.WithStringItems()),
			mcp.WithString("prompt", mcp.Description("What the reader is in the mood for")),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithBoolean("include_disliked", mcp.Description("Keep books with negative feedback")),
		),
		mcpRecommend(svc),
	)

	s.AddTool(
		mcp.NewTool("record_feedback",
			mcp.WithDescription("Rate a catalog book between -1 (disliked) and 1 (liked). 0 clears the rating."),
			mcp.WithString("book_id", mcp.Description("Catalog id"), mcp.Required()),
			mcp.WithNumber("value", mcp.Description("Rating in [-1, 1]"), mcp.Required()),
		),
		mcpRecordFeedback(svc),
	)

	s.AddTool(
		mcp.NewTool("remove_book",
			mcp.WithDescription("Remove a book from the catalog."),
			mcp.WithString("book_id", mcp.Description("Catalog id"), mcp.Required()),
		),
		mcpRemoveBook(svc),
	)

	s.AddResource(
		mcp.NewResource(
			"shelf://catalog/stats",
			"Catalog Stats",
			mcp.WithResourceDescription("Book counts by embedding status and index size"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(svc),
	)

	return s
}

func mcpIngestBook(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref := ingest.Reference{
			ISBN:    req.GetString("isbn", ""),
			WorkKey: req.GetString("work_key", ""),
			Title:   req.GetString("title", ""),
			Author:  req.GetString("author", ""),
		}
		switch {
		case ref.ISBN != "":
			ref.Kind = ingest.KindISBN
		case ref.WorkKey != "":
			ref.Kind = ingest.KindWork
		case ref.Title != "":
			ref.Kind = ingest.KindQuery
		default:
			return mcpError("one of isbn, work_key or title is required"), nil
		}

		out := svc.Ingest(ctx, ref)
		if out.Result == ingest.ResultFailed {
			return mcpError(fmt.Sprintf("ingest failed: %s", out.Reason)), nil
		}
		msg := fmt.Sprintf("%s %s", out.Result, out.BookID)
		if out.Reason != "" {
			msg += " (" + out.Reason + ")"
		}
		return mcpText(msg), nil
	}
}

func mcpRecommend(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q := recommend.Query{
			LikedIDs:        req.GetStringSlice("liked_ids", nil),
			Prompt:          req.GetString("prompt", ""),
			TopK:            req.GetInt("top_k", 0),
			IncludeDisliked: req.GetBool("include_disliked", false),
		}
		if q.TopK > 50 {
			q.TopK = 50
		}

		recs, err := svc.Recommend(ctx, q)
		if errors.Is(err, recommend.ErrInvalidQuery) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("recommend failed: %v", err)), nil
		}
		if len(recs) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(recs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecordFeedback(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("book_id")
		if err != nil {
			return mcpError("book_id is required"), nil
		}
		value, err := req.RequireFloat("value")
		if err != nil {
			return mcpError("value is required"), nil
		}

		fb, err := svc.RecordFeedback(ctx, id, value)
		if errors.Is(err, catalog.ErrNotFound) {
			return mcpError(fmt.Sprintf("book %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record feedback: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Recorded %g for %s", fb.Value, id)), nil
	}
}

func mcpRemoveBook(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("book_id")
		if err != nil {
			return mcpError("book_id is required"), nil
		}
		err = svc.RemoveBook(ctx, id)
		if errors.Is(err, catalog.ErrNotFound) {
			return mcpError(fmt.Sprintf("book %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to remove: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Removed %s", id)), nil
	}
}

func mcpResourceStats(svc Service) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := svc.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get status: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
