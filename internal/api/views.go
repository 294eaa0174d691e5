package api

import (
	"time"

	"github.com/kalambet/shelf/internal/catalog"
	"github.com/kalambet/shelf/internal/ingest"
)

type outcomeView struct {
	Ref    string `json:"ref"`
	BookID string `json:"book_id,omitempty"`
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func toOutcomeView(o ingest.Outcome) outcomeView {
	v := outcomeView{
		Ref:    o.Ref.String(),
		BookID: o.BookID,
		Result: string(o.Result),
		Reason: o.Reason,
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return v
}

type bookView struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"external_id"`
	Title         string          `json:"title"`
	Authors       []string        `json:"authors,omitempty"`
	Description   string          `json:"description,omitempty"`
	Genres        []string        `json:"genres,omitempty"`
	Series        *catalog.Series `json:"series,omitempty"`
	ISBNs         []string        `json:"isbns,omitempty"`
	CoverID       string          `json:"cover_id,omitempty"`
	Source        string          `json:"source,omitempty"`
	Status        string          `json:"status"`
	EmbedAttempts int             `json:"embed_attempts,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	Feedback      float64         `json:"feedback,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

func toBookView(b catalog.Book) bookView {
	v := bookView{
		ID:            b.ID,
		ExternalID:    b.ExternalID,
		Title:         b.Title,
		Authors:       b.Authors,
		Description:   b.Description,
		Genres:        b.Genres,
		ISBNs:         b.ISBNs,
		CoverID:       b.CoverID,
		Source:        b.Source,
		Status:        string(b.Status),
		EmbedAttempts: b.EmbedAttempts,
		LastError:     b.LastError,
		CreatedAt:     b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     b.UpdatedAt.Format(time.RFC3339),
	}
	if b.Series.Name != "" {
		s := b.Series
		v.Series = &s
	}
	return v
}
