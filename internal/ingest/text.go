package ingest

import (
	"strings"

	"github.com/kalambet/shelf/internal/catalog"
	"github.com/kalambet/shelf/internal/lookup"
)

// maxTextGenres bounds how many genre tags go into the embedded text.
const maxTextGenres = 20

// BuildText renders the representation of a book that gets embedded.
// Missing parts are left out entirely.
func BuildText(m lookup.Metadata) string {
	var parts []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}

	add(m.Title)
	if authors := nonEmpty(m.Authors); len(authors) > 0 {
		add("by " + strings.Join(authors, ", "))
	}
	if m.Series != "" {
		s := "Series: " + m.Series
		if m.SeriesSequence != "" {
			s += " #" + m.SeriesSequence
		}
		add(s)
	}
	add(m.Description)
	if genres := nonEmpty(m.Genres); len(genres) > 0 {
		add("Genres: " + strings.Join(genres[:min(len(genres), maxTextGenres)], ", "))
	}
	return strings.Join(parts, "\n")
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// toBook maps resolved metadata onto a catalog record.
func toBook(m lookup.Metadata) catalog.Book {
	return catalog.Book{
		ExternalID:  lookup.ExternalID(m),
		Title:       strings.TrimSpace(m.Title),
		Authors:     nonEmpty(m.Authors),
		Description: strings.TrimSpace(m.Description),
		Genres:      nonEmpty(m.Genres),
		Series:      catalog.Series{Name: m.Series, Sequence: m.SeriesSequence},
		ISBNs:       m.ISBNs,
		CoverID:     m.CoverID,
		Source:      m.Source,
		Text:        BuildText(m),
	}
}
