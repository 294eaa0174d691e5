package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, fmt.Sprintf(format, args...))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

type recommendationLine struct {
	BookID      string   `json:"book_id"`
	Title       string   `json:"title"`
	Authors     []string `json:"authors"`
	Similarity  float64  `json:"similarity"`
	Feedback    float64  `json:"feedback"`
	Score       float64  `json:"score"`
	Rank        int      `json:"rank"`
	Explanation string   `json:"explanation"`
}

func writeRecommendations(w io.Writer, recs []recommendationLine) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No recommendations. Try a broader prompt or ingest more books.")
		return
	}
	for _, r := range recs {
		title := colorize(colorBold, r.Title)
		if len(r.Authors) > 0 {
			title += " by " + strings.Join(r.Authors, ", ")
		}
		fmt.Fprintf(w, "%2d. %s\n", r.Rank, title)

		detail := fmt.Sprintf("similarity %.3f  score %.3f", r.Similarity, r.Score)
		if r.Feedback != 0 {
			detail += fmt.Sprintf("  feedback %+.1f", r.Feedback)
		}
		fmt.Fprintf(w, "    %s  %s\n", colorize(colorCyan, r.BookID), colorize(colorDim, detail))
		if r.Explanation != "" {
			fmt.Fprintf(w, "    %s\n", r.Explanation)
		}
	}
}

type bookLine struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Authors []string `json:"authors"`
	Status  string   `json:"status"`
}

func statusColor(status string) string {
	switch status {
	case "ready":
		return colorGreen
	case "failed":
		return colorRed
	default:
		return colorYellow
	}
}

func writeBooks(w io.Writer, books []bookLine) {
	if len(books) == 0 {
		fmt.Fprintln(w, "No books found.")
		return
	}
	for _, b := range books {
		title := b.Title
		if len(b.Authors) > 0 {
			title += " by " + strings.Join(b.Authors, ", ")
		}
		status := colorize(statusColor(b.Status), fmt.Sprintf("%-7s", b.Status))
		fmt.Fprintf(w, "%s  %s  %s\n", colorize(colorCyan, b.ID), status, truncate(title, 80))
	}
}
