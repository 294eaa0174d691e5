package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// RecordFeedback stores a rating for a book, overwriting any previous one.
// Values are clamped to [-1, 1]; a value of 0 clears the rating.
func (s *Store) RecordFeedback(ctx context.Context, bookID string, value float64) (Feedback, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Feedback{}, fmt.Errorf("feedback value %v is not finite", value)
	}
	value = math.Max(-1, math.Min(1, value))

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books WHERE id = ?`, bookID).Scan(&exists); err != nil {
		return Feedback{}, fmt.Errorf("checking book %s: %w", bookID, err)
	}
	if exists == 0 {
		return Feedback{}, ErrNotFound
	}

	now := s.now().UTC().Truncate(time.Second)
	fb := Feedback{BookID: bookID, Kind: FeedbackRating, Value: value, UpdatedAt: now}

	if value == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM feedback WHERE book_id = ? AND kind = ?`, bookID, FeedbackRating); err != nil {
			return Feedback{}, fmt.Errorf("clearing feedback for %s: %w", bookID, err)
		}
		return fb, nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (book_id, kind, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(book_id, kind) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		bookID, FeedbackRating, value, now.Format(time.RFC3339),
	)
	if err != nil {
		return Feedback{}, fmt.Errorf("storing feedback for %s: %w", bookID, err)
	}
	return fb, nil
}

// Feedback returns the rating for a book, ErrNotFound if there is none.
func (s *Store) Feedback(ctx context.Context, bookID string) (Feedback, error) {
	fb := Feedback{BookID: bookID, Kind: FeedbackRating}
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM feedback WHERE book_id = ? AND kind = ?`, bookID, FeedbackRating,
	).Scan(&fb.Value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Feedback{}, ErrNotFound
	}
	if err != nil {
		return Feedback{}, fmt.Errorf("loading feedback for %s: %w", bookID, err)
	}
	if fb.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Feedback{}, fmt.Errorf("parsing updated_at for %s: %w", bookID, err)
	}
	return fb, nil
}

// FeedbackFor returns ratings for the rated books among ids.
func (s *Store) FeedbackFor(ctx context.Context, ids []string) (map[string]float64, error) {
	out := make(map[string]float64)
	if len(ids) == 0 {
		return out, nil
	}
	args := append([]any{FeedbackRating}, toArgs(ids)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT book_id, value FROM feedback WHERE kind = ? AND book_id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var v float64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, rows.Err()
}
