package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const bookColumns = `id, external_id, title, authors, description, genres, series, series_index,
	isbns, cover_id, source, embed_text, text_hash, status, embed_attempts, last_error,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (Book, error) {
	var b Book
	var authors, genres, isbns, status, createdAt, updatedAt string
	err := row.Scan(&b.ID, &b.ExternalID, &b.Title, &authors, &b.Description, &genres,
		&b.Series.Name, &b.Series.Sequence, &isbns, &b.CoverID, &b.Source, &b.Text,
		&b.TextHash, &status, &b.EmbedAttempts, &b.LastError, &createdAt, &updatedAt)
	if err != nil {
		return Book{}, err
	}
	b.Status = Status(status)
	if err := decodeList(authors, &b.Authors); err != nil {
		return Book{}, fmt.Errorf("decoding authors for %s: %w", b.ID, err)
	}
	if err := decodeList(genres, &b.Genres); err != nil {
		return Book{}, fmt.Errorf("decoding genres for %s: %w", b.ID, err)
	}
	if err := decodeList(isbns, &b.ISBNs); err != nil {
		return Book{}, fmt.Errorf("decoding isbns for %s: %w", b.ID, err)
	}
	if b.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Book{}, fmt.Errorf("parsing created_at for %s: %w", b.ID, err)
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Book{}, fmt.Errorf("parsing updated_at for %s: %w", b.ID, err)
	}
	return b, nil
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeList(s string, dst *[]string) error {
	if s == "" || s == "[]" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

// Upsert inserts b or refreshes the record sharing its ExternalID.
// Ingesting identical metadata twice leaves a single unchanged record.
// When the embedding text changes the stored vector is dropped and the book
// returns to pending.
func (s *Store) Upsert(ctx context.Context, b Book) (UpsertResult, error) {
	if strings.TrimSpace(b.ExternalID) == "" {
		return UpsertResult{}, errors.New("upsert: external id is required")
	}
	if strings.TrimSpace(b.Title) == "" {
		return UpsertResult{}, errors.New("upsert: title is required")
	}
	textHash := HashText(b.Text)
	mh := metaHash(b)
	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	var (
		id, oldText, oldMeta, status string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, text_hash, meta_hash, status FROM books WHERE external_id = ?`, b.ExternalID,
	).Scan(&id, &oldText, &oldMeta, &status)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = b.ID
		if id == "" {
			id = NewID(b.ExternalID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO books (id, external_id, title, authors, description, genres, series, series_index,
				isbns, cover_id, source, embed_text, text_hash, meta_hash, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
			id, b.ExternalID, b.Title, encodeList(b.Authors), b.Description, encodeList(b.Genres),
			b.Series.Name, b.Series.Sequence, encodeList(b.ISBNs), b.CoverID, b.Source, b.Text,
			textHash, mh, now, now,
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("inserting book %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return UpsertResult{}, fmt.Errorf("committing insert of %s: %w", id, err)
		}
		return UpsertResult{ID: id, Created: true, Changed: true, TextChanged: true, Status: StatusPending}, nil

	case err != nil:
		return UpsertResult{}, fmt.Errorf("looking up %s: %w", b.ExternalID, err)
	}

	res := UpsertResult{ID: id, Status: Status(status)}
	if oldMeta == mh {
		return res, nil
	}
	res.Changed = true

	_, err = tx.ExecContext(ctx, `
		UPDATE books SET title = ?, authors = ?, description = ?, genres = ?, series = ?, series_index = ?,
			isbns = ?, cover_id = ?, source = ?, embed_text = ?, text_hash = ?, meta_hash = ?, updated_at = ?
		WHERE id = ?`,
		b.Title, encodeList(b.Authors), b.Description, encodeList(b.Genres), b.Series.Name,
		b.Series.Sequence, encodeList(b.ISBNs), b.CoverID, b.Source, b.Text, textHash, mh, now, id,
	)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("updating book %s: %w", id, err)
	}

	if oldText != textHash {
		res.TextChanged = true
		res.Status = StatusPending
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE book_id = ?`, id); err != nil {
			return UpsertResult{}, fmt.Errorf("dropping stale embedding for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE books SET status = 'pending', embed_attempts = 0, last_error = '', next_attempt_at = ''
			WHERE id = ?`, id); err != nil {
			return UpsertResult{}, fmt.Errorf("resetting status for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("committing update of %s: %w", id, err)
	}
	return res, nil
}

// Get returns the book with the given catalog id.
func (s *Store) Get(ctx context.Context, id string) (Book, error) {
	b, err := scanBook(s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Book{}, ErrNotFound
	}
	if err != nil {
		return Book{}, fmt.Errorf("loading book %s: %w", id, err)
	}
	return b, nil
}

// GetByExternalID returns the book registered under an external identifier.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (Book, error) {
	b, err := scanBook(s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Book{}, ErrNotFound
	}
	if err != nil {
		return Book{}, fmt.Errorf("loading book %s: %w", externalID, err)
	}
	return b, nil
}

// Books returns the books for ids keyed by id. Unknown ids are absent.
func (s *Store) Books(ctx context.Context, ids []string) (map[string]Book, error) {
	out := make(map[string]Book, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`,
		toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying books: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		out[b.ID] = b
	}
	return out, rows.Err()
}

// List returns books in insertion order.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Book, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, "(title LIKE ? ESCAPE '\\' OR authors LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLike(q) + "%"
		args = append(args, pattern, pattern)
	}

	query := `SELECT ` + bookColumns + ` FROM books`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing books: %w", err)
	}
	defer rows.Close()

	var books []Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// Remove deletes a book together with its embedding and feedback.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM books WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("removing book %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats summarizes the catalog.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Dimension: s.Dimension()}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM books GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("counting books: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		st.Books += n
		switch Status(status) {
		case StatusReady:
			st.Ready = n
		case StatusPending:
			st.Pending = n
		case StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback`).Scan(&st.Feedback); err != nil {
		return Stats{}, fmt.Errorf("counting feedback: %w", err)
	}
	return st, nil
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
