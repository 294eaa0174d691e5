package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// SetEmbedding stores the vector for a book and marks it ready.
// It fails with ErrDimensionMismatch when the length disagrees with the
// configured dimension, and with ErrStaleText when e.TextHash no longer
// matches the book. If no dimension is configured yet, the first stored
// vector fixes it.
func (s *Store) SetEmbedding(ctx context.Context, e Embedding) error {
	if len(e.Vector) == 0 {
		return fmt.Errorf("book %s: empty vector: %w", e.BookID, ErrDimensionMismatch)
	}
	dim := s.Dimension()
	if dim == 0 {
		s.dim.CompareAndSwap(0, int64(len(e.Vector)))
		dim = s.Dimension()
	}
	if len(e.Vector) != dim {
		return fmt.Errorf("book %s: got %d, want %d: %w", e.BookID, len(e.Vector), dim, ErrDimensionMismatch)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning embedding write: %w", err)
	}
	defer tx.Rollback()

	var textHash string
	err = tx.QueryRowContext(ctx, `SELECT text_hash FROM books WHERE id = ?`, e.BookID).Scan(&textHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading book %s: %w", e.BookID, err)
	}
	if e.TextHash != "" && e.TextHash != textHash {
		return fmt.Errorf("book %s: %w", e.BookID, ErrStaleText)
	}

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO embeddings (book_id, vector, model, dimension, text_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_id) DO UPDATE SET vector = excluded.vector, model = excluded.model,
			dimension = excluded.dimension, text_hash = excluded.text_hash, created_at = excluded.created_at`,
		e.BookID, encodeFloat32s(e.Vector), e.Model, len(e.Vector), textHash, now,
	); err != nil {
		return fmt.Errorf("storing embedding for %s: %w", e.BookID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE books SET status = 'ready', embed_attempts = 0, last_error = '', next_attempt_at = '', updated_at = ?
		WHERE id = ?`, now, e.BookID); err != nil {
		return fmt.Errorf("marking %s ready: %w", e.BookID, err)
	}
	return tx.Commit()
}

// MarkEmbedFailure records a failed embedding attempt. The book stays
// pending with an exponential retry delay until maxAttempts is reached,
// after which it is marked failed. It returns the resulting status.
func (s *Store) MarkEmbedFailure(ctx context.Context, id, errMsg string, maxAttempts int) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning failure write: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT embed_attempts FROM books WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	attempts++
	status := StatusPending
	if maxAttempts > 0 && attempts >= maxAttempts {
		status = StatusFailed
		_, err = tx.ExecContext(ctx, `
			UPDATE books SET status = 'failed', embed_attempts = ?, last_error = ?, next_attempt_at = '', updated_at = ?
			WHERE id = ?`, attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `
			UPDATE books SET status = 'pending', embed_attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
			WHERE id = ?`, attempts, errMsg, now.Add(backoff).Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return "", err
	}
	return status, tx.Commit()
}

// Pending returns books that need an embedding and are due for an attempt,
// oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Book, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bookColumns+` FROM books
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY seq ASC LIMIT ?`, s.timestamp(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending books: %w", err)
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

// Requeue moves the given books back to pending with a fresh attempt budget.
// With no ids, every failed book is requeued. It returns the number moved.
func (s *Store) Requeue(ctx context.Context, ids ...string) (int, error) {
	query := `UPDATE books SET status = 'pending', embed_attempts = 0, next_attempt_at = '', updated_at = ?`
	args := []any{s.timestamp()}
	if len(ids) == 0 {
		query += ` WHERE status = 'failed'`
	} else {
		query += ` WHERE status != 'ready' AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
		args = append(args, toArgs(ids)...)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeueing books: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// InvalidateStale drops every embedding that was produced by a different
// model or has a different length, returning those books to pending.
func (s *Store) InvalidateStale(ctx context.Context, model string, dim int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning invalidation: %w", err)
	}
	defer tx.Rollback()

	cond := `model != ?`
	args := []any{model}
	if dim > 0 {
		cond += ` OR dimension != ?`
		args = append(args, dim)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE books SET status = 'pending', embed_attempts = 0, next_attempt_at = '', updated_at = ?
		WHERE id IN (SELECT book_id FROM embeddings WHERE `+cond+`)`,
		append([]any{s.timestamp()}, args...)...); err != nil {
		return 0, fmt.Errorf("resetting stale books: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE `+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting stale embeddings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// StoredDimension returns the length most of model's stored vectors have,
// 0 when none are stored.
func (s *Store) StoredDimension(ctx context.Context, model string) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, `
		SELECT dimension FROM embeddings WHERE model = ?
		GROUP BY dimension ORDER BY COUNT(*) DESC, dimension ASC LIMIT 1`, model).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading stored dimension: %w", err)
	}
	return dim, nil
}

// Embedding returns the stored vector for a ready book.
func (s *Store) Embedding(ctx context.Context, id string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT e.vector FROM embeddings e JOIN books b ON b.id = e.book_id
		WHERE e.book_id = ? AND b.status = 'ready'`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading embedding for %s: %w", id, err)
	}
	return decodeFloat32s(blob)
}

// EmbeddingsFor returns vectors for the ready books among ids.
func (s *Store) EmbeddingsFor(ctx context.Context, ids []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.book_id, e.vector FROM embeddings e JOIN books b ON b.id = e.book_id
		WHERE b.status = 'ready' AND e.book_id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`,
		toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		out[id] = vec
	}
	return out, rows.Err()
}

// EmbeddingHashes returns, for the ready books among ids, the hash of the
// text their stored vector was computed from.
func (s *Store) EmbeddingHashes(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.book_id, e.text_hash FROM embeddings e JOIN books b ON b.id = e.book_id
		WHERE b.status = 'ready' AND e.book_id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`,
		toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying embedding hashes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// AllEmbedded returns every ready book's vector in insertion order.
func (s *Store) AllEmbedded(ctx context.Context) ([]Embedded, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, e.vector FROM books b JOIN embeddings e ON e.book_id = b.id
		WHERE b.status = 'ready' ORDER BY b.seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying embedded books: %w", err)
	}
	defer rows.Close()

	var out []Embedded
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		out = append(out, Embedded{ID: id, Vector: vec})
	}
	return out, rows.Err()
}

// EmbeddingsFingerprint hashes the set of ready books and the text their
// vectors were computed from. It changes whenever the indexable set does.
func (s *Store) EmbeddingsFingerprint(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, e.text_hash, e.model, e.dimension FROM books b JOIN embeddings e ON e.book_id = b.id
		WHERE b.status = 'ready' ORDER BY b.seq ASC`)
	if err != nil {
		return "", fmt.Errorf("querying fingerprint rows: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var id, textHash, model string
		var dim int
		if err := rows.Scan(&id, &textHash, &model, &dim); err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s|%s|%s|%d\n", id, textHash, model, dim)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
