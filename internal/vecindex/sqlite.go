package vecindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that SQLiteIndex implements Index.
var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex provides brute-force cosine similarity search backed by the
// product_vectors table of the catalog database. This is the default backend:
// catalogs in the tens of thousands of items scan in a few milliseconds, and
// sharing the catalog's database keeps deployment to a single file.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps an existing *sql.DB for vector operations.
// The product_vectors table must already exist (created via migrations).
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// Upsert writes or overwrites the vector stored under (namespace, id).
func (s *SQLiteIndex) Upsert(ctx context.Context, namespace, id string, vector []float32) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_vectors (store_id, id, embedding, inserted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(store_id, id) DO UPDATE SET
			embedding = excluded.embedding,
			inserted_at = excluded.inserted_at`,
		namespace, id, encodeFloat32s(vector), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("%w: upserting vector %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

// Query scans the namespace's vectors and returns the topK most similar.
func (s *SQLiteIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	if err := validateQuery(namespace, topK); err != nil {
		return nil, err
	}

	// rowid order makes the scan sequence, and therefore tie-breaks, stable.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM product_vectors WHERE store_id = ? ORDER BY rowid ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: querying vectors: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	scan := newTopKScan(topK)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("%w: scanning row: %v", ErrUnavailable, err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		scan.offer(id, cosine(vector, buf))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating rows: %v", ErrUnavailable, err)
	}

	return scan.results(), nil
}

// Delete removes the vector stored under (namespace, id).
func (s *SQLiteIndex) Delete(ctx context.Context, namespace, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM product_vectors WHERE store_id = ? AND id = ?`, namespace, id)
	if err != nil {
		return fmt.Errorf("%w: deleting vector %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

// Count returns the number of vectors in the namespace.
func (s *SQLiteIndex) Count(ctx context.Context, namespace string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM product_vectors WHERE store_id = ?`, namespace).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: counting vectors: %v", ErrUnavailable, err)
	}
	return count, nil
}

// Close is a no-op; the catalog owns the underlying connection.
func (s *SQLiteIndex) Close() error {
	return nil
}
