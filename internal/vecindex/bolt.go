package vecindex

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Compile-time check that BoltIndex implements Index.
var _ Index = (*BoltIndex)(nil)

// BoltIndex stores vectors in a bbolt file, one bucket per namespace. It
// serves deployments that keep the catalog database elsewhere and want the
// index in its own file.
type BoltIndex struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a bbolt-backed index at path.
func OpenBolt(path string) (*BoltIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt index: %w", err)
	}
	return &BoltIndex{db: db}, nil
}

// Upsert writes or overwrites the vector stored under (namespace, id).
func (b *BoltIndex) Upsert(ctx context.Context, namespace, id string, vector []float32) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), encodeFloat32s(vector))
	})
	if err != nil {
		return fmt.Errorf("%w: upserting vector %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

// Query scans the namespace bucket and returns the topK most similar vectors.
// Bucket key order fixes the scan sequence, so tie-breaks are deterministic.
func (b *BoltIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	if err := validateQuery(namespace, topK); err != nil {
		return nil, err
	}

	scan := newTopKScan(topK)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		var buf []float32
		return bucket.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var err error
			buf, err = decodeFloat32sInto(buf, v)
			if err != nil {
				return fmt.Errorf("decoding embedding for %s: %w", k, err)
			}
			scan.offer(string(k), cosine(vector, buf))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return scan.results(), nil
}

// Delete removes the vector stored under (namespace, id).
func (b *BoltIndex) Delete(ctx context.Context, namespace, id string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("%w: deleting vector %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

// Count returns the number of vectors in the namespace.
func (b *BoltIndex) Count(ctx context.Context, namespace string) (int, error) {
	var count int
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting vectors: %v", ErrUnavailable, err)
	}
	return count, nil
}

// Close closes the underlying bolt file.
func (b *BoltIndex) Close() error {
	return b.db.Close()
}
