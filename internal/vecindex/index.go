// Package vecindex provides nearest-neighbor search over product embedding
// vectors. Every operation is namespaced by store id; a query can never return
// a vector written under another namespace.
//
// All backends use cosine similarity, dot(a,b) / (|a|*|b|), on both the write
// and read paths. Scores are in [-1, 1], higher is more similar.
package vecindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrUnavailable is returned when the index backend cannot be reached or fails
// an operation. Query-path callers surface it as a search failure.
var ErrUnavailable = errors.New("vector index unavailable")

// Match is one nearest-neighbor hit.
type Match struct {
	ID    string
	Score float32
}

// Index is the nearest-neighbor search structure over embedding vectors.
type Index interface {
	// Upsert writes or overwrites the vector stored under (namespace, id).
	Upsert(ctx context.Context, namespace, id string, vector []float32) error

	// Query returns the topK most similar vectors within the namespace,
	// ordered by score descending with deterministic tie-breaks.
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error)

	// Delete removes the vector stored under (namespace, id). Deleting a
	// missing id is not an error.
	Delete(ctx context.Context, namespace, id string) error

	// Count returns the number of vectors in the namespace.
	Count(ctx context.Context, namespace string) (int, error)

	// Close releases backend resources.
	Close() error
}

// scored pairs a match with its scan position so equal scores keep a
// deterministic order.
type scored struct {
	Match
	seq int
}

// topKScan selects the topK highest-scoring candidates from a scan. Candidates
// must be offered in scan order; ties are resolved toward the earlier one.
type topKScan struct {
	k     int
	items []scored
	next  int
}

func newTopKScan(k int) *topKScan {
	return &topKScan{k: k}
}

func (s *topKScan) offer(id string, score float32) {
	s.items = append(s.items, scored{Match: Match{ID: id, Score: score}, seq: s.next})
	s.next++
	if len(s.items) > 4*s.k {
		s.compact()
	}
}

func (s *topKScan) compact() {
	sortScored(s.items)
	if len(s.items) > s.k {
		s.items = s.items[:s.k]
	}
}

// results returns the final topK matches, score descending, scan order on ties.
func (s *topKScan) results() []Match {
	s.compact()
	matches := make([]Match, len(s.items))
	for i, it := range s.items {
		matches[i] = it.Match
	}
	return matches
}

func sortScored(items []scored) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].seq < items[j].seq
	})
}

// cosine computes cosine similarity between two vectors. Mismatched lengths
// and zero vectors score 0.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, aSq, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aSq += float64(a[i]) * float64(a[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(aSq) * math.Sqrt(bSq)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

func validateQuery(namespace string, topK int) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if topK <= 0 {
		return fmt.Errorf("topK must be positive, got %d", topK)
	}
	return nil
}
