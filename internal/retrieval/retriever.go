package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/storefind/storefind/internal/storage"
	"github.com/storefind/storefind/internal/vecindex"
)

// ErrInvalidQuery is returned when a search request carries neither text nor
// an image URL, carries both, or asks for a non-positive number of results.
var ErrInvalidQuery = errors.New("invalid query")

// DefaultLimit is the number of results returned when the caller does not ask
// for a specific limit.
const DefaultLimit = 10

// Embedder converts query text or an image reference into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, imageURL string) ([]float32, error)
}

// ProductSource fetches catalog items by id for one store.
type ProductSource interface {
	GetProducts(ctx context.Context, storeID string, ids []string) ([]storage.Product, error)
}

// Query is a search request. Exactly one of Text and ImageURL must be set.
type Query struct {
	Text     string
	ImageURL string
	Limit    int
}

// Result is a catalog item paired with its similarity score, produced fresh
// per query and never persisted.
type Result struct {
	storage.Product
	Score float32
}

// Retriever resolves a free-text or image query into ranked catalog items.
type Retriever struct {
	embedder Embedder
	index    vecindex.Index
	catalog  ProductSource
}

// NewRetriever creates a Retriever backed by the given embedder, vector index
// and catalog.
func NewRetriever(embedder Embedder, index vecindex.Index, catalog ProductSource) *Retriever {
	return &Retriever{embedder: embedder, index: index, catalog: catalog}
}

// Search embeds the query, finds the nearest vectors in the store's namespace
// and joins them against the catalog. Results are ordered by cosine similarity
// descending; equal scores keep the index's return order, so repeated searches
// over an unchanged catalog are deterministic. No matches is an empty slice,
// not an error.
func (r *Retriever) Search(ctx context.Context, storeID string, q Query) ([]Result, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	var vec []float32
	var err error
	if q.Text != "" {
		vec, err = r.embedder.Embed(ctx, q.Text)
	} else {
		vec, err = r.embedder.EmbedImage(ctx, q.ImageURL)
	}
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := r.index.Query(ctx, storeID, vec, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	if len(matches) == 0 {
		return []Result{}, nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}

	products, err := r.catalog.GetProducts(ctx, storeID, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching products: %w", err)
	}

	byID := make(map[string]storage.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	// Join in match order, dropping ids with no catalog row (a half-finished
	// upsert stays invisible to search).
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		p, ok := byID[m.ID]
		if !ok {
			continue
		}
		results = append(results, Result{Product: p, Score: m.Score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results, nil
}

func (q Query) validate() error {
	if q.Text == "" && q.ImageURL == "" {
		return fmt.Errorf("%w: either text or an image url is required", ErrInvalidQuery)
	}
	if q.Text != "" && q.ImageURL != "" {
		return fmt.Errorf("%w: text and image url are mutually exclusive", ErrInvalidQuery)
	}
	if q.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidQuery, q.Limit)
	}
	return nil
}
