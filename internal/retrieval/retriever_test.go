package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/storefind/storefind/internal/embedding"
	"github.com/storefind/storefind/internal/storage"
	"github.com/storefind/storefind/internal/vecindex"
)

type mockEmbedder struct {
	embedFn      func(ctx context.Context, text string) ([]float32, error)
	embedImageFn func(ctx context.Context, imageURL string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

func (m *mockEmbedder) EmbedImage(ctx context.Context, imageURL string) ([]float32, error) {
	if m.embedImageFn == nil {
		return nil, embedding.ErrImageNotSupported
	}
	return m.embedImageFn(ctx, imageURL)
}

type mockIndex struct {
	vecindex.Index
	queryFn func(ctx context.Context, ns string, vec []float32, topK int) ([]vecindex.Match, error)
}

func (m *mockIndex) Query(ctx context.Context, ns string, vec []float32, topK int) ([]vecindex.Match, error) {
	return m.queryFn(ctx, ns, vec, topK)
}

type mockCatalog struct {
	products map[string]storage.Product // keyed by id, all one store
	storeID  string
}

func (m *mockCatalog) GetProducts(ctx context.Context, storeID string, ids []string) ([]storage.Product, error) {
	if storeID != m.storeID {
		return nil, nil
	}
	var out []storage.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func fixedVec(text string) []float32 {
	return []float32{0.1, 0.2, 0.3}
}

func newTestRetriever(matches []vecindex.Match, products map[string]storage.Product) *Retriever {
	return NewRetriever(
		&mockEmbedder{embedFn: func(_ context.Context, text string) ([]float32, error) {
			return fixedVec(text), nil
		}},
		&mockIndex{queryFn: func(_ context.Context, ns string, _ []float32, topK int) ([]vecindex.Match, error) {
			if topK < len(matches) {
				return matches[:topK], nil
			}
			return matches, nil
		}},
		&mockCatalog{products: products, storeID: "store-1"},
	)
}

func TestSearch_RanksByScore(t *testing.T) {
	r := newTestRetriever(
		[]vecindex.Match{{ID: "p1", Score: 0.9}, {ID: "p2", Score: 0.7}},
		map[string]storage.Product{
			"p1": {ID: "p1", StoreID: "store-1", Title: "Blue Mug"},
			"p2": {ID: "p2", StoreID: "store-1", Title: "Red Mug"},
		},
	)

	results, err := r.Search(context.Background(), "store-1", Query{Text: "ceramic mug", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Title != "Blue Mug" || results[0].Score != 0.9 {
		t.Errorf("results[0] = %s/%f, want Blue Mug/0.9", results[0].Title, results[0].Score)
	}
	if results[1].Title != "Red Mug" {
		t.Errorf("results[1] = %s, want Red Mug", results[1].Title)
	}
}

func TestSearch_Deterministic(t *testing.T) {
	// Equal scores must keep the index's return order across repeated calls.
	r := newTestRetriever(
		[]vecindex.Match{{ID: "p2", Score: 0.5}, {ID: "p1", Score: 0.5}, {ID: "p3", Score: 0.5}},
		map[string]storage.Product{
			"p1": {ID: "p1", StoreID: "store-1", Title: "A"},
			"p2": {ID: "p2", StoreID: "store-1", Title: "B"},
			"p3": {ID: "p3", StoreID: "store-1", Title: "C"},
		},
	)

	var first []string
	for i := 0; i < 5; i++ {
		results, err := r.Search(context.Background(), "store-1", Query{Text: "q", Limit: 10})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		order := make([]string, len(results))
		for j, res := range results {
			order[j] = res.ID
		}
		if first == nil {
			first = order
			continue
		}
		for j := range order {
			if order[j] != first[j] {
				t.Fatalf("run %d order %v differs from first %v", i, order, first)
			}
		}
	}
	if fmt.Sprint(first) != "[p2 p1 p3]" {
		t.Errorf("tie order = %v, want index order [p2 p1 p3]", first)
	}
}

func TestSearch_DropsMissingCatalogRows(t *testing.T) {
	// An index hit with no catalog row (half-finished upsert) must not surface.
	r := newTestRetriever(
		[]vecindex.Match{{ID: "ghost", Score: 0.99}, {ID: "p1", Score: 0.4}},
		map[string]storage.Product{
			"p1": {ID: "p1", StoreID: "store-1", Title: "Real"},
		},
	)

	results, err := r.Search(context.Background(), "store-1", Query{Text: "q", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "p1" {
		t.Fatalf("results = %v, want only p1", results)
	}
}

func TestSearch_EmptyResultIsNotError(t *testing.T) {
	r := newTestRetriever(nil, nil)
	results, err := r.Search(context.Background(), "store-1", Query{Text: "anything", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("results = %v, want empty non-nil slice", results)
	}
}

func TestSearch_InvalidQueries(t *testing.T) {
	r := newTestRetriever(nil, nil)
	tests := []struct {
		name string
		q    Query
	}{
		{"neither text nor image", Query{Limit: 10}},
		{"both text and image", Query{Text: "mug", ImageURL: "https://x/y.jpg", Limit: 10}},
		{"zero limit", Query{Text: "mug"}},
		{"negative limit", Query{Text: "mug", Limit: -3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Search(context.Background(), "store-1", tt.q); !errors.Is(err, ErrInvalidQuery) {
				t.Errorf("err = %v, want ErrInvalidQuery", err)
			}
		})
	}
}

func TestSearch_EmbedderFailureSurfaces(t *testing.T) {
	r := NewRetriever(
		&mockEmbedder{embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return nil, fmt.Errorf("%w: quota exceeded", embedding.ErrUnavailable)
		}},
		&mockIndex{queryFn: func(_ context.Context, _ string, _ []float32, _ int) ([]vecindex.Match, error) {
			t.Fatal("index must not be queried when embedding fails")
			return nil, nil
		}},
		&mockCatalog{},
	)

	_, err := r.Search(context.Background(), "store-1", Query{Text: "mug", Limit: 5})
	if !errors.Is(err, embedding.ErrUnavailable) {
		t.Fatalf("err = %v, want embedding.ErrUnavailable", err)
	}
}

func TestSearch_IndexFailureSurfaces(t *testing.T) {
	r := NewRetriever(
		&mockEmbedder{embedFn: func(_ context.Context, text string) ([]float32, error) {
			return fixedVec(text), nil
		}},
		&mockIndex{queryFn: func(_ context.Context, _ string, _ []float32, _ int) ([]vecindex.Match, error) {
			return nil, fmt.Errorf("%w: connection refused", vecindex.ErrUnavailable)
		}},
		&mockCatalog{},
	)

	_, err := r.Search(context.Background(), "store-1", Query{Text: "mug", Limit: 5})
	if !errors.Is(err, vecindex.ErrUnavailable) {
		t.Fatalf("err = %v, want vecindex.ErrUnavailable", err)
	}
}

func TestSearch_ImagePath(t *testing.T) {
	var embeddedURL string
	r := NewRetriever(
		&mockEmbedder{
			embedFn: func(_ context.Context, _ string) ([]float32, error) {
				t.Fatal("text path must not be used for image queries")
				return nil, nil
			},
			embedImageFn: func(_ context.Context, imageURL string) ([]float32, error) {
				embeddedURL = imageURL
				return []float32{1, 0}, nil
			},
		},
		&mockIndex{queryFn: func(_ context.Context, _ string, _ []float32, _ int) ([]vecindex.Match, error) {
			return nil, nil
		}},
		&mockCatalog{},
	)

	if _, err := r.Search(context.Background(), "store-1", Query{ImageURL: "https://cdn/x.jpg", Limit: 5}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if embeddedURL != "https://cdn/x.jpg" {
		t.Errorf("embedded url = %q", embeddedURL)
	}
}

func TestSearch_TenantIsolation(t *testing.T) {
	// The catalog store refuses cross-tenant joins even if the index leaked ids.
	r := NewRetriever(
		&mockEmbedder{embedFn: func(_ context.Context, text string) ([]float32, error) {
			return fixedVec(text), nil
		}},
		&mockIndex{queryFn: func(_ context.Context, ns string, _ []float32, _ int) ([]vecindex.Match, error) {
			return []vecindex.Match{{ID: "p1", Score: 0.9}}, nil
		}},
		&mockCatalog{storeID: "store-1", products: map[string]storage.Product{
			"p1": {ID: "p1", StoreID: "store-1", Title: "Mug"},
		}},
	)

	results, err := r.Search(context.Background(), "store-2", Query{Text: "mug", Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("tenant leak: got %d results for store-2, want 0", len(results))
	}
}
