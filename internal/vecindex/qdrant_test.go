package vecindex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newQdrantServer fakes the subset of the Qdrant REST API the client uses.
func newQdrantServer(t *testing.T, searchResult []map[string]any) (*httptest.Server, *[]string) {
	t.Helper()
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch {
		case r.URL.Path == "/collections/products/points/search":
			var req map[string]any
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decoding search request: %v", err)
			}
			if req["filter"] == nil {
				t.Error("search request missing namespace filter")
			}
			json.NewEncoder(w).Encode(map[string]any{"result": searchResult})
		default:
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"count": 0}})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &paths
}

func TestQdrantQuery(t *testing.T) {
	srv, _ := newQdrantServer(t, []map[string]any{
		{"id": "p1", "score": 0.91},
		{"id": "p2", "score": 0.72},
	})

	idx, err := NewQdrantIndex(QdrantConfig{URL: srv.URL, Collection: "products", Dimension: 4})
	if err != nil {
		t.Fatalf("NewQdrantIndex: %v", err)
	}

	matches, err := idx.Query(context.Background(), "store-1", []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ID != "p1" || matches[0].Score != 0.91 {
		t.Errorf("matches[0] = %+v", matches[0])
	}
}

func TestQdrantEnsureCollectionOnNew(t *testing.T) {
	srv, paths := newQdrantServer(t, nil)

	if _, err := NewQdrantIndex(QdrantConfig{URL: srv.URL, Collection: "products", Dimension: 4}); err != nil {
		t.Fatalf("NewQdrantIndex: %v", err)
	}
	if len(*paths) == 0 || (*paths)[0] != "PUT /collections/products" {
		t.Errorf("first request = %v, want collection bootstrap PUT", *paths)
	}
}

func TestQdrantUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewQdrantIndex(QdrantConfig{URL: srv.URL, Collection: "products", Dimension: 4})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestQdrantDimensionRequired(t *testing.T) {
	if _, err := NewQdrantIndex(QdrantConfig{URL: "http://localhost:6333", Collection: "products"}); err == nil {
		t.Fatal("expected error for missing dimension, got nil")
	}
}
