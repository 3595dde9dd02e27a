package vecindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Compile-time check that QdrantIndex implements Index.
var _ Index = (*QdrantIndex)(nil)

// QdrantIndex is a minimal REST client to a Qdrant server. The collection is
// created with cosine distance if missing, so returned scores are already
// similarities and need no conversion. Tenant isolation uses a namespace
// payload field and a must-match filter on every query.
type QdrantIndex struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

// QdrantConfig holds connection settings for a Qdrant server.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// NewQdrantIndex creates the client and ensures the collection exists.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	q := &QdrantIndex{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: timeout},
	}
	if err := q.ensureCollection(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *QdrantIndex) ensureCollection() error {
	if q.dimension <= 0 {
		return fmt.Errorf("qdrant: dimension must be positive, got %d", q.dimension)
	}
	// Qdrant returns 200 if the collection already exists with the same schema.
	body := map[string]any{
		"vectors": map[string]any{
			"size":     q.dimension,
			"distance": "Cosine",
		},
	}
	return q.do(context.Background(), http.MethodPut,
		fmt.Sprintf("/collections/%s", q.collection), body, nil)
}

// Upsert writes or overwrites the vector stored under (namespace, id).
func (q *QdrantIndex) Upsert(ctx context.Context, namespace, id string, vector []float32) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	body := map[string]any{
		"points": []map[string]any{{
			"id":      id,
			"vector":  vector,
			"payload": map[string]any{"namespace": namespace},
		}},
	}
	return q.do(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s/points?wait=true", q.collection), body, nil)
}

// Query returns the topK most similar vectors within the namespace.
func (q *QdrantIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	if err := validateQuery(namespace, topK); err != nil {
		return nil, err
	}
	body := map[string]any{
		"vector": vector,
		"limit":  topK,
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "namespace", "match": map[string]any{"value": namespace}},
			},
		},
	}
	var resp struct {
		Result []struct {
			ID    any     `json:"id"`
			Score float32 `json:"score"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/search", q.collection), body, &resp)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		matches = append(matches, Match{ID: fmt.Sprintf("%v", r.ID), Score: r.Score})
	}
	return matches, nil
}

// Delete removes the vector stored under (namespace, id).
func (q *QdrantIndex) Delete(ctx context.Context, namespace, id string) error {
	body := map[string]any{"points": []string{id}}
	return q.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/delete?wait=true", q.collection), body, nil)
}

// Count returns the number of vectors in the namespace.
func (q *QdrantIndex) Count(ctx context.Context, namespace string) (int, error) {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "namespace", "match": map[string]any{"value": namespace}},
			},
		},
		"exact": true,
	}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/count", q.collection), body, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// Close is a no-op; the HTTP client holds no persistent resources.
func (q *QdrantIndex) Close() error {
	return nil
}

func (q *QdrantIndex) do(ctx context.Context, method, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, q.url+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: qdrant %s %s: %s", ErrUnavailable, method, path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decoding qdrant response: %v", ErrUnavailable, err)
		}
	}
	return nil
}
