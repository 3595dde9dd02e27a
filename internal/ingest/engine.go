package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/storefind/storefind/internal/embedding"
	"github.com/storefind/storefind/internal/storage"
	"github.com/storefind/storefind/internal/vecindex"
)

// RawRecord is one scraped or uploaded product before ingestion. Title is the
// only required field; everything else defaults to empty.
type RawRecord struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price,omitempty"`
	URL         string `json:"url,omitempty"`
	Image       string `json:"image,omitempty"`
	SKU         string `json:"sku,omitempty"`
}

// Failure describes one record that could not be ingested.
type Failure struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Report summarizes one ingestion batch.
type Report struct {
	Succeeded int       `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

// CatalogStore is the catalog surface the engine writes to.
type CatalogStore interface {
	FindProductID(storeID, title, url string) (string, error)
	UpsertProduct(p storage.Product) error
}

// Embedder generates embeddings for record text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// batchConcurrency bounds parallel record processing within one batch.
const batchConcurrency = 4

// Engine turns batches of raw records into catalog entries and index vectors.
// Writes to the same natural key are serialized, so a later ingestion run for
// an item replaces an earlier one instead of racing with it.
type Engine struct {
	catalog  CatalogStore
	embedder Embedder
	index    vecindex.Index
	logger   *slog.Logger

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewEngine creates an ingestion Engine with the given dependencies.
func NewEngine(catalog CatalogStore, embedder Embedder, index vecindex.Index) *Engine {
	return &Engine{
		catalog:  catalog,
		embedder: embedder,
		index:    index,
		logger:   slog.Default(),
		keys:     make(map[string]*sync.Mutex),
	}
}

// Ingest processes one batch for a store. Records fail individually; one bad
// record never aborts the rest of the batch. The report lists every failure
// with its reason, in batch order.
func (e *Engine) Ingest(ctx context.Context, storeID string, records []RawRecord) (Report, error) {
	if storeID == "" {
		return Report{}, fmt.Errorf("store id is required")
	}

	failures := make([]*Failure, len(records))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			if err := e.ingestOne(gCtx, storeID, rec); err != nil {
				e.logger.Warn("record failed", "store_id", storeID, "title", rec.Title, "error", err)
				failures[i] = &Failure{Title: rec.Title, URL: rec.URL, Reason: err.Error()}
			}
			return nil
		})
	}
	g.Wait()

	report := Report{Failed: []Failure{}}
	for _, f := range failures {
		if f != nil {
			report.Failed = append(report.Failed, *f)
		} else {
			report.Succeeded++
		}
	}
	return report, nil
}

func (e *Engine) ingestOne(ctx context.Context, storeID string, rec RawRecord) error {
	// Validate before spending an embedding call.
	if rec.Title == "" {
		return fmt.Errorf("missing title")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := e.lockKey(storeID + "\x00" + rec.Title + "\x00" + rec.URL)
	defer unlock()

	vec, err := e.embedWithRetry(ctx, rec.Title+" "+rec.Description)
	if err != nil {
		return fmt.Errorf("embedding record: %w", err)
	}

	id, err := e.catalog.FindProductID(storeID, rec.Title, rec.URL)
	existed := true
	if errors.Is(err, storage.ErrNotFound) {
		id = uuid.New().String()
		existed = false
	} else if err != nil {
		return fmt.Errorf("resolving natural key: %w", err)
	}

	// Vector first: search joins index hits against the catalog, so a vector
	// without a catalog row is never user-visible.
	if err := e.index.Upsert(ctx, storeID, id, vec); err != nil {
		return fmt.Errorf("upserting vector: %w", err)
	}

	p := storage.Product{
		ID:          id,
		StoreID:     storeID,
		Title:       rec.Title,
		Description: rec.Description,
		Price:       rec.Price,
		URL:         rec.URL,
		Image:       rec.Image,
		SKU:         rec.SKU,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := e.catalog.UpsertProduct(p); err != nil {
		if !existed {
			// Roll back the orphan vector. For updates the catalog row still
			// exists, so the pair stays intact and no rollback is needed.
			if delErr := e.index.Delete(ctx, storeID, id); delErr != nil {
				e.logger.Error("rolling back vector failed", "store_id", storeID, "id", id, "error", delErr)
			}
		}
		return fmt.Errorf("upserting product: %w", err)
	}

	return nil
}

// embedWithRetry retries provider failures with exponential backoff. This is
// the ingestion path only; the query path never retries.
func (e *Engine) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	backoff := retry.WithMaxRetries(2, retry.NewExponential(300*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := e.embedder.Embed(ctx, text)
		if err != nil {
			if errors.Is(err, embedding.ErrUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// lockKey serializes writers to one natural key and returns the unlock func.
func (e *Engine) lockKey(key string) func() {
	e.mu.Lock()
	m, ok := e.keys[key]
	if !ok {
		m = &sync.Mutex{}
		e.keys[key] = m
	}
	e.mu.Unlock()

	m.Lock()
	return m.Unlock
}
