// Package api exposes the HTTP surface: store registration, authenticated
// search and ingestion, and scheduled task management. Handlers translate the
// error taxonomy of the inner packages into stable HTTP status codes.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/storefind/storefind/internal/embedding"
	"github.com/storefind/storefind/internal/ingest"
	"github.com/storefind/storefind/internal/retrieval"
	"github.com/storefind/storefind/internal/scheduler"
	"github.com/storefind/storefind/internal/scraper"
	"github.com/storefind/storefind/internal/storage"
	"github.com/storefind/storefind/internal/vecindex"
)

const maxRequestBodySize = 10 << 20 // 10MB

// Searcher abstracts semantic retrieval for the API layer.
type Searcher interface {
	Search(ctx context.Context, storeID string, q retrieval.Query) ([]retrieval.Result, error)
}

// Ingester abstracts batch ingestion for the API layer.
type Ingester interface {
	Ingest(ctx context.Context, storeID string, records []ingest.RawRecord) (ingest.Report, error)
}

// TaskRunner triggers an immediate task run.
type TaskRunner interface {
	RunTask(ctx context.Context, id string) error
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Catalog  *storage.Catalog
	Searcher Searcher
	Ingester Ingester
	Runner   TaskRunner
	Log      *slog.Logger

	// SearchLimit is the result count used when a search request does not
	// set one. Zero falls back to retrieval.DefaultLimit.
	SearchLimit int
}

// NewHandler builds the full router. Store registration and health are open;
// everything else requires a store API key.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Post("/stores", handleCreateStore(deps))

	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(deps.Catalog))
		r.Get("/stores", handleGetStore(deps))
		r.Post("/search", handleSearch(deps))
		r.Post("/ingest", handleIngest(deps))
		r.Post("/tasks", handleCreateTask(deps))
		r.Get("/tasks", handleListTasks(deps))
		r.Post("/tasks/{id}/run", handleRunTask(deps))
		r.Delete("/tasks/{id}", handleDeleteTask(deps))
		r.Get("/products", handleListProducts(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

type createStoreRequest struct {
	Name    string `json:"name"`
	Domain  string `json:"domain"`
	BaseURL string `json:"baseUrl"`
}

type storeResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Domain    string `json:"domain"`
	BaseURL   string `json:"baseUrl"`
	APIKey    string `json:"apiKey"`
	CreatedAt string `json:"createdAt"`
}

func handleCreateStore(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createStoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		if req.Domain == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "domain is required")
			return
		}

		key, err := generateAPIKey()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to generate API key: %v", err)
			return
		}

		store := storage.Store{
			ID:        uuid.New().String(),
			Name:      req.Name,
			Domain:    req.Domain,
			BaseURL:   req.BaseURL,
			APIKey:    key,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Catalog.CreateStore(store); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create store: %v", err)
			return
		}

		deps.Log.Info("store registered", "store", store.ID, "domain", store.Domain)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(storeResponse{
			ID:        store.ID,
			Name:      store.Name,
			Domain:    store.Domain,
			BaseURL:   store.BaseURL,
			APIKey:    store.APIKey,
			CreatedAt: store.CreatedAt.Format(time.RFC3339),
		})
	}
}

// The key is the only credential a store gets; 32 random bytes hex-encoded.
func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type storeDetailResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Domain       string            `json:"domain"`
	BaseURL      string            `json:"baseUrl"`
	CreatedAt    string            `json:"createdAt"`
	ProductCount int               `json:"productCount"`
	Products     []productResponse `json:"products"`
}

// handleGetStore returns the calling store and a page of its catalog. The API
// key is never echoed back.
func handleGetStore(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := storeFrom(r)

		count, err := deps.Catalog.CountProducts(store.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count products: %v", err)
			return
		}
		products, err := deps.Catalog.ListProducts(r.Context(), store.ID, parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list products: %v", err)
			return
		}

		out := make([]productResponse, len(products))
		for i, p := range products {
			out[i] = toProductResponse(p)
		}
		writeJSON(w, storeDetailResponse{
			ID:           store.ID,
			Name:         store.Name,
			Domain:       store.Domain,
			BaseURL:      store.BaseURL,
			CreatedAt:    store.CreatedAt.Format(time.RFC3339),
			ProductCount: count,
			Products:     out,
		})
	}
}

type searchRequest struct {
	Query    string `json:"query"`
	ImageURL string `json:"imageUrl"`
	Limit    int    `json:"limit"`
}

type searchResult struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Price       string  `json:"price,omitempty"`
	URL         string  `json:"url,omitempty"`
	Image       string  `json:"image,omitempty"`
	SKU         string  `json:"sku,omitempty"`
	Score       float32 `json:"score"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Limit == 0 {
			req.Limit = deps.SearchLimit
		}
		if req.Limit == 0 {
			req.Limit = retrieval.DefaultLimit
		}

		store := storeFrom(r)
		results, err := deps.Searcher.Search(r.Context(), store.ID, retrieval.Query{
			Text:     req.Query,
			ImageURL: req.ImageURL,
			Limit:    req.Limit,
		})
		if err != nil {
			searchError(w, err)
			return
		}

		out := make([]searchResult, len(results))
		for i, res := range results {
			out[i] = searchResult{
				ID:          res.ID,
				Title:       res.Title,
				Description: res.Description,
				Price:       res.Price,
				URL:         res.URL,
				Image:       res.Image,
				SKU:         res.SKU,
				Score:       res.Score,
			}
		}
		writeJSON(w, map[string]any{"results": out})
	}
}

func searchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, retrieval.ErrInvalidQuery):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, embedding.ErrImageNotSupported):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, embedding.ErrUnavailable), errors.Is(err, vecindex.ErrUnavailable):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
	}
}

type ingestRequest struct {
	Products []ingest.RawRecord `json:"products"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Products) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "products is required")
			return
		}

		store := storeFrom(r)
		report, err := deps.Ingester.Ingest(r.Context(), store.ID, req.Products)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ingest failed: %v", err)
			return
		}
		if report.Failed == nil {
			report.Failed = []ingest.Failure{}
		}
		writeJSON(w, report)
	}
}

type createTaskRequest struct {
	Config          scraper.Config `json:"config"`
	IntervalMinutes int            `json:"intervalMinutes"`
}

type taskResponse struct {
	ID              string         `json:"id"`
	Config          scraper.Config `json:"config"`
	IntervalMinutes int            `json:"intervalMinutes"`
	LastRun         *string        `json:"lastRun"`
	CreatedAt       string         `json:"createdAt"`
}

func taskToResponse(t storage.Task) (taskResponse, error) {
	var cfg scraper.Config
	if err := json.Unmarshal([]byte(t.ConfigJSON), &cfg); err != nil {
		return taskResponse{}, err
	}
	resp := taskResponse{
		ID:              t.ID,
		Config:          cfg,
		IntervalMinutes: t.IntervalMinutes,
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
	}
	if t.LastRun != nil {
		s := t.LastRun.Format(time.RFC3339)
		resp.LastRun = &s
	}
	return resp, nil
}

func handleCreateTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := req.Config.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid scrape config: %v", err)
			return
		}
		if req.IntervalMinutes <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "intervalMinutes must be positive")
			return
		}

		cfgJSON, err := json.Marshal(req.Config)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to marshal config: %v", err)
			return
		}

		store := storeFrom(r)
		task := storage.Task{
			ID:              uuid.New().String(),
			StoreID:         store.ID,
			ConfigJSON:      string(cfgJSON),
			IntervalMinutes: req.IntervalMinutes,
			CreatedAt:       time.Now().UTC(),
		}
		if err := deps.Catalog.CreateTask(task); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create task: %v", err)
			return
		}

		resp, err := taskToResponse(task)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to encode task: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(resp)
	}
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := deps.Catalog.ListTasks()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}

		store := storeFrom(r)
		out := []taskResponse{}
		for _, t := range tasks {
			if t.StoreID != store.ID {
				continue
			}
			resp, err := taskToResponse(t)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to encode task: %v", err)
				return
			}
			out = append(out, resp)
		}
		writeJSON(w, out)
	}
}

// taskForStore loads a task and checks it belongs to the calling store.
// Foreign tasks read as not found so IDs do not leak across tenants.
func taskForStore(deps Deps, r *http.Request) (storage.Task, error) {
	task, err := deps.Catalog.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		return storage.Task{}, err
	}
	if task.StoreID != storeFrom(r).ID {
		return storage.Task{}, storage.ErrNotFound
	}
	return task, nil
}

func handleRunTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := taskForStore(deps, r)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}

		if err := deps.Runner.RunTask(r.Context(), task.ID); err != nil {
			if errors.Is(err, scheduler.ErrTaskRunning) {
				httpError(w, http.StatusConflict, "conflict", "task is already running")
				return
			}
			httpError(w, http.StatusBadGateway, "api_error", "task run failed: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "completed"})
	}
}

func handleDeleteTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := taskForStore(deps, r)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}

		if err := deps.Catalog.DeleteTask(task.ID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete task: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

type productResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price,omitempty"`
	URL         string `json:"url,omitempty"`
	Image       string `json:"image,omitempty"`
	SKU         string `json:"sku,omitempty"`
	UpdatedAt   string `json:"updatedAt"`
}

func toProductResponse(p storage.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Price:       p.Price,
		URL:         p.URL,
		Image:       p.Image,
		SKU:         p.SKU,
		UpdatedAt:   p.UpdatedAt.Format(time.RFC3339),
	}
}

func handleListProducts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)

		store := storeFrom(r)
		products, err := deps.Catalog.ListProducts(r.Context(), store.ID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list products: %v", err)
			return
		}

		out := make([]productResponse, len(products))
		for i, p := range products {
			out[i] = toProductResponse(p)
		}
		writeJSON(w, out)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
