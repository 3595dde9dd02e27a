package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable is returned when the embedding provider cannot be reached or
// rejects the request. Callers must fail the owning operation; a zero vector is
// never substituted.
var ErrUnavailable = errors.New("embedding provider unavailable")

// ErrImageNotSupported is returned from EmbedImage when no image model is configured.
var ErrImageNotSupported = errors.New("image embeddings not configured")

// Config holds embedding provider settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	ImageModel string // empty disables EmbedImage
	Dimension  int
	Timeout    time.Duration
}

// Client talks to an OpenAI-compatible /embeddings endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	imageModel string
	dimension  int
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a Client for the given provider configuration.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		imageModel: cfg.ImageModel,
		dimension:  cfg.Dimension,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// Dimension returns the configured vector dimensionality. Every vector the
// client returns has exactly this length.
func (c *Client) Dimension() int {
	return c.dimension
}

// embedRequest is the JSON body for POST /embeddings.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the JSON returned by POST /embeddings.
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed returns the embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, c.model, text)
}

// EmbedImage returns the embedding vector for the image at the given URL,
// using the configured image model.
func (c *Client) EmbedImage(ctx context.Context, imageURL string) ([]float32, error) {
	if c.imageModel == "" {
		return nil, ErrImageNotSupported
	}
	return c.embed(ctx, c.imageModel, imageURL)
}

func (c *Client) embed(ctx context.Context, model, input string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: model, Input: []string{input}})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		if result.Error != nil {
			return nil, fmt.Errorf("%w: %s (status %d)", ErrUnavailable, result.Error.Message, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	if len(result.Data) == 0 {
		return nil, fmt.Errorf("%w: empty embeddings array", ErrUnavailable)
	}

	vec := result.Data[0].Embedding
	if c.dimension > 0 && len(vec) != c.dimension {
		return nil, fmt.Errorf("embed: got dimension %d, want %d (check the configured model)", len(vec), c.dimension)
	}
	return vec, nil
}
