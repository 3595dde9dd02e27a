package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/storefind/storefind/internal/ingest"
)

// ErrScrapeFailed is returned when any page of a scrape cannot be fetched or
// parsed. A scrape is all-or-nothing; partial tolerance belongs to ingestion.
var ErrScrapeFailed = errors.New("scrape failed")

// Selectors are the CSS selectors locating product fields within a page.
// ProductContainer and Title are required; the rest are optional.
type Selectors struct {
	ProductContainer string `json:"productContainer" yaml:"productContainer"`
	Title            string `json:"title" yaml:"title"`
	Description      string `json:"description,omitempty" yaml:"description,omitempty"`
	Price            string `json:"price,omitempty" yaml:"price,omitempty"`
	Image            string `json:"image,omitempty" yaml:"image,omitempty"`
	URL              string `json:"url,omitempty" yaml:"url,omitempty"`
	SKU              string `json:"sku,omitempty" yaml:"sku,omitempty"`
}

// Pagination configures multi-page scraping. Selector is a path template with
// a {page} placeholder, appended to the base URL. MaxPages bounds the walk so
// a scrape always terminates.
type Pagination struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
	MaxPages int    `json:"maxPages,omitempty" yaml:"maxPages,omitempty"`
}

// Config describes one scrape source.
type Config struct {
	Name       string            `json:"name" yaml:"name"`
	BaseURL    string            `json:"baseUrl" yaml:"baseUrl"`
	Selectors  Selectors         `json:"selectors" yaml:"selectors"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Pagination *Pagination       `json:"pagination,omitempty" yaml:"pagination,omitempty"`
}

// Validate checks the required config fields.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl is required")
	}
	if c.Selectors.ProductContainer == "" {
		return fmt.Errorf("selectors.productContainer is required")
	}
	if c.Selectors.Title == "" {
		return fmt.Errorf("selectors.title is required")
	}
	return nil
}

// Storefronts block obvious bots; present ordinary browser headers.
var defaultHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.5",
}

// Scraper extracts product records from configured storefront pages.
type Scraper struct {
	client *http.Client
}

// New creates a Scraper. A nil client gets a default with a 15s timeout.
func New(client *http.Client) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Scraper{client: client}
}

// Scrape fetches the configured source and returns every matched product
// record. Field extraction is best-effort per record (ingestion validates),
// but any page-level fetch or parse error aborts the whole scrape.
func (s *Scraper) Scrape(ctx context.Context, cfg Config) ([]ingest.RawRecord, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid config: %v", ErrScrapeFailed, err)
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing base url: %v", ErrScrapeFailed, err)
	}

	maxPages := 1
	if cfg.Pagination != nil && cfg.Pagination.Enabled {
		maxPages = cfg.Pagination.MaxPages
		if maxPages <= 0 {
			maxPages = 1
		}
	}

	var records []ingest.RawRecord
	for page := 1; page <= maxPages; page++ {
		pageURL := cfg.BaseURL
		if cfg.Pagination != nil && cfg.Pagination.Enabled {
			pageURL = cfg.BaseURL + strings.ReplaceAll(cfg.Pagination.Selector, "{page}", strconv.Itoa(page))
		}

		pageRecords, err := s.scrapePage(ctx, cfg, base, pageURL)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", ErrScrapeFailed, page, err)
		}
		records = append(records, pageRecords...)
	}

	return records, nil
}

func (s *Scraper) scrapePage(ctx context.Context, cfg Config, base *url.URL, pageURL string) ([]ingest.RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", pageURL, err)
	}

	var records []ingest.RawRecord
	doc.Find(cfg.Selectors.ProductContainer).Each(func(_ int, sel *goquery.Selection) {
		rec := ingest.RawRecord{
			Title: strings.TrimSpace(sel.Find(cfg.Selectors.Title).First().Text()),
		}
		if cfg.Selectors.Description != "" {
			rec.Description = strings.TrimSpace(sel.Find(cfg.Selectors.Description).First().Text())
		}
		if cfg.Selectors.Price != "" {
			rec.Price = strings.TrimSpace(sel.Find(cfg.Selectors.Price).First().Text())
		}
		if cfg.Selectors.SKU != "" {
			rec.SKU = strings.TrimSpace(sel.Find(cfg.Selectors.SKU).First().Text())
		}
		if cfg.Selectors.Image != "" {
			if src, ok := sel.Find(cfg.Selectors.Image).First().Attr("src"); ok {
				rec.Image = resolveURL(base, src)
			}
		}
		if cfg.Selectors.URL != "" {
			if href, ok := sel.Find(cfg.Selectors.URL).First().Attr("href"); ok {
				rec.URL = resolveURL(base, href)
			}
		}
		records = append(records, rec)
	})

	return records, nil
}

// resolveURL makes relative hrefs absolute against the source's base URL.
func resolveURL(base *url.URL, ref string) string {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
