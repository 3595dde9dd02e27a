package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is a registered merchant tenant. Its API key doubles as the partition
// key for every catalog and index operation.
type Store struct {
	ID        string
	Name      string
	Domain    string
	BaseURL   string
	APIKey    string
	CreatedAt time.Time
}

// Product is a catalog item owned by a store. The natural key across
// ingestion runs is (StoreID, Title, URL).
type Product struct {
	ID          string
	StoreID     string
	Title       string
	Description string
	Price       string
	URL         string
	Image       string
	SKU         string
	UpdatedAt   time.Time
}

// Task is a scheduled scrape-and-ingest job for one store.
type Task struct {
	ID              string
	StoreID         string
	ConfigJSON      string
	IntervalMinutes int
	LastRun         *time.Time // nil until the first successful run
	CreatedAt       time.Time
}
