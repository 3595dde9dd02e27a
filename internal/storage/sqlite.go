package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Catalog wraps a SQLite database holding stores, products and scheduled tasks.
type Catalog struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Catalog, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "storefind.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return c, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// DB exposes the underlying connection for components sharing this database,
// such as the SQLite vector index backend.
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (c *Catalog) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := c.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := c.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Stores ---

func (c *Catalog) CreateStore(s Store) error {
	_, err := c.db.Exec(`
		INSERT INTO stores (id, name, domain, base_url, api_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Domain, s.BaseURL, s.APIKey, s.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (c *Catalog) GetStore(id string) (Store, error) {
	return c.scanStore(c.db.QueryRow(`
		SELECT id, name, domain, base_url, api_key, created_at
		FROM stores WHERE id = ?`, id))
}

// GetStoreByAPIKey resolves a tenant from its API key. Returns ErrNotFound for
// unknown keys; callers treat that as an authentication failure.
func (c *Catalog) GetStoreByAPIKey(key string) (Store, error) {
	return c.scanStore(c.db.QueryRow(`
		SELECT id, name, domain, base_url, api_key, created_at
		FROM stores WHERE api_key = ?`, key))
}

func (c *Catalog) scanStore(row *sql.Row) (Store, error) {
	var s Store
	var createdAt string
	err := row.Scan(&s.ID, &s.Name, &s.Domain, &s.BaseURL, &s.APIKey, &createdAt)
	if err == sql.ErrNoRows {
		return Store{}, ErrNotFound
	}
	if err != nil {
		return Store{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Store{}, fmt.Errorf("parsing created_at: %w", err)
	}
	s.CreatedAt = t
	return s, nil
}

// --- Products ---

// FindProductID returns the id of the product matching the natural key, or
// ErrNotFound. Used by the ingestion engine to keep vector ids stable across
// re-ingestion of the same logical item.
func (c *Catalog) FindProductID(storeID, title, url string) (string, error) {
	var id string
	err := c.db.QueryRow(`SELECT id FROM products WHERE store_id = ? AND title = ? AND url = ?`,
		storeID, title, url).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// UpsertProduct inserts the product or, when the natural key already exists,
// replaces every mutable field. The row id never changes on update.
func (c *Catalog) UpsertProduct(p Product) error {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := c.db.Exec(`
		INSERT INTO products (id, store_id, title, description, price, url, image, sku, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store_id, title, url) DO UPDATE SET
			description = excluded.description,
			price = excluded.price,
			image = excluded.image,
			sku = excluded.sku,
			updated_at = excluded.updated_at`,
		p.ID, p.StoreID, p.Title, p.Description, p.Price, p.URL, p.Image, p.SKU,
		updatedAt.Format(time.RFC3339),
	)
	return err
}

// GetProducts returns the products matching ids, restricted to the given
// store. Ids belonging to other stores are silently dropped; tenant isolation
// is enforced here, not only in callers.
func (c *Catalog) GetProducts(ctx context.Context, storeID string, ids []string) ([]Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, storeID)
	for _, id := range ids {
		args = append(args, id)
	}

	query := `SELECT id, store_id, title, description, price, url, image, sku, updated_at
		FROM products WHERE store_id = ? AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying products: %w", err)
	}
	defer rows.Close()

	return scanProducts(rows)
}

// ListProducts returns all products for a store ordered by last update, newest first.
func (c *Catalog) ListProducts(ctx context.Context, storeID string, limit int) ([]Product, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, store_id, title, description, price, url, image, sku, updated_at
		FROM products WHERE store_id = ? ORDER BY updated_at DESC LIMIT ?`, storeID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	defer rows.Close()

	return scanProducts(rows)
}

// CountProducts returns the number of products owned by a store.
func (c *Catalog) CountProducts(storeID string) (int, error) {
	var count int
	err := c.db.QueryRow("SELECT COUNT(*) FROM products WHERE store_id = ?", storeID).Scan(&count)
	return count, err
}

func scanProducts(rows *sql.Rows) ([]Product, error) {
	var results []Product
	for rows.Next() {
		var p Product
		var updatedAt string
		if err := rows.Scan(&p.ID, &p.StoreID, &p.Title, &p.Description, &p.Price, &p.URL, &p.Image, &p.SKU, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning product: %w", err)
		}
		t, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at for %s: %w", p.ID, err)
		}
		p.UpdatedAt = t
		results = append(results, p)
	}
	return results, rows.Err()
}

// --- Tasks ---

func (c *Catalog) CreateTask(t Task) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := c.db.Exec(`
		INSERT INTO tasks (id, store_id, config_json, interval_minutes, last_run, created_at)
		VALUES (?, ?, ?, ?, NULL, ?)`,
		t.ID, t.StoreID, t.ConfigJSON, t.IntervalMinutes, createdAt.Format(time.RFC3339),
	)
	return err
}

func (c *Catalog) GetTask(id string) (Task, error) {
	row := c.db.QueryRow(`
		SELECT id, store_id, config_json, interval_minutes, last_run, created_at
		FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// ListTasks returns every scheduled task, oldest first. The scheduler re-reads
// this list on each tick.
func (c *Catalog) ListTasks() ([]Task, error) {
	rows, err := c.db.Query(`
		SELECT id, store_id, config_json, interval_minutes, last_run, created_at
		FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(scan func(dest ...any) error) (Task, error) {
	var t Task
	var lastRun sql.NullString
	var createdAt string
	if err := scan(&t.ID, &t.StoreID, &t.ConfigJSON, &t.IntervalMinutes, &lastRun, &createdAt); err != nil {
		return Task{}, err
	}
	ct, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Task{}, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	t.CreatedAt = ct
	if lastRun.Valid {
		lr, err := time.Parse(time.RFC3339, lastRun.String)
		if err != nil {
			return Task{}, fmt.Errorf("parsing last_run for task %s: %w", t.ID, err)
		}
		t.LastRun = &lr
	}
	return t, nil
}

// UpdateTaskLastRun records a successful run. The scheduler calls this only
// after the scrape and ingest both completed.
func (c *Catalog) UpdateTaskLastRun(id string, lastRun time.Time) error {
	res, err := c.db.Exec(`UPDATE tasks SET last_run = ? WHERE id = ?`,
		lastRun.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task row. The scheduler picks the change up on its next
// tick; a run already in flight is left to finish.
func (c *Catalog) DeleteTask(id string) error {
	res, err := c.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
