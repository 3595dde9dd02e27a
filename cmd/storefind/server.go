package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/storefind/storefind/internal/api"
	"github.com/storefind/storefind/internal/config"
	"github.com/storefind/storefind/internal/embedding"
	"github.com/storefind/storefind/internal/ingest"
	"github.com/storefind/storefind/internal/retrieval"
	"github.com/storefind/storefind/internal/scheduler"
	"github.com/storefind/storefind/internal/scraper"
	"github.com/storefind/storefind/internal/storage"
	"github.com/storefind/storefind/internal/vecindex"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the storefind server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running storefind server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storefind system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "storefind.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "storefind version %s\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse to start a second instance on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("storefind is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("storefind is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := catalog.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	index, err := openIndex(cfg, catalog)
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	defer func() {
		if err := index.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing vector index: %v\n", err)
		}
	}()

	embedder := embedding.NewClient(embedding.Config{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.EmbeddingAPIKey(),
		Model:      cfg.Embedding.Model,
		ImageModel: cfg.Embedding.ImageModel,
		Dimension:  cfg.Embedding.Dimension,
		Timeout:    time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
	})

	engine := ingest.NewEngine(catalog, embedder, index)
	retriever := retrieval.NewRetriever(embedder, index, catalog)
	scr := scraper.New(nil)

	// A task run is one scrape followed by one ingest batch.
	runTask := func(taskCtx context.Context, task storage.Task) error {
		taskCtx, cancel := context.WithTimeout(taskCtx, 10*time.Minute)
		defer cancel()

		var scrapeCfg scraper.Config
		if err := json.Unmarshal([]byte(task.ConfigJSON), &scrapeCfg); err != nil {
			return fmt.Errorf("parsing task config: %w", err)
		}
		records, err := scr.Scrape(taskCtx, scrapeCfg)
		if err != nil {
			return err
		}
		report, err := engine.Ingest(taskCtx, task.StoreID, records)
		if err != nil {
			return err
		}
		logger.Info("task ingest complete",
			"task", task.ID,
			"store", task.StoreID,
			"succeeded", report.Succeeded,
			"failed", len(report.Failed))
		return nil
	}

	sched := scheduler.New(catalog, runTask, time.Duration(cfg.Scheduler.TickSeconds)*time.Second, logger)
	if cfg.Scheduler.Enabled {
		go func() {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("scheduler stopped", "error", err)
			}
		}()
	}

	handler := api.NewHandler(api.Deps{
		Catalog:     catalog,
		Searcher:    retriever,
		Ingester:    engine,
		Runner:      sched,
		Log:         logger,
		SearchLimit: cfg.Retrieval.TopK,
	})

	// MCP over stdio runs alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Catalog:  catalog,
		Searcher: retriever,
		Ingester: engine,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "storefind listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openIndex(cfg config.Config, catalog *storage.Catalog) (vecindex.Index, error) {
	switch cfg.Index.Backend {
	case "sqlite":
		return vecindex.NewSQLiteIndex(catalog.DB()), nil
	case "bolt":
		path := cfg.Index.Bolt.Path
		if path == "" {
			path = filepath.Join(cfg.Storage.DataDir, "vectors.db")
		}
		return vecindex.OpenBolt(path)
	case "qdrant":
		return vecindex.NewQdrantIndex(vecindex.QdrantConfig{
			URL:        cfg.Index.Qdrant.URL,
			APIKey:     cfg.QdrantAPIKey(),
			Collection: cfg.Index.Qdrant.Collection,
			Dimension:  cfg.Embedding.Dimension,
		})
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}

func stopServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("storefind is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop storefind (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to storefind (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embedding model", "%s (%d dims)", cfg.Embedding.Model, cfg.Embedding.Dimension)
	printStatus("Index backend", "%s", cfg.Index.Backend)
	if cfg.Index.Backend == "qdrant" {
		printStatus("Qdrant", "%s (collection %s)", cfg.Index.Qdrant.URL, cfg.Index.Qdrant.Collection)
	}
	if cfg.Scheduler.Enabled {
		printStatus("Scheduler", "enabled (tick %ds)", cfg.Scheduler.TickSeconds)
	} else {
		printStatus("Scheduler", "disabled")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
