package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// EmbeddingConfig configures the embedding provider (any OpenAI-compatible
// /v1/embeddings endpoint).
type EmbeddingConfig struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	ImageModel     string `yaml:"image_model"` // empty disables image search
	Dimension      int    `yaml:"dimension"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// IndexConfig selects and configures the vector index backend.
type IndexConfig struct {
	Backend string       `yaml:"backend"` // "sqlite", "bolt" or "qdrant"
	Bolt    BoltConfig   `yaml:"bolt"`
	Qdrant  QdrantConfig `yaml:"qdrant"`
}

type BoltConfig struct {
	Path string `yaml:"path"`
}

type QdrantConfig struct {
	URL        string `yaml:"url"`
	Collection string `yaml:"collection"`
	APIKeyEnv  string `yaml:"api_key_env"`
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

type SchedulerConfig struct {
	Enabled     bool `yaml:"enabled"`
	TickSeconds int  `yaml:"tick_seconds"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "text-embedding-3-small",
			Dimension:      1536,
			APIKeyEnv:      "STOREFIND_EMBEDDING_API_KEY",
			TimeoutSeconds: 30,
		},
		Index: IndexConfig{
			Backend: "sqlite",
			Qdrant: QdrantConfig{
				Collection: "products",
				APIKeyEnv:  "STOREFIND_QDRANT_API_KEY",
			},
		},
		Retrieval: RetrievalConfig{
			TopK: 10,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			TickSeconds: 60,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".storefind"
	}
	return home + "/.storefind"
}

// Load reads configuration from the given YAML file (defaults apply when the
// file is absent) and then applies STOREFIND_* environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STOREFIND_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STOREFIND_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("STOREFIND_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("STOREFIND_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("STOREFIND_EMBEDDING_DIMENSION"); v != "" {
		if dim, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimension = dim
		}
	}
	if v := os.Getenv("STOREFIND_INDEX_BACKEND"); v != "" {
		cfg.Index.Backend = v
	}
	if v := os.Getenv("STOREFIND_QDRANT_URL"); v != "" {
		cfg.Index.Qdrant.URL = v
	}
	if v := os.Getenv("STOREFIND_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func validate(cfg Config) error {
	if cfg.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", cfg.Embedding.Dimension)
	}
	if cfg.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", cfg.Retrieval.TopK)
	}
	switch cfg.Index.Backend {
	case "sqlite", "bolt":
	case "qdrant":
		if cfg.Index.Qdrant.URL == "" {
			return fmt.Errorf("index.qdrant.url is required for the qdrant backend")
		}
	default:
		return fmt.Errorf("unknown index backend %q (want sqlite, bolt or qdrant)", cfg.Index.Backend)
	}
	return nil
}

// EmbeddingAPIKey resolves the embedding provider API key from the environment.
func (c Config) EmbeddingAPIKey() string {
	return os.Getenv(c.Embedding.APIKeyEnv)
}

// QdrantAPIKey resolves the Qdrant API key from the environment.
func (c Config) QdrantAPIKey() string {
	return os.Getenv(c.Index.Qdrant.APIKeyEnv)
}
