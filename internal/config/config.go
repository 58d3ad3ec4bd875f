// Package config holds all configuration types and loading logic for mailflow.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a mailflow server instance.
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Weaviate WeaviateConfig `yaml:"weaviate"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PathsConfig locates the three staging directories and the ledger file.
type PathsConfig struct {
	WaitDir    string `yaml:"wait_dir"`
	RunDir     string `yaml:"run_dir"`
	BuggyDir   string `yaml:"buggy_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// EmbeddingProvider selects which embedding backend the vector database uses
// for the collection. mailflow itself never calls the embedding API directly —
// this is schema metadata passed through to EnsureCollection.
type EmbeddingProvider string

const (
	EmbeddingOpenAI EmbeddingProvider = "openai"
	EmbeddingOllama EmbeddingProvider = "ollama"
)

// EmbeddingConfig describes the vectorizer attached to the collection.
type EmbeddingConfig struct {
	Provider         EmbeddingProvider `yaml:"provider"`
	Model            string            `yaml:"model"`
	VectorDimensions int               `yaml:"vector_dimensions"`
}

// WeaviateConfig points the Vector Sink at its backing store.
type WeaviateConfig struct {
	Host           string          `yaml:"host"`
	APIKey         string          `yaml:"api_key"`
	CollectionName string          `yaml:"collection_name"`
	Embedding      EmbeddingConfig `yaml:"embedding"`
}

// QueueConfig bounds the Work Queue's capacity.
type QueueConfig struct {
	MaxSize int `yaml:"maxsize"`
}

// WorkerConfig sizes the Worker Pool and the Orchestrator's poll cadence.
type WorkerConfig struct {
	Threads      int     `yaml:"threads"`
	PollInterval float64 `yaml:"poll_interval"`
}

// LoggingConfig controls the structured logger's verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			WaitDir:    "./data/wait",
			RunDir:     "./data/run",
			BuggyDir:   "./data/buggy",
			SQLitePath: "./data/mail_status.db",
		},
		Weaviate: WeaviateConfig{
			Host:           "http://localhost:8080",
			APIKey:         "",
			CollectionName: "MailDoc",
			Embedding: EmbeddingConfig{
				Provider:         EmbeddingOpenAI,
				Model:            "text-embedding-3-small",
				VectorDimensions: 1536,
			},
		},
		Queue: QueueConfig{
			MaxSize: 100,
		},
		Worker: WorkerConfig{
			Threads:      4,
			PollInterval: 2.0,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run mailflow with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	MAILFLOW_WEAVIATE_API_KEY — sets weaviate.api_key
//	MAILFLOW_DATA_DIR         — rebases wait/run/buggy/sqlite paths that are still at their default
//	MAILFLOW_WORKER_THREADS   — sets worker.threads
//	MAILFLOW_LOG_LEVEL        — sets logging.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MAILFLOW_WEAVIATE_API_KEY"); v != "" {
		cfg.Weaviate.APIKey = v
	}
	if v := os.Getenv("MAILFLOW_DATA_DIR"); v != "" {
		def := Default()
		if cfg.Paths.WaitDir == def.Paths.WaitDir {
			cfg.Paths.WaitDir = filepath.Join(v, "wait")
		}
		if cfg.Paths.RunDir == def.Paths.RunDir {
			cfg.Paths.RunDir = filepath.Join(v, "run")
		}
		if cfg.Paths.BuggyDir == def.Paths.BuggyDir {
			cfg.Paths.BuggyDir = filepath.Join(v, "buggy")
		}
		if cfg.Paths.SQLitePath == def.Paths.SQLitePath {
			cfg.Paths.SQLitePath = filepath.Join(v, "mail_status.db")
		}
	}
	if v := os.Getenv("MAILFLOW_WORKER_THREADS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Worker.Threads = n
		}
	}
	if v := os.Getenv("MAILFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Paths.WaitDir == "" {
		return errors.New("paths.wait_dir must not be empty")
	}
	if c.Paths.RunDir == "" {
		return errors.New("paths.run_dir must not be empty")
	}
	if c.Paths.BuggyDir == "" {
		return errors.New("paths.buggy_dir must not be empty")
	}
	if c.Paths.SQLitePath == "" {
		return errors.New("paths.sqlite_path must not be empty")
	}
	if c.Weaviate.CollectionName == "" {
		return errors.New("weaviate.collection_name must not be empty")
	}
	switch c.Weaviate.Embedding.Provider {
	case EmbeddingOpenAI, EmbeddingOllama:
		// valid
	default:
		return errors.New(`weaviate.embedding.provider must be one of "openai", "ollama"`)
	}
	if c.Weaviate.Embedding.VectorDimensions < 1 {
		return errors.New("weaviate.embedding.vector_dimensions must be at least 1")
	}
	if c.Queue.MaxSize < 1 {
		return errors.New("queue.maxsize must be at least 1")
	}
	if c.Worker.Threads < 1 {
		return errors.New("worker.threads must be at least 1")
	}
	if c.Worker.PollInterval <= 0 {
		return errors.New("worker.poll_interval must be positive")
	}
	return nil
}
