// Package config defines the typed configuration for the memory engine,
// loaded from YAML with environment overrides, validated at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"memscreen/internal/memerr"
)

// Config is the root configuration.
type Config struct {
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	LLM         LLMConfig         `yaml:"llm"`
	MLLM        LLMConfig         `yaml:"mllm"`

	// HistoryDBPath is the SQLite history log file. Defaults to
	// <dir>/history.db.
	HistoryDBPath string `yaml:"history_db_path"`

	EnableGraph bool `yaml:"enable_graph"`

	// Version selects the output shape of ingestion results.
	Version string `yaml:"version" validate:"omitempty,oneof=v1.0 v1.1"`

	// Timezone is the IANA zone used to render stored timestamps.
	Timezone string `yaml:"timezone"`

	CustomFactExtractionPrompt string `yaml:"custom_fact_extraction_prompt"`
	CustomUpdateMemoryPrompt   string `yaml:"custom_update_memory_prompt"`

	Tiering TieringConfig `yaml:"tiering"`
	History HistoryConfig `yaml:"history"`
	Caches  CacheConfig   `yaml:"caches"`
	Breaker BreakerConfig `yaml:"breaker"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`

	// Dir is the process state directory. Defaults to ~/.memscreen.
	Dir string `yaml:"dir"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console text"`
	File   string `yaml:"file"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// Default returns the full default configuration. Paths that depend on the
// state directory are resolved by ResolvePaths once Dir is final.
func Default() *Config {
	return &Config{
		VectorStore: VectorStoreConfig{
			Provider: "sqlite",
			Config: VectorStoreOptions{
				CollectionName: "memscreen",
			},
		},
		Embedder: EmbedderConfig{
			Provider: "ollama",
			Config: EmbedderOptions{
				Model:         "nomic-embed-text",
				BaseURL:       "http://localhost:11434",
				EmbeddingDims: 768,
			},
		},
		LLM: LLMConfig{
			Provider: "ollama",
			Config: LLMOptions{
				Model:       "llama3.1:8b",
				BaseURL:     "http://localhost:11434",
				Temperature: 0.1,
				MaxTokens:   2000,
				TopP:        0.9,
				TopK:        40,
				NumCtx:      8192,
			},
		},
		MLLM: LLMConfig{
			Provider: "ollama",
			Config: LLMOptions{
				Model:       "llava:13b",
				BaseURL:     "http://localhost:11434",
				Temperature: 0.2,
				MaxTokens:   1024,
				TopP:        0.9,
				TopK:        40,
				NumCtx:      4096,
			},
		},
		Version:  "v1.1",
		Timezone: "US/Pacific",
		Tiering: TieringConfig{
			EnableWorking:          true,
			WorkingMaxAge:          "1h",
			ShortTermMaxAge:        "168h",
			PromoteAccessThreshold: 3,
			AutoCompress:           true,
			SweepInterval:          "24h",
		},
		History: HistoryConfig{
			BatchSize:     50,
			FlushInterval: "1s",
			QueueSize:     512,
		},
		Caches: CacheConfig{
			EmbedLRU:          1000,
			ConflictLRU:       256,
			RetrievalLRU:      100,
			ResponseLRU:       100,
			ClassificationLRU: 50,
			SearchCapacity:    1000,
			SearchTTL:         "300s",
		},
		Breaker: BreakerConfig{
			MaxRequests:      5,
			Interval:         "30s",
			Timeout:          "60s",
			FailureThreshold: 0.6,
			MinRequests:      5,
		},
		Server: ServerConfig{
			Addr:            ":8787",
			ReadTimeout:     "30s",
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// pure defaults. Environment overrides and path resolution are applied
// afterward in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, memerr.E("config.load", memerr.KindConfig, fmt.Errorf("failed to parse config: %w", err))
	}

	cfg.applyEnvOverrides()
	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("MEMSCREEN_DIR"); dir != "" {
		c.Dir = dir
	}
	if path := os.Getenv("MEMSCREEN_DB"); path != "" {
		c.HistoryDBPath = path
	}
	if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
		if c.Embedder.Provider == "ollama" {
			c.Embedder.Config.BaseURL = url
		}
		if c.LLM.Provider == "ollama" {
			c.LLM.Config.BaseURL = url
		}
		if c.MLLM.Provider == "ollama" {
			c.MLLM.Config.BaseURL = url
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedder.Config.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.LLM.Provider == "openai" {
			c.LLM.Config.APIKey = key
		}
		if c.MLLM.Provider == "openai" {
			c.MLLM.Config.APIKey = key
		}
	}
}

// ResolvePaths fills Dir-derived defaults and creates the state directory.
func (c *Config) ResolvePaths() error {
	if c.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return memerr.E("config.dir", memerr.KindConfig, fmt.Errorf("failed to resolve home directory: %w", err))
		}
		c.Dir = filepath.Join(home, ".memscreen")
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return memerr.E("config.dir", memerr.KindConfig, fmt.Errorf("failed to create state directory: %w", err))
	}
	if c.HistoryDBPath == "" {
		c.HistoryDBPath = filepath.Join(c.Dir, "history.db")
	}
	if c.VectorStore.Config.Path == "" && c.VectorStore.Config.Host == "" {
		c.VectorStore.Config.Path = filepath.Join(c.Dir, "vector.db")
	}
	return nil
}

// Validate checks the configuration. Returns KindConfig errors.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return memerr.E("config.validate", memerr.KindConfig, err)
	}

	if c.VectorStore.Provider == "" {
		return memerr.Errorf("config.validate", memerr.KindConfig, "vector_store.provider is required")
	}
	if c.VectorStore.Config.Path == "" && (c.VectorStore.Config.Host == "" || c.VectorStore.Config.Port == 0) {
		return memerr.Errorf("config.validate", memerr.KindConfig,
			"vector_store.config requires path or host and port")
	}
	if c.Embedder.Config.EmbeddingDims <= 0 {
		return memerr.Errorf("config.validate", memerr.KindConfig,
			"embedder.config.embedding_dims must be positive, got %d", c.Embedder.Config.EmbeddingDims)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return memerr.E("config.validate", memerr.KindConfig,
				fmt.Errorf("failed to load timezone %q: %w", c.Timezone, err))
		}
	}
	return nil
}

// Location returns the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (c *Config) GetSweepInterval() time.Duration {
	return parseDuration(c.Tiering.SweepInterval, 24*time.Hour)
}

func (c *Config) GetWorkingMaxAge() time.Duration {
	return parseDuration(c.Tiering.WorkingMaxAge, time.Hour)
}

func (c *Config) GetShortTermMaxAge() time.Duration {
	return parseDuration(c.Tiering.ShortTermMaxAge, 7*24*time.Hour)
}

func (c *Config) GetFlushInterval() time.Duration {
	return parseDuration(c.History.FlushInterval, time.Second)
}

func (c *Config) GetSearchTTL() time.Duration {
	return parseDuration(c.Caches.SearchTTL, 300*time.Second)
}

func (c *Config) GetServerReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 30*time.Second)
}

func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}
