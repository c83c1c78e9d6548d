// Package config holds the HMLR configuration: LLM and embedding backends,
// retrieval tuning, storage paths, and logging. Loaded from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all HMLR configuration.
type Config struct {
	// LLM configuration (routing, filtering, extraction, summaries)
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Retrieval tuning
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Storage paths
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the LLM client used by the pipeline.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	// Timeout for a single LLM call. Routing falls back to continuation on
	// expiry, retrieval to an empty candidate list.
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// EmbeddingConfig configures the vector embedding engine.
// Supports Ollama (local) and GenAI (cloud) backends.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai"
	Provider string `yaml:"provider"`

	// Ollama Configuration (local embedding server)
	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`    // Default: "all-minilm" (384-dim)

	// GenAI Configuration (Google cloud embedding)
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // Default: "gemini-embedding-001"

	// TaskType for GenAI embeddings: SEMANTIC_SIMILARITY, RETRIEVAL_QUERY,
	// RETRIEVAL_DOCUMENT, ...
	TaskType string `yaml:"task_type"`
}

// RetrievalConfig tunes the crawler, governor filter, and dossier voting.
type RetrievalConfig struct {
	// SimilarityThreshold is the cosine floor for all vector searches.
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // default 0.4

	// Result counts per search surface.
	MemoryTopK  int `yaml:"memory_top_k"`  // gardened memory, default 5
	DossierTopK int `yaml:"dossier_top_k"` // dossier retrieval, default 3
	VotingTopK  int `yaml:"voting_top_k"`  // per-fact voting search, default 10

	// Token budgets for the hydrated prompt.
	DossierTokenBudget int `yaml:"dossier_token_budget"` // default 3000
	ContextTokenBudget int `yaml:"context_token_budget"` // default 4000
}

// StorageConfig configures the single-file SQLite store and the profile doc.
type StorageConfig struct {
	// DataDir is the base directory for the database, profile, and logs.
	DataDir string `yaml:"data_dir"`

	// DBPath overrides the default <data_dir>/hmlr.db.
	DBPath string `yaml:"db_path"`

	// UserProfilePath overrides the default <data_dir>/user_profile.json.
	UserProfilePath string `yaml:"user_profile_path"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:   "openai",
			Model:      "gpt-4.1-mini",
			BaseURL:    "https://api.openai.com/v1",
			Timeout:    "30s",
			MaxRetries: 1,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "all-minilm",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},
		Retrieval: RetrievalConfig{
			SimilarityThreshold: 0.4,
			MemoryTopK:          5,
			DossierTopK:         3,
			VotingTopK:          10,
			DossierTokenBudget:  3000,
			ContextTokenBudget:  4000,
		},
		Storage: StorageConfig{
			DataDir: ".hmlr",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
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

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "openai"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.LLM.Provider == "gemini" || c.LLM.APIKey == "" {
			c.LLM.APIKey = key
		}
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = key
		}
	}
	if key := os.Getenv("HMLR_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("HMLR_LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if endpoint := os.Getenv("OLLAMA_HOST"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if path := os.Getenv("HMLR_DB"); path != "" {
		c.Storage.DBPath = path
	}
	if path := os.Getenv("HMLR_PROFILE"); path != "" {
		c.Storage.UserProfilePath = path
	}
}

// DatabasePath resolves the SQLite file path.
func (c *Config) DatabasePath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.Storage.DataDir, "hmlr.db")
}

// ProfilePath resolves the user-profile document path.
func (c *Config) ProfilePath() string {
	if c.Storage.UserProfilePath != "" {
		return c.Storage.UserProfilePath
	}
	return filepath.Join(c.Storage.DataDir, "user_profile.json")
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
