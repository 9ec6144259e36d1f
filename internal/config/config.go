// Package config provides unified configuration for stigforge.
// Configuration is loaded from .stigforge/config.json with environment
// variable overrides, and every section carries validated defaults so the
// zero config file is usable.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Defaults recognized by the core.
const (
	DefaultMaxIterations = 3
	DefaultQueryK        = 4
	DefaultConcurrency   = 4
)

// Config is the root configuration object.
type Config struct {
	LLM       LLMConfig       `json:"llm"`
	Embedding EmbeddingConfig `json:"embedding"`
	Memory    MemoryConfig    `json:"memory"`
	Repair    RepairConfig    `json:"repair"`
	Executor  ExecutorConfig  `json:"executor"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Debug     bool            `json:"debug"`
}

// LLMConfig selects and configures the generation backend.
type LLMConfig struct {
	Provider string `json:"provider"` // "gemini"
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	Provider       string `json:"provider"` // "ollama", "genai", or "" for keyword fallback
	OllamaEndpoint string `json:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model"`
	GenAIModel     string `json:"genai_model"`
}

// MemoryConfig configures the example store.
type MemoryConfig struct {
	// DBPath is the SQLite database file; ":memory:" for ephemeral stores.
	DBPath string `json:"db_path"`
	// QueryK is the number of examples retrieved per query.
	QueryK int `json:"query_k"`
	// RelevanceFloor drops results below this cosine similarity.
	// Zero disables the floor.
	RelevanceFloor float64 `json:"relevance_floor"`
}

// RepairConfig bounds the repair controller.
type RepairConfig struct {
	// MaxIterations is the test-attempt budget per control.
	MaxIterations int `json:"max_iterations"`
	// GenerateTimeout bounds a single generator call.
	GenerateTimeout time.Duration `json:"generate_timeout"`
}

// ExecutorConfig configures the InSpec runner.
type ExecutorConfig struct {
	// Binary is the inspec executable name or path.
	Binary string `json:"binary"`
	// Timeout bounds one inspec exec invocation.
	Timeout time.Duration `json:"timeout"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	// Reingest stores repaired code back into memory on PASSED.
	Reingest bool `json:"reingest"`
	// Concurrency caps simultaneous per-control sessions.
	Concurrency int `json:"concurrency"`
	// ArtifactsDir is where packaged baselines are written.
	ArtifactsDir string `json:"artifacts_dir"`
	// BaselinesDir is the root the default locator scans for reference code.
	BaselinesDir string `json:"baselines_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		Memory: MemoryConfig{
			DBPath: filepath.Join(".stigforge", "memory.db"),
			QueryK: DefaultQueryK,
		},
		Repair: RepairConfig{
			MaxIterations:   DefaultMaxIterations,
			GenerateTimeout: 2 * time.Minute,
		},
		Executor: ExecutorConfig{
			Binary:  "inspec",
			Timeout: 10 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Concurrency:  DefaultConcurrency,
			ArtifactsDir: "artifacts",
			BaselinesDir: "baselines",
		},
	}
}

// DefaultPath returns the default config file location under workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".stigforge", "config.json")
}

// Load reads configuration from path, merging over defaults and applying
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults only.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("STIGFORGE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("STIGFORGE_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("STIGFORGE_DB_PATH"); v != "" {
		c.Memory.DBPath = v
	}
	if v := os.Getenv("STIGFORGE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Repair.MaxIterations = n
		}
	}
	if v := os.Getenv("STIGFORGE_QUERY_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.QueryK = n
		}
	}
	if v := os.Getenv("STIGFORGE_DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
}

// Validate checks invariants the core relies on.
func (c *Config) Validate() error {
	if c.Repair.MaxIterations < 1 {
		return fmt.Errorf("repair.max_iterations must be positive, got %d", c.Repair.MaxIterations)
	}
	if c.Memory.QueryK < 1 {
		return fmt.Errorf("memory.query_k must be positive, got %d", c.Memory.QueryK)
	}
	if c.Memory.RelevanceFloor < 0 || c.Memory.RelevanceFloor > 1 {
		return fmt.Errorf("memory.relevance_floor must be in [0,1], got %g", c.Memory.RelevanceFloor)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be positive, got %d", c.Pipeline.Concurrency)
	}
	return nil
}

// Save writes the config as indented JSON, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
