// Package config provides configuration loading and structs for the kioku server and CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Assembly  AssemblyConfig  `yaml:"assembly"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and the keyword index.
type StorageConfig struct {
	DatabasePath   string `yaml:"database_path"`
	BleveIndexPath string `yaml:"bleve_index_path"`
}

// Embedding providers.
const (
	ProviderStub   = "stub"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Dimensions        int           `yaml:"dimensions"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BatchSize         int           `yaml:"batch_size"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	CacheSize         int           `yaml:"cache_size"`
}

// APIKey returns the provider key from the environment variable named by APIKeyEnv.
func (e *EmbeddingConfig) APIKey() string {
	return os.Getenv(e.APIKeyEnv)
}

// ChunkingConfig holds chunk window settings, in characters.
type ChunkingConfig struct {
	MaxLength int `yaml:"max_length"`
	Overlap   int `yaml:"overlap"`
}

// IngestConfig holds input ceilings.
type IngestConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
	MaxPages int   `yaml:"max_pages"`
}

// IndexerConfig holds background job runner settings.
type IndexerConfig struct {
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RetrievalConfig holds retrieval and lexical scoring settings.
type RetrievalConfig struct {
	DefaultK       int     `yaml:"default_k"`
	MaxK           int     `yaml:"max_k"`
	TopKCandidates int     `yaml:"top_k_candidates"`
	LexicalWeight  float64 `yaml:"lexical_weight"`
	VectorWeight   float64 `yaml:"vector_weight"`
	MinVectorScore float64 `yaml:"min_vector_score"`
	SourceBoost    float64 `yaml:"source_boost"`
	PhraseBoost    float64 `yaml:"phrase_boost"`
	Fuzzy          bool    `yaml:"fuzzy"`
	Fuzziness      int     `yaml:"fuzziness"`
}

// AssemblyConfig holds context budgets in characters. ComplexBudget is used for queries the
// caller flags as complex.
type AssemblyConfig struct {
	DefaultBudget int `yaml:"default_budget"`
	ComplexBudget int `yaml:"complex_budget"`
}

// WatchSource maps a directory to the scope its files are ingested into.
type WatchSource struct {
	Directory string `yaml:"directory"`
	Scope     string `yaml:"scope"`
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Sources    []WatchSource `yaml:"sources"`
	Extensions []string      `yaml:"extensions"`
	Recursive  *bool         `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	expandPaths(&cfg, filepath.Dir(path))
	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = &Config{}
		ApplyDefaults(cfg)
		expandPaths(cfg, filepath.Dir(path))
		return cfg, nil
	}
	return cfg, err
}

// Save writes the config to path. Used for persisting watch source add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var problems []string
	switch c.Embedding.Provider {
	case ProviderStub, ProviderOpenAI, ProviderNone:
	default:
		problems = append(problems, fmt.Sprintf("embedding.provider %q must be stub, openai or none", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions <= 0 {
		problems = append(problems, "embedding.dimensions must be positive")
	}
	if c.Embedding.Provider == ProviderOpenAI && c.Embedding.APIKey() == "" {
		problems = append(problems, fmt.Sprintf("embedding.api_key_env: %s is not set", c.Embedding.APIKeyEnv))
	}
	if c.Chunking.MaxLength <= 0 {
		problems = append(problems, "chunking.max_length must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxLength {
		problems = append(problems, "chunking.overlap must be in [0, max_length)")
	}
	if c.Indexer.Workers < 1 {
		problems = append(problems, "indexer.workers must be at least 1")
	}
	if c.Retrieval.LexicalWeight < 0 || c.Retrieval.VectorWeight < 0 {
		problems = append(problems, "retrieval weights cannot be negative")
	}
	if c.Retrieval.DefaultK > c.Retrieval.MaxK {
		problems = append(problems, "retrieval.default_k cannot exceed max_k")
	}
	if c.Assembly.DefaultBudget <= 0 || c.Assembly.ComplexBudget <= 0 {
		problems = append(problems, "assembly budgets must be positive")
	}
	for i, s := range c.Watch.Sources {
		if strings.TrimSpace(s.Scope) == "" || strings.TrimSpace(s.Directory) == "" {
			problems = append(problems, fmt.Sprintf("watch.sources[%d] needs a directory and a scope", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// AddWatchSource appends a source, replacing any existing entry for the same directory.
func (c *Config) AddWatchSource(dir, scope string) {
	for i, s := range c.Watch.Sources {
		if s.Directory == dir {
			c.Watch.Sources[i].Scope = scope
			return
		}
	}
	c.Watch.Sources = append(c.Watch.Sources, WatchSource{Directory: dir, Scope: scope})
}

// RemoveWatchSource removes the source for dir and reports whether one was found.
func (c *Config) RemoveWatchSource(dir string) bool {
	for i, s := range c.Watch.Sources {
		if s.Directory == dir {
			c.Watch.Sources = append(c.Watch.Sources[:i], c.Watch.Sources[i+1:]...)
			return true
		}
	}
	return false
}

func expandPaths(cfg *Config, configDir string) {
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	for i := range cfg.Watch.Sources {
		cfg.Watch.Sources[i].Directory = expandPath(cfg.Watch.Sources[i].Directory, configDir)
	}
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
