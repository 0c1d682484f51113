package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// GlobalConfigFileName lives in the global root (~/.osgrep)
	GlobalConfigFileName = "config.yaml"

	BackendLocal  = "local"
	BackendQdrant = "qdrant"

	DefaultPort        = 4444
	DefaultTopK        = 10
	DefaultMaxFileSize = 1 << 20
	DefaultQueueSize   = 64
)

// Environment overrides, applied last
const (
	EnvStore        = "OSGREP_STORE"
	EnvQdrantURL    = "OSGREP_QDRANT_URL"
	EnvQdrantAPIKey = "QDRANT_API_KEY"
	EnvProvider     = "OSGREP_EMBEDDING_PROVIDER"
	EnvModel        = "OSGREP_EMBEDDING_MODEL"
	EnvBaseURL      = "OSGREP_EMBEDDING_BASE_URL"
	EnvDimension    = "OSGREP_EMBEDDING_DIMENSION"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvWorkers      = "OSGREP_WORKERS"
	EnvMaxFileSize  = "OSGREP_MAX_FILE_SIZE"
	EnvTopK         = "OSGREP_TOP_K"
	EnvRerank       = "OSGREP_RERANK"
	EnvPort         = "OSGREP_PORT"
	EnvLogLevel     = "OSGREP_LOG_LEVEL"
)

// Config holds all configuration for osgrep
type Config struct {
	Store     StoreConfig     `yaml:"store" json:"store"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Index     IndexConfig     `yaml:"index" json:"index"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// StoreConfig selects the store backend
type StoreConfig struct {
	Backend   string `yaml:"backend" json:"backend"` // "local" or "qdrant"
	QdrantURL string `yaml:"qdrant_url,omitempty" json:"qdrant_url,omitempty"`
	// QdrantAPIKey is read from the environment only
	QdrantAPIKey string `yaml:"-" json:"-"`
}

// EmbeddingConfig holds embedding configuration
type EmbeddingConfig struct {
	Provider  string `yaml:"provider" json:"provider"` // "local", "openai", "ollama"
	Model     string `yaml:"model,omitempty" json:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Dimension int    `yaml:"dimension,omitempty" json:"dimension,omitempty"` // 0 = provider default
	CacheSize int    `yaml:"cache_size" json:"cache_size"`
	// APIKey is read from the environment only
	APIKey string `yaml:"-" json:"-"`
}

// IndexConfig holds indexing configuration
type IndexConfig struct {
	IgnorePatterns []string `yaml:"ignore_patterns,omitempty" json:"ignore_patterns,omitempty"`
	MaxFileSize    int64    `yaml:"max_file_size" json:"max_file_size"`
	Workers        int      `yaml:"workers" json:"workers"` // 0 = runtime.NumCPU()
	QueueSize      int      `yaml:"queue_size" json:"queue_size"`
	BatchSize      int      `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	ChunkLines     int      `yaml:"chunk_lines,omitempty" json:"chunk_lines,omitempty"`
	ChunkOverlap   int      `yaml:"chunk_overlap,omitempty" json:"chunk_overlap,omitempty"`
}

// SearchConfig holds query defaults
type SearchConfig struct {
	TopK            int  `yaml:"top_k" json:"top_k"`
	Rerank          bool `yaml:"rerank" json:"rerank"`
	RerankDimension int  `yaml:"rerank_dimension,omitempty" json:"rerank_dimension,omitempty"`
}

// ServerConfig holds daemon configuration
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Store: StoreConfig{Backend: BackendLocal},
		Embedding: EmbeddingConfig{
			Provider:  "local",
			CacheSize: 10000,
		},
		Index: IndexConfig{
			IgnorePatterns: []string{"*.min.js", "*.lock", "node_modules/", "vendor/"},
			MaxFileSize:    DefaultMaxFileSize,
			QueueSize:      DefaultQueueSize,
		},
		Search:  SearchConfig{TopK: DefaultTopK},
		Server:  ServerConfig{Host: "127.0.0.1", Port: DefaultPort},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Sources names the files Load reads. Empty fields are skipped, as are
// files that do not exist.
type Sources struct {
	GlobalDir     string // holds config.yaml
	ProjectConfig string // <root>/.osgrep/config.json
	EnvFile       string // <root>/.env
}

// Load builds the configuration: defaults, then the global YAML file, then
// the project JSON file, then environment variables. Variables in EnvFile
// are loaded into the process environment without overriding ones already
// set.
func Load(src Sources) (*Config, error) {
	cfg := Default()

	if src.GlobalDir != "" {
		if err := loadYAML(filepath.Join(src.GlobalDir, GlobalConfigFileName), cfg); err != nil {
			return nil, err
		}
	}
	if src.ProjectConfig != "" {
		if err := loadJSON(src.ProjectConfig, cfg); err != nil {
			return nil, err
		}
	}
	if src.EnvFile != "" {
		if err := godotenv.Load(src.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", src.EnvFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func loadJSON(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Store.Backend, EnvStore)
	setString(&c.Store.QdrantURL, EnvQdrantURL)
	setString(&c.Store.QdrantAPIKey, EnvQdrantAPIKey)
	setString(&c.Embedding.Provider, EnvProvider)
	setString(&c.Embedding.Model, EnvModel)
	setString(&c.Embedding.BaseURL, EnvBaseURL)
	setString(&c.Embedding.APIKey, EnvOpenAIAPIKey)
	setString(&c.Logging.Level, EnvLogLevel)

	ints := []struct {
		key string
		dst *int
	}{
		{EnvDimension, &c.Embedding.Dimension},
		{EnvWorkers, &c.Index.Workers},
		{EnvTopK, &c.Search.TopK},
		{EnvPort, &c.Server.Port},
	}
	for _, v := range ints {
		if err := setInt(v.dst, v.key); err != nil {
			return err
		}
	}

	if v := os.Getenv(EnvMaxFileSize); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", EnvMaxFileSize, err)
		}
		c.Index.MaxFileSize = n
	}
	if v := os.Getenv(EnvRerank); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean: %w", EnvRerank, err)
		}
		c.Search.Rerank = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	var errs []error

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch c.Store.Backend {
	case BackendLocal:
	case BackendQdrant:
		if c.Store.QdrantURL == "" {
			errs = append(errs, errors.New("store.qdrant_url is required for the qdrant backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", BackendLocal, BackendQdrant, c.Store.Backend))
	}

	c.Embedding.Provider = strings.ToLower(strings.TrimSpace(c.Embedding.Provider))
	switch c.Embedding.Provider {
	case "", "local", "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q is not supported", c.Embedding.Provider))
	}
	if c.Embedding.Dimension < 0 {
		errs = append(errs, errors.New("embedding.dimension must not be negative"))
	}
	if c.Embedding.CacheSize < 0 {
		errs = append(errs, errors.New("embedding.cache_size must not be negative"))
	}

	if c.Index.Workers < 0 {
		errs = append(errs, errors.New("index.workers must not be negative"))
	}
	if c.Index.QueueSize < 0 {
		errs = append(errs, errors.New("index.queue_size must not be negative"))
	}
	if c.Index.MaxFileSize < 0 {
		errs = append(errs, errors.New("index.max_file_size must not be negative"))
	}

	if c.Search.TopK < 1 || c.Search.TopK > 100 {
		errs = append(errs, fmt.Errorf("search.top_k must be between 1 and 100, got %d", c.Search.TopK))
	}
	if c.Search.RerankDimension < 0 {
		errs = append(errs, errors.New("search.rerank_dimension must not be negative"))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// SaveProject writes the project config file unless one already exists.
// Secrets are never written.
func (c *Config) SaveProject(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
