// Package config loads pipeline settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks an invalid or incomplete configuration.
var ErrConfig = errors.New("invalid configuration")

// API dialects understood by the completion client.
const (
	APITypeLlama = "llama"
	APITypeVLLM  = "vllm"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
	StoreSurreal  = "surrealdb"
)

// Config holds all configuration values.
type Config struct {
	APIType    string            `yaml:"api_type"`
	Llama      LlamaConfig       `yaml:"llama"`
	VLLM       VLLMConfig        `yaml:"vllm"`
	Generation GenerationConfig  `yaml:"generation"`
	Curate     CurateConfig      `yaml:"curate"`
	Client     ClientConfig      `yaml:"client"`
	Jobs       JobsConfig        `yaml:"jobs"`
	Store      StoreConfig       `yaml:"store"`
	Paths      PathsConfig       `yaml:"paths"`
	Prompts    map[string]string `yaml:"prompts"`
	Logging    LoggingConfig     `yaml:"logging"`
}

// LlamaConfig configures the hosted Llama API dialect.
type LlamaConfig struct {
	APIBase string `yaml:"api_base"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// VLLMConfig configures the OpenAI-compatible self-hosted dialect.
type VLLMConfig struct {
	APIBase string `yaml:"api_base"`
	Model   string `yaml:"model"`
}

// GenerationConfig holds defaults for QA and CoT generation.
type GenerationConfig struct {
	Temperature float64       `yaml:"temperature"`
	ChunkSize   int           `yaml:"chunk_size"`
	Overlap     int           `yaml:"overlap"`
	NumPairs    int           `yaml:"num_pairs"`
	MaxTokens   int           `yaml:"max_tokens"`
	ChunkDelay  time.Duration `yaml:"chunk_delay"`
	Concurrency int           `yaml:"concurrency"`
}

// CurateConfig holds defaults for rating and filtering.
type CurateConfig struct {
	Threshold      float64 `yaml:"threshold"`
	BatchSize      int     `yaml:"batch_size"`
	Temperature    float64 `yaml:"temperature"`
	InferenceBatch int     `yaml:"inference_batch"`
}

// ClientConfig tunes the completion client's transport and retries.
type ClientConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
	Sequential     bool          `yaml:"sequential"`
}

// JobsConfig tunes the worker pool and the stall monitor.
type JobsConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StallTimeout  time.Duration `yaml:"stall_timeout"`
	RecentWindow  time.Duration `yaml:"recent_window"`
}

// StoreConfig selects the job persistence backend.
type StoreConfig struct {
	Driver    string        `yaml:"driver"`
	DSN       string        `yaml:"dsn"`
	SurrealDB SurrealConfig `yaml:"surrealdb"`
}

// SurrealConfig holds the SurrealDB connection settings.
type SurrealConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	AuthLevel string `yaml:"auth_level"`
}

// PathsConfig sets the root of the on-disk data layout.
type PathsConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig configures the dual-output logger.
type LoggingConfig struct {
	File     string     `yaml:"file"`
	LevelStr string     `yaml:"level"`
	Level    slog.Level `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIType: APITypeVLLM,
		Llama: LlamaConfig{
			APIBase: "https://api.llama.com/v1",
			Model:   "Llama-4-Maverick-17B-128E-Instruct-FP8",
		},
		VLLM: VLLMConfig{
			APIBase: "http://localhost:8000/v1",
			Model:   "meta-llama/Llama-3.1-70B-Instruct",
		},
		Generation: GenerationConfig{
			Temperature: 0.7,
			ChunkSize:   4000,
			Overlap:     200,
			NumPairs:    25,
			MaxTokens:   4096,
			ChunkDelay:  100 * time.Millisecond,
		},
		Curate: CurateConfig{
			Threshold:      7.0,
			BatchSize:      8,
			Temperature:    0.1,
			InferenceBatch: 32,
		},
		Client: ClientConfig{
			MaxRetries:     5,
			InitialBackoff: time.Second,
			Timeout:        120 * time.Second,
		},
		Jobs: JobsConfig{
			Workers:       4,
			QueueSize:     64,
			PollInterval:  5 * time.Second,
			SweepInterval: 5 * time.Minute,
			StallTimeout:  60 * time.Minute,
			RecentWindow:  5 * time.Minute,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			SurrealDB: SurrealConfig{
				URL:       "ws://localhost:8000/rpc",
				Namespace: "synthkit",
				Database:  "jobs",
				Username:  "root",
				Password:  "root",
				AuthLevel: "root",
			},
		},
		Paths: PathsConfig{DataDir: "data"},
		Logging: LoggingConfig{
			File:     "/tmp/synthkit.log",
			LevelStr: "INFO",
			Level:    slog.LevelInfo,
		},
	}
}

// searchPaths are tried in order when no config file is given explicitly.
var searchPaths = []string{"config.yaml", "configs/config.yaml"}

// FindConfigFile returns explicit when set, otherwise the first existing
// file from the search paths, or "" when none exists.
func FindConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, p := range searchPaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Load reads the YAML file at path (if non-empty) over the defaults,
// then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	path = FindConfigFile(path)
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	}

	cfg.APIType = getEnv("SYNTHKIT_API_TYPE", cfg.APIType)
	cfg.Llama.APIKey = getEnv("LLAMA_API_KEY", cfg.Llama.APIKey)
	cfg.VLLM.APIBase = getEnv("VLLM_API_BASE", cfg.VLLM.APIBase)
	if model := os.Getenv("SYNTHKIT_MODEL"); model != "" {
		cfg.Llama.Model = model
		cfg.VLLM.Model = model
	}
	cfg.Store.Driver = getEnv("SYNTHKIT_STORE", cfg.Store.Driver)
	cfg.Store.DSN = getEnv("SYNTHKIT_STORE_DSN", cfg.Store.DSN)
	cfg.Paths.DataDir = getEnv("SYNTHKIT_DATA_DIR", cfg.Paths.DataDir)
	cfg.Logging.File = getEnv("SYNTHKIT_LOG_FILE", cfg.Logging.File)
	cfg.Logging.LevelStr = getEnv("SYNTHKIT_LOG_LEVEL", cfg.Logging.LevelStr)
	cfg.Logging.Level = parseLogLevel(cfg.Logging.LevelStr)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every component relies on.
func (c Config) Validate() error {
	switch c.APIType {
	case APITypeLlama:
		if c.Llama.APIKey == "" {
			return fmt.Errorf("%w: llama api_type requires an API key (LLAMA_API_KEY)", ErrConfig)
		}
		if c.Llama.APIBase == "" {
			return fmt.Errorf("%w: llama.api_base is empty", ErrConfig)
		}
	case APITypeVLLM:
		if c.VLLM.APIBase == "" {
			return fmt.Errorf("%w: vllm.api_base is empty", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown api_type %q", ErrConfig, c.APIType)
	}

	if c.Generation.ChunkSize <= 0 {
		return fmt.Errorf("%w: generation.chunk_size must be > 0", ErrConfig)
	}
	if c.Generation.Overlap < 0 || c.Generation.Overlap >= c.Generation.ChunkSize {
		return fmt.Errorf("%w: generation.overlap must be >= 0 and < chunk_size", ErrConfig)
	}
	if c.Curate.Threshold < 1 || c.Curate.Threshold > 10 {
		return fmt.Errorf("%w: curate.threshold must be within [1, 10]", ErrConfig)
	}
	if c.Client.MaxRetries < 1 {
		return fmt.Errorf("%w: client.max_retries must be >= 1", ErrConfig)
	}

	switch c.Store.Driver {
	case StoreMemory, StoreSurreal:
	case StorePostgres, StoreMySQL:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store driver %s requires a dsn", ErrConfig, c.Store.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrConfig, c.Store.Driver)
	}
	return nil
}

// Model returns the model name for the selected dialect.
func (c Config) Model() string {
	if c.APIType == APITypeLlama {
		return c.Llama.Model
	}
	return c.VLLM.Model
}

// Prompt returns the named prompt template, falling back to the built-in one.
func (c Config) Prompt(name string) (string, error) {
	if tmpl, ok := c.Prompts[name]; ok && strings.TrimSpace(tmpl) != "" {
		return tmpl, nil
	}
	if tmpl, ok := defaultPrompts[name]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("%w: prompt %q not found", ErrConfig, name)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
