package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Pipeline    PipelineConfig            `json:"pipeline"`
}

type BasicConfig struct {
	ServerAddress       string `json:"server_address"`
	Environment         string `json:"environment"`
	FileBaseDir         string `json:"file_base_dir"`
	LogFilePath         string `json:"log_file_path"`
	MaxUploadBytes      int64  `json:"max_upload_bytes"`
	OrphanCleanInterval int    `json:"orphan_clean_interval"` // minutes
	AllowedOrigin       string `json:"allowed_origin"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL     string `json:"base_url"`
	TextModel   string `json:"text_model"`
	VisionModel string `json:"vision_model"`
	APIKey      string `json:"api_key"`
}

// PipelineConfig tunes the answer pipeline.
type PipelineConfig struct {
	Provider           string `json:"provider"`
	ExcerptBudget      int    `json:"excerpt_budget"`
	MaxTokens          int    `json:"max_tokens"`
	FollowupMaxTokens  int    `json:"followup_max_tokens"`
	HistoryLimit       int    `json:"history_limit"`
	ModelTimeoutSecs   int    `json:"model_timeout_seconds"`
	FileReadTimeoutSec int    `json:"file_read_timeout_seconds"`
	ContextPolicy      string `json:"context_policy"` // "keyword" or "always"
	LaneQueueLen       int    `json:"lane_queue_len"` // pending asks per chat before callers block
}

const (
	PolicyKeyword = "keyword"
	PolicyAlways  = "always"
)

const (
	defaultAddress        = ":5000"
	defaultUploadDir      = "uploads"
	defaultLogFile        = "logs/docchat.log"
	defaultMaxUploadBytes = 20 << 20
	defaultProvider       = "openai"
)

// ModelTimeout returns the upper bound for a single model call.
func (p PipelineConfig) ModelTimeout() time.Duration {
	return time.Duration(p.ModelTimeoutSecs) * time.Second
}

// FileReadTimeout returns the upper bound for reading an attachment.
func (p PipelineConfig) FileReadTimeout() time.Duration {
	return time.Duration(p.FileReadTimeoutSec) * time.Second
}

// IsProduction reports whether the service runs with production settings.
func (b BasicConfig) IsProduction() bool {
	return strings.EqualFold(b.Environment, "production")
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file is not an error: defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	return &cfg, nil
}

// DBDriver returns the database driver selected through DOCCHAT_DB.
func DBDriver() string {
	if v := strings.TrimSpace(os.Getenv("DOCCHAT_DB")); v != "" {
		return strings.ToLower(v)
	}
	return "sqlite3"
}

// ActiveProvider returns the provider config used by the pipeline.
func (c *Config) ActiveProvider() ProviderConfig {
	return c.Providers[c.Pipeline.Provider]
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("DOCCHAT_ADDR"); ok && v != "" {
		cfg.BasicConfig.ServerAddress = v
	}
	if v, ok := os.LookupEnv("DOCCHAT_UPLOAD_DIR"); ok && v != "" {
		cfg.BasicConfig.FileBaseDir = v
	}
	if v, ok := os.LookupEnv("DOCCHAT_LOG_FILE"); ok && v != "" {
		cfg.BasicConfig.LogFilePath = v
	}
	if v, ok := os.LookupEnv("DOCCHAT_ENV"); ok && v != "" {
		cfg.BasicConfig.Environment = v
	}
	if v, ok := os.LookupEnv("OPENAI_API_KEY"); ok && v != "" {
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]ProviderConfig)
		}
		p := cfg.Providers["openai"]
		p.APIKey = v
		cfg.Providers["openai"] = p
	}
}

func applyDefaults(cfg *Config) {
	b := &cfg.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = defaultAddress
	}
	if b.Environment == "" {
		b.Environment = "development"
	}
	if b.FileBaseDir == "" {
		b.FileBaseDir = defaultUploadDir
	}
	if b.LogFilePath == "" {
		b.LogFilePath = defaultLogFile
	}
	if b.MaxUploadBytes <= 0 {
		b.MaxUploadBytes = defaultMaxUploadBytes
	}
	if b.OrphanCleanInterval <= 0 {
		b.OrphanCleanInterval = 60
	}
	if b.AllowedOrigin == "" {
		b.AllowedOrigin = "*"
	}

	if cfg.Databases == nil {
		cfg.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := cfg.Databases["sqlite3"]; !ok {
		cfg.Databases["sqlite3"] = DatabaseConfig{DSN: "files.db"}
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	p := &cfg.Pipeline
	if p.Provider == "" {
		p.Provider = defaultProvider
	}
	prov := cfg.Providers[p.Provider]
	if prov.TextModel == "" {
		prov.TextModel = "gpt-3.5-turbo"
	}
	if prov.VisionModel == "" {
		prov.VisionModel = "gpt-4o-mini"
	}
	cfg.Providers[p.Provider] = prov

	if p.ExcerptBudget <= 0 {
		p.ExcerptBudget = 4000
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = 512
	}
	if p.FollowupMaxTokens <= 0 {
		p.FollowupMaxTokens = 100
	}
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = 20
	}
	if p.ModelTimeoutSecs <= 0 {
		p.ModelTimeoutSecs = 60
	}
	if p.FileReadTimeoutSec <= 0 {
		p.FileReadTimeoutSec = 10
	}
	if p.ContextPolicy == "" {
		p.ContextPolicy = PolicyKeyword
	}
	if p.LaneQueueLen <= 0 {
		p.LaneQueueLen = 16
	}
}

func (c *Config) validate() error {
	switch c.Pipeline.ContextPolicy {
	case PolicyKeyword, PolicyAlways:
	default:
		return fmt.Errorf("context_policy must be %q or %q, got %q", PolicyKeyword, PolicyAlways, c.Pipeline.ContextPolicy)
	}
	switch c.Pipeline.Provider {
	case "openai", "claude", "gemini":
	default:
		return fmt.Errorf("unsupported provider: %s", c.Pipeline.Provider)
	}
	if c.Pipeline.ExcerptBudget > 16000 {
		return errors.New("excerpt_budget must not exceed 16000 characters")
	}
	return nil
}

func (c *Config) resolvePaths(baseDir string) {
	if !filepath.IsAbs(c.BasicConfig.FileBaseDir) {
		c.BasicConfig.FileBaseDir = filepath.Join(baseDir, c.BasicConfig.FileBaseDir)
	}
	if !filepath.IsAbs(c.BasicConfig.LogFilePath) {
		c.BasicConfig.LogFilePath = filepath.Join(baseDir, c.BasicConfig.LogFilePath)
	}
	sqlite := c.Databases["sqlite3"]
	if sqlite.DSN != "" && !strings.HasPrefix(sqlite.DSN, ":memory:") &&
		!strings.HasPrefix(sqlite.DSN, "file:") && !filepath.IsAbs(sqlite.DSN) {
		sqlite.DSN = filepath.Join(baseDir, sqlite.DSN)
		c.Databases["sqlite3"] = sqlite
	}
}
