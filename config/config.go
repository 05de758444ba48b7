package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the question-answering system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Reasoning ReasoningConfig `mapstructure:"reasoning"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug        bool          `mapstructure:"debug"`
	LogLevel     string        `mapstructure:"log_level"`
	TurnDeadline time.Duration `mapstructure:"turn_deadline"` // wall-clock budget for one full turn
	CallTimeout  time.Duration `mapstructure:"call_timeout"`  // per external call (LLM, embedding, store)
}

// Normalize applies defaults for unset general values.
func (g GeneralConfig) Normalize() GeneralConfig {
	if g.TurnDeadline <= 0 {
		g.TurnDeadline = 2 * time.Minute
	}
	if g.CallTimeout <= 0 {
		g.CallTimeout = 30 * time.Second
	}
	return g
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai or compatible gateways
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for each reasoning stage
type LLMRoutingConfig struct {
	Planning   string `mapstructure:"planning"`   // next sub-question generation
	Evaluating string `mapstructure:"evaluating"` // evidence sufficiency checks
	Synthesis  string `mapstructure:"synthesis"`  // final answer generation
	Embedding  string `mapstructure:"embedding"`  // vector embeddings
	Fallback   string `mapstructure:"fallback"`
}

// RetrievalConfig controls vector and lexical passage search.
type RetrievalConfig struct {
	TopK                int     `mapstructure:"top_k"`
	ScoreThreshold      float64 `mapstructure:"score_threshold"` // similarity at which one passage alone is sufficient
	EmbeddingDimensions int     `mapstructure:"embedding_dimensions"`
	HybridEnabled       bool    `mapstructure:"hybrid_enabled"`
	HybridWeight        float64 `mapstructure:"hybrid_weight"` // share of the lexical score in the blend
}

// Normalize applies defaults for unset retrieval values.
func (r RetrievalConfig) Normalize() RetrievalConfig {
	if r.TopK <= 0 {
		r.TopK = 4
	}
	if r.EmbeddingDimensions <= 0 {
		r.EmbeddingDimensions = 1536
	}
	if r.HybridWeight < 0 {
		r.HybridWeight = 0
	}
	if r.HybridWeight > 1 {
		r.HybridWeight = 1
	}
	return r
}

func (r RetrievalConfig) Validate() error {
	if r.ScoreThreshold < 0 || r.ScoreThreshold > 1 {
		return fmt.Errorf("retrieval.score_threshold must be within [0,1]")
	}
	return nil
}

// ReasoningConfig bounds the iterative reasoning loop.
type ReasoningConfig struct {
	MaxSteps       int `mapstructure:"max_steps"`
	RetrievalRetry int `mapstructure:"retrieval_retry"` // attempts per step beyond the first
}

// Normalize applies defaults for unset reasoning values.
func (r ReasoningConfig) Normalize() ReasoningConfig {
	if r.MaxSteps <= 0 {
		r.MaxSteps = 5
	}
	if r.RetrievalRetry < 0 {
		r.RetrievalRetry = 1
	}
	return r
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a connection string from either the url or discrete fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns host:port, or empty when redis is not configured.
func (r RedisConfig) Addr() string {
	if strings.TrimSpace(r.Host) == "" || strings.TrimSpace(r.Port) == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

// MemoryConfig controls conversation history behaviour.
type MemoryConfig struct {
	HistoryWindow int    `mapstructure:"history_window"` // turns loaded per question
	RetentionDays int    `mapstructure:"retention_days"` // 0 keeps turns forever
	PruneSchedule string `mapstructure:"prune_schedule"` // cron expression, @hourly or @daily
	CacheEnabled  bool   `mapstructure:"cache_enabled"`
}

// Normalize applies defaults for unset memory values.
func (m MemoryConfig) Normalize() MemoryConfig {
	if m.HistoryWindow <= 0 {
		m.HistoryWindow = 5
	}
	if strings.TrimSpace(m.PruneSchedule) == "" {
		m.PruneSchedule = "@daily"
	}
	return m
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	LogFile      string `mapstructure:"log_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.turn_deadline", "2m")
	viper.SetDefault("general.call_timeout", "30s")
	viper.SetDefault("server.address", ":10002")
	viper.SetDefault("retrieval.top_k", 4)
	viper.SetDefault("retrieval.score_threshold", 0.78)
	viper.SetDefault("retrieval.embedding_dimensions", 1536)
	viper.SetDefault("reasoning.max_steps", 5)
	viper.SetDefault("reasoning.retrieval_retry", 1)
	viper.SetDefault("memory.history_window", 5)
	viper.SetDefault("memory.prune_schedule", "@daily")
	viper.SetDefault("llm.routing.embedding", "text-embedding-3-small")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("RAGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.General = config.General.Normalize()
	config.Retrieval = config.Retrieval.Normalize()
	config.Reasoning = config.Reasoning.Normalize()
	config.Memory = config.Memory.Normalize()

	if err := config.Retrieval.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
