package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the answering engine.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Matching  MatchingConfig  `mapstructure:"matching"`
	Tables    TablesConfig    `mapstructure:"tables"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address        string `mapstructure:"address"`
	JWTSecret      string `mapstructure:"jwt_secret"`
	StreamEnabled  bool   `mapstructure:"stream_enabled"`
	SweepSchedule  string `mapstructure:"sweep_schedule"`
	SweeperEnabled bool   `mapstructure:"sweeper_enabled"`
}

// LLMConfig contains language-model and embedding provider settings.
type LLMConfig struct {
	Provider        string        `mapstructure:"provider"` // openai
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.APIKey) == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	if strings.TrimSpace(l.CompletionModel) == "" {
		return fmt.Errorf("llm.completion_model is required")
	}
	if strings.TrimSpace(l.EmbeddingModel) == "" {
		return fmt.Errorf("llm.embedding_model is required")
	}
	return nil
}

// RetrievalConfig tunes the multi-pass retrieval and reranking policy.
// The thresholds are empirically chosen defaults, deliberately exposed
// here rather than hard-coded.
type RetrievalConfig struct {
	MaxSources       int           `mapstructure:"max_sources"`
	MinSimilarity    float64       `mapstructure:"min_similarity"`
	MinTermOverlap   float64       `mapstructure:"min_term_overlap"`
	EntityBonus      float64       `mapstructure:"entity_bonus"`
	MaxResults       int           `mapstructure:"max_results"`
	MaxEntityQueries int           `mapstructure:"max_entity_queries"`
	PassTimeout      time.Duration `mapstructure:"pass_timeout"`
}

// Normalize applies defaults for unset retrieval values.
func (r RetrievalConfig) Normalize() RetrievalConfig {
	if r.MaxSources <= 0 {
		r.MaxSources = 5
	}
	if r.MinSimilarity <= 0 {
		r.MinSimilarity = 0.3
	}
	if r.MinTermOverlap <= 0 {
		r.MinTermOverlap = 0.1
	}
	if r.EntityBonus <= 0 {
		r.EntityBonus = 0.1
	}
	if r.MaxResults <= 0 {
		r.MaxResults = 15
	}
	if r.MaxEntityQueries <= 0 {
		r.MaxEntityQueries = 2
	}
	if r.PassTimeout <= 0 {
		r.PassTimeout = 15 * time.Second
	}
	return r
}

// MatchingConfig tunes coverage-entity matching.
type MatchingConfig struct {
	FuzzyCutoff     float64 `mapstructure:"fuzzy_cutoff"`
	FuzzyCandidates int     `mapstructure:"fuzzy_candidates"`
	ScanMaxRows     int     `mapstructure:"scan_max_rows"`
	ScanMaxColumns  int     `mapstructure:"scan_max_columns"`
}

// Normalize applies defaults for unset matching values.
func (m MatchingConfig) Normalize() MatchingConfig {
	if m.FuzzyCutoff <= 0 {
		m.FuzzyCutoff = 0.4
	}
	if m.FuzzyCandidates <= 0 {
		m.FuzzyCandidates = 5
	}
	if m.ScanMaxRows <= 0 {
		m.ScanMaxRows = 2500
	}
	if m.ScanMaxColumns <= 0 {
		m.ScanMaxColumns = 60
	}
	return m
}

// TablesConfig controls table ingestion and plan execution bounds.
type TablesConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	MaxListRows  int    `mapstructure:"max_list_rows"`
	MaxJoinRows  int    `mapstructure:"max_join_rows"`
	MaxSheetHits int    `mapstructure:"max_sheet_hits"`
}

// Normalize applies defaults for unset table values.
func (t TablesConfig) Normalize() TablesConfig {
	if strings.TrimSpace(t.DataDir) == "" {
		t.DataDir = "data/tables"
	}
	if t.MaxListRows <= 0 {
		t.MaxListRows = 50
	}
	if t.MaxJoinRows <= 0 {
		t.MaxJoinRows = 100000
	}
	if t.MaxSheetHits <= 0 {
		t.MaxSheetHits = 6
	}
	return t
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
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

// DSN builds a connection string from the configured fields.
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

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns the host:port pair for the Redis client.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%s", r.Host, r.Port) }

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && strings.TrimSpace(t.MetricsPath) == "" {
		return fmt.Errorf("telemetry.metrics_path must be set when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file, with TABULA_* environment overrides.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("server.stream_enabled", true)
	viper.SetDefault("server.sweeper_enabled", true)
	viper.SetDefault("server.sweep_schedule", "0 */6 * * *")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.metrics_path", "/metrics")
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.temperature", 0.1)

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

	viper.SetEnvPrefix("TABULA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Retrieval = config.Retrieval.Normalize()
	config.Matching = config.Matching.Normalize()
	config.Tables = config.Tables.Normalize()

	if err := config.LLM.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
