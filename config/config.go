package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the assistant core.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Index     IndexConfig     `mapstructure:"index"`
	Search    SearchConfig    `mapstructure:"search"`
	LLM       LLMConfig       `mapstructure:"llm"`
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	Databases DatabasesConfig `mapstructure:"databases"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// IndexConfig locates the read-only manual index.
type IndexConfig struct {
	Path string `mapstructure:"path"`
}

// SearchConfig contains query preparation and ranking knobs.
type SearchConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	// Above this many meaningful terms the prepared query switches from
	// AND to OR matching; OCR noise makes strict matching too brittle.
	DisjunctionThreshold int                 `mapstructure:"disjunction_threshold"`
	Synonyms             map[string][]string `mapstructure:"synonyms"`
	PhraseBoost          float64             `mapstructure:"phrase_boost"`
	TagBoost             float64             `mapstructure:"tag_boost"`
	TagBoostCap          float64             `mapstructure:"tag_boost_cap"`
	AuthorityBoost       bool                `mapstructure:"authority_boost"`
	// Coefficient applied per document type when the query reads like a
	// procedural question ("how do I ...").
	DocTypeWeights map[string]float64 `mapstructure:"doc_type_weights"`
}

// LLMConfig contains the text-generation provider configuration.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	// Token budget for a single turn's prompt, split between the fixed
	// system instructions, retrieved context, history and the query.
	TokenBudget   int     `mapstructure:"token_budget"`
	ContextShare  float64 `mapstructure:"context_share"`
	HistoryShare  float64 `mapstructure:"history_share"`
	HistoryWindow int     `mapstructure:"history_window"`
}

// WebSearchConfig contains web augmentation provider settings.
type WebSearchConfig struct {
	Primary      string        `mapstructure:"primary"`
	Secondary    string        `mapstructure:"secondary"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxResults   int           `mapstructure:"max_results"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	AllowDomains []string      `mapstructure:"allow_domains"`
}

// DatabasesConfig groups backing store settings.
type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains session store connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string from the configured parts.
func (p PostgresConfig) DSN() (string, error) {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (databases.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains web cache connection settings.
type RedisConfig struct {
	Host    string        `mapstructure:"host"`
	Port    string        `mapstructure:"port"`
	Pass    string        `mapstructure:"pass"`
	DB      int           `mapstructure:"db"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults() {
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("index.path", "data/manuals.bleve")
	viper.SetDefault("search.default_limit", 8)
	viper.SetDefault("search.disjunction_threshold", 4)
	viper.SetDefault("search.phrase_boost", 1.5)
	viper.SetDefault("search.tag_boost", 0.2)
	viper.SetDefault("search.tag_boost_cap", 0.6)
	viper.SetDefault("search.authority_boost", true)
	viper.SetDefault("search.doc_type_weights", map[string]float64{
		"service-manual":        1.3,
		"troubleshooting-guide": 1.25,
		"operation-manual":      1.1,
		"parts-catalog":         0.8,
	})
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.timeout", "60s")
	viper.SetDefault("llm.max_retries", 2)
	viper.SetDefault("llm.token_budget", 8000)
	viper.SetDefault("llm.context_share", 0.6)
	viper.SetDefault("llm.history_share", 0.2)
	viper.SetDefault("llm.history_window", 8)
	viper.SetDefault("web_search.primary", "serper")
	viper.SetDefault("web_search.secondary", "brave")
	viper.SetDefault("web_search.timeout", "8s")
	viper.SetDefault("web_search.max_results", 5)
	viper.SetDefault("web_search.cache_ttl", "24h")
	viper.SetDefault("databases.redis.timeout", "5s")
}

// Load reads configuration from the given file (or the usual lookup
// paths when empty) plus WHEELHOUSE_* environment overrides.
func Load(path string) (*Config, error) {
	viper.Reset()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	setDefaults()

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("WHEELHOUSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults plus env cover every knob, so a missing file is fine.
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig loads config from file, panicking on failure. Kept for the
// CLI entrypoints where a broken config is fatal anyway.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
