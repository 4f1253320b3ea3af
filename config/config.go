package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the assistant service
type Config struct {
	General   GeneralConfig    `mapstructure:"general"`
	Backends  BackendsConfig   `mapstructure:"backends"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Policy    PolicyConfig     `mapstructure:"policy"`
	Engine    EngineConfig     `mapstructure:"engine"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	History   HistoryConfig    `mapstructure:"history"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Cleaner   CleanerConfig    `mapstructure:"cleaner"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// BackendsConfig contains model backend configurations
type BackendsConfig struct {
	Default string        `mapstructure:"default"`
	FunCall BackendConfig `mapstructure:"funcall"`
	ChatAPI BackendConfig `mapstructure:"chatapi"`
	Retry   RetryConfig   `mapstructure:"retry"`
}

// BackendConfig represents a single model backend configuration
type BackendConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Budgets BudgetsConfig `mapstructure:"budgets"`
}

// BudgetsConfig bounds the round loop for one backend variant.
type BudgetsConfig struct {
	MaxToolCalls  int           `mapstructure:"max_tool_calls"`
	MaxRounds     int           `mapstructure:"max_rounds"`
	PerRoundCalls int           `mapstructure:"per_round_calls"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
}

// RetryConfig bounds retries on transient backend failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

// ProviderConfig describes one tool provider endpoint.
type ProviderConfig struct {
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PolicyConfig locates the per-provider guidance documents.
type PolicyConfig struct {
	DocsDir string `mapstructure:"docs_dir"`
}

// EngineConfig contains engine-level settings
type EngineConfig struct {
	ToolTimeout            time.Duration `mapstructure:"tool_timeout"`
	MaxConsecutiveAllError int           `mapstructure:"max_consecutive_all_error_rounds"`
}

// MetricsConfig contains outcome sink settings
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JSONLPath string `mapstructure:"jsonl_path"`
}

// HistoryConfig selects the conversation history store.
type HistoryConfig struct {
	Store string        `mapstructure:"store"` // memory or redis
	TTL   time.Duration `mapstructure:"ttl"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// CleanerConfig controls outcome retention pruning.
type CleanerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	CronSpec  string        `mapstructure:"cron_spec"`
	Retention time.Duration `mapstructure:"retention"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("aide_config")
		viper.SetConfigType("json")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("AIDE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Config file is optional; defaults carry a usable local setup.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.listen", ":10002")

	viper.SetDefault("backends.default", "funcall")
	viper.SetDefault("backends.funcall.base_url", "https://generativelanguage.googleapis.com")
	viper.SetDefault("backends.funcall.model", "gemini-2.5-flash")
	// Function-call protocol: cheap rounds, tight per-round cap, larger
	// total-call budget.
	viper.SetDefault("backends.funcall.budgets.max_tool_calls", 12)
	viper.SetDefault("backends.funcall.budgets.max_rounds", 6)
	viper.SetDefault("backends.funcall.budgets.per_round_calls", 6)
	viper.SetDefault("backends.chatapi.base_url", "https://ai.sumopod.com")
	viper.SetDefault("backends.chatapi.model", "kimi-k2-250905")
	// Chat-completions replays the whole transcript each call, so a smaller
	// total-call budget and a wall-clock deadline per call.
	viper.SetDefault("backends.chatapi.budgets.max_tool_calls", 10)
	viper.SetDefault("backends.chatapi.budgets.max_rounds", 8)
	viper.SetDefault("backends.chatapi.budgets.call_timeout", "120s")
	viper.SetDefault("backends.retry.max_attempts", 3)
	viper.SetDefault("backends.retry.base_delay", "1s")

	viper.SetDefault("policy.docs_dir", "./docs/providers")

	viper.SetDefault("engine.tool_timeout", "30s")
	viper.SetDefault("engine.max_consecutive_all_error_rounds", 2)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.jsonl_path", "metrics.jsonl")

	viper.SetDefault("history.store", "memory")
	viper.SetDefault("history.ttl", "24h")

	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", 6379)
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.redis.timeout", "5s")
	viper.SetDefault("storage.postgres.port", 5432)
	viper.SetDefault("storage.postgres.sslmode", "disable")

	viper.SetDefault("cleaner.enabled", false)
	viper.SetDefault("cleaner.cron_spec", "0 3 * * *")
	viper.SetDefault("cleaner.retention", "720h")
}

// overrideFromEnv overrides configuration with environment variables
func overrideFromEnv() {
	if key := os.Getenv("GOOGLE_GEMINI_API_KEY"); key != "" {
		viper.Set("backends.funcall.api_key", key)
	}
	if key := os.Getenv("API_KEY"); key != "" {
		viper.Set("backends.chatapi.api_key", key)
	}
	if url := os.Getenv("BASE_URL"); url != "" {
		viper.Set("backends.chatapi.base_url", url)
	}
	if secret := os.Getenv("AIDE_JWT_SECRET"); secret != "" {
		viper.Set("general.jwt_secret", secret)
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		viper.Set("storage.postgres.url", url)
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("storage.redis.host", host)
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		viper.Set("storage.redis.password", pass)
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	switch config.Backends.Default {
	case "funcall", "chatapi":
	default:
		return fmt.Errorf("unknown default backend %q (want funcall or chatapi)", config.Backends.Default)
	}
	if config.Backends.Retry.MaxAttempts < 1 {
		return fmt.Errorf("backends.retry.max_attempts must be at least 1")
	}
	for _, b := range []struct {
		name string
		cfg  BackendConfig
	}{{"funcall", config.Backends.FunCall}, {"chatapi", config.Backends.ChatAPI}} {
		if b.cfg.Budgets.MaxToolCalls <= 0 {
			return fmt.Errorf("backends.%s.budgets.max_tool_calls must be positive", b.name)
		}
		if b.cfg.Budgets.MaxRounds <= 0 {
			return fmt.Errorf("backends.%s.budgets.max_rounds must be positive", b.name)
		}
	}
	seen := make(map[string]bool, len(config.Providers))
	for _, p := range config.Providers {
		if p.Name == "" || p.BaseURL == "" {
			return fmt.Errorf("provider entries need both name and base_url")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}
	switch config.History.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown history store %q (want memory or redis)", config.History.Store)
	}
	return nil
}

// PostgresDSN builds a connection string from discrete fields unless a
// full URL was provided.
func (c PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// RedisAddr returns the host:port address for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
