package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	internal "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Model       ModelConfig       `mapstructure:"model"`
	Translation TranslationConfig `mapstructure:"translation"`
	Language    LanguageConfig    `mapstructure:"language"`
	Context     ContextConfig     `mapstructure:"context"`
	Harness     HarnessConfig     `mapstructure:"harness"`
	Policy      PolicyConfig      `mapstructure:"policy"`
}

// AppConfig stores process level settings.
type AppConfig struct {
	Name      string `mapstructure:"name"`
	LogLevel  string `mapstructure:"log_level"`  // zerolog level name
	LogFormat string `mapstructure:"log_format"` // "json" or "console"
}

// ServerConfig stores the HTTP adapter settings.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	Type         string `mapstructure:"type"` // "libsql" or "postgres"
	DSN          string `mapstructure:"dsn"`
	AuthToken    string `mapstructure:"auth_token"` // remote libsql only
	DataDir      string `mapstructure:"data_dir"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// ModelConfig stores the hosted model endpoint settings.
type ModelConfig struct {
	Provider     string        `mapstructure:"provider"` // "http", "openai", "gemini"
	EndpointURL  string        `mapstructure:"endpoint_url"`
	APIKey       string        `mapstructure:"api_key"`
	Name         string        `mapstructure:"name"`
	MaxNewTokens int           `mapstructure:"max_new_tokens"`
	Temperature  float32       `mapstructure:"temperature"`
	TopP         float32       `mapstructure:"top_p"`
	Timeout      time.Duration `mapstructure:"timeout"`      // per attempt
	MaxAttempts  int           `mapstructure:"max_attempts"` // including the first call
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
}

// TranslationConfig stores translator settings.
type TranslationConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Temperature     float32       `mapstructure:"temperature"`
	MaxNewTokens    int           `mapstructure:"max_new_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CacheTTLSeconds int           `mapstructure:"cache_ttl_seconds"`
}

// LanguageConfig stores language detection settings.
type LanguageConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	Default             string  `mapstructure:"default"`
}

// ContextConfig stores context assembly budgets.
type ContextConfig struct {
	MaxTurns         int  `mapstructure:"max_turns"`
	MaxContextTokens int  `mapstructure:"max_context_tokens"`
	MaxFactsChars    int  `mapstructure:"max_facts_chars"`
	PinTriage        bool `mapstructure:"pin_triage"`
}

// HarnessConfig stores orchestration settings.
type HarnessConfig struct {
	// Cache settings
	CacheEnabled  bool `mapstructure:"cache_enabled"`  // Enable translation caching
	CacheCapacity int  `mapstructure:"cache_capacity"` // LRU cache capacity

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`     // Enable model call rate limiting
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`    // Token bucket capacity
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"` // Refill rate
	RateLimitWait       bool          `mapstructure:"rate_limit_wait"`        // Block until a token refills instead of failing

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`

	// Tools
	ToolConcurrency int           `mapstructure:"tool_concurrency"` // Max concurrent tool executions
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`     // Per-tool timeout

	// BusyPolicy is "queue" or "reject" for concurrent requests on one conversation.
	BusyPolicy string `mapstructure:"busy_policy"`
}

// PolicyConfig stores the tool policy engine settings.
type PolicyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // rego file; the built-in policy is used when empty
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch loads the configuration and calls onChange with the re-decoded
// configuration whenever the backing file changes.
func Watch(configPath string, onChange func(*Config, error)) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()

	return cfg, nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("/etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. model.api_key becomes MODEL_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment are used.
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", internal.DefaultAppName)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("server.addr", internal.DefaultServerAddr)
	v.SetDefault("server.request_timeout", "150s")

	v.SetDefault("database.type", internal.DefaultDatabaseType)
	v.SetDefault("database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("database.auth_token", "")
	v.SetDefault("database.data_dir", internal.DefaultDatabaseDir)
	v.SetDefault("database.max_open_conns", 8)

	// Model defaults match the hosted endpoint contract
	v.SetDefault("model.provider", "http")
	v.SetDefault("model.endpoint_url", "")
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.name", "n-atlas")
	v.SetDefault("model.max_new_tokens", 1024)
	v.SetDefault("model.temperature", 0.7)
	v.SetDefault("model.top_p", 0.9)
	v.SetDefault("model.timeout", "45s") // three attempts plus backoff fit in server.request_timeout
	v.SetDefault("model.max_attempts", 3)
	v.SetDefault("model.backoff_base", "250ms")
	v.SetDefault("model.backoff_max", "4s")

	v.SetDefault("translation.enabled", true)
	v.SetDefault("translation.temperature", 0.3) // Lower temp for more accurate translations
	v.SetDefault("translation.max_new_tokens", 2048)
	v.SetDefault("translation.timeout", "30s")
	v.SetDefault("translation.cache_ttl_seconds", 86400)

	v.SetDefault("language.confidence_threshold", 0.55)
	v.SetDefault("language.default", "en")

	v.SetDefault("context.max_turns", 10)
	v.SetDefault("context.max_context_tokens", 3000)
	v.SetDefault("context.max_facts_chars", 1200)
	v.SetDefault("context.pin_triage", true)

	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 1000)
	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.rate_limit_wait", true)
	v.SetDefault("harness.enable_tracing", true)
	v.SetDefault("harness.tool_concurrency", 5)
	v.SetDefault("harness.tool_timeout", "30s")
	v.SetDefault("harness.busy_policy", "queue")

	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.path", "")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "libsql", "postgres":
	default:
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}
	switch c.Model.Provider {
	case "http", "openai", "gemini":
	default:
		return fmt.Errorf("unsupported model.provider %q", c.Model.Provider)
	}
	switch c.Harness.BusyPolicy {
	case "queue", "reject":
	default:
		return fmt.Errorf("unsupported harness.busy_policy %q", c.Harness.BusyPolicy)
	}
	// Attempts are cut short by the request deadline; one that can never finish is a misconfiguration.
	if c.Server.RequestTimeout > 0 && c.Model.Timeout > c.Server.RequestTimeout {
		return fmt.Errorf("model.timeout (%s) exceeds server.request_timeout (%s)", c.Model.Timeout, c.Server.RequestTimeout)
	}
	if c.Language.ConfidenceThreshold < 0 || c.Language.ConfidenceThreshold > 1 {
		return fmt.Errorf("language.confidence_threshold must be within [0,1]: %v", c.Language.ConfidenceThreshold)
	}
	return nil
}
