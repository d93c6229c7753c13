package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"elucide/internal/completion"
	"elucide/internal/completion/core"
	"elucide/internal/kv"
	"elucide/internal/logging"
	"elucide/internal/msgcache"
)

const (
	defaultModel              = "gpt-4o"
	defaultAnthropicVersion   = "2023-06-01"
	defaultBackendTimeout     = "30s"
	defaultRetryMaxRetries    = 3
	defaultRetryBaseDelay     = "300ms"
	defaultRetryMaxDelay      = "5s"
	defaultCacheTTL           = "1h"
	defaultLedgerInterval     = "5s"
	defaultLedgerMaxDelay     = "5m"
	defaultLogLevel           = "info"
	defaultLogFormat          = "console"
	defaultTUITheme           = "dark"
	defaultConfigRelativePath = ".config/elucide/config.toml"
	defaultCacheDirName       = "elucide"

	envBackendURL      = "ELUCIDE_BACKEND_URL"
	envBackendToken    = "ELUCIDE_BACKEND_TOKEN"
	envUserID          = "ELUCIDE_USER_ID"
	envProviderDefault = "ELUCIDE_PROVIDER"
	envModel           = "ELUCIDE_MODEL"
	envAnthropicAPIKey = "ANTHROPIC_API_KEY"
	envOpenAIAPIKey    = "OPENAI_API_KEY"
	envDeepSeekAPIKey  = "DEEPSEEK_API_KEY"
	envGroqAPIKey      = "GROQ_API_KEY"
	envRetryMaxRetries = "ELUCIDE_RETRY_MAX_RETRIES"
	envRetryBaseDelay  = "ELUCIDE_RETRY_BASE_DELAY"
	envRetryMaxDelay   = "ELUCIDE_RETRY_MAX_DELAY"
	envCacheDriver     = "ELUCIDE_CACHE_DRIVER"
	envCachePath       = "ELUCIDE_CACHE_PATH"
	envLogLevel        = "ELUCIDE_LOG_LEVEL"
	envLogFormat       = "ELUCIDE_LOG_FORMAT"
	envLogFile         = "ELUCIDE_LOG_FILE"
)

var (
	// ErrInvalidConfig indicates malformed configuration input.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the application configuration root.
type Config struct {
	Backend  BackendConfig  `toml:"backend"`
	Provider ProviderConfig `toml:"provider"`
	Cache    CacheConfig    `toml:"cache"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Log      LogConfig      `toml:"log"`
	TUI      TUIConfig      `toml:"tui"`
}

// BackendConfig locates the chat backend.
type BackendConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	UserID  string `toml:"user_id"`
	Timeout string `toml:"timeout"`
}

// ProviderConfig configures completion routing.
type ProviderConfig struct {
	// Default, when set, routes every model through one provider.
	Default   string                   `toml:"default"`
	Model     string                   `toml:"model"`
	Anthropic APIConfig                `toml:"anthropic"`
	OpenAI    APIConfig                `toml:"openai"`
	DeepSeek  APIConfig                `toml:"deepseek"`
	Groq      APIConfig                `toml:"groq"`
	Retry     RetryConfig              `toml:"retry"`
	Models    []completion.ModelConfig `toml:"models"`
}

// APIConfig holds credentials for one model API.
type APIConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Version string `toml:"version"`
}

// RetryConfig stores retry policy as config-friendly values.
type RetryConfig struct {
	MaxRetries int    `toml:"max_retries"`
	BaseDelay  string `toml:"base_delay"`
	MaxDelay   string `toml:"max_delay"`
}

// CacheConfig selects the local message cache storage.
type CacheConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	Prefix string `toml:"prefix"`
	TTL    string `toml:"ttl"`
}

// LedgerConfig tunes the pending-message sweep.
type LedgerConfig struct {
	Interval    string  `toml:"interval"`
	MaxAttempts int     `toml:"max_attempts"`
	BaseDelay   string  `toml:"base_delay"`
	MaxDelay    string  `toml:"max_delay"`
	Rate        float64 `toml:"rate"`
	Burst       int     `toml:"burst"`
	Concurrency int     `toml:"concurrency"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// TUIConfig configures terminal UI defaults.
type TUIConfig struct {
	Theme string `toml:"theme"`
}

// LoadOptions controls config loading behavior.
type LoadOptions struct {
	Path string
	// EnvFile is a dotenv file loaded before environment overrides. Values
	// already present in the environment win. Defaults to ".env".
	EnvFile string
}

// CacheSettings is the parsed cache section.
type CacheSettings struct {
	Driver string
	Path   string
	Prefix string
	TTL    time.Duration
}

// Default returns application defaults.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Timeout: defaultBackendTimeout,
		},
		Provider: ProviderConfig{
			Model: defaultModel,
			Anthropic: APIConfig{
				Version: defaultAnthropicVersion,
			},
			Retry: RetryConfig{
				MaxRetries: defaultRetryMaxRetries,
				BaseDelay:  defaultRetryBaseDelay,
				MaxDelay:   defaultRetryMaxDelay,
			},
		},
		Cache: CacheConfig{
			Driver: kv.DriverPebble,
			Prefix: msgcache.DefaultPrefix,
			TTL:    defaultCacheTTL,
		},
		Ledger: LedgerConfig{
			Interval:    defaultLedgerInterval,
			MaxAttempts: msgcache.DefaultSweepMaxAttempts,
			MaxDelay:    defaultLedgerMaxDelay,
		},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		TUI: TUIConfig{
			Theme: defaultTUITheme,
		},
	}
}

// Load reads the config file, then the dotenv file, then environment
// variable overrides, and validates the result.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultConfigPath()
	}

	if err := mergeConfigFile(&cfg, path); err != nil {
		return Config{}, err
	}
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RetryPolicy returns the parsed provider retry policy.
func (c Config) RetryPolicy() (core.RetryPolicy, error) {
	retry := c.Provider.Retry
	if retry.MaxRetries < 0 {
		return core.RetryPolicy{}, fmt.Errorf("%w: provider.retry.max_retries must be >= 0", ErrInvalidConfig)
	}
	baseDelay, err := parseDuration("provider.retry.base_delay", retry.BaseDelay)
	if err != nil {
		return core.RetryPolicy{}, err
	}
	maxDelay, err := parseDuration("provider.retry.max_delay", retry.MaxDelay)
	if err != nil {
		return core.RetryPolicy{}, err
	}
	maxRetries := retry.MaxRetries
	if maxRetries == 0 {
		// core treats zero as unset.
		maxRetries = -1
	}
	return core.RetryPolicy{MaxRetries: maxRetries, BaseDelay: baseDelay, MaxDelay: maxDelay}, nil
}

// BackendTimeout returns the parsed backend request timeout.
func (c Config) BackendTimeout() (time.Duration, error) {
	return parseDuration("backend.timeout", c.Backend.Timeout)
}

// CacheSettings returns the parsed cache section. An empty path for a
// durable driver resolves under the user cache directory.
func (c Config) CacheSettings() (CacheSettings, error) {
	ttl, err := parseDuration("cache.ttl", c.Cache.TTL)
	if err != nil {
		return CacheSettings{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(c.Cache.Driver))
	path := strings.TrimSpace(c.Cache.Path)
	if path == "" && driver != kv.DriverMemory {
		path = defaultCachePath(driver)
	}
	return CacheSettings{
		Driver: driver,
		Path:   path,
		Prefix: c.Cache.Prefix,
		TTL:    ttl,
	}, nil
}

// SweepConfig returns the parsed ledger section.
func (c Config) SweepConfig() (msgcache.SweepConfig, error) {
	l := c.Ledger
	interval, err := parseDuration("ledger.interval", l.Interval)
	if err != nil {
		return msgcache.SweepConfig{}, err
	}
	cfg := msgcache.SweepConfig{
		Interval:      interval,
		MaxAttempts:   l.MaxAttempts,
		RatePerSecond: l.Rate,
		Burst:         l.Burst,
		Concurrency:   l.Concurrency,
	}
	if strings.TrimSpace(l.BaseDelay) != "" {
		if cfg.Backoff.BaseDelay, err = parseDuration("ledger.base_delay", l.BaseDelay); err != nil {
			return msgcache.SweepConfig{}, err
		}
	}
	if strings.TrimSpace(l.MaxDelay) != "" {
		if cfg.Backoff.MaxDelay, err = parseDuration("ledger.max_delay", l.MaxDelay); err != nil {
			return msgcache.SweepConfig{}, err
		}
	}
	return cfg, nil
}

// LogOptions returns the logging section for logging.New.
func (c Config) LogOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format, File: c.Log.File}
}

// CompletionOptions builds router options for every configured provider.
func (c Config) CompletionOptions() (completion.Options, error) {
	retry, err := c.RetryPolicy()
	if err != nil {
		return completion.Options{}, err
	}
	catalog := completion.DefaultCatalog().With(c.Provider.Models...)
	p := c.Provider
	return completion.Options{
		Override: strings.TrimSpace(p.Default),
		Catalog:  catalog,
		Retry:    retry,
		Backend: completion.BackendConfig{
			BaseURL: c.Backend.BaseURL,
			Token:   c.Backend.Token,
		},
		Anthropic: completion.AnthropicConfig{
			APIKey:  p.Anthropic.APIKey,
			BaseURL: p.Anthropic.BaseURL,
			Version: p.Anthropic.Version,
		},
		OpenAI:   completion.OpenAIConfig{APIKey: p.OpenAI.APIKey, BaseURL: p.OpenAI.BaseURL},
		DeepSeek: completion.OpenAIConfig{APIKey: p.DeepSeek.APIKey, BaseURL: p.DeepSeek.BaseURL},
		Groq:     completion.OpenAIConfig{APIKey: p.Groq.APIKey, BaseURL: p.Groq.BaseURL},
	}, nil
}

func mergeConfigFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Backend.BaseURL, envBackendURL)
	setString(&cfg.Backend.Token, envBackendToken)
	setString(&cfg.Backend.UserID, envUserID)
	setString(&cfg.Provider.Default, envProviderDefault)
	setString(&cfg.Provider.Model, envModel)
	setString(&cfg.Provider.Anthropic.APIKey, envAnthropicAPIKey)
	setString(&cfg.Provider.OpenAI.APIKey, envOpenAIAPIKey)
	setString(&cfg.Provider.DeepSeek.APIKey, envDeepSeekAPIKey)
	setString(&cfg.Provider.Groq.APIKey, envGroqAPIKey)
	if value, ok := os.LookupEnv(envRetryMaxRetries); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envRetryMaxRetries, err)
		}
		cfg.Provider.Retry.MaxRetries = parsed
	}
	setString(&cfg.Provider.Retry.BaseDelay, envRetryBaseDelay)
	setString(&cfg.Provider.Retry.MaxDelay, envRetryMaxDelay)
	setString(&cfg.Cache.Driver, envCacheDriver)
	setString(&cfg.Cache.Path, envCachePath)
	setString(&cfg.Log.Level, envLogLevel)
	setString(&cfg.Log.Format, envLogFormat)
	setString(&cfg.Log.File, envLogFile)
	return nil
}

func setString(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*dst = strings.TrimSpace(value)
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Provider.Model) == "" {
		return fmt.Errorf("%w: provider.model is required", ErrInvalidConfig)
	}
	if _, err := cfg.RetryPolicy(); err != nil {
		return err
	}
	if _, err := cfg.BackendTimeout(); err != nil {
		return err
	}
	cache, err := cfg.CacheSettings()
	if err != nil {
		return err
	}
	switch cache.Driver {
	case kv.DriverMemory, kv.DriverPebble, kv.DriverSQLite:
	default:
		return fmt.Errorf("%w: cache.driver %q is not one of memory, pebble, sqlite", ErrInvalidConfig, cfg.Cache.Driver)
	}
	if _, err := cfg.SweepConfig(); err != nil {
		return err
	}
	if cfg.Ledger.MaxAttempts < 0 {
		return fmt.Errorf("%w: ledger.max_attempts must be >= 0", ErrInvalidConfig)
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	if _, err := completion.DefaultCatalog().With(cfg.Provider.Models...).Lookup(cfg.Provider.Model); err != nil {
		return fmt.Errorf("%w: provider.model: %v", ErrInvalidConfig, err)
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, field)
	}
	return d, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultConfigRelativePath)
}

func defaultCachePath(driver string) string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	name := "cache"
	if driver == kv.DriverSQLite {
		name = "cache.db"
	}
	return filepath.Join(dir, defaultCacheDirName, name)
}
