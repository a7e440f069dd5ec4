package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// APIConfig holds the connection and pacing settings shared by every API.
type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" validate:"gte=0"`
	PacingDelay       time.Duration `mapstructure:"pacing_delay" validate:"gte=0"`
}

// DefiLlamaConfig holds DefiLlama settings.
type DefiLlamaConfig struct {
	APIConfig `mapstructure:",squash"`

	// Chains overrides the chain list normally read from /v2/chains.
	Chains []string `mapstructure:"chains"`
}

// CoinGeckoConfig holds CoinGecko settings.
type CoinGeckoConfig struct {
	APIConfig `mapstructure:",squash"`

	VsCurrency       string   `mapstructure:"vs_currency" validate:"required"`
	Coins            []string `mapstructure:"coins" validate:"min=1"`
	Days             int      `mapstructure:"days" validate:"gte=1"`
	MarketPages      int      `mapstructure:"market_pages" validate:"gte=1"`
	TopN             int      `mapstructure:"top_n" validate:"gte=1"`
	BTCPriceFallback float64  `mapstructure:"btc_price_fallback" validate:"gt=0"`
	ChartWorkers     int      `mapstructure:"chart_workers" validate:"gte=1"`
}

// DuneConfig holds Dune Analytics settings.
type DuneConfig struct {
	APIConfig `mapstructure:",squash"`

	APIKey       string        `mapstructure:"api_key"`
	QueryIDs     []string      `mapstructure:"query_ids"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gte=0"`
	MaxPolls     int           `mapstructure:"max_polls" validate:"gte=1"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
	File   string `mapstructure:"file"`
}

// RetryConfig holds the 429 retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	BackoffStep time.Duration `mapstructure:"backoff_step" validate:"gte=0"`
}

// Config holds all configuration for one marketfetch run. It is built once at
// startup and passed down; nothing below main reads the environment.
type Config struct {
	Job         string        `mapstructure:"job"`
	OutputDir   string        `mapstructure:"output_dir" validate:"required"`
	MetricsFile string        `mapstructure:"metrics_file"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
	Workers     int           `mapstructure:"workers" validate:"gte=1"`

	Log   LogConfig   `mapstructure:"log"`
	Retry RetryConfig `mapstructure:"retry"`

	DefiLlama DefiLlamaConfig `mapstructure:"defillama"`
	CoinGecko CoinGeckoConfig `mapstructure:"coingecko"`
	Dune      DuneConfig      `mapstructure:"dune"`
}

var bindings = map[string]string{
	"job":          "MARKETFETCH_JOB",
	"output_dir":   "OUTPUT_DIR",
	"metrics_file": "METRICS_FILE",
	"http_timeout": "HTTP_TIMEOUT",
	"workers":      "WORKERS",

	"log.level":  "LOG_LEVEL",
	"log.format": "LOG_FORMAT",
	"log.file":   "LOG_FILE",

	"retry.max_attempts": "RETRY_MAX_ATTEMPTS",
	"retry.backoff_step": "RETRY_BACKOFF_STEP",

	"defillama.base_url":            "DEFILLAMA_BASE_URL",
	"defillama.requests_per_minute": "DEFILLAMA_REQUESTS_PER_MINUTE",
	"defillama.pacing_delay":        "DEFILLAMA_PACING_DELAY",
	"defillama.chains":              "DEFILLAMA_CHAINS",

	"coingecko.base_url":            "COINGECKO_BASE_URL",
	"coingecko.requests_per_minute": "COINGECKO_REQUESTS_PER_MINUTE",
	"coingecko.pacing_delay":        "COINGECKO_PACING_DELAY",
	"coingecko.vs_currency":         "COINGECKO_VS_CURRENCY",
	"coingecko.coins":               "COINGECKO_COINS",
	"coingecko.days":                "COINGECKO_DAYS",
	"coingecko.market_pages":        "COINGECKO_MARKET_PAGES",
	"coingecko.top_n":               "COINGECKO_TOP_N",
	"coingecko.btc_price_fallback":  "COINGECKO_BTC_PRICE_FALLBACK",
	"coingecko.chart_workers":       "COINGECKO_CHART_WORKERS",

	"dune.base_url":            "DUNE_BASE_URL",
	"dune.requests_per_minute": "DUNE_REQUESTS_PER_MINUTE",
	"dune.pacing_delay":        "DUNE_PACING_DELAY",
	"dune.api_key":             "DUNE_API_KEY",
	"dune.query_ids":           "DUNE_QUERY_IDS",
	"dune.poll_interval":       "DUNE_POLL_INTERVAL",
	"dune.max_polls":           "DUNE_MAX_POLLS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job", "")
	v.SetDefault("output_dir", ".")
	v.SetDefault("metrics_file", "")
	v.SetDefault("http_timeout", 30*time.Second)
	v.SetDefault("workers", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_step", 10*time.Second)

	v.SetDefault("defillama.base_url", "https://api.llama.fi")
	v.SetDefault("defillama.requests_per_minute", 40)
	v.SetDefault("defillama.pacing_delay", 800*time.Millisecond)
	v.SetDefault("defillama.chains", []string{})

	v.SetDefault("coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("coingecko.requests_per_minute", 30)
	v.SetDefault("coingecko.pacing_delay", 1250*time.Millisecond)
	v.SetDefault("coingecko.vs_currency", "usd")
	v.SetDefault("coingecko.coins", []string{"bitcoin", "ethereum"})
	v.SetDefault("coingecko.days", 90)
	v.SetDefault("coingecko.market_pages", 1)
	v.SetDefault("coingecko.top_n", 10)
	v.SetDefault("coingecko.btc_price_fallback", 30000)
	v.SetDefault("coingecko.chart_workers", 2)

	v.SetDefault("dune.base_url", "https://api.dune.com/api/v1")
	v.SetDefault("dune.requests_per_minute", 0)
	v.SetDefault("dune.pacing_delay", 0)
	v.SetDefault("dune.api_key", "")
	v.SetDefault("dune.query_ids", []string{})
	v.SetDefault("dune.poll_interval", 5*time.Second)
	v.SetDefault("dune.max_polls", 720)
}

// Load reads configuration from a .env file, an optional config file and
// environment variables. Environment variables take precedence over the config
// file; a .env file never overrides variables already set.
//
// Expected environment variables (all optional):
//   - MARKETFETCH_JOB, OUTPUT_DIR, METRICS_FILE
//   - LOG_LEVEL, LOG_FORMAT, LOG_FILE
//   - HTTP_TIMEOUT, RETRY_MAX_ATTEMPTS, RETRY_BACKOFF_STEP, WORKERS
//   - DEFILLAMA_BASE_URL, DEFILLAMA_REQUESTS_PER_MINUTE, DEFILLAMA_PACING_DELAY, DEFILLAMA_CHAINS
//   - COINGECKO_BASE_URL, COINGECKO_REQUESTS_PER_MINUTE, COINGECKO_PACING_DELAY, COINGECKO_* job settings
//   - DUNE_API_KEY, DUNE_QUERY_IDS, DUNE_POLL_INTERVAL, DUNE_MAX_POLLS
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// Optionally read from config file if it exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.marketfetch")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.DefiLlama.Chains = cleanList(config.DefiLlama.Chains)
	config.CoinGecko.Coins = cleanList(config.CoinGecko.Coins)
	config.Dune.QueryIDs = cleanList(config.Dune.QueryIDs)
	config.Log.Level = strings.ToLower(config.Log.Level)
	config.Log.Format = strings.ToLower(config.Log.Format)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

var validate = validator.New()

// Validate checks value ranges and formats. Job-specific requirements are
// checked by Require.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		msgs = append(msgs, fieldMessage(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

// Require reports the environment variables a job needs but that are unset.
func (c *Config) Require(job string) error {
	var missing []string
	if job == "dune" {
		if c.Dune.APIKey == "" {
			missing = append(missing, "DUNE_API_KEY")
		}
		if len(c.Dune.QueryIDs) == 0 {
			missing = append(missing, "DUNE_QUERY_IDS")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// cleanList trims entries and drops empty ones, so "a, b,," becomes [a b].
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
