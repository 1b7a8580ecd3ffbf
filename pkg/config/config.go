// Package config loads and validates the process-wide configuration:
// credentials, the model registry with pricing, service prices, TTLs, and
// the agent loop knobs. Configuration comes from config.yaml (searched in
// the working directory and $HOME/.parley) overlaid with PARLEY_* env vars.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Latex     LatexConfig     `mapstructure:"latex"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DB        DBConfig        `mapstructure:"db"`
	Models    ModelsConfig    `mapstructure:"models"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Files     FilesConfig     `mapstructure:"files"`
	Writeback WritebackConfig `mapstructure:"writeback"`
	Ops       OpsConfig       `mapstructure:"ops"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Sampler string  `mapstructure:"sampler"`
	Ratio   float64 `mapstructure:"ratio"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// PaymentsToken is the payment-provider token used for invoices;
	// deposits are disabled when empty
	PaymentsToken string  `mapstructure:"payments_token"`
	AdminIDs      []int64 `mapstructure:"admin_ids"`
	PollTimeout   int     `mapstructure:"poll_timeout"`
}

type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type OpenAIConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	WhisperModel string `mapstructure:"whisper_model"`
	ImageModel   string `mapstructure:"image_model"`
}

type SandboxConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	// PricePerSecond is the USD price per wall-clock execution second
	PricePerSecond float64 `mapstructure:"price_per_second"`
}

type LatexConfig struct {
	BaseURL string `mapstructure:"base_url"`
	DPI     int    `mapstructure:"dpi"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// SessionTTL bounds the user/thread/message replicas
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
	BytesTTL    time.Duration `mapstructure:"bytes_ttl"`
	ArtifactTTL time.Duration `mapstructure:"artifact_ttl"`
	// BreakerFailures consecutive errors open the breaker for BreakerOpenFor
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerOpenFor  time.Duration `mapstructure:"breaker_open_for"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type ModelsConfig struct {
	Registry map[string]llmtypes.ModelSpec `mapstructure:"registry"`
	Default  string                        `mapstructure:"default"`
	// Critique is the fixed premium model self_critique runs on
	Critique string `mapstructure:"critique"`
	// Vision is the model analyze_image / analyze_pdf run on
	Vision string `mapstructure:"vision"`
}

type AgentConfig struct {
	BotName       string        `mapstructure:"bot_name"`
	MaxIterations int           `mapstructure:"max_iterations"`
	BatchWindow   time.Duration `mapstructure:"batch_window"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
	// DraftInterval is the minimum spacing between draft edits after the
	// first immediate flush
	DraftInterval time.Duration `mapstructure:"draft_interval"`
	// MessageLimit is the frontend per-message character limit
	MessageLimit          int `mapstructure:"message_limit"`
	CritiqueMaxIterations int `mapstructure:"critique_max_iterations"`
	// PromptDirs are operator prompt fragment directories searched in
	// order; empty means the built-in defaults ("./prompts",
	// "~/.parley/prompts")
	PromptDirs []string `mapstructure:"prompt_dirs"`
}

type BillingConfig struct {
	ImagePriceUSD         float64 `mapstructure:"image_price_usd"`
	TranscribePerMinUSD   float64 `mapstructure:"transcribe_per_min_usd"`
	WebSearchPriceUSD     float64 `mapstructure:"web_search_price_usd"`
	WebFetchPriceUSD      float64 `mapstructure:"web_fetch_price_usd"`
	CritiqueMinBalanceUSD float64 `mapstructure:"critique_min_balance_usd"`
	// WelcomeGrantUSD is credited once when a user first appears, so a
	// new account can try the bot before topping up
	WelcomeGrantUSD float64 `mapstructure:"welcome_grant_usd"`
}

type FilesConfig struct {
	TTLHours        int   `mapstructure:"ttl_hours"`
	FreeCapBytes    int64 `mapstructure:"free_cap_bytes"`
	PremiumCapBytes int64 `mapstructure:"premium_cap_bytes"`
	// BytesCacheCap bounds which blobs get a file:{id}:bytes cache entry
	BytesCacheCap int64         `mapstructure:"bytes_cache_cap"`
	CleanInterval time.Duration `mapstructure:"clean_interval"`
}

type WritebackConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushBatch    int           `mapstructure:"flush_batch"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "fmt")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sampler", "ratio")
	v.SetDefault("tracing.ratio", 0.1)

	v.SetDefault("telegram.poll_timeout", 30)

	v.SetDefault("anthropic.max_retries", 2)

	v.SetDefault("openai.whisper_model", "whisper-1")
	v.SetDefault("openai.image_model", "dall-e-3")

	v.SetDefault("sandbox.default_timeout", 180*time.Second)
	v.SetDefault("sandbox.max_timeout", 3600*time.Second)
	v.SetDefault("sandbox.price_per_second", 0.0008)

	v.SetDefault("latex.dpi", 300)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.session_ttl", time.Hour)
	v.SetDefault("redis.bytes_ttl", time.Hour)
	v.SetDefault("redis.artifact_ttl", 30*time.Minute)
	v.SetDefault("redis.breaker_failures", 3)
	v.SetDefault("redis.breaker_open_for", 30*time.Second)

	v.SetDefault("db.path", "parley.db")

	v.SetDefault("models.default", "sonnet")
	v.SetDefault("models.critique", "opus")
	v.SetDefault("models.vision", "sonnet")

	v.SetDefault("agent.bot_name", "Parley")
	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("agent.batch_window", 200*time.Millisecond)
	v.SetDefault("agent.stream_timeout", 5*time.Minute)
	v.SetDefault("agent.draft_interval", 700*time.Millisecond)
	v.SetDefault("agent.message_limit", 4096)
	v.SetDefault("agent.critique_max_iterations", 5)

	v.SetDefault("billing.image_price_usd", 0.134)
	v.SetDefault("billing.transcribe_per_min_usd", 0.006)
	v.SetDefault("billing.web_search_price_usd", 0.01)
	v.SetDefault("billing.web_fetch_price_usd", 0.005)
	v.SetDefault("billing.critique_min_balance_usd", 0.10)
	v.SetDefault("billing.welcome_grant_usd", 0.25)

	v.SetDefault("files.ttl_hours", 24)
	v.SetDefault("files.free_cap_bytes", int64(20)<<20)
	v.SetDefault("files.premium_cap_bytes", int64(2)<<30)
	v.SetDefault("files.bytes_cache_cap", int64(10)<<20)
	v.SetDefault("files.clean_interval", 10*time.Minute)

	v.SetDefault("writeback.flush_interval", 5*time.Second)
	v.SetDefault("writeback.flush_batch", 100)
	v.SetDefault("writeback.max_retries", 3)

	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.addr", ":8090")
}

// Load reads configuration from file and environment into a Config.
// A missing config file is not an error; env vars and defaults suffice.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.parley")

	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}

	if len(cfg.Models.Registry) == 0 {
		cfg.Models.Registry = DefaultModels()
	}

	return &cfg, nil
}

// ConfigFilePath returns the path of the config file in use, if any
func ConfigFilePath() string {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.parley")
	if err := v.ReadInConfig(); err != nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// ValidateServe checks the fields the gateway cannot run without
func (c *Config) ValidateServe() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram.token is required (PARLEY_TELEGRAM_TOKEN)")
	}
	if c.Anthropic.APIKey == "" {
		return errors.New("anthropic.api_key is required (PARLEY_ANTHROPIC_API_KEY)")
	}
	if _, ok := c.Models.Registry[c.Models.Default]; !ok {
		return errors.Errorf("models.default %q is not in the registry", c.Models.Default)
	}
	if _, ok := c.Models.Registry[c.Models.Critique]; !ok {
		return errors.Errorf("models.critique %q is not in the registry", c.Models.Critique)
	}
	if _, ok := c.Models.Registry[c.Models.Vision]; !ok {
		return errors.Errorf("models.vision %q is not in the registry", c.Models.Vision)
	}
	if c.Agent.DraftInterval < 500*time.Millisecond || c.Agent.DraftInterval > time.Second {
		return errors.New("agent.draft_interval must be between 500ms and 1s")
	}
	return nil
}

// DefaultModels returns the built-in model registry used when the config
// file does not provide one. Prices are USD per million tokens.
func DefaultModels() map[string]llmtypes.ModelSpec {
	return map[string]llmtypes.ModelSpec{
		"sonnet": {
			ID:                  "claude-sonnet-4-5",
			ContextWindow:       200000,
			MaxOutput:           8192,
			Thinking:            true,
			ThinkingBudget:      4096,
			InterleavedThinking: true,
			Vision:              true,
			Pricing:             llmtypes.Pricing{Input: 3.0, Output: 15.0},
		},
		"opus": {
			ID:             "claude-opus-4-1",
			ContextWindow:  200000,
			MaxOutput:      16384,
			Thinking:       true,
			ThinkingBudget: 8192,
			Vision:         true,
			Premium:        true,
			Pricing:        llmtypes.Pricing{Input: 15.0, Output: 75.0},
		},
		"haiku": {
			ID:            "claude-3-5-haiku-20241022",
			ContextWindow: 200000,
			MaxOutput:     8192,
			Vision:        true,
			Pricing:       llmtypes.Pricing{Input: 0.8, Output: 4.0},
		},
	}
}
