package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConfigMissing reports a required setting that is absent at startup
var ErrConfigMissing = errors.New("required configuration missing")

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Storage    StorageConfig    `mapstructure:"storage"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Context    ContextConfig    `mapstructure:"context"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token         string        `mapstructure:"token"`
	CommandPrefix string        `mapstructure:"command_prefix"`
	Keywords      string        `mapstructure:"keywords"`
	Webhook       WebhookConfig `mapstructure:"webhook"`
	UpdateTimeout int           `mapstructure:"update_timeout"`
	SendRate      float64       `mapstructure:"send_rate"`
	SendBurst     int           `mapstructure:"send_burst"`
}

type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Port    int    `mapstructure:"port"`
}

type LLMConfig struct {
	Provider string        `mapstructure:"provider"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Gemini   GeminiConfig  `mapstructure:"gemini"`
	OpenAI   OpenAIConfig  `mapstructure:"openai"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type OpenAIConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type StorageConfig struct {
	Type  string            `mapstructure:"type"`
	File  FileStorageConfig `mapstructure:"file"`
	Redis RedisConfig       `mapstructure:"redis"`
}

type FileStorageConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxPrompts    int  `mapstructure:"max_prompts"`
	WindowSeconds int  `mapstructure:"window_seconds"`
}

// Window returns the sliding window length
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

type ContextConfig struct {
	Directory         string `mapstructure:"directory"`
	SystemPrompt      string `mapstructure:"system_prompt"`
	UserHistoryMax    int    `mapstructure:"user_history_max"`
	ChannelHistoryMax int    `mapstructure:"channel_history_max"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
}

// KeywordList returns the lowercased, non-empty trigger keywords
func (b BotConfig) KeywordList() []string {
	var keywords []string
	for _, kw := range strings.Split(b.Keywords, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return keywords
}

var envBindings = map[string][]string{
	"bot.token":                  {"BOT_TOKEN"},
	"bot.command_prefix":         {"COMMAND_PREFIX"},
	"bot.keywords":               {"BOT_KEYWORDS"},
	"llm.provider":               {"LLM_PROVIDER"},
	"llm.gemini.api_key":         {"GEMINI_API_KEY"},
	"llm.gemini.model":           {"GEMINI_MODEL_NAME"},
	"llm.openai.base_url":        {"OPENAI_BASE_URL"},
	"llm.openai.api_key":         {"OPENAI_API_KEY"},
	"llm.openai.model":           {"OPENAI_MODEL"},
	"context.system_prompt":      {"SYSTEM_PROMPT"},
	"context.directory":          {"CONTEXT_DIR"},
	"rate_limit.max_prompts":     {"RATE_LIMIT_MAX_PROMPTS"},
	"rate_limit.window_seconds":  {"RATE_LIMIT_SECONDS"},
	"storage.type":               {"STORAGE_TYPE"},
	"storage.file.path":          {"DATA_FILE"},
	"storage.redis.addr":         {"REDIS_ADDR"},
	"storage.redis.password":     {"REDIS_PASSWORD"},
	"storage.redis.db":           {"REDIS_DB"},
	"logging.level":              {"LOG_LEVEL"},
	"monitoring.metrics.enabled": {"METRICS_ENABLED"},
	"monitoring.metrics.port":    {"METRICS_PORT"},
	"i18n.default_language":      {"DEFAULT_LANGUAGE"},
	"bot.webhook.enabled":        {"WEBHOOK_ENABLED"},
	"bot.webhook.url":            {"WEBHOOK_URL"},
	"bot.webhook.port":           {"WEBHOOK_PORT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.command_prefix", "/")
	v.SetDefault("bot.keywords", "ai,bot,assistant")
	v.SetDefault("bot.update_timeout", 60)
	v.SetDefault("bot.send_rate", 25.0)
	v.SetDefault("bot.send_burst", 5)
	v.SetDefault("bot.webhook.port", 8443)

	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("llm.gemini.model", "gemini-2.0-flash")
	v.SetDefault("llm.openai.max_tokens", 2048)
	v.SetDefault("llm.openai.temperature", 0.7)

	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.file.path", "bot_data.json")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.key", "relaybot:document")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.max_prompts", 3)
	v.SetDefault("rate_limit.window_seconds", 8)

	v.SetDefault("context.directory", "context")
	v.SetDefault("context.system_prompt", "You are a helpful AI assistant.")
	v.SetDefault("context.user_history_max", 100)
	v.SetDefault("context.channel_history_max", 200)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file.path", "logs/bot.log")
	v.SetDefault("logging.file.max_size", 100)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age", 28)

	v.SetDefault("monitoring.metrics.enabled", false)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en", "zh"})
}

// LoadConfig loads configuration from an optional YAML file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("%w: bot token (BOT_TOKEN)", ErrConfigMissing)
	}
	if strings.TrimSpace(cfg.Bot.CommandPrefix) == "" {
		return fmt.Errorf("%w: command prefix (COMMAND_PREFIX)", ErrConfigMissing)
	}

	switch cfg.LLM.Provider {
	case "gemini":
		if cfg.LLM.Gemini.APIKey == "" {
			return fmt.Errorf("%w: gemini api key (GEMINI_API_KEY)", ErrConfigMissing)
		}
		if cfg.LLM.Gemini.Model == "" {
			return fmt.Errorf("%w: gemini model (GEMINI_MODEL_NAME)", ErrConfigMissing)
		}
	case "openai":
		if cfg.LLM.OpenAI.BaseURL == "" || cfg.LLM.OpenAI.APIKey == "" || cfg.LLM.OpenAI.Model == "" {
			return fmt.Errorf("%w: openai base url, api key and model", ErrConfigMissing)
		}
	default:
		return fmt.Errorf("unsupported llm provider: %s", cfg.LLM.Provider)
	}

	switch cfg.Storage.Type {
	case "file":
		if cfg.Storage.File.Path == "" {
			return fmt.Errorf("%w: data file path (DATA_FILE)", ErrConfigMissing)
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("%w: redis address (REDIS_ADDR)", ErrConfigMissing)
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.RateLimit.MaxPrompts <= 0 {
		return fmt.Errorf("rate_limit.max_prompts must be positive, got %d", cfg.RateLimit.MaxPrompts)
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be positive, got %d", cfg.RateLimit.WindowSeconds)
	}
	if cfg.Context.UserHistoryMax < 2 || cfg.Context.ChannelHistoryMax < 2 {
		return fmt.Errorf("history caps must hold at least one turn pair")
	}
	return nil
}
