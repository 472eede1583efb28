package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mgerstgrasser/tacheles/internal/llm"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	LLM      LLMConfig
	Session  SessionConfig
	CORS     CORSConfig
	Frontend FrontendConfig
	Log      LogConfig
}

type ServerConfig struct {
	Addr string
}

type DatabaseConfig struct {
	URL string
}

type LLMConfig struct {
	Provider     string
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string
	SystemPrompt string `mapstructure:"system_prompt"`
	MaxTokens    int    `mapstructure:"max_tokens"`
}

type SessionConfig struct {
	Secret     string
	MaxAge     time.Duration `mapstructure:"max_age"`
	CookieName string        `mapstructure:"cookie_name"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type FrontendConfig struct {
	Path string
}

type LogConfig struct {
	Level       string
	Development bool
}

// envBindings keeps the variable names deployments already use.
var envBindings = map[string]string{
	"server.addr":          "LISTEN_ADDR",
	"database.url":         "DATABASE_URL",
	"llm.provider":         "LLM_PROVIDER",
	"llm.base_url":         "INFERENCE_API_URI",
	"llm.api_key":          "OPENAI_API_KEY",
	"llm.model":            "MODEL",
	"llm.system_prompt":    "SYSTEM_PROMPT",
	"llm.max_tokens":       "MAX_TOKENS",
	"session.secret":       "SESSION_SECRET",
	"session.max_age":      "SESSION_MAX_AGE",
	"cors.allowed_origins": "CORS_ALLOWED_ORIGINS",
	"frontend.path":        "HOST_FRONTEND_PATH",
	"log.level":            "LOG_LEVEL",
	"log.development":      "LOG_DEVELOPMENT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("database.url", "sqlite:///tacheles.db")
	v.SetDefault("llm.provider", llm.ProviderLangChain)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "123")
	v.SetDefault("llm.model", "model")
	v.SetDefault("llm.system_prompt", "You are a helpful assistant.")
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("session.secret", "")
	v.SetDefault("session.max_age", 14*24*time.Hour)
	v.SetDefault("session.cookie_name", "session")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("frontend.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration from defaults, an optional config file, a .env
// file in the working directory and the environment, in increasing priority.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.CORS.AllowedOrigins = splitList(cfg.CORS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList accepts comma separated values coming from a single env var.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	switch c.LLM.Provider {
	case llm.ProviderLangChain, llm.ProviderOpenAI:
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Session.MaxAge < 0 {
		return fmt.Errorf("session.max_age must not be negative, got %s", c.Session.MaxAge)
	}
	return nil
}

// LLMClient returns the completion client settings.
func (c *Config) LLMClient() llm.Config {
	return llm.Config{
		Provider: c.LLM.Provider,
		BaseURL:  c.LLM.BaseURL,
		APIKey:   c.LLM.APIKey,
		Model:    c.LLM.Model,
	}
}
