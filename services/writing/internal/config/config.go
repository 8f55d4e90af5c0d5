package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable by WRITING_CONFIG.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string   `yaml:"port"`
	LogLevel    string   `yaml:"logLevel"`
	Locale      string   `yaml:"locale"`
	DatabaseURL string   `yaml:"databaseURL"`
	CORSOrigins []string `yaml:"corsOrigins"`
	// TrustedProxies lists CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string `yaml:"trustedProxies"`

	JWTSecret   string        `yaml:"jwtSecret"`
	JWTIssuer   string        `yaml:"jwtIssuer"`
	JWTAudience string        `yaml:"jwtAudience"`
	JWTLeeway   time.Duration `yaml:"jwtLeeway"`

	AIProvider       string        `yaml:"aiProvider"`
	AIBaseURL        string        `yaml:"aiBaseURL"`
	AIAPIKey         string        `yaml:"aiAPIKey"`
	AIModel          string        `yaml:"aiModel"`
	AITemperature    *float64      `yaml:"aiTemperature"`
	ProviderTimeout  time.Duration `yaml:"providerTimeout"`
	TurnMaxTokens    int           `yaml:"turnMaxTokens"`
	FinishMaxTokens  int           `yaml:"finishMaxTokens"`
	SystemPromptFile string        `yaml:"systemPromptFile"`

	RedisAddr              string        `yaml:"redisAddr"`
	RedisPassword          string        `yaml:"redisPassword"`
	SessionLockTTL         time.Duration `yaml:"sessionLockTTL"`
	TurnRateLimitPerMinute int           `yaml:"turnRateLimitPerMinute"`
	EventsStream           string        `yaml:"eventsStream"`
}

// Load reads config from path (defaults to WRITING_CONFIG, then config.yaml),
// applies environment overrides and defaults, and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = strings.TrimSpace(os.Getenv("WRITING_CONFIG"))
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Locale, "WRITING_LOCALE")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.AIProvider, "AI_PROVIDER")
	setString(&cfg.AIBaseURL, "AI_BASE_URL")
	setString(&cfg.AIModel, "AI_MODEL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")

	// Provider-specific key variables win over the generic one.
	switch strings.ToLower(cfg.AIProvider) {
	case "gemini":
		setString(&cfg.AIAPIKey, "GEMINI_API_KEY", "AI_API_KEY")
	case "openai", "openai-compat", "openai_compat":
		setString(&cfg.AIAPIKey, "OPENAI_API_KEY", "AI_API_KEY")
	default:
		setString(&cfg.AIAPIKey, "AI_API_KEY")
	}

	if v := strings.TrimSpace(os.Getenv("AI_TEMPERATURE")); v != "" {
		temp, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: AI_TEMPERATURE: %w", err)
		}
		cfg.AITemperature = &temp
	}
	if v := strings.TrimSpace(os.Getenv("PROVIDER_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: PROVIDER_TIMEOUT: %w", err)
		}
		cfg.ProviderTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("TURN_RATE_LIMIT_PER_MINUTE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: TURN_RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.TurnRateLimitPerMinute = n
	}
	return nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Locale == "" {
		cfg.Locale = "en"
	}
	if cfg.AIProvider == "" {
		cfg.AIProvider = "openai"
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 60 * time.Second
	}
	if cfg.TurnMaxTokens <= 0 {
		cfg.TurnMaxTokens = 1000
	}
	if cfg.FinishMaxTokens <= 0 {
		cfg.FinishMaxTokens = 1500
	}
	if cfg.SessionLockTTL <= 0 {
		// Outlive the provider call with room for the two ledger writes.
		cfg.SessionLockTTL = cfg.ProviderTimeout + 30*time.Second
	}
	if cfg.EventsStream == "" {
		cfg.EventsStream = "writingbuddy:events"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	switch strings.ToLower(cfg.AIProvider) {
	case "gemini":
		if cfg.AIAPIKey == "" {
			return errors.New("config: aiAPIKey is required for gemini (set in config.yaml or GEMINI_API_KEY)")
		}
	case "openai", "openai-compat", "openai_compat":
		if cfg.AIAPIKey == "" && cfg.AIBaseURL == "" {
			return errors.New("config: aiAPIKey is required for openai (set in config.yaml or OPENAI_API_KEY)")
		}
	case "ollama", "mock":
	default:
		return fmt.Errorf("config: unknown aiProvider %q (openai, gemini, ollama, mock)", cfg.AIProvider)
	}
	if cfg.AITemperature != nil && (*cfg.AITemperature < 0 || *cfg.AITemperature > 2) {
		return errors.New("config: aiTemperature must be between 0 and 2")
	}
	if cfg.Locale != "en" && cfg.Locale != "he" {
		return fmt.Errorf("config: unsupported locale %q (en, he)", cfg.Locale)
	}
	if cfg.TurnRateLimitPerMinute < 0 {
		return errors.New("config: turnRateLimitPerMinute must not be negative")
	}
	if cfg.TurnRateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: turnRateLimitPerMinute requires redisAddr")
	}
	if cfg.SessionLockTTL <= cfg.ProviderTimeout {
		return errors.New("config: sessionLockTTL must exceed providerTimeout")
	}
	return nil
}

// LoadSystemPrompt returns the contents of path, or "" when path is empty.
func LoadSystemPrompt(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("system prompt file %s is empty", path)
	}
	return prompt, nil
}
