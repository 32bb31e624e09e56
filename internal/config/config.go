// Package config loads the gateway's immutable configuration snapshot
// from the environment (and an optional .env file), following the
// env-var surface named in spec.md §6.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/aquagw/gateway/internal/domain"
)

// Config is the process-wide, immutable configuration snapshot. It is
// loaded once at startup and injected into every collaborator's
// constructor (spec.md §9: "no global mutable state... configuration is
// an immutable snapshot loaded at startup").
type Config struct {
	Host string
	Port int

	DatabaseURL string // MySQL DSN, or file:/sqlite: for local/test runs

	LLMAPIKey      string
	LLMModel       string
	LLMTemperature float64
	LLMBaseURL     string
	LLMMaxTokens   int
	LLMTimeout     time.Duration

	ExpertAPIBaseURL          string
	ExpertAPIKey              string
	ExpertAPITimeout          time.Duration
	EnableExpertConsultation  bool
	ExpertCollectionName      string

	RedisAddr string

	WeatherAPIBaseURL    string
	WeatherAPIKey        string
	EnableWeatherLookup  bool
	WeatherTimeout       time.Duration

	DeviceControlAPIBaseURL string
	EnableDeviceControl     bool
	DeviceControlTimeout    time.Duration

	MetricsPort int

	LogLevel string

	InboundQueueSize int
	InitTimeout      time.Duration
	StorageTimeout   time.Duration

	ExpertStreamPolicy string // "forward_expert_only" | "forward_synthesis_only"

	DefaultSystemPrompt string
}

// Load reads .env (if present, never overriding real env vars) then
// binds every recognized environment variable, applying the defaults
// from spec.md §6 and this expansion's §4.I.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		Host:        v.GetString("HOST"),
		Port:        v.GetInt("PORT"),
		DatabaseURL: v.GetString("DATABASE_URL"),

		LLMAPIKey:      v.GetString("LLM_API_KEY"),
		LLMModel:       v.GetString("LLM_MODEL"),
		LLMTemperature: v.GetFloat64("LLM_TEMPERATURE"),
		LLMBaseURL:     v.GetString("LLM_BASE_URL"),
		LLMMaxTokens:   v.GetInt("LLM_MAX_TOKENS"),
		LLMTimeout:     v.GetDuration("LLM_TIMEOUT"),

		ExpertAPIBaseURL:         v.GetString("EXPERT_API_BASE_URL"),
		ExpertAPIKey:             v.GetString("EXPERT_API_KEY"),
		ExpertAPITimeout:         v.GetDuration("EXPERT_API_TIMEOUT"),
		EnableExpertConsultation: v.GetBool("ENABLE_EXPERT_CONSULTATION"),
		ExpertCollectionName:     v.GetString("EXPERT_COLLECTION_NAME"),

		RedisAddr: v.GetString("REDIS_ADDR"),

		WeatherAPIBaseURL:   v.GetString("WEATHER_API_BASE_URL"),
		WeatherAPIKey:       v.GetString("WEATHER_API_KEY"),
		EnableWeatherLookup: v.GetBool("ENABLE_WEATHER_LOOKUP"),
		WeatherTimeout:      v.GetDuration("WEATHER_TIMEOUT"),

		DeviceControlAPIBaseURL: v.GetString("DEVICE_CONTROL_API_BASE_URL"),
		EnableDeviceControl:     v.GetBool("ENABLE_DEVICE_CONTROL"),
		DeviceControlTimeout:    v.GetDuration("DEVICE_CONTROL_TIMEOUT"),

		MetricsPort: v.GetInt("METRICS_PORT"),

		LogLevel: v.GetString("LOG_LEVEL"),

		InboundQueueSize: v.GetInt("INBOUND_QUEUE_SIZE"),
		InitTimeout:      v.GetDuration("INIT_TIMEOUT"),
		StorageTimeout:   v.GetDuration("STORAGE_TIMEOUT"),

		ExpertStreamPolicy: v.GetString("EXPERT_STREAM_POLICY"),

		DefaultSystemPrompt: v.GetString("DEFAULT_SYSTEM_PROMPT"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("DATABASE_URL", "file:aquagw.db?cache=shared&mode=rwc")

	v.SetDefault("LLM_MODEL", "anthropic/claude-sonnet-4.5")
	v.SetDefault("LLM_TEMPERATURE", 0.7)
	v.SetDefault("LLM_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("LLM_MAX_TOKENS", 4096)
	v.SetDefault("LLM_TIMEOUT", 60*time.Second)

	v.SetDefault("EXPERT_API_BASE_URL", "")
	v.SetDefault("EXPERT_API_TIMEOUT", 60*time.Second)
	v.SetDefault("ENABLE_EXPERT_CONSULTATION", true)
	v.SetDefault("EXPERT_COLLECTION_NAME", "japan_shrimp")

	v.SetDefault("REDIS_ADDR", "")

	v.SetDefault("WEATHER_API_BASE_URL", "")
	v.SetDefault("ENABLE_WEATHER_LOOKUP", true)
	v.SetDefault("WEATHER_TIMEOUT", 10*time.Second)

	v.SetDefault("DEVICE_CONTROL_API_BASE_URL", "")
	v.SetDefault("ENABLE_DEVICE_CONTROL", false)
	v.SetDefault("DEVICE_CONTROL_TIMEOUT", 30*time.Second)

	v.SetDefault("METRICS_PORT", 9090)

	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("INBOUND_QUEUE_SIZE", 4)
	v.SetDefault("INIT_TIMEOUT", 10*time.Second)
	v.SetDefault("STORAGE_TIMEOUT", 5*time.Second)

	v.SetDefault("EXPERT_STREAM_POLICY", "forward_synthesis_only")

	v.SetDefault("DEFAULT_SYSTEM_PROMPT", "You are an assistant for Japanese land-based shrimp aquaculture operators. Answer clearly and practically.")
}

// DefaultSessionConfig builds the spec.md §4.B/§6 default session config
// snapshot from the loaded process config.
func (c *Config) DefaultSessionConfig() domain.Config {
	return domain.DefaultConfig(c.LLMModel, c.LLMTemperature, c.LLMMaxTokens, c.DefaultSystemPrompt, c.ExpertCollectionName)
}
