// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Reasoner providers.
const (
	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	CORSOrigins []string
	DBPath      string
	DataKeyPath string
	// TimeZone names the location used for local task times and streak days.
	TimeZone string

	Reasoner ReasonerConfig
	Vision   VisionConfig

	SessionTTL      time.Duration
	SessionCapacity int
	DueWindow       time.Duration
	BreakEnergy     int
	NudgeAfter      time.Duration
	SweepInterval   time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration
	MaxUploadBytes    int64

	GRPCHealthPort  string
	WSHeartbeat     time.Duration
	OTelEndpoint    string
	OTelServiceName string
	OTelInsecure    bool
}

// ReasonerConfig selects and configures the language model backend.
type ReasonerConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// VisionConfig configures the image claim pipeline. An empty APIKey disables it.
type VisionConfig struct {
	APIKey string
	Model  string
}

// Storage locations used when DB_PATH and DATA_KEY_PATH are unset.
const (
	DefaultDBPath      = "./data/companion.db"
	DefaultDataKeyPath = "./data/secret.key"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	apiKey := getEnv("REASONER_API_KEY", "")
	if apiKey == "" {
		apiKey = getEnv("API_KEY", "")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
		DBPath:      getEnv("DB_PATH", DefaultDBPath),
		DataKeyPath: getEnv("DATA_KEY_PATH", DefaultDataKeyPath),
		TimeZone:    getEnv("TZ_NAME", "Local"),
		Reasoner: ReasonerConfig{
			Provider: strings.ToLower(getEnv("REASONER_PROVIDER", ProviderGroq)),
			BaseURL:  getEnv("REASONER_BASE_URL", ""),
			APIKey:   apiKey,
			Model:    getEnv("REASONER_MODEL", ""),
			Timeout:  getEnvDuration("REASONER_TIMEOUT", 30*time.Second),
		},
		Vision: VisionConfig{
			APIKey: getEnv("GEMINI_API_KEY", ""),
			Model:  getEnv("VISION_MODEL", "gemini-2.5-flash"),
		},
		SessionTTL:        getEnvDuration("SESSION_TTL", 24*time.Hour),
		SessionCapacity:   getEnvInt("SESSION_CAPACITY", 10000),
		DueWindow:         getEnvDuration("DUE_WINDOW", 10*time.Minute),
		BreakEnergy:       getEnvInt("BREAK_ENERGY_THRESHOLD", 2),
		NudgeAfter:        getEnvDuration("NUDGE_AFTER", 5*time.Minute),
		SweepInterval:     getEnvDuration("QUEUE_SWEEP_INTERVAL", 5*time.Minute),
		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		MaxUploadBytes:    int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		GRPCHealthPort:    getEnv("GRPC_HEALTH_PORT", ""),
		WSHeartbeat:       getEnvDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
		OTelEndpoint:      getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelServiceName:   getEnv("OTEL_SERVICE_NAME", "companion"),
		OTelInsecure:      strings.EqualFold(getEnv("OTEL_EXPORTER_OTLP_INSECURE", "false"), "true"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.DataKeyPath == "" {
		return fmt.Errorf("DATA_KEY_PATH cannot be empty")
	}
	switch c.Reasoner.Provider {
	case ProviderGroq, ProviderOpenAI:
		if c.Reasoner.APIKey == "" {
			return fmt.Errorf("REASONER_API_KEY (or API_KEY) is required for provider %q", c.Reasoner.Provider)
		}
	case ProviderGemini:
		if c.Reasoner.APIKey == "" && c.Vision.APIKey == "" {
			return fmt.Errorf("REASONER_API_KEY or GEMINI_API_KEY is required for provider %q", c.Reasoner.Provider)
		}
	default:
		return fmt.Errorf("REASONER_PROVIDER must be one of groq, openai, gemini, got %q", c.Reasoner.Provider)
	}
	if c.Reasoner.Timeout <= 0 {
		return fmt.Errorf("REASONER_TIMEOUT must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SessionCapacity <= 0 {
		return fmt.Errorf("SESSION_CAPACITY must be > 0")
	}
	if c.DueWindow <= 0 {
		return fmt.Errorf("DUE_WINDOW must be > 0")
	}
	if c.BreakEnergy < 0 || c.BreakEnergy > 10 {
		return fmt.Errorf("BREAK_ENERGY_THRESHOLD must be within 0..10")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("QUEUE_SWEEP_INTERVAL cannot be negative")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.WSHeartbeat <= 0 {
		return fmt.Errorf("WS_HEARTBEAT_INTERVAL must be > 0")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("TZ_NAME: %w", err)
	}
	return nil
}

// Location resolves TimeZone.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.TimeZone)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
