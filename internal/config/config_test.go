package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REASONER_API_KEY", "")
	t.Setenv("API_KEY", "gsk_test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, ProviderGroq, cfg.Reasoner.Provider)
	assert.Equal(t, "gsk_test", cfg.Reasoner.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Reasoner.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 10*time.Minute, cfg.DueWindow)
	assert.Equal(t, 2, cfg.BreakEnergy)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
	assert.Equal(t, "companion", cfg.OTelServiceName)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REASONER_API_KEY", "key")
	t.Setenv("REASONER_PROVIDER", "OpenAI")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test ,")
	t.Setenv("DUE_WINDOW", "15m")
	t.Setenv("SESSION_CAPACITY", "12")
	t.Setenv("QUEUE_SWEEP_INTERVAL", "0")
	t.Setenv("TZ_NAME", "UTC")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.Reasoner.Provider)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.Equal(t, 15*time.Minute, cfg.DueWindow)
	assert.Equal(t, 12, cfg.SessionCapacity)
	assert.Zero(t, cfg.SweepInterval)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("REASONER_API_KEY", "key")
	t.Setenv("DUE_WINDOW", "ten minutes")
	t.Setenv("SESSION_CAPACITY", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.DueWindow)
	assert.Equal(t, 10000, cfg.SessionCapacity)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:              "8000",
			DBPath:            "db",
			DataKeyPath:       "key",
			Reasoner:          ReasonerConfig{Provider: ProviderGroq, APIKey: "k", Timeout: time.Second},
			SessionTTL:        time.Hour,
			SessionCapacity:   1,
			DueWindow:         time.Minute,
			BreakEnergy:       2,
			RateLimitRequests: 1,
			RateLimitWindow:   time.Second,
			MaxUploadBytes:    1,
			WSHeartbeat:       time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty port", mutate: func(c *Config) { c.Port = "" }, wantErr: "PORT"},
		{name: "unknown provider", mutate: func(c *Config) { c.Reasoner.Provider = "llamafile" }, wantErr: "REASONER_PROVIDER"},
		{name: "missing key", mutate: func(c *Config) { c.Reasoner.APIKey = "" }, wantErr: "REASONER_API_KEY"},
		{
			name: "gemini uses vision key",
			mutate: func(c *Config) {
				c.Reasoner = ReasonerConfig{Provider: ProviderGemini, Timeout: time.Second}
				c.Vision.APIKey = "g"
			},
		},
		{name: "energy out of range", mutate: func(c *Config) { c.BreakEnergy = 11 }, wantErr: "BREAK_ENERGY_THRESHOLD"},
		{name: "negative sweep", mutate: func(c *Config) { c.SweepInterval = -time.Second }, wantErr: "QUEUE_SWEEP_INTERVAL"},
		{name: "bad zone", mutate: func(c *Config) { c.TimeZone = "Mars/Olympus" }, wantErr: "TZ_NAME"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
