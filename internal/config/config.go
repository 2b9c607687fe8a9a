// Package config loads process configuration from the environment,
// following the getEnv/getEnvAsInt helper shape used throughout the
// broader example corpus. github.com/joho/godotenv seeds os.Environ from
// a .env file first so local development doesn't require exporting every
// variable by hand.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
)

// Config holds everything cmd/gateway needs to wire the process together.
type Config struct {
	NodeEnv string
	Port    int

	CTraderClientID     string
	CTraderClientSecret string
	CTraderRedirectURI  string
	CTraderDefaultEnv   domain.Environment
	CTraderDemoHost     string
	CTraderLiveHost     string
	CTraderPort         int
	CTraderSchemaDir    string

	RedisURL string

	TokenEncryptionKey string
	InternalAPIKey     string

	LogLevel string
}

// Load reads .env (if present, ignored if absent) then the process
// environment, applying the same defaults the original source ships with.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional; real deployments set real env vars

	cfg := &Config{
		NodeEnv: getEnv("NODE_ENV", "development"),
		Port:    getEnvAsInt("PORT", 8088),

		CTraderClientID:     getEnv("CTRADER_CLIENT_ID", ""),
		CTraderClientSecret: getEnv("CTRADER_CLIENT_SECRET", ""),
		CTraderRedirectURI:  getEnv("CTRADER_REDIRECT_URI", ""),
		CTraderDefaultEnv:   domain.Environment(getEnv("CTRADER_ENV", string(domain.EnvDemo))),
		CTraderDemoHost:     getEnv("CTRADER_DEMO_HOST", "demo.ctraderapi.com"),
		CTraderLiveHost:     getEnv("CTRADER_LIVE_HOST", "live.ctraderapi.com"),
		CTraderPort:         getEnvAsInt("CTRADER_PORT", 5035),
		CTraderSchemaDir:    getEnv("CTRADER_SCHEMA_DIR", "./schemas"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),
		InternalAPIKey:     getEnv("INTERNAL_API_KEY", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.CTraderClientID == "" || cfg.CTraderClientSecret == "" {
		return nil, fmt.Errorf("config: CTRADER_CLIENT_ID and CTRADER_CLIENT_SECRET are required")
	}
	if cfg.TokenEncryptionKey == "" {
		return nil, fmt.Errorf("config: TOKEN_ENCRYPTION_KEY is required")
	}
	if !cfg.CTraderDefaultEnv.Valid() {
		return nil, fmt.Errorf("config: CTRADER_ENV must be %q or %q, got %q", domain.EnvDemo, domain.EnvLive, cfg.CTraderDefaultEnv)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

