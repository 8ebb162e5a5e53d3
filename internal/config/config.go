// Package config loads service configuration from the environment into an
// explicit struct handed to constructors. No package carries ambient
// configuration state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"forgeline/internal/ai"
)

// Config is the full service configuration for one process.
type Config struct {
	Port        string
	Environment string

	DatabaseURL string // postgres DSN; empty selects embedded sqlite
	SQLitePath  string
	RedisAddr   string
	RedisPass   string

	Providers []ai.Config

	StepTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration

	WebhookURL     string
	SnapshotBucket string
	AWSRegion      string

	StripeKey         string
	StripeMeterEvents bool
}

// Load reads configuration from the environment. Defaults keep a bare
// environment runnable for local development.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        envOr("PORT", "8090"),
		Environment: envOr("ENVIRONMENT", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  envOr("SQLITE_PATH", "forgeline.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		RedisPass:   os.Getenv("REDIS_PASSWORD"),

		StepTimeout: envDuration("STEP_TIMEOUT", 75*time.Second),
		MaxAttempts: envInt("STEP_MAX_ATTEMPTS", 3),
		BackoffBase: envDuration("STEP_BACKOFF_BASE", 2*time.Second),

		WebhookURL:     os.Getenv("WEBHOOK_URL"),
		SnapshotBucket: os.Getenv("SNAPSHOT_BUCKET"),
		AWSRegion:      envOr("AWS_REGION", "us-east-1"),

		StripeKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeMeterEvents: os.Getenv("STRIPE_METER_EVENTS") == "true",
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("STEP_MAX_ATTEMPTS must be at least 1")
	}

	cfg.Providers = loadProviders()
	return cfg, nil
}

// loadProviders builds the provider table from the environment. The
// provider named by ACTIVE_PROVIDER is flagged active, FALLBACK_PROVIDER
// fallback; defaults are claude active with gemini fallback.
func loadProviders() []ai.Config {
	active := ai.Kind(envOr("ACTIVE_PROVIDER", string(ai.KindClaude)))
	fallback := ai.Kind(envOr("FALLBACK_PROVIDER", string(ai.KindGemini)))

	table := []ai.Config{
		{Kind: ai.KindClaude, APIKey: os.Getenv("ANTHROPIC_API_KEY"), Model: os.Getenv("CLAUDE_MODEL")},
		{Kind: ai.KindGPT4, APIKey: os.Getenv("OPENAI_API_KEY"), Model: os.Getenv("OPENAI_MODEL")},
		{Kind: ai.KindGemini, APIKey: os.Getenv("GEMINI_API_KEY"), Model: os.Getenv("GEMINI_MODEL")},
		{Kind: ai.KindOllama, APIKey: os.Getenv("OLLAMA_API_KEY"), Model: os.Getenv("OLLAMA_MODEL")},
	}
	for i := range table {
		table[i].Active = table[i].Kind == active
		table[i].Fallback = table[i].Kind == fallback
	}
	return table
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
