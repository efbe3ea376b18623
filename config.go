package chatengine

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything needed to assemble the engine.
type Config struct {
	SupabaseURL    string
	SupabaseAPIKey string

	// RedisAddr selects the Redis cache driver when non-empty; otherwise the
	// in-memory driver is used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// StreamURL is the websocket endpoint for the push connection.
	StreamURL string
	// GenerateURL is the generation backend endpoint.
	GenerateURL string

	CacheTTL        time.Duration // session/message list mirrors
	BalanceTTL      time.Duration // token balance mirror
	HistoryMessages int           // recent-history window, message cap
	HistoryTokens   int           // recent-history window, token cap
}

// LoadConfig reads configuration from environment variables. A .env file in
// the working directory is honored when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		SupabaseURL:     getEnv("SUPABASE_URL", ""),
		SupabaseAPIKey:  getEnv("SUPABASE_ANON_KEY", ""),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		StreamURL:       getEnv("CHAT_STREAM_URL", ""),
		GenerateURL:     getEnv("CHAT_GENERATE_URL", ""),
		CacheTTL:        getEnvDuration("CHAT_CACHE_TTL", time.Minute),
		BalanceTTL:      getEnvDuration("CHAT_BALANCE_TTL", 30*time.Second),
		HistoryMessages: getEnvInt("CHAT_HISTORY_MESSAGES", 20),
		HistoryTokens:   getEnvInt("CHAT_HISTORY_TOKENS", 4000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.SupabaseAPIKey == "" {
		return fmt.Errorf("SUPABASE_ANON_KEY is required")
	}
	if c.StreamURL == "" {
		return fmt.Errorf("CHAT_STREAM_URL is required")
	}
	if c.GenerateURL == "" {
		return fmt.Errorf("CHAT_GENERATE_URL is required")
	}
	if c.CacheTTL <= 0 || c.BalanceTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
