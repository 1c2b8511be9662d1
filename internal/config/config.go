package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port string

	GhostURL          string
	BlueskyHost       string
	BlueskyIdentifier string
	BlueskyPassword   string
	WebhookSecret     string
	PostMaxLength     int

	DatabaseURL string
	RedisURL    string

	WebhookRateLimit        int
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	LogLevel slog.Level
}

// EnvFiles are loaded by LoadEnv, highest precedence first.
var EnvFiles = []string{".env.local", ".env"}

// LoadEnv loads the local env files that exist. Variables already set in the
// process environment are never overridden.
func LoadEnv(logger *slog.Logger, files ...string) {
	if len(files) == 0 {
		files = EnvFiles
	}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			logger.Warn("failed to load env file", "file", file, "error", err)
			continue
		}
		loaded = append(loaded, file)
	}
	if len(loaded) > 0 {
		logger.Debug("loaded env files", "files", strings.Join(loaded, ", "))
	}
}

// Load reads configuration from environment variables. The first command
// line argument, when present, overrides PORT.
func Load(args []string) (*Config, error) {
	port := getEnv("PORT", "8080")
	if len(args) > 0 && args[0] != "" {
		port = args[0]
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("invalid port %q", port)
	}

	cfg := &Config{
		Port:                    port,
		GhostURL:                getEnv("GHOST_API_URL", ""),
		BlueskyHost:             getEnv("BLUESKY_HOST", "https://bsky.social"),
		BlueskyIdentifier:       getEnv("BLUESKY_IDENTIFIER", ""),
		BlueskyPassword:         getEnv("BLUESKY_PASSWORD", ""),
		WebhookSecret:           getEnv("WEBHOOK_SECRET", ""),
		PostMaxLength:           getEnvInt("POST_MAX_LENGTH", 200),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		RedisURL:                getEnv("REDIS_URL", ""),
		WebhookRateLimit:        getEnvInt("WEBHOOK_RATE_LIMIT", 10),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 0),
		BreakerCooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		LogLevel:                getLogLevel(),
	}

	var missing []string
	for _, req := range []struct{ key, val string }{
		{"GHOST_API_URL", cfg.GhostURL},
		{"BLUESKY_IDENTIFIER", cfg.BlueskyIdentifier},
		{"BLUESKY_PASSWORD", cfg.BlueskyPassword},
		{"WEBHOOK_SECRET", cfg.WebhookSecret},
	} {
		if req.val == "" {
			missing = append(missing, req.key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if cfg.PostMaxLength <= 0 {
		return nil, fmt.Errorf("POST_MAX_LENGTH must be positive, got %d", cfg.PostMaxLength)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}

func getLogLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
