// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"

	"wardenprime/internal/model"
)

// Config holds the application configuration.
type Config struct {
	DiscordToken string
	GuildID      snowflake.ID

	DatabaseDriver string
	DatabasePath   string
	DatabaseURL    string

	LogLevel string

	PollInterval     time.Duration
	MaxPollInterval  time.Duration
	WatchdogInterval time.Duration
	EnabledServices  []model.Service

	FetchTimeout   time.Duration
	DictionaryDir  string
	WorldStateURL  string
	ArbitrationURL string
	NewsFeedURL    string

	PingThreshold   int
	StaleMessageTTL time.Duration
	MetricsAddr     string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment
// variables take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("DISCORD_TOKEN is required")
	}

	cfg := &Config{
		DiscordToken:   token,
		DatabaseDriver: envOr("DATABASE_DRIVER", "sqlite"),
		DatabasePath:   envOr("DATABASE_PATH", "./data/wardenprime.db"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		DictionaryDir:  os.Getenv("DICTIONARY_DIR"),
		WorldStateURL:  os.Getenv("WORLDSTATE_URL"),
		ArbitrationURL: os.Getenv("ARBITRATION_URL"),
		NewsFeedURL:    os.Getenv("NEWS_FEED_URL"),
		MetricsAddr:    os.Getenv("METRICS_ADDR"),
	}

	var err error
	if raw := os.Getenv("GUILD_ID"); raw != "" {
		if cfg.GuildID, err = snowflake.Parse(raw); err != nil {
			return nil, fmt.Errorf("invalid GUILD_ID %q: %w", raw, err)
		}
	}

	switch cfg.DatabaseDriver {
	case "sqlite", "json":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return nil, fmt.Errorf("invalid DATABASE_DRIVER %q: use sqlite, postgres or json", cfg.DatabaseDriver)
	}

	if cfg.PollInterval, err = duration("POLL_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxPollInterval, err = duration("MAX_POLL_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.WatchdogInterval, err = duration("WATCHDOG_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StaleMessageTTL, err = duration("STALE_MESSAGE_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = duration("FETCH_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 || cfg.WatchdogInterval <= 0 || cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL, WATCHDOG_INTERVAL and FETCH_TIMEOUT must be positive")
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		return nil, fmt.Errorf("MAX_POLL_INTERVAL %s is shorter than POLL_INTERVAL %s", cfg.MaxPollInterval, cfg.PollInterval)
	}

	cfg.PingThreshold = 1
	if raw := os.Getenv("PING_THRESHOLD"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid PING_THRESHOLD %q: must be a positive integer", raw)
		}
		cfg.PingThreshold = n
	}

	if cfg.EnabledServices, err = services(os.Getenv("ENABLED_SERVICES")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ServiceEnabled reports whether svc is in the enabled list.
func (c *Config) ServiceEnabled(svc model.Service) bool {
	for _, s := range c.EnabledServices {
		if s == svc {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// duration accepts Go durations ("90s", "5m") and bare seconds.
func duration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func services(raw string) ([]model.Service, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]model.Service(nil), model.Services...), nil
	}
	var out []model.Service
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		svc := model.Service(s)
		if !svc.Valid() {
			return nil, fmt.Errorf("invalid service %q in ENABLED_SERVICES", s)
		}
		out = append(out, svc)
	}
	return out, nil
}
