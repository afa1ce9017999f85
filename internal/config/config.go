package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds the client configuration
type Config struct {
	BaseServerURL     string        `validate:"required,url"`
	WSServerURL       string        `validate:"required,url"`
	InstanceIDs       []string      `validate:"required,min=1,dive,required"`
	GameToken         string        `validate:"omitempty"`
	LobbyURL          string        `validate:"omitempty,url"`
	Embedded          bool          `validate:"-"`
	AllowedOrigins    []string      `validate:"omitempty"`
	Lang              string        `validate:"required"`
	LogLevel          string        `validate:"oneof=debug info warn error"`
	LogFormat         string        `validate:"oneof=json console"`
	HTTPAddr          string        `validate:"required"`
	StoreDriver       string        `validate:"oneof=sqlite postgres"`
	StoreDSN          string        `validate:"required"`
	ReconnectBackoff  time.Duration `validate:"gt=0"`
	KeepAliveInterval time.Duration `validate:"gt=0"`
	GracePeriod       time.Duration `validate:"gte=0"`
}

var validate = validator.New()

// Load reads the configuration from the environment, after a .env file
// when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BaseServerURL:  getEnv("BASE_SERVER_URL", ""),
		WSServerURL:    getEnv("WS_SERVER_URL", ""),
		InstanceIDs:    splitList(getEnv("INSTANCE_IDS", "")),
		GameToken:      getEnv("GAME_TOKEN", ""),
		LobbyURL:       getEnv("LOBBY_URL", ""),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "")),
		Lang:           getEnv("LANG_ID", "en"),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "json")),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		StoreDriver:    strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		StoreDSN:       getEnv("STORE_DSN", "crashlane.db"),
	}

	var err error
	if cfg.Embedded, err = strconv.ParseBool(getEnv("EMBEDDED", "false")); err != nil {
		return nil, fmt.Errorf("invalid EMBEDDED value: %w", err)
	}
	if cfg.ReconnectBackoff, err = millis("RECONNECT_BACKOFF_MS", 3000); err != nil {
		return nil, err
	}
	if cfg.GracePeriod, err = millis("GRACE_PERIOD_MS", 2000); err != nil {
		return nil, err
	}
	if cfg.KeepAliveInterval, err = duration("KEEP_ALIVE_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func millis(key string, def int) (time.Duration, error) {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(def)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func duration(key string, def time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, def.String()))
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
