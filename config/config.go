package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port             string   `mapstructure:"PORT"`
	Env              string   `mapstructure:"ENV"`
	DBPath           string   `mapstructure:"DB_PATH"`
	LogLevel         string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins      []string `mapstructure:"CORS_ORIGINS"`
	LedgerMaxRetries int      `mapstructure:"LEDGER_MAX_RETRIES"`
	ExpiringSoonDays int      `mapstructure:"EXPIRING_SOON_DAYS"`
	SeedFile         string   `mapstructure:"SEED_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_PATH", "pharmacy.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("LEDGER_MAX_RETRIES", 3)
	v.SetDefault("EXPIRING_SOON_DAYS", 30)
	v.SetDefault("SEED_FILE", "")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DB_PATH", "LOG_LEVEL", "CORS_ORIGINS",
		"LEDGER_MAX_RETRIES", "EXPIRING_SOON_DAYS", "SEED_FILE",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level returns the zerolog level for LOG_LEVEL, info when unparsable.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.LedgerMaxRetries <= 0 {
		return fmt.Errorf("LEDGER_MAX_RETRIES must be positive, got %d", c.LedgerMaxRetries)
	}
	if c.ExpiringSoonDays <= 0 {
		return fmt.Errorf("EXPIRING_SOON_DAYS must be positive, got %d", c.ExpiringSoonDays)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return nil
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
