package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for portalstats.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Calendar    CalendarConfig    `koanf:"calendar"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
	Mode string `koanf:"mode"` // "debug" or "release"
}

// DatabaseConfig holds the database connection settings.
type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// AggregationConfig holds settings for the aggregation engine. EnabledKinds
// is read once at startup and handed to the engine as an immutable value;
// there is no runtime toggle.
type AggregationConfig struct {
	Enabled      bool            `koanf:"enabled"`
	CronInterval string          `koanf:"cron_interval"` // parsed as time.Duration in main
	BatchSize    int             `koanf:"batch_size"`
	Intervals    []string        `koanf:"intervals"`
	EnabledKinds map[string]bool `koanf:"enabled_kinds"`
	ServerName   string          `koanf:"server_name"`
}

// CalendarConfig locates the externally supplied academic calendar.
type CalendarConfig struct {
	TermsDir string `koanf:"terms_dir"`
}

// Load loads the configuration from the given file path and environment
// variables. PORTALSTATS_SERVER__PORT=9090 overrides server.port.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                      8080,
		"server.host":                      "0.0.0.0",
		"server.mode":                      "release",
		"database.dsn":                     "postgres://localhost:5432/portalstats?sslmode=disable",
		"database.max_open_conns":          25,
		"database.max_idle_conns":          25,
		"database.auto_migrate":            true,
		"aggregation.enabled":               true,
		"aggregation.cron_interval":         "1m",
		"aggregation.batch_size":            1000,
		"aggregation.intervals":             []string{"five_minute", "hour", "day", "week", "month", "calendar_quarter", "term", "academic_year"},
		"aggregation.enabled_kinds.login":   true,
		"aggregation.enabled_kinds.session": true,
		"aggregation.enabled_kinds.render":  true,
		"aggregation.server_name":           "",
		"calendar.terms_dir":                "./config/terms",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("PORTALSTATS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "PORTALSTATS_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
