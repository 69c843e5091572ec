// Package config loads process-level configuration for the trouble
// engine daemon: data directory, bind addresses, and dev-mode flags.
// Grounded on the teacher's internal/config Load() (env-var-with-.env-
// override idiom recovered from its surviving config_load_test.go).
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// defaultDataDir is a var, not a const, so tests can point it at a
// temp directory the way the teacher's config_load_test.go does.
var defaultDataDir = "/var/lib/troubled"

// Config holds every process-level setting read once at startup.
type Config struct {
	// DataPath is the directory holding the bbolt database and the
	// properties JSON file.
	DataPath string
	// HTTPAddr is the bind address for the health/metrics HTTP server.
	HTTPAddr string
	// DevMode enables fast comm-fail timers and minute-granularity
	// pre-low-battery elevation, per spec §4.4/§4.6.
	DevMode bool
	// LogLevel is parsed by zerolog (e.g. "debug", "info", "warn").
	LogLevel string
}

// Load reads TROUBLED_DATA_DIR/TROUBLED_HTTP_ADDR/TROUBLED_DEV_MODE/
// TROUBLED_LOG_LEVEL from the environment, first loading a .env file from
// the data directory if one is present.
func Load() (*Config, error) {
	dataDir := os.Getenv("TROUBLED_DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("TROUBLED_DATA_DIR"); v != "" {
		dataDir = v
	}

	cfg := &Config{
		DataPath: dataDir,
		HTTPAddr: envOr("TROUBLED_HTTP_ADDR", ":9455"),
		DevMode:  envBool("TROUBLED_DEV_MODE", false),
		LogLevel: envOr("TROUBLED_LOG_LEVEL", "info"),
	}

	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		return nil, err
	}

	return cfg, nil
}

// PropertiesPath returns the path of the hot-reloadable properties file
// within the data directory.
func (c *Config) PropertiesPath() string {
	return filepath.Join(c.DataPath, "properties.json")
}

// DatabasePath returns the path of the bbolt database within the data
// directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataPath, "troubles.db")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
