// Package config loads the daemon's process configuration from the
// environment, with an optional .env file for development setups.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config is the daemon's process configuration.
type Config struct {
	// BusURL is the websocket URL of the plugin host bus.
	BusURL string

	// BusToken authenticates against the bus.
	BusToken string

	// APIPort is the HTTP status API listen port.
	APIPort int

	// DatabasePath is the sqlite file holding the configured targets,
	// complications and requirements.
	DatabasePath string

	// SettingsPath is the user settings yaml file, watched for changes.
	SettingsPath string
}

const (
	defaultAPIPort      = 8081
	defaultDatabasePath = "smartspacer.db"
	defaultSettingsPath = "settings.yaml"
)

// Load reads the configuration from the environment. A .env file in the
// working directory is merged in when present.
func Load(logger *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	cfg := &Config{
		BusURL:       os.Getenv("BUS_URL"),
		BusToken:     os.Getenv("BUS_TOKEN"),
		APIPort:      defaultAPIPort,
		DatabasePath: defaultDatabasePath,
		SettingsPath: defaultSettingsPath,
	}

	if port := os.Getenv("API_PORT"); port != "" {
		parsed, err := strconv.Atoi(port)
		if err != nil || parsed <= 0 || parsed > 65535 {
			return nil, fmt.Errorf("invalid API_PORT %q", port)
		}
		cfg.APIPort = parsed
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.DatabasePath = path
	}
	if path := os.Getenv("SETTINGS_PATH"); path != "" {
		cfg.SettingsPath = path
	}

	if cfg.BusURL == "" || cfg.BusToken == "" {
		return nil, fmt.Errorf("BUS_URL and BUS_TOKEN must be set")
	}

	return cfg, nil
}
