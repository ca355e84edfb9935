package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all weft daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath                 string `json:"db_path"`
	LogLevel               string `json:"log_level"`
	WorkflowTimeoutSeconds int    `json:"workflow_timeout_seconds"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(weftDir(), "weft.db"),
		LogLevel: "info",
	}
}

func weftDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weft"
	}
	return filepath.Join(home, ".weft")
}

func settingsPath() string {
	return filepath.Join(weftDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("WEFT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WEFT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WEFT_WORKFLOW_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkflowTimeoutSeconds = n
		}
	}

	return cfg
}
