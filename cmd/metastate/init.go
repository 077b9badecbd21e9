package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"metastate/pkg/config"
)

const envConfigPath = "METASTATE_CONFIG"

// initConfig loads an optional .env file, then the YAML config. A missing
// config file yields config.Default().
func initConfig(path string) (config.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return config.Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv(envConfigPath)
	}

	cfg, found, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if !found {
		slog.Info("config file not found, using default config", "path", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// initLogger installs the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return logger
}
