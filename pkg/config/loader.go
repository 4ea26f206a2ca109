package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// fileName is the expected configuration file name inside configDir.
const fileName = "pmrunner.yaml"

// Initialize loads .env, reads pmrunner.yaml (if present) from configDir,
// expands environment variables, merges it over the built-in defaults, and
// validates the result.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment file", "path", envPath)
	}

	cfg := Default()

	cfgPath := filepath.Join(configDir, fileName)
	raw, err := os.ReadFile(cfgPath)
	switch {
	case err == nil:
		expanded := ExpandEnv(raw)
		loaded := &Config{}
		if err := yaml.Unmarshal(expanded, loaded); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", cfgPath, err)
		}
		if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging %s over defaults: %w", cfgPath, err)
		}
	case os.IsNotExist(err):
		slog.Info("No config file found, using built-in defaults", "path", cfgPath)
	default:
		return nil, fmt.Errorf("reading %s: %w", cfgPath, err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
