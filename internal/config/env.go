package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment keys understood by ApplyEnv.
const (
	EnvModelName   = "MODEL_NAME"
	EnvProvider    = "MODEL_PROVIDER"
	EnvAPIURL      = "API_URL"
	EnvAPIKey      = "API_KEY"
	EnvMaxTokens   = "MAX_TOKENS"
	EnvTemperature = "TEMPERATURE"
	EnvConcurrency = "CONCURRENCY"
	EnvLogLevel    = "LOG_LEVEL"
)

// LoadEnvFile reads a dotenv file such as ".env.mistral". A missing file
// yields os.ErrNotExist wrapped with the path.
func LoadEnvFile(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("env file %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return vars, nil
}

// ApplyEnv folds environment values into cfg. MODEL_NAME selects (or adds)
// the active model; the endpoint keys update that model.
func ApplyEnv(cfg Config, vars map[string]string) (Config, error) {
	get := func(key string) string {
		return strings.TrimSpace(vars[key])
	}

	if name := get(EnvModelName); name != "" {
		cfg.Models = append([]Model(nil), cfg.Models...)
		cfg.SetActive(Model{
			Name:     name,
			Provider: get(EnvProvider),
			BaseURL:  get(EnvAPIURL),
			APIKey:   get(EnvAPIKey),
		})
	} else if get(EnvProvider) != "" || get(EnvAPIURL) != "" || get(EnvAPIKey) != "" {
		active, ok := cfg.ActiveModel()
		if !ok {
			return cfg, fmt.Errorf("%s is required when %s, %s or %s is set", EnvModelName, EnvProvider, EnvAPIURL, EnvAPIKey)
		}
		cfg.Models = append([]Model(nil), cfg.Models...)
		cfg.SetActive(Model{
			Name:     active.Name,
			Provider: get(EnvProvider),
			BaseURL:  get(EnvAPIURL),
			APIKey:   get(EnvAPIKey),
		})
	}

	if raw := get(EnvMaxTokens); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid %s %q", EnvMaxTokens, raw)
		}
		cfg.Formatting.MaxTokens = n
	}
	if raw := get(EnvTemperature); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s %q", EnvTemperature, raw)
		}
		cfg.Formatting.Temperature = &t
	}
	if raw := get(EnvConcurrency); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid %s %q", EnvConcurrency, raw)
		}
		cfg.Formatting.Concurrency = n
	}
	if level := get(EnvLogLevel); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
