package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// config is the process configuration. Values load from an optional YAML
// file first, then environment variables override field by field.
type config struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	MongoURL  string `yaml:"mongoUrl"`
	MongoDB   string `yaml:"mongoDb"`
	RedisURL  string `yaml:"redisUrl"`
	JWTSecret string `yaml:"jwtSecret"`
}

func defaultConfig() config {
	return config{
		Host:     "0.0.0.0",
		Port:     8080,
		LogLevel: "info",
		MongoDB:  "n3n",
	}
}

// loadConfig builds the effective configuration from the YAML file at path
// (skipped when empty) and the environment.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Host = envOr("HOST", cfg.Host)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.MongoURL = envOr("MONGO_URL", cfg.MongoURL)
	cfg.MongoDB = envOr("MONGO_DB", cfg.MongoDB)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = envOr("JWT_SECRET", cfg.JWTSecret)
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Port = port
	}

	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
