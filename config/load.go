package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"possync.yaml",
	"possync.yml",
	"/etc/possync/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "POSSYNC_CONFIG"

// envPrefix namespaces the engine's environment variables.
const envPrefix = "POSSYNC_"

// defaultConfig returns the built-in defaults, applied before the config
// file and environment layers.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			MaxRetries:    3,
			PushBatchSize: 50,
			PullPageSize:  1000,
			UnsyncedLimit: 1000,
			Workers:       0, // 0 = one worker per entity, capped by the engine
			Interval:      0,
		},
		Database: DatabaseConfig{
			Path: "possync.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from layered sources with precedence
// ENV > file > defaults, then validates it.
func Load() (*Config, error) {
	return loadFrom(findConfigFile())
}

// LoadFile is Load with an explicit config file path; empty skips the
// file layer.
func LoadFile(path string) (*Config, error) {
	return loadFrom(path)
}

func loadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps environment variable names to koanf config paths.
// Unmapped variables are skipped so unrelated environment noise cannot
// pollute the configuration.
//
//	POSSYNC_SERVER_URL      -> server.url
//	POSSYNC_AUTH_TOKEN      -> server.auth_token
//	POSSYNC_PUSH_BATCH_SIZE -> sync.push_batch_size
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	envMappings := map[string]string{
		"server_url":      "server.url",
		"auth_token":      "server.auth_token",
		"server_timeout":  "server.timeout",
		"max_retries":     "sync.max_retries",
		"push_batch_size": "sync.push_batch_size",
		"pull_page_size":  "sync.pull_page_size",
		"unsynced_limit":  "sync.unsynced_limit",
		"workers":         "sync.workers",
		"sync_interval":   "sync.interval",
		"db_path":         "database.path",
		"log_level":       "logging.level",
		"log_format":      "logging.format",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
