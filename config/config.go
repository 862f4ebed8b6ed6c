// Package config holds the externally supplied configuration for the
// sync engine. Nothing in the engine reads ambient globals: the Config
// struct is loaded once and passed in explicitly.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full configuration surface.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Sync     SyncConfig     `koanf:"sync"`
	Database DatabaseConfig `koanf:"database"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig describes the remote authoritative service.
type ServerConfig struct {
	// URL is the endpoint root, e.g. "https://pos.example.com/api/v1".
	URL string `koanf:"url" validate:"required,url"`

	// AuthToken is the bearer credential sent with every request.
	AuthToken string `koanf:"auth_token" validate:"required"`

	// Timeout applies to each individual request.
	Timeout time.Duration `koanf:"timeout" validate:"min=0"`
}

// SyncConfig tunes the engine's batching and retry behavior.
type SyncConfig struct {
	MaxRetries    int `koanf:"max_retries" validate:"min=0,max=10"`
	PushBatchSize int `koanf:"push_batch_size" validate:"min=1"`
	PullPageSize  int `koanf:"pull_page_size" validate:"min=1"`
	UnsyncedLimit int `koanf:"unsynced_limit" validate:"min=1"`
	Workers       int `koanf:"workers" validate:"min=0,max=8"`

	// Interval enables periodic auto-sync; 0 means one-shot runs only.
	Interval time.Duration `koanf:"interval" validate:"min=0"`
}

// DatabaseConfig locates the embedded local store.
type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// LoggingConfig mirrors the logging package's settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Validate checks the configuration using struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid configuration: field %s failed %q validation", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
