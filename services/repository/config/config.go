// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the repository service configuration from YAML,
// validates it and watches the file for lock policy changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/lock"
	"github.com/AleutianAI/termrepo/services/repository/observability"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvPort         = "TERMREPO_PORT"
	EnvStoragePath  = "TERMREPO_STORAGE_PATH"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config is the complete service configuration.
//
// # Example
//
//	server:
//	  port: 12300
//	repository:
//	  id: snomedct
//	storage:
//	  path: /var/lib/termrepo
//	locks:
//	  wait_policy: bounded
//	  wait_timeout: 5s
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Repository RepositoryConfig     `yaml:"repository"`
	Storage    StorageConfig        `yaml:"storage"`
	Locks      LocksConfig          `yaml:"locks"`
	Jobs       JobsConfig           `yaml:"jobs"`
	Review     ReviewConfig         `yaml:"review"`
	Telemetry  observability.Config `yaml:"telemetry"`
	Logging    LoggingConfig        `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	Debug           bool          `yaml:"debug"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

// RepositoryConfig identifies the repository in lock targets and logs.
type RepositoryConfig struct {
	ID string `yaml:"id" validate:"required,max=64"`
}

// StorageConfig configures the BadgerDB backend.
type StorageConfig struct {
	// Path is required unless InMemory is set.
	Path       string        `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"min=0"`
}

// LocksConfig is the default wait policy of structural operations.
type LocksConfig struct {
	WaitPolicy  string        `yaml:"wait_policy" validate:"oneof=immediate bounded"`
	WaitTimeout time.Duration `yaml:"wait_timeout" validate:"min=0"`
}

// Policy converts the section into a lock.WaitPolicy.
func (c LocksConfig) Policy() (lock.WaitPolicy, error) {
	return lock.ParseWaitPolicy(c.WaitPolicy, c.WaitTimeout)
}

// JobsConfig tunes the merge job runner.
type JobsConfig struct {
	Workers            int     `yaml:"workers" validate:"min=1,max=256"`
	MaxStartsPerSecond float64 `yaml:"max_starts_per_second" validate:"min=0"`
	Burst              int     `yaml:"burst" validate:"min=1"`
}

// ReviewConfig sizes the compare cache.
type ReviewConfig struct {
	CacheSize int `yaml:"cache_size" validate:"min=1"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir, when set, receives a JSON log file per day.
	Dir string `yaml:"dir"`

	// Format is "json", "text", or "auto" to pick JSON when stderr is not a
	// terminal.
	Format string `yaml:"format" validate:"oneof=auto json text"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Server:     ServerConfig{Port: 12300, ShutdownTimeout: 10 * time.Second},
		Repository: RepositoryConfig{ID: "default"},
		Storage:    StorageConfig{Path: "./data/termrepo", GCInterval: 10 * time.Minute},
		Locks:      LocksConfig{WaitPolicy: "immediate"},
		Jobs:       JobsConfig{Workers: 4, MaxStartsPerSecond: 20, Burst: 5},
		Review:     ReviewConfig{CacheSize: 256},
		Telemetry:  observability.DefaultConfig(),
		Logging:    LoggingConfig{Level: "info", Format: "auto"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults; an empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		if cfg.Telemetry.TraceExporter == "none" {
			cfg.Telemetry.TraceExporter = "otlp"
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks every section, including the lock policy.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.Locks.Policy(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
