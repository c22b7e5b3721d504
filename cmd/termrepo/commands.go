// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/AleutianAI/termrepo/pkg/logging"
	"github.com/AleutianAI/termrepo/services/repository"
	"github.com/AleutianAI/termrepo/services/repository/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

// --- Global Command Variables ---
var (
	configPath string
	portFlag   int
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "termrepo",
		Short:         "Branching revision control for terminology repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the repository HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	validateConfigCmd = &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration and print the effective values",
		Args:  cobra.NoArgs,
		RunE:  runValidateConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "termrepo %s (commit %s, %s)\n", version, commit, runtime.Version())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "termrepo.yaml", "path to the YAML config file")
	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "HTTP port, overrides the config file")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error; overrides the config file")

	rootCmd.AddCommand(serveCmd, validateConfigCmd, versionCmd)
}

// loadConfig applies flag overrides on top of config.Load.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		Format:  logging.Format(cfg.Logging.Format),
	})
	defer logger.Close()
	logger.Install()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting termrepo",
		"version", version,
		"config", configPath,
		"repository", cfg.Repository.ID,
		"port", cfg.Server.Port)

	svc, err := repository.New(ctx, cfg, configPath)
	if err != nil {
		return fmt.Errorf("failed to create repository service: %w", err)
	}
	return svc.Run(ctx)
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
