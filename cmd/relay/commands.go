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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
)

// newRootCmd builds the command tree. Each call returns fresh commands so
// tests can execute them independently.
func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Multi-tenant real-time event relay",
		Long: `relay fans tenant-scoped events out to push-stream and websocket
sessions, detects recurring event patterns, and routes tool calls to
downstream services behind circuit breakers.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"),
		"Path to a YAML or JSON config file. RELAY_* environment variables override it.")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, configPath)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect relay configuration",
	}
	configCheckCmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration, then print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return printConfig(cmd, cfg)
		},
	}
	configDefaultsCmd := &cobra.Command{
		Use:   "defaults",
		Short: "Print the built-in defaults as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printConfig(cmd, config.Default())
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configDefaultsCmd)
	return rootCmd
}

// runServe loads configuration, installs the process logger and runs the
// relay until SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logger.Close() }()
	slog.SetDefault(logger.Slog())

	slog.Info("Starting relay",
		"addr", cfg.Server.Addr,
		"bus", cfg.Bus.Driver,
		"sink", cfg.Sink.Driver,
		"endpoints", len(cfg.Endpoints),
	)

	svc, err := relay.New(cfg, relay.WithLogger(logger.Slog()))
	if err != nil {
		slog.Error("Failed to create relay", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		slog.Error("Relay exited with error", "error", err)
		return err
	}
	return nil
}

func printConfig(cmd *cobra.Command, cfg config.Config) error {
	out, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
