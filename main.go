package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atlasops/atlas-descaler/pkg/config"
	"github.com/atlasops/atlas-descaler/pkg/logger"
)

var (
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "atlas-descaler",
		Short: "Atlas cluster de-escalation controller",
		Long:  "Scales MongoDB Atlas sharded cluster shards back down to their base tier once utilization allows, and back up on demand",
	}

	// Add global flags for configuration
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration JSON file (required)")
	// Don't mark as required globally - we'll check in PersistentPreRunE for commands that need it

	// Add commands
	rootCmd.AddCommand(NewDescaleCommand())
	rootCmd.AddCommand(NewScaleUpCommand())
	rootCmd.AddCommand(NewVersionCommand())

	// Set up context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Set up persistent pre-run to initialize config and logger
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		// For other commands, config is required
		if configPath == "" {
			return fmt.Errorf("config path is required for %s command", cmd.Name())
		}

		// Load config if specified
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}

		// Setup logger and update context
		ctx := logger.SetupLogger(cmd.Context(), cfg.Controller.LogLevel, cfg.Controller.LogDir)
		cmd.SetContext(ctx)
		return nil
	}

	// Execute command with context
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		os.Exit(1)
	}
}
