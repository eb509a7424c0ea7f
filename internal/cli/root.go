// Package cli implements the calmerge command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"calmerge/internal/config"
	appLog "calmerge/internal/log"
)

const Version = "0.1.0"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Listen     string

	// Getenv is os.Getenv unless overridden in tests.
	Getenv func(string) string
}

// NewRootCommand creates the root command for the calmerge CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Getenv: os.Getenv}

	cmd := &cobra.Command{
		Use:           "calmerge",
		Short:         "Merge calendar feeds into one queryable event store",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "./calmerge.yaml", "path to config file (created with defaults if missing)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}

// loadConfig reads the config file, applies environment and flag
// overrides, validates the result and sets the log level.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		if cfg == nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
		appLog.Warn("could not write default config; continuing with defaults", "config_path", opts.ConfigPath, "err", err)
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLog.Info("effective config",
		"config_path", opts.ConfigPath,
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"refresh", cfg.Refresh,
		"sources", len(cfg.EnabledSources()),
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Backend,
		"cache_ttl", cfg.Cache.TTL.String(),
		"update_policy", cfg.Ingest.UpdatePolicy,
	)
	return cfg, nil
}
