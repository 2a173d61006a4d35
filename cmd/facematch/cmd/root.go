// Package cmd implements the facematch command line.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/config"
	logpkg "github.com/kailas-cloud/facematch/internal/logger"
	"github.com/kailas-cloud/facematch/internal/version"
)

var (
	// env selects config/{env}.yaml and the logger flavor.
	env string
	// configPath overrides the per-environment config file.
	configPath string
	// dotenvPath is loaded into the environment before the config outside prod.
	dotenvPath string
)

var rootCmd = &cobra.Command{
	Use:   "facematch",
	Short: "Facial embedding index and similarity search for missing/found person reports",
	Long: `facematch indexes face embeddings of report photos, ranks reports by facial
similarity and tracks human-confirmed matches.

Examples:
  # Run the HTTP API
  facematch serve

  # Re-extract embeddings produced by an older model version
  facematch reindex

  # Drop tombstoned entries from the store and the index
  facematch compact`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&env, "env", config.GetEnv(), "Environment: local, dev, prod (defaults to $ENV)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (defaults to config/{env}.yaml)")
	rootCmd.PersistentFlags().StringVar(&dotenvPath, "dotenv", ".env", "Dotenv file loaded outside prod")
}

// loadConfig reads the configuration and builds the logger for a command.
func loadConfig() (config.Config, *zap.Logger, error) {
	if err := config.LoadDotEnv(env, dotenvPath); err != nil {
		return config.Config{}, nil, err
	}

	var cfg config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load(env)
	}
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, logger, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
