// Package main implements the memscreen CLI: a local screen-memory engine
// with an ingestion pipeline, tiered vector storage, and hybrid retrieval.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"memscreen/internal/config"
	"memscreen/internal/logging"
	"memscreen/internal/memory"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "memscreen",
	Short: "memscreen - personal screen-memory engine",
	Long: `memscreen captures what you saw and did on screen and makes it
retrievable. Text and frames are distilled into memories, embedded,
stored in tiered collections, and served back through hybrid search
or a memory-grounded chat.

Run "memscreen serve" to expose the HTTP API, or use the subcommands
to work with the store directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.memscreen/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// defaultConfigPath mirrors the state-directory convention used by
// config.ResolvePaths.
func defaultConfigPath() string {
	if dir := os.Getenv("MEMSCREEN_DIR"); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".memscreen", "config.yaml")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = defaultConfigPath()
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	opts := logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}
	if verbose {
		opts.Level = "debug"
	}
	return logging.New(opts)
}

// openEngine loads the config, builds the logger, and brings up the engine.
// The caller owns both Close and Sync.
func openEngine(ctx context.Context) (*memory.Engine, *config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	engine, err := memory.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	return engine, cfg, logger, nil
}

func closeEngine(engine *memory.Engine, logger *zap.Logger) {
	if err := engine.Close(); err != nil {
		logger.Warn("engine shutdown reported an error", zap.Error(err))
	}
	_ = logger.Sync()
}
