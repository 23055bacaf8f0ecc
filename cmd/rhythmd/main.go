package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rhythmchamber/internal/config"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rhythmd",
	Short: "Rhythm Chamber coordination and diagnostics daemon",
	Long: `rhythmd operates the Rhythm Chamber core outside the browser: it runs
the cross-instance broadcast hub, drives the music-service OAuth flow,
manages license verification, indexes listening history into the local
vector store, and prints diagnostics for the concurrency core.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadConfig loads the workspace config with env overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Path(workspace))
	if err != nil {
		return nil, err
	}
	cfg.Workspace = workspace
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")

	rootCmd.AddCommand(hubCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(licenseCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
