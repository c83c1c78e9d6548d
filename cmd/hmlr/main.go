package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hmlr/internal/config"
	"hmlr/internal/engine"
	"hmlr/internal/logging"
)

var (
	// Global flags
	configPath string
	dataDir    string
	verbose    bool

	// Logger for CLI-level events; pipeline internals use the category logs.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hmlr",
	Short: "HMLR - hierarchical memory for conversational agents",
	Long: `HMLR is a long-term memory subsystem for conversational AI agents.

Each query is routed to a topic-scoped bridge block, enriched with scrubbed
facts, retrieved memories, and fact dossiers, and answered through a
downstream generator. Aged blocks are gardened into long-term memory on
demand.

Run without arguments to start the interactive chat loop.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
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
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "hmlr.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(gardenCmd)
	rootCmd.AddCommand(statsCmd)
}

// newEngine loads configuration and builds the engine with real backends.
func newEngine() (*engine.Engine, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if verbose {
		cfg.Logging.DebugMode = true
	}

	err = logging.Initialize(cfg.Storage.DataDir, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	gen, err := newGenerator(cfg)
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(cfg, gen)
	if err != nil {
		return nil, nil, err
	}
	return e, cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
