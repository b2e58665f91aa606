package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gliderlab/animgate/config"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd serves by default; subcommands inspect the journal and config.
var rootCmd = &cobra.Command{
	Use:   "animgate",
	Short: "Front-end gateway for the animation generator",
	Long: `animgate serves the front-end from a document root and relays /api/ and
/video/ requests to the backend service unchanged.

Run without arguments to start the gateway.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		logger, err = newLogger(cfg.Log, verbose)
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
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "animgate.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	addServeFlags(rootCmd)
	addServeFlags(serveCmd)

	journalCmd.PersistentFlags().StringVar(&journalPath, "journal", "", "Journal database (defaults to the configured journal)")
	journalTailCmd.Flags().IntVarP(&tailCount, "lines", "n", 20, "Number of entries to show")
	journalCmd.AddCommand(journalStatsCmd, journalTailCmd)

	configCmd.AddCommand(configPrintCmd)

	rootCmd.AddCommand(serveCmd, journalCmd, configCmd)
}

// newLogger builds a production (json) or development (console) zap logger.
func newLogger(lc config.LogConfig, verbose bool) (*zap.Logger, error) {
	var zc zap.Config
	if strings.EqualFold(lc.Format, "json") {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	}

	level, err := lc.ZapLevel()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
