// Package cli implements the odincli command tree: joining rooms from
// the terminal, minting room tokens and running the development
// gateway.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/4Players/odin-go/pkg/config"
	"github.com/4Players/odin-go/pkg/logger"
	"github.com/4Players/odin-go/pkg/tracing"
)

var (
	cfgPath  string
	logLevel string

	cfg *config.Config
	log *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "odincli",
	Short: "Voice room client and development gateway",
	Long: `odincli joins voice rooms from the terminal, mints room tokens and
runs a local development gateway speaking the production wire protocol.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		log = buildLogger(cfg)
		return nil
	},
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug|info|warn|error)")
}

// loadConfig honors an explicit --config path, otherwise takes the
// first candidate that exists. With no file at all, Load falls back to
// defaults plus environment overrides.
func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == "" {
		path = "configs/config.yaml"
		for _, candidate := range []string{"configs/config.yaml", "config.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	return config.Load(path)
}

func buildLogger(cfg *config.Config) *zap.SugaredLogger {
	if cfg.Logging.Format == "console" {
		return logger.NewDevelopment(cfg.Logging.Level).Sugar()
	}
	return logger.New(cfg.Logging.Level).Sugar()
}

func tracingConfig(cfg *config.Config, service string) tracing.Config {
	return tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: service,
		JaegerURL:   cfg.Tracing.Endpoint,
		Environment: "development",
		SampleRate:  cfg.Tracing.SampleRate,
	}
}
