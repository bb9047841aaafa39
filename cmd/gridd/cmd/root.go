package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/koprogo/greengrid/internal/config"
	"github.com/koprogo/greengrid/pkg/logging"
)

var (
	cfgFile string
	v       = config.NewViper()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gridd",
	Short: "Green compute grid coordinator",
	Long: `gridd tracks volunteer compute nodes, hands tasks to the greenest one,
chains a green proof for every completed task and issues carbon credits
split between the node operator and the cooperative fund.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); GRID_* environment variables override it")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "log in JSON format")
	bindFlags(rootCmd.PersistentFlags(), map[string]string{
		"log-level": "logging.level",
		"log-json":  "logging.json",
	})
}

// bindFlags maps flag names onto config keys. A bound flag only overrides
// the file and environment when it is set explicitly.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		_ = v.BindPFlag(key, fs.Lookup(name))
	}
}

// loadConfig returns the effective configuration: defaults, then the
// config file, then GRID_* variables, then explicit flags
func loadConfig() (*config.Config, error) {
	return config.Load(v, cfgFile)
}

// newLogger builds the coordinator logger, writing to <dir>/gridd/ when
// logging.dir is set
func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.Dir == "" {
		return logging.NewLogger(level, cfg.JSON), nil
	}
	logger, err := logging.NewFileLogger(cfg.Dir, "gridd", "coordinator", level, cfg.JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logger, nil
}
