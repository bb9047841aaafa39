package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/koprogo/greengrid/pkg/auth"
	"github.com/koprogo/greengrid/pkg/logging"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for inspecting the effective coordinator configuration.`,
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration as YAML",
	Long: `Merge defaults, the config file, GRID_* environment variables and flags,
validate the result and print it. Plaintext keys are never printed.`,
	RunE: runConfigPrint,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen <name>",
	Short: "Generate an operator API key",
	Long: `Generate a random operator key and its bcrypt hash. Put the hash under
auth.api_keys in the config file and hand the key to the operator; the
key itself is not stored anywhere.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeygen,
}

var logrotateDir string

var logrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate configuration for the coordinator logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(logging.GenerateLogrotateConfig(logrotateDir, "gridd"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPrintCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(logrotateCmd)

	logrotateCmd.Flags().StringVar(&logrotateDir, "dir", "", "log base directory (default /var/log/greengrid)")
}

func runConfigPrint(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth.BootstrapKey = ""

	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(cfg)
}

type generatedKey struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, hash, err := auth.NewAPIKeyManager().GenerateAPIKey(args[0])
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	fmt.Fprintf(os.Stderr, "API key for %s (shown once):\n  %s\n\n", args[0], key)
	fmt.Fprintln(os.Stderr, "Add to the config file:")

	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(map[string]interface{}{
		"auth": map[string][]generatedKey{
			"api_keys": {{Name: args[0], Hash: hash}},
		},
	})
}
