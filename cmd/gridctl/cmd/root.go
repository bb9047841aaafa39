package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/koprogo/greengrid/pkg/api"
	"github.com/koprogo/greengrid/pkg/auth"
)

var (
	masterURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:          "gridctl",
	Short:        "CLI for the green compute grid",
	Long:         `gridctl manages nodes, tasks and the green ledgers of a greengrid coordinator, and runs the node agent.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gridctl/config)")
	rootCmd.PersistentFlags().StringVar(&masterURL, "master", "", "coordinator URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".gridctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.BindEnv("api_key", "GRID_API_KEY")
	viper.BindEnv("master_url", "GRID_MASTER_URL")
	viper.BindEnv("node_id", "GRID_NODE_ID")
	viper.BindEnv("node_token", "GRID_NODE_TOKEN")

	// a missing file is fine, flags and environment still apply
	_ = viper.ReadInConfig()

	if masterURL == "" {
		masterURL = viper.GetString("master_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if masterURL == "" {
		masterURL = "http://localhost:8080"
	}
}

// GetMasterURL returns the configured coordinator URL with trailing slashes removed
func GetMasterURL() string {
	return strings.TrimRight(masterURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetAPIKey returns the configured API key
func GetAPIKey() string {
	return apiKey
}

// CreateAuthenticatedRequest creates an HTTP request with authentication header if API key is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if id, token := viper.GetString("node_id"), viper.GetString("node_token"); id != "" && token != "" {
		req.Header.Set(auth.NodeIDHeader, id)
		req.Header.Set(auth.NodeTokenHeader, token)
	}
	return req, nil
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// callAPI sends body (if any) as JSON to path and decodes a 2xx response
// into out. Error responses are returned as errors carrying the server message.
func callAPI(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := CreateAuthenticatedRequest(method, GetMasterURL()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
