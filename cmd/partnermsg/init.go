package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var initHubURL string

func init() {
	initCmd.Flags().StringVar(&initHubURL, "hub-url", "", "Real-time hub URL (default: <base-url>/hubs/messages over ws)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the backend URL in ~/.partnermsg/config.toml",
	Long:  "Initialize the CLI by storing the partner API base URL and the real-time hub URL.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := strings.TrimRight(args[0], "/")

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		switch {
		case initHubURL != "":
			cfg.Default.HubURL = initHubURL
		case cfg.Default.HubURL == "":
			cfg.Default.HubURL = defaultHubURL(baseURL)
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "info"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}

// defaultHubURL derives the hub endpoint from the API base URL.
func defaultHubURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/hubs/messages"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/hubs/messages"
	}
	return baseURL + "/hubs/messages"
}
