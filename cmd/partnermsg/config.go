package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage partnermsg configuration",
	Long:  "View or modify the CLI configuration stored in ~/.partnermsg/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file and active environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			fmt.Println("# No configuration file. Run 'partnermsg init <base-url>' to create one.")
		case err != nil:
			return fmt.Errorf("cannot read config file: %w", err)
		default:
			fmt.Print(string(data))
		}

		overrides := activeOverrides(os.LookupEnv)
		if len(overrides) == 0 {
			return nil
		}
		fmt.Println()
		fmt.Println("# Environment overrides (take precedence over the file):")
		for _, o := range overrides {
			fmt.Printf("# %s = %q  (from %s)\n", o.key, o.value, o.env)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Example: partnermsg config set identity.email ops@partner.example\n" +
		"Durations (default.poll_interval, default.unread_interval) use Go syntax such as 10s.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Env overrides are deliberately left out of what gets written.
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		for _, o := range activeOverrides(os.LookupEnv) {
			if o.key == key {
				fmt.Fprintf(os.Stderr, "Note: %s is set and overrides this value\n", o.env)
			}
		}
		return nil
	},
}

type envOverride struct {
	env   string
	key   string
	value string
}

// activeOverrides lists the PARTNERMSG_* variables that loadConfig would
// apply, ordered by config key.
func activeOverrides(lookup func(string) (string, bool)) []envOverride {
	var out []envOverride
	for env, key := range envKeys {
		if v, ok := lookup(env); ok && v != "" {
			out = append(out, envOverride{env: env, key: key, value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
