package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.partnermsg/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Identity ConfigIdentity `toml:"identity"`
	Log      ConfigLog      `toml:"log"`
}

// ConfigDefault holds connection and refresh settings.
type ConfigDefault struct {
	BaseURL        string `toml:"base_url"`
	HubURL         string `toml:"hub_url"`
	PollInterval   string `toml:"poll_interval"`
	UnreadInterval string `toml:"unread_interval"`
	CacheDir       string `toml:"cache_dir"`
}

// ConfigIdentity is the partner user the CLI acts as.
type ConfigIdentity struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
	Email       string `toml:"email"`
}

// ConfigLog controls the CLI logger.
type ConfigLog struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
	File        string `toml:"file"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.partnermsg, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".partnermsg")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies PARTNERMSG_* overrides.
// A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

// readConfigFile parses the file without env overrides. Commands that write
// the file back use it so overrides never leak into disk.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envKeys maps PARTNERMSG_* variables to dotted config keys.
var envKeys = map[string]string{
	"PARTNERMSG_BASE_URL":        "default.base_url",
	"PARTNERMSG_HUB_URL":         "default.hub_url",
	"PARTNERMSG_POLL_INTERVAL":   "default.poll_interval",
	"PARTNERMSG_UNREAD_INTERVAL": "default.unread_interval",
	"PARTNERMSG_CACHE_DIR":       "default.cache_dir",
	"PARTNERMSG_USER_ID":         "identity.user_id",
	"PARTNERMSG_DISPLAY_NAME":    "identity.display_name",
	"PARTNERMSG_EMAIL":           "identity.email",
	"PARTNERMSG_LOG_LEVEL":       "log.level",
	"PARTNERMSG_LOG_DEVELOPMENT": "log.development",
	"PARTNERMSG_LOG_FILE":        "log.file",
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for _, o := range activeOverrides(lookup) {
		// Invalid values leave the file setting in place.
		_ = setConfigValue(cfg, o.key, o.value)
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "hub_url":
			cfg.Default.HubURL = value
		case "poll_interval", "unread_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if field == "poll_interval" {
				cfg.Default.PollInterval = value
			} else {
				cfg.Default.UnreadInterval = value
			}
		case "cache_dir":
			cfg.Default.CacheDir = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "identity":
		switch field {
		case "user_id":
			cfg.Identity.UserID = value
		case "display_name":
			cfg.Identity.DisplayName = value
		case "email":
			cfg.Identity.Email = value
		default:
			return fmt.Errorf("unknown field %q in section [identity]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "development":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Log.Development = b
		case "file":
			cfg.Log.File = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, identity, log)", section)
	}
	return nil
}

// durationOr parses s, falling back to def when s is empty or invalid.
func durationOr(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "partnermsg",
	Short: "Partner messaging CLI",
	Long:  "Command-line client for partner case messaging.\nList threads, read and send messages, and watch a thread live.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is normal.
		_ = godotenv.Load()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
