package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	partnermsg "github.com/tendai-dev/onboarding-kyb-sub002"
)

const commandTimeout = 30 * time.Second

// cliEnv is everything a command needs to talk to the backend.
type cliEnv struct {
	cfg    *Config
	logger *zap.Logger
	client *partnermsg.Client
}

// getEnv loads config, builds the logger and the API client. It exits when
// no base URL is configured.
func getEnv(clientOpts ...partnermsg.ClientOption) *cliEnv {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'partnermsg init <base-url>' first.")
		os.Exit(1)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	opts := append([]partnermsg.ClientOption{
		partnermsg.WithLogger(logger),
		partnermsg.WithIdentity(identityOf(cfg)),
	}, clientOpts...)
	return &cliEnv{
		cfg:    cfg,
		logger: logger,
		client: partnermsg.NewClient(cfg.Default.BaseURL, opts...),
	}
}

func (e *cliEnv) close() {
	_ = e.logger.Sync()
}

func identityOf(cfg *Config) partnermsg.StaticIdentity {
	return partnermsg.StaticIdentity{
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		Email:       cfg.Identity.Email,
	}
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// printMessage writes one message line plus its attachments.
func printMessage(m partnermsg.Message) {
	marker := " "
	switch {
	case m.Status == partnermsg.StatusPending:
		marker = "~"
	case !m.Read:
		marker = "*"
	}
	star := ""
	if m.Starred {
		star = " [starred]"
	}
	fmt.Printf("%s %s  %-7s %-20s %s%s\n", marker, formatTime(m.Timestamp), m.SenderClass,
		truncate(valueOrDefault(m.SenderName, m.SenderID), 20), m.Content, star)
	fmt.Printf("    id: %s\n", m.ID)
	for _, a := range m.Attachments {
		note := ""
		if a.Placeholder {
			note = " (upload failed)"
		}
		fmt.Printf("    attachment: %s (%s, %d bytes)%s\n", a.FileName, a.ContentType, a.Size, note)
	}
}
