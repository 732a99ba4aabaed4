package main

import (
	"fmt"

	"github.com/spf13/cobra"

	partnermsg "github.com/tendai-dev/onboarding-kyb-sub002"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and fetch the live unread count and case dashboard.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Hub URL:      %s\n", valueOrDefault(cfg.Default.HubURL, "(not set)"))
		fmt.Printf("  Poll:         %s\n", durationOr(cfg.Default.PollInterval, pollDefault))
		fmt.Printf("  Unread poll:  %s\n", durationOr(cfg.Default.UnreadInterval, unreadDefault))
		fmt.Printf("  Cache dir:    %s\n", valueOrDefault(cfg.Default.CacheDir, "(memory only)"))

		fmt.Println()
		fmt.Println("Identity:")
		id := partnermsg.Identity(identityOf(cfg))
		fmt.Printf("  Name:         %s\n", valueOrDefault(id.DisplayName, "(not set)"))
		fmt.Printf("  Email:        %s\n", valueOrDefault(id.Email, "(not set)"))
		switch {
		case partnermsg.IsCanonicalID(id.UserID):
			fmt.Printf("  User ID:      %s\n", id.UserID)
		case id.CanonicalUserID() != "":
			fmt.Printf("  User ID:      %s (derived from email)\n", id.CanonicalUserID())
		default:
			fmt.Println("  User ID:      (none)")
		}

		if cfg.Default.BaseURL == "" {
			return nil
		}

		env := getEnv()
		defer env.close()
		ctx, cancel := withTimeout()
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		unread, err := env.client.Unread.Count(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:       %d\n", unread)

		d, err := env.client.Cases.Dashboard(ctx)
		if err != nil {
			fmt.Printf("  Error fetching dashboard: %v\n", err)
			return nil
		}
		fmt.Printf("  Open cases:   %d\n", d.OpenCases)
		fmt.Printf("  Pending docs: %d\n", d.PendingDocuments)
		return nil
	},
}
