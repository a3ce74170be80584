package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and, when logged in, the live unread count and who is online.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.WSURL != "" {
			fmt.Printf("  WS URL:    %s\n", cfg.Default.WSURL)
		}
		fmt.Printf("  Transport: %s\n", valueOrDefault(cfg.Default.Transport, "websocket"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			if cfg.Auth.Username != "" {
				fmt.Printf("  Username: %s\n", cfg.Auth.Username)
			}
			fmt.Printf("  User ID:  %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  User ID:  (not logged in)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (none)")
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		// Live status.
		fmt.Println()
		fmt.Println("Live status:")

		gw := getGateway()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		unread, err := gw.FetchUnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread: %d\n", unread)

		presence, err := gw.FetchPresenceSnapshot(ctx)
		if err != nil {
			fmt.Printf("  Error fetching presence: %v\n", err)
			return nil
		}
		var online []string
		for userID, on := range presence {
			if on {
				online = append(online, userID)
			}
		}
		sort.Strings(online)
		if len(online) == 0 {
			fmt.Println("  Online: (nobody)")
		} else {
			for _, userID := range online {
				fmt.Printf("  Online: %s\n", userID)
			}
		}
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
