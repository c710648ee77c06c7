package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	syncCmd.AddCommand(syncStartCmd, syncStopCmd, syncChatCmd)
	rootCmd.AddCommand(statusCmd, preloadCmd, syncCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Account:   %s (%s)\n", resp.Account, resp.UserID)
			fmt.Printf("State:     %s (since %s)\n", resp.State, formatTime(resp.StateSince))
			fmt.Printf("Online:    %v\n", resp.Online)
			fmt.Printf("Syncing:   %v\n", resp.Syncing)
			fmt.Printf("Listeners: %d\n", resp.Listeners)
			fmt.Printf("Queued:    %d\n", resp.QueueLength)
			fmt.Printf("Cached:    %d chats, %d messages\n", resp.Chats, resp.Messages)
			return nil
		})
	},
}

var preloadCmd = &cobra.Command{
	Use:   "preload",
	Short: "Sync the most recently active chats now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Preload(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			for _, r := range resp.Chats {
				printChatResult(r)
			}
			fmt.Printf("Synced: %d, failed: %d\n", resp.Synced, resp.Failed)
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Control background sync",
}

var syncStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start background sync of every chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return printAck(c.StartBackgroundSync(ctx))
		})
	},
}

var syncStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop background sync after the current chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return printAck(c.StopBackgroundSync(ctx))
		})
	},
}

var syncChatCmd = &cobra.Command{
	Use:   "chat <chat-id>",
	Short: "Sync one chat immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ForceSyncChat(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			printChatResult(*resp)
			return nil
		})
	},
}

func printAck(ack *api.Ack, err error) error {
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(ack)
		return nil
	}
	fmt.Printf("Success: %v - %s\n", ack.OK, ack.Message)
	return nil
}

func printChatResult(r api.ChatSyncResult) {
	if r.Error != "" {
		fmt.Printf("%-24s failed: %s\n", r.ChatID, r.Error)
		return
	}
	fmt.Printf("%-24s %d messages\n", r.ChatID, r.Messages)
}
