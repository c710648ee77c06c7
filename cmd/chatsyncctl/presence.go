package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	presenceCmd.AddCommand(presenceOnlineCmd, presenceOfflineCmd, presenceActivityCmd, presenceAppCmd)
	typingCmd.AddCommand(typingStartCmd, typingStopCmd)
	rootCmd.AddCommand(presenceCmd, typingCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Show or change the published presence",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return printPresence(c.Presence(ctx))
		})
	},
}

var presenceOnlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Publish online",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return printPresence(c.GoOnline(ctx))
		})
	},
}

var presenceOfflineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Publish offline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return printPresence(c.GoOffline(ctx))
		})
	},
}

var presenceActivityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Report user activity and reset the away timer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return printPresence(c.Activity(ctx))
		})
	},
}

var presenceAppCmd = &cobra.Command{
	Use:       "app <foreground|background>",
	Short:     "Report an app state change",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"foreground", "background"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return printPresence(c.SetAppState(ctx, args[0]))
		})
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing",
	Short: "Publish typing indicators",
}

var typingStartCmd = &cobra.Command{
	Use:   "start <chat-id>",
	Short: "Mark the user as typing in a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return printTyping(c.StartTyping(ctx, args[0]))
		})
	},
}

var typingStopCmd = &cobra.Command{
	Use:   "stop <chat-id>",
	Short: "Clear the typing indicator in a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return printTyping(c.StopTyping(ctx, args[0]))
		})
	},
}

func printPresence(resp *api.PresenceResponse, err error) error {
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Presence: %s\n", resp.Status)
	return nil
}

func printTyping(resp *api.TypingResponse, err error) error {
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Typing in %s: %v\n", resp.ChatID, resp.Active)
	return nil
}
