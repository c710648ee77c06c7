package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

var (
	chatsLimit    int
	chatsOffset   int
	messagesLimit int
	searchChat    string
	searchLimit   int
	sendMedia     string
	sendReplyTo   string
)

func init() {
	chatsCmd.Flags().IntVar(&chatsLimit, "limit", 50, "maximum number of chats")
	chatsCmd.Flags().IntVar(&chatsOffset, "offset", 0, "number of chats to skip")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "maximum number of messages")
	searchCmd.Flags().StringVar(&searchChat, "chat", "", "restrict the search to one chat")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum number of results")
	sendCmd.Flags().StringVar(&sendMedia, "media", "", "media URL to attach")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id this replies to")

	rootCmd.AddCommand(chatsCmd, chatCmd, messagesCmd, searchCmd, sendCmd, retryCmd, queueCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List cached chats, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListChats(ctx, chatsLimit, chatsOffset)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			if len(resp.Chats) == 0 {
				fmt.Println("No chats cached.")
				return nil
			}
			for _, ch := range resp.Chats {
				name := ch.Name
				if name == "" {
					name = ch.ID
				}
				fmt.Printf("%-24s %-10s %-16s %s\n", name, ch.SyncStatus, formatTime(ch.LastMessageAt), ch.LastMessageText)
			}
			if resp.HasMore {
				fmt.Println("...")
			}
			return nil
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <chat-id>",
	Short: "Show one chat with its participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.GetChat(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			ch := resp.Chat
			fmt.Printf("Chat:     %s (%s)\n", ch.ID, ch.Type)
			if ch.Name != "" {
				fmt.Printf("Name:     %s\n", ch.Name)
			}
			fmt.Printf("Sync:     %s, %d messages, last synced %s\n", ch.SyncStatus, ch.MessageCount, formatTime(ch.LastSyncedAt))
			if ch.SyncError != "" {
				fmt.Printf("Error:    %s\n", ch.SyncError)
			}
			for _, p := range resp.Participants {
				fmt.Printf("  - %s %s\n", p.UserID, p.Role)
			}
			for _, ty := range resp.Typing {
				if ty.IsTyping {
					fmt.Printf("%s is typing...\n", ty.UserID)
				}
			}
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "List messages of a chat, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListMessages(ctx, args[0], messagesLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			for _, m := range resp.Messages {
				printMessage(m)
			}
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over cached messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.SearchMessages(ctx, strings.Join(args, " "), searchChat, searchLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			if len(resp.Results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, hit := range resp.Results {
				fmt.Printf("%-24s %-16s %s\n", hit.Message.ChatID, formatTime(hit.Message.CreatedAt), hit.Snippet)
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Send a message; it is queued when delivery fails",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.SendRequest{
			ChatID:   args[0],
			Text:     strings.Join(args[1:], " "),
			MediaURL: sendMedia,
			ReplyTo:  sendReplyTo,
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Send(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			printMessage(resp.Message)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <message-id>",
	Short: "Retry a failed message now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Retry(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			printMessage(resp.Message)
			return nil
		})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List messages waiting for delivery",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListQueue(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			if len(resp.Messages) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, m := range resp.Messages {
				printMessage(m)
			}
			return nil
		})
	},
}

func printMessage(m api.Message) {
	text := m.Text
	if m.MediaURL != "" {
		text = strings.TrimSpace(text + " [" + m.MediaURL + "]")
	}
	flags := m.Status
	if m.Queued {
		flags += fmt.Sprintf(" queued(%d)", m.RetryCount)
	}
	if m.Edited {
		flags += " edited"
	}
	fmt.Printf("%-16s %-12s %-24s %s  (%s, %s)\n", formatTime(m.CreatedAt), m.SenderID, flags, text, m.ID, m.ChatID)
}
