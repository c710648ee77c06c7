package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

var (
	accountFlag string
	jsonOutput  bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "chatsyncctl",
	Short:        "Control a running chatsyncd",
	Long:         "Command-line client for the chatsync daemon.\nInspect sync state, browse the local cache, send messages and watch events.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&accountFlag, "account", "", "account name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// connect dials the daemon of the selected account.
func connect() (*api.Client, error) {
	name := session.Resolve(accountFlag)
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	c, err := api.Dial(session.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for account %q: %w", name, err)
	}
	return c, nil
}

// withClient runs fn with a connected client and a request-scoped context.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}
