package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace...]",
	Short: "Stream daemon events until interrupted",
	Long:  "Stream daemon events. Namespaces are kind prefixes such as message., sync. or daemon.; none means every event.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stream, err := c.WatchEvents(ctx, args...)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled || ctx.Err() != nil {
					return nil
				}
				return err
			}
			printEvent(evt)
		}
	},
}

func printEvent(evt *api.EventEnvelope) {
	if jsonOutput {
		data, err := json.Marshal(evt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
			return
		}
		fmt.Println(string(data))
		return
	}
	payload := ""
	if evt.Payload != nil {
		if data, err := json.Marshal(evt.Payload); err == nil {
			payload = string(data)
		}
	}
	ts := time.UnixMilli(evt.OccurredAt).Format("15:04:05.000")
	fmt.Printf("%s %-28s %s\n", ts, evt.Kind, payload)
}
