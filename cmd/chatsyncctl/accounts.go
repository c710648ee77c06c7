package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(accountsCmd)
}

type accountRow struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Since   string `json:"since,omitempty"`
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List local accounts and whether their daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := session.List()
		if err != nil {
			return err
		}
		rows := make([]accountRow, 0, len(names))
		for _, name := range names {
			row := accountRow{Name: name}
			dir := session.Dir(name)
			if row.Running, err = lock.Held(dir); err != nil {
				return fmt.Errorf("account %s: %w", name, err)
			}
			if row.Running {
				if h, err := lock.ReadHolder(dir); err == nil {
					row.PID = h.PID
					row.UserID = h.UserID
					row.Since = h.Started.Local().Format("2006-01-02 15:04")
				}
			}
			rows = append(rows, row)
		}

		if jsonOutput {
			outputJSON(rows)
			return nil
		}
		if len(rows) == 0 {
			fmt.Println("No accounts.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT\tSTATE\tPID\tUSER\tSINCE")
		for _, r := range rows {
			if !r.Running {
				fmt.Fprintf(w, "%s\tstopped\t-\t-\t-\n", r.Name)
				continue
			}
			fmt.Fprintf(w, "%s\trunning\t%d\t%s\t%s\n", r.Name, r.PID, r.UserID, r.Since)
		}
		return w.Flush()
	},
}
