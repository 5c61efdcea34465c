package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gx-tunnel/internal/config"
	"gx-tunnel/internal/usage"
)

func newStatsCommand(cfg *config.Config) *cobra.Command {
	var (
		username string
		recent   int
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage statistics",
		Long: "Show usage statistics from the statistics database.\n" +
			"The database is locked while the server runs; use the status endpoint instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := usage.Open(cfg.StatsDBPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			out := cmd.OutOrStdout()
			if username != "" {
				if err := printUserStats(out, ledger, username); err != nil {
					return err
				}
			} else if err := printAllStats(out, ledger); err != nil {
				return err
			}

			if recent > 0 {
				return printRecent(out, ledger, recent)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "show statistics for one user")
	cmd.Flags().IntVar(&recent, "recent", 0, "also show the N most recent connections")
	return cmd
}

func printUserStats(out io.Writer, ledger *usage.Ledger, username string) error {
	stats, ok, err := ledger.UserStats(username)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "No statistics for user '%s'.\n", username)
		return nil
	}
	fmt.Fprintf(out, "User:            %s\n", stats.Username)
	fmt.Fprintf(out, "Connections:     %d\n", stats.Connections)
	fmt.Fprintf(out, "Downloaded:      %d bytes\n", stats.DownloadBytes)
	fmt.Fprintf(out, "Uploaded:        %d bytes\n", stats.UploadBytes)
	fmt.Fprintf(out, "Last connection: %s\n", formatTime(stats.LastConnection))
	return nil
}

func printAllStats(out io.Writer, ledger *usage.Ledger) error {
	global, err := ledger.GlobalStats()
	if err != nil {
		return err
	}
	users, err := ledger.AllUserStats()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Total downloaded: %d bytes\n", global.TotalDownload)
	fmt.Fprintf(out, "Total uploaded:   %d bytes\n", global.TotalUpload)
	if len(users) == 0 {
		fmt.Fprintln(out, "No user statistics recorded.")
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Username\tConnections\tDownload\tUpload\tLast Connection")
	for _, s := range users {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n",
			s.Username, s.Connections, s.DownloadBytes, s.UploadBytes, formatTime(s.LastConnection))
	}
	return w.Flush()
}

func printRecent(out io.Writer, ledger *usage.Ledger, n int) error {
	rows, err := ledger.RecentConnections(n)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Start\tUsername\tClient\tDuration\tDownload\tUpload")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1fs\t%d\t%d\n",
			formatTime(r.StartTime), r.Username, r.ClientIP, r.Duration, r.DownloadBytes, r.UploadBytes)
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
