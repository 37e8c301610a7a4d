package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/kelurahan-dev/jadwal/internal/notify"
	"github.com/spf13/cobra"
)

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Reminder broadcast records",
	}

	var (
		limit int
		asCSV bool
	)
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "List the notification log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := bootApp()
			if err != nil {
				return err
			}
			defer application.Release()

			rows, err := application.NotifyLog().List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asCSV {
				return notify.WriteCSV(out, rows)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT\tKIND\tDATE\tSENT\tFAILED\tCREATED")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					r.EventID, r.NotifType, r.NotifDate, r.Sent, r.Failed, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	logCmd.Flags().IntVar(&limit, "limit", 50, "rows to show, 0 for all")
	logCmd.Flags().BoolVar(&asCSV, "csv", false, "write CSV instead of a table")

	cmd.AddCommand(logCmd)
	return cmd
}
