package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List submitted applications",
	Long:  `List every application the broker has a record of, newest first.`,
	Run: func(cmd *cobra.Command, args []string) {
		plugin, _ := cmd.Flags().GetString("plugin")
		status, _ := cmd.Flags().GetString("status")

		subs, err := newClient().ListSubmissions()
		if err != nil {
			printAPIError(cmd, "List", err)
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		shown := 0
		for _, s := range subs {
			if (plugin != "" && s.Plugin != plugin) || (status != "" && s.Status != status) {
				continue
			}
			if shown == 0 {
				fmt.Fprintln(w, "APP ID\tPLUGIN\tSTATUS\tSUBMITTED\tREASON")
			}
			shown++

			reason := s.Reason
			// Truncate long reasons for the table view
			if len(reason) > 50 {
				reason = reason[:47] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.AppID,
				s.Plugin,
				s.Status,
				s.CreatedAt.Format(time.RFC3339),
				reason,
			)
		}
		w.Flush()

		if shown == 0 {
			cmd.Println("No applications found.")
		}
	},
}

func init() {
	listCmd.Flags().StringP("plugin", "p", "", "Only show applications of this plugin")
	listCmd.Flags().StringP("status", "s", "", "Only show applications in this state")

	rootCmd.AddCommand(listCmd)
}
