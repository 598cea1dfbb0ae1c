package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the backend plugins the broker has enabled",
	Run: func(cmd *cobra.Command, args []string) {
		plugins, err := newClient().ListPlugins()
		if err != nil {
			printAPIError(cmd, "Plugins", err)
			return
		}
		if len(plugins) == 0 {
			cmd.Println("No plugins enabled.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tTITLE\tDESCRIPTION")
		for _, p := range plugins {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Title, p.Description)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}
