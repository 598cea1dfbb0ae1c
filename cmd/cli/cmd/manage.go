package cmd

import (
	"github.com/spf13/cobra"
)

var terminateCmd = &cobra.Command{
	Use:   "terminate [app_id]",
	Short: "Terminate an application",
	Long:  `Ask the broker to stop an application and release its backend resources. Terminating a finished application only marks it.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sub, err := newClient().Terminate(args[0])
		if err != nil {
			printAPIError(cmd, "Terminate", err)
			return
		}
		cmd.Printf("✓ Application %s terminated (status: %s)\n", sub.AppID, colorizeStatus(sub.Status))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [app_id]",
	Short: "Stop backend resources without ending the application",
	Long:  `Ask the backend to stop taking on new work, e.g. clear the pending items of a work queue. The application keeps being tracked.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().StopResources(args[0]); err != nil {
			printAPIError(cmd, "Stop", err)
			return
		}
		cmd.Printf("✓ Resources of %s stopped\n", args[0])
	},
}

var errorsCmd = &cobra.Command{
	Use:   "errors [app_id]",
	Short: "Show errors reported by an application",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		entries, err := newClient().Errors(args[0])
		if err != nil {
			printAPIError(cmd, "Errors", err)
			return
		}
		if len(entries) == 0 {
			cmd.Println("No errors reported.")
			return
		}
		for _, e := range entries {
			cmd.Println(e)
		}
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [app_id]",
	Short: "Delete the record of a finished application",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().Delete(args[0]); err != nil {
			printAPIError(cmd, "Delete", err)
			return
		}
		cmd.Printf("✓ Application %s deleted\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(errorsCmd)
	rootCmd.AddCommand(deleteCmd)
}
