package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"appbroker/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [app_id]",
	Short: "Get status of an application",
	Long:  `Retrieve the lifecycle record of an application: its state (created, running, ongoing, completed, failed, error, terminated, not_found), the reason for a final state, backend handles and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sub, err := newClient().GetSubmission(args[0])
		if err != nil {
			printAPIError(cmd, "Status", err)
			return
		}
		printStatus(cmd, *sub)
	},
}

func printStatus(cmd *cobra.Command, sub api.SubmissionResponse) {
	icon := statusIcon(sub.Status)
	cmd.Printf("%s %sApplication Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, sub.AppID)
	cmd.Printf("%sPlugin:%s      %s\n", colorDim, colorReset, sub.Plugin)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(sub.Status))
	if sub.Terminated && sub.Status != "terminated" {
		cmd.Printf("%sTerminated:%s  %syes%s\n", colorDim, colorReset, colorRed, colorReset)
	}

	if sub.Reason != "" {
		cmd.Printf("%sReason:%s      %s%s%s\n", colorDim, colorReset, colorRed, sub.Reason, colorReset)
	}

	cmd.Printf("%sSubmitted:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(&sub.CreatedAt))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(sub.StartTime))
	if sub.EndTime != nil {
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(sub.EndTime),
			colorCyan, formatDuration(time.Duration(sub.ExecutionTime*float64(time.Second))), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    -\n", colorDim, colorReset)
	}

	if sub.DashboardURL != "" {
		cmd.Printf("%sDashboard:%s   %s\n", colorDim, colorReset, sub.DashboardURL)
	}
	if len(sub.Handle) > 0 {
		keys := make([]string, 0, len(sub.Handle))
		for k := range sub.Handle {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Printf("%sHandle:%s\n", colorDim, colorReset)
		for _, k := range keys {
			cmd.Printf("  %s = %s\n", k, sub.Handle[k])
		}
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusColor(status string) string {
	switch status {
	case "completed":
		return colorGreen
	case "failed", "error":
		return colorRed
	case "running", "ongoing":
		return colorYellow
	case "created", "not_found":
		return colorCyan
	default:
		return ""
	}
}

func statusIcon(status string) string {
	switch status {
	case "completed":
		return colorGreen + "✓" + colorReset
	case "failed", "error":
		return colorRed + "✗" + colorReset
	case "running", "ongoing":
		return colorYellow + "⏳" + colorReset
	case "created":
		return colorCyan + "◯" + colorReset
	case "terminated":
		return "■"
	case "not_found":
		return colorCyan + "?" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	c := statusColor(status)
	if c == "" {
		return statusIcon(status) + " " + status
	}
	return statusIcon(status) + " " + c + status + colorReset
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
