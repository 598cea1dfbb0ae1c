package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"appbroker/internal/executor"
	"appbroker/pkg/api"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an application to a backend plugin",
	Long: `Submit an application payload to one of the enabled plugins.

The payload is a JSON object whose fields depend on the plugin; see
'brokerctl plugins' for the enabled ones. Read it from a file (use - for
stdin) or pass it inline.

Example:
  brokerctl submit --plugin docker --data '{"img":"alpine","cmd":["echo","hello"]}'
  brokerctl submit --plugin kubejobs --file job.json --wait`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		plugin, _ := flags.GetString("plugin")
		file, _ := flags.GetString("file")
		data, _ := flags.GetString("data")
		wait, _ := flags.GetBool("wait")
		interval, _ := flags.GetDuration("interval")

		if plugin == "" {
			cmd.Println("Error: --plugin is required")
			return
		}

		payload, err := readPayload(cmd, file, data)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		client := newClient()
		result, err := client.Submit(api.SubmitRequest{Plugin: plugin, Data: payload})
		if err != nil {
			printAPIError(cmd, "Submit", err)
			return
		}
		cmd.Printf("✓ Application submitted!\nApp ID: %s\n", result.AppID)

		if !wait {
			return
		}
		sub, err := waitSettled(client, result.AppID, interval)
		if err != nil {
			printAPIError(cmd, "Status", err)
			return
		}
		printStatus(cmd, *sub)
	},
}

func readPayload(cmd *cobra.Command, file, data string) (map[string]any, error) {
	var raw []byte
	switch {
	case file != "" && data != "":
		return nil, fmt.Errorf("use either --file or --data, not both")
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = b
	case data != "":
		raw = []byte(data)
	default:
		return nil, fmt.Errorf("--file or --data is required")
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return payload, nil
}

// waitSettled polls the application until it reaches a final state.
func waitSettled(client *BrokerClient, appID string, interval time.Duration) (*api.SubmissionResponse, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		sub, err := client.GetSubmission(appID)
		if err != nil {
			return nil, err
		}
		if st, err := executor.ParseState(sub.Status); err == nil && st.Settled() {
			return sub, nil
		}
		time.Sleep(interval)
	}
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("plugin", "p", "", "Backend plugin to submit to (required)")
	flags.StringP("file", "f", "", "Path to a JSON payload, or - for stdin")
	flags.StringP("data", "d", "", "Inline JSON payload")
	flags.BoolP("wait", "w", false, "Wait until the application finishes")
	flags.Duration("interval", 2*time.Second, "Status poll interval with --wait")

	rootCmd.AddCommand(submitCmd)
}
