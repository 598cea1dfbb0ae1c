// Package main is the entry point for brokerctl.
// brokerctl is the operator terminal tool for the application broker API.
package main

import (
	"os"

	"appbroker/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
