// Package cli implements geosyncctl, the operator command line for a
// running geosync agent.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

const defaultAgentURL = "http://localhost:8080"

var (
	jsonOutput bool
	agentURL   string
)

func newRootCmd() *cobra.Command {
	jsonOutput = false
	agentURL = ""

	root := &cobra.Command{
		Use:   "geosyncctl",
		Short: "geosyncctl - operator tool for geosync agents",
		Long: `geosyncctl talks to a running geosync agent: it reads presence,
pages through the audit log and drives location tracking. Geometry helpers
work offline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	root.PersistentFlags().StringVar(&agentURL, "agent", "", "agent base URL (default $GEOSYNC_AGENT_URL or "+defaultAgentURL+")")

	root.AddCommand(
		newDistanceCmd(),
		newPresenceCmd(),
		newAuditCmd(),
		newTrackingCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func resolveAgentURL() string {
	if agentURL != "" {
		return agentURL
	}
	if v := os.Getenv("GEOSYNC_AGENT_URL"); v != "" {
		return v
	}
	return defaultAgentURL
}

// outputJSON prints v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
