package cli

import (
	"fmt"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/spf13/cobra"
)

func newTrackingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracking",
		Short: "Show or change the agent's location tracking",
	}
	cmd.AddCommand(
		trackingAction("status", "GET", "/tracking", "Show the tracking state"),
		trackingAction("start", "POST", "/tracking/start", "Start publishing locations"),
		trackingAction("stop", "POST", "/tracking/stop", "Stop publishing locations"),
		trackingAction("toggle", "POST", "/tracking/toggle", "Toggle tracking"),
	)
	return cmd
}

func trackingAction(use, method, path, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.TrackingState
			if err := newAgentClient(resolveAgentURL()).call(cmd.Context(), method, path, nil, &st); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "phase: %s\n", st.Phase)
			if st.LastFix != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "last fix: %.5f,%.5f %s\n",
					st.LastFix.Latitude, st.LastFix.Longitude, since(st.LastFix.CapturedAt))
			}
			if st.LastError != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "last error: %s\n", *st.LastError)
			}
			if st.ConsecutiveFailures > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "consecutive failures: %d\n", st.ConsecutiveFailures)
			}
			return nil
		},
	}
}
