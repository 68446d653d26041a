package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/services/presence"
	"github.com/spf13/cobra"
)

func newPresenceCmd() *cobra.Command {
	var (
		nearLat, nearLon, radius float64
	)
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Show who is online, or who is online near a point",
		Example: `  geosyncctl presence
  geosyncctl presence --near-lat 55.75 --near-lon 37.61 --radius 2000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAgentClient(resolveAgentURL())
			out := cmd.OutOrStdout()
			nearby := cmd.Flags().Changed("near-lat") || cmd.Flags().Changed("near-lon")

			if nearby {
				q := url.Values{}
				q.Set("lat", strconv.FormatFloat(nearLat, 'f', -1, 64))
				q.Set("lon", strconv.FormatFloat(nearLon, 'f', -1, 64))
				q.Set("radius", strconv.FormatFloat(radius, 'f', -1, 64))
				var res []presence.Neighbor
				if err := c.call(cmd.Context(), "GET", "/presence/nearby?"+q.Encode(), nil, &res); err != nil {
					return err
				}
				if jsonOutput {
					return outputJSON(out, res)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tDISTANCE\tUPDATED")
				for _, n := range res {
					fmt.Fprintf(tw, "%s\t%.0f m\t%s\n", n.Entity.ID, n.Distance, since(n.Entity.LastUpdatedAt))
				}
				return tw.Flush()
			}

			var res struct {
				Summary presence.Summary       `json:"summary"`
				Online  []models.TrackedEntity `json:"online"`
			}
			if err := c.call(cmd.Context(), "GET", "/presence", nil, &res); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(out, res)
			}
			fmt.Fprintf(out, "%d online, %d offline, %d total\n", res.Summary.Online, res.Summary.Offline, res.Summary.Total)
			for _, e := range res.Online {
				fmt.Fprintf(out, "  %s  %s\n", e.ID, since(e.LastUpdatedAt))
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&nearLat, "near-lat", 0, "latitude of the search centre")
	cmd.Flags().Float64Var(&nearLon, "near-lon", 0, "longitude of the search centre")
	cmd.Flags().Float64Var(&radius, "radius", 1000, "search radius in meters")
	return cmd
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
