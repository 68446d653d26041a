package cli

import (
	"fmt"
	"strconv"

	"github.com/BearBump/GeoSync/internal/geo"
	"github.com/spf13/cobra"
)

func newDistanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "distance <lat1> <lon1> <lat2> <lon2>",
		Short: "Great-circle distance and initial bearing between two points",
		Example: `  geosyncctl distance 55.7558 37.6173 59.9343 30.3351
  geosyncctl distance --json 0 0 0 1`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v [4]float64
			for i, a := range args {
				f, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fmt.Errorf("argument %d: %q is not a number", i+1, a)
				}
				v[i] = f
			}
			from, to := geo.Point{Lat: v[0], Lon: v[1]}, geo.Point{Lat: v[2], Lon: v[3]}
			if !from.Valid() || !to.Valid() {
				return fmt.Errorf("coordinates out of range")
			}

			d := geo.Distance(from, to)
			b := geo.Bearing(from, to)
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), map[string]float64{
					"distance_m": d,
					"bearing":    b,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.1f m (%.2f km), bearing %.1f°\n", d, d/1000, b)
			return nil
		},
	}
}
