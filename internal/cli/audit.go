package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/services/auditpager"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	var (
		more   bool
		filter models.AuditFilter
		since  string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Page through the audit log, newest first",
		Long: `Page through the audit log, newest first.

Without flags the first page is reloaded. --more appends the next page to
the agent's current view. Filter flags reload the first page with the
filter applied; they cannot be combined with --more.`,
		Example: `  geosyncctl audit
  geosyncctl audit --more
  geosyncctl audit --actor u1 --action user.ban --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("--since: %v", err)
				}
				t := time.Now().Add(-d).UTC()
				filter.Since = &t
			}
			if more && !filter.IsZero() {
				return fmt.Errorf("--more cannot be combined with filters")
			}

			c := newAgentClient(resolveAgentURL())
			var (
				view auditpager.View
				err  error
			)
			switch {
			case more:
				err = c.call(cmd.Context(), "POST", "/audit/more", nil, &view)
			case !filter.IsZero():
				err = c.call(cmd.Context(), "POST", "/audit/filter", filter, &view)
			default:
				err = c.call(cmd.Context(), "POST", "/audit/refresh", nil, &view)
			}
			if err != nil {
				return err
			}
			return printAuditView(cmd, view)
		},
	}
	cmd.Flags().BoolVar(&more, "more", false, "load the next page")
	cmd.Flags().StringVar(&filter.ActorID, "actor", "", "only entries by this actor id")
	cmd.Flags().StringVar(&filter.Action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&filter.TargetType, "target-type", "", "only entries about this target type")
	cmd.Flags().StringVar(&filter.TargetID, "target", "", "only entries about this target id")
	cmd.Flags().StringVar(&since, "since", "", "only entries newer than this duration, e.g. 2h")

	cmd.AddCommand(newAuditLogCmd())
	return cmd
}

func newAuditLogCmd() *cobra.Command {
	var e models.AuditEntry
	var targetID, targetType string
	cmd := &cobra.Command{
		Use:   "log <action>",
		Short: "Append an audit entry as the agent's session user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e.Action = args[0]
			if targetID != "" {
				e.TargetID = &targetID
			}
			if targetType != "" {
				e.TargetType = &targetType
			}
			var res struct {
				ID string `json:"id"`
			}
			if err := newAgentClient(resolveAgentURL()).call(cmd.Context(), "POST", "/audit/entries", e, &res); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged %s\n", res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target id")
	cmd.Flags().StringVar(&targetType, "target-type", "", "target type")
	cmd.Flags().StringVar(&e.Details, "details", "", "free-form details")
	return cmd
}

func printAuditView(cmd *cobra.Command, view auditpager.View) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return outputJSON(out, view)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTOR\tACTION\tTARGET")
	for _, e := range view.Entries {
		target := "-"
		if e.TargetID != nil {
			target = *e.TargetID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.OccurredAt.Format(time.RFC3339), e.ActorID, e.Action, target)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if view.HasMorePages {
		fmt.Fprintf(out, "%d entries, more available (geosyncctl audit --more)\n", len(view.Entries))
	} else {
		fmt.Fprintf(out, "%d entries, end of log\n", len(view.Entries))
	}
	return nil
}
