package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/a-laz/transactly/internal/quota"
)

func quotasCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quotas",
		Short: "Manage per-project rate limits (used with persisted keys)",
	}
	cmd.AddCommand(quotasSetCmd(opts), quotasListCmd(opts), quotasUnsetCmd(opts))
	return cmd
}

func quotasSetCmd(opts *globalOpts) *cobra.Command {
	var (
		o      quota.Override
		period string
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set a project's limit for a period, replacing any previous one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.Period = quota.Period(period)

			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			saved, err := quota.NewSQLOverrideStore(db).Upsert(cmd.Context(), o)
			if err != nil {
				return err
			}
			burst := saved.Burst
			if burst == 0 {
				burst = saved.Limit
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d per %s, burst %d\n", saved.ProjectID, saved.Period, saved.Limit, saved.Period, burst)
			return nil
		},
	}
	cmd.Flags().StringVar(&o.ProjectID, "project", "", "project id (required)")
	cmd.Flags().StringVar(&period, "period", string(quota.PeriodMinute), "minute, hour or day")
	cmd.Flags().IntVar(&o.Limit, "limit", 0, "requests allowed per period (required)")
	cmd.Flags().IntVar(&o.Burst, "burst", 0, "bucket size (default: limit)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("limit")
	return cmd
}

func quotasListCmd(opts *globalOpts) *cobra.Command {
	var (
		project string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's quota overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := quota.NewSQLOverrideStore(db).List(cmd.Context(), project)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "PERIOD\tLIMIT\tBURST\tUPDATED")
			for _, o := range rows {
				updated := o.UpdatedAt
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", o.Period, o.Limit, o.Burst, fmtTime(&updated))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func quotasUnsetCmd(opts *globalOpts) *cobra.Command {
	var project, period string
	cmd := &cobra.Command{
		Use:   "unset",
		Short: "Remove a project's limit for a period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := quota.NewSQLOverrideStore(db).Delete(cmd.Context(), project, quota.Period(period)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s %s\n", project, period)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	cmd.Flags().StringVar(&period, "period", "", "minute, hour or day (required)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}
