package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/a-laz/transactly/internal/inspect"
	"github.com/a-laz/transactly/internal/outbox"
)

func outboxCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and requeue webhook outbox rows",
	}
	cmd.AddCommand(outboxListCmd(opts), outboxRequeueCmd(opts), outboxStatsCmd(opts), outboxInspectCmd(opts), outboxPurgeCmd(opts))
	return cmd
}

func outboxListCmd(opts *globalOpts) *cobra.Command {
	var (
		status  string
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox rows, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := outbox.New(db).List(cmd.Context(), outbox.Filter{Status: outbox.Status(status), Limit: limit})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tEVENT\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, r.EventType, r.Status, r.Attempts, fmtTime(r.NextAttemptAt), deref(r.LastError))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, delivering, delivered, failed, dead)")
	cmd.Flags().IntVarP(&limit, "limit", "n", outbox.DefaultListLimit, "maximum rows")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func outboxRequeueCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Reset a row to pending with zero attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := outbox.New(db).Requeue(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("requeue %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
			return nil
		},
	}
}

func outboxStatsCmd(opts *globalOpts) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count outbox rows by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			counts, err := outbox.New(db).Counts(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), counts)
			}
			names := make([]string, 0, len(counts))
			for k := range counts {
				names = append(names, k)
			}
			sort.Strings(names)
			tw := newTable(cmd.OutOrStdout())
			for _, k := range names {
				fmt.Fprintf(tw, "%s\t%d\n", k, counts[k])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func outboxInspectCmd(opts *globalOpts) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect <id>",
		Short: "Show one row's state, payload and dead-letter history",
		Long: `Show one row's state, payload and dead-letter history.

The id may be an outbox id or a dead-letter id; a dead-letter id reports on
the row behind it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			ob := outbox.New(db)
			var report string
			if jsonOut {
				report, err = inspect.BuildJSONReport(cmd.Context(), ob, args[0])
			} else {
				report, err = inspect.BuildReport(cmd.Context(), ob, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report)
			if jsonOut {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func outboxPurgeCmd(opts *globalOpts) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete delivered rows older than a cutoff",
		Long: `Delete delivered rows last updated before now minus --older-than.
Rows in any other status are kept. Defaults to webhooks.retention.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if !cmd.Flags().Changed("older-than") {
				olderThan = cfg.Webhooks.Retention
			}
			if olderThan <= 0 {
				return errors.New("--older-than must be positive (webhooks.retention is 0)")
			}
			n, err := outbox.New(db).PurgeDelivered(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d delivered row(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default webhooks.retention)")
	return cmd
}

func dlqCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered webhooks",
	}
	cmd.AddCommand(dlqListCmd(opts), dlqReplayCmd(opts))
	return cmd
}

func dlqListCmd(opts *globalOpts) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := outbox.New(db).ListDead(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "DLQ ID\tOUTBOX ID\tEVENT\tATTEMPTS\tDEAD AT\tERROR")
			for _, d := range rows {
				at := d.CreatedAt
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", d.ID, d.OutboxID, d.EventType, d.Attempts, fmtTime(&at), deref(d.Error))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", outbox.DefaultListLimit, "maximum rows")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func dlqReplayCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <dlq-id>",
		Short: "Return a dead letter's outbox row to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			outboxID, err := outbox.New(db).Replay(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("replay %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %s as %s\n", args[0], outboxID)
			return nil
		},
	}
}
