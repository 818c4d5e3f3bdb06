package main

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/a-laz/transactly/internal/auth"
)

func keysCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage persisted API keys",
	}
	cmd.AddCommand(keysCreateCmd(opts), keysListCmd(opts), keysRevokeCmd(opts))
	return cmd
}

func keysCreateCmd(opts *globalOpts) *cobra.Command {
	var (
		req     auth.CreateKeyRequest
		ttl     time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a key; the plaintext is printed once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl > 0 {
				exp := time.Now().Add(ttl).UTC()
				req.ExpiresAt = &exp
			}
			if err := validator.New().Struct(req); err != nil {
				return fmt.Errorf("invalid key request: %w", err)
			}

			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			key, plaintext, err := auth.NewSQLKeyStore(db).Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, map[string]any{"id": key.ID, "apiKey": plaintext, "prefix": key.Prefix, "projectId": key.ProjectID})
			}
			fmt.Fprintf(out, "id:      %s\n", key.ID)
			fmt.Fprintf(out, "project: %s\n", key.ProjectID)
			fmt.Fprintf(out, "prefix:  %s\n", key.Prefix)
			fmt.Fprintf(out, "api key: %s\n", plaintext)
			fmt.Fprintln(cmd.ErrOrStderr(), "Store the key now; it cannot be shown again.")
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project the key belongs to (required)")
	cmd.Flags().StringVar(&req.Alias, "alias", "", "human-readable label")
	cmd.Flags().StringVar(&req.Prefix, "prefix", "", "key prefix (default "+auth.DefaultKeyPrefix+")")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the key after this long (0 = never)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func keysListCmd(opts *globalOpts) *cobra.Command {
	var (
		project string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys for a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			keys, err := auth.NewSQLKeyStore(db).ListByProject(cmd.Context(), project)
			if err != nil {
				return err
			}
			if keys == nil {
				keys = []*auth.APIKey{}
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), keys)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tPREFIX\tALIAS\tSTATUS\tCREATED\tEXPIRES")
			for _, k := range keys {
				created := k.CreatedAt
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", k.ID, k.Prefix, k.Alias, k.Status, fmtTime(&created), fmtTime(k.ExpiresAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func keysRevokeCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := auth.NewSQLKeyStore(db).Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}
}
