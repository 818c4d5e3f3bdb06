package main

import (
	"errors"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/a-laz/transactly/internal/tui/watch"
)

func watchCmd() *cobra.Command {
	var apiURL, adminKey string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live outbox and dead-letter view over the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if adminKey == "" {
				return errors.New("admin key required: use --admin-key or ADMIN_API_KEY")
			}
			_, err := tea.NewProgram(watch.New(apiURL, adminKey)).Run()
			return err
		},
	}
	cmd.Flags().StringVar(&apiURL, "url", "http://127.0.0.1:3000", "server base URL")
	cmd.Flags().StringVar(&adminKey, "admin-key", os.Getenv("ADMIN_API_KEY"), "admin key (x-admin-key)")
	return cmd
}
