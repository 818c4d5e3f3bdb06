package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/a-laz/transactly/internal/config"
	"github.com/a-laz/transactly/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// globalOpts are the persistent flags shared by every subcommand.
type globalOpts struct {
	configPath string
	envFiles   []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	root := &cobra.Command{
		Use:           "transactly",
		Short:         "Payments API admission and reliable webhook delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("TRANSACTLY_CONFIG"), "path to YAML config file (optional)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before config resolution")

	root.AddCommand(
		serveCmd(opts),
		keysCmd(opts),
		quotasCmd(opts),
		outboxCmd(opts),
		dlqCmd(opts),
		configCmd(opts),
		watchCmd(),
		receiveCmd(),
		versionCmd(),
	)
	return root
}

func (o *globalOpts) loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(o.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openDB loads config and opens the configured database.
func (o *globalOpts) openDB(ctx context.Context) (*config.Config, *storage.DB, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, db, nil
}
