package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/a-laz/transactly/internal/log"
	"github.com/a-laz/transactly/internal/webhook"
)

func receiveCmd() *cobra.Command {
	var (
		cfg     webhook.ReceiverConfig
		maxBody string
	)
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Run a local receiver that verifies signed webhooks",
		Long: `Run a local receiver that verifies signed webhooks and prints each
accepted delivery as a JSON line on stdout.

Examples:
  transactly receive --secret whsec_dev
  transactly receive --secret whsec_dev --fail-first 2   # exercise retries`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Secret == "" {
				return errors.New("secret required: use --secret or WEBHOOK_SECRET")
			}
			if maxBody != "" {
				n, err := webhook.ParseSize(maxBody)
				if err != nil {
					return err
				}
				cfg.MaxBodySize = n
			}

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			sink := webhook.SinkFunc(func(_ context.Context, d webhook.Delivery) error {
				mu.Lock()
				defer mu.Unlock()
				return enc.Encode(d)
			})

			log.Setup("info", "text")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := webhook.NewReceiver(cfg, sink, log.WithComponent("receiver")).Start(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&cfg.Listen, "listen", "127.0.0.1:4000", "listen address")
	cmd.Flags().StringVar(&cfg.Path, "path", webhook.DefaultPath, "delivery path")
	cmd.Flags().StringVar(&cfg.Secret, "secret", os.Getenv("WEBHOOK_SECRET"), "shared signing secret")
	cmd.Flags().DurationVar(&cfg.Tolerance, "tolerance", webhook.DefaultTolerance, "allowed timestamp skew")
	cmd.Flags().IntVar(&cfg.FailFirst, "fail-first", 0, "answer the first N verified deliveries with 500")
	cmd.Flags().StringVar(&maxBody, "max-body", "1MB", "maximum body size (e.g. 512KB, 1MB)")
	return cmd
}
