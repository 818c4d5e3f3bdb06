package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/a-laz/transactly/internal/api"
	"github.com/a-laz/transactly/internal/auth"
	"github.com/a-laz/transactly/internal/config"
	"github.com/a-laz/transactly/internal/dispatch"
	"github.com/a-laz/transactly/internal/events"
	"github.com/a-laz/transactly/internal/idempotency"
	"github.com/a-laz/transactly/internal/lock"
	"github.com/a-laz/transactly/internal/log"
	"github.com/a-laz/transactly/internal/metrics"
	"github.com/a-laz/transactly/internal/outbox"
	"github.com/a-laz/transactly/internal/quota"
	"github.com/a-laz/transactly/internal/scheduler"
	"github.com/a-laz/transactly/internal/storage"
)

func serveCmd(opts *globalOpts) *cobra.Command {
	var noDispatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the webhook dispatcher",
		Long: `Run the HTTP API and the webhook dispatcher.

Examples:
  transactly serve
  transactly serve --config ./transactly.yaml
  transactly serve --no-dispatch   # API only, e.g. extra replicas`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, !noDispatch)
		},
	}
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "serve the API without running the webhook dispatcher")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, dispatchEnabled bool) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("transactly starting", "version", version, "commit", gitCommit)

	metrics.Register()

	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		return err
	}
	defer db.Close()
	logger.Info("database opened", "driver", cfg.Database.Driver)

	keys := auth.NewSQLKeyStore(db)
	var lookup auth.KeyLookup
	if cfg.Auth.UseDBKeys {
		lookup = keys
	}
	gate := auth.NewGate(cfg.Auth.APIKeys, lookup)
	if len(cfg.Auth.APIKeys) == 0 && !cfg.Auth.UseDBKeys {
		logger.Warn("no API keys configured; the client API admits every caller")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	quotaStore, err := buildQuotaStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	limiter := quota.NewLimiter(quota.Config{
		Capacity:        cfg.RateLimit.Capacity,
		RefillPerMinute: cfg.RateLimit.RefillPerMinute,
	}, quotaStore)
	var quotaService api.QuotaService
	if cfg.Auth.UseDBKeys {
		overrides := quota.NewSQLOverrideStore(db)
		limiter.WithOverrides(overrides)
		quotaService = overrides
	}

	var idemStore idempotency.Store = idempotency.NewMemoryStore()
	if cfg.Idempotency.Backend == "sql" {
		idemStore = idempotency.NewSQLStore(db)
	}
	idem := idempotency.New(idempotency.Config{
		Header:          cfg.Idempotency.Header,
		TTL:             cfg.Idempotency.TTL,
		StrictBodyMatch: cfg.Idempotency.StrictBodyMatch,
		MaxBodyBytes:    api.MaxBodyBytes,
	}, idemStore, log.WithComponent("idempotency"))

	ob := outbox.New(db)
	hub := events.NewHub(256)

	sched := scheduler.New(maintenanceJobs(cfg, quotaStore, idemStore, ob), hub, log.WithComponent("scheduler"))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if dispatchEnabled {
		release, err := startDispatcher(ctx, cfg, ob, hub, logger)
		if err != nil {
			return err
		}
		defer release()
	} else {
		logger.Info("dispatcher disabled by flag")
	}

	var keyService api.KeyService
	if cfg.Auth.UseDBKeys {
		keyService = keys
	}
	server := api.New(api.Config{
		Listen:        cfg.API.Listen,
		ReadTimeout:   cfg.API.ReadTimeout,
		WriteTimeout:  cfg.API.WriteTimeout,
		AdminKey:      cfg.Auth.AdminKey,
		InvoiceTarget: cfg.Webhooks.InvoiceTarget,
	}, api.Deps{
		Gate:        gate,
		Limiter:     limiter,
		Idempotency: idem,
		Outbox:      ob,
		Keys:        keyService,
		Quotas:      quotaService,
		Events:      hub,
	}, log.WithComponent("api"))

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Start(ctx) }()

	logger.Info("transactly running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		// Start returns once in-flight requests have drained.
		if err := <-serverDone; err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	case err := <-serverDone:
		cancel()
		if err == nil {
			err = errors.New("api server exited")
		}
		logger.Error("component failed", "component", "api", "error", err)
		return fmt.Errorf("api: %w", err)
	}

	logger.Info("transactly stopped")
	return nil
}

// buildQuotaStore returns the configured bucket store.
func buildQuotaStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (quota.Store, error) {
	if cfg.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		go func() {
			<-ctx.Done()
			_ = client.Close()
		}()
		// A drained bucket refills completely within one refill period.
		ttl := time.Duration(cfg.RateLimit.Capacity / cfg.RateLimit.RefillPerMinute * float64(time.Minute))
		if cfg.Auth.UseDBKeys {
			ttl = max(ttl, quota.MaxPeriod)
		}
		logger.Info("rate limiting backed by redis", "addr", cfg.Redis.Addr)
		return quota.NewRedisStore(client, ttl+time.Minute), nil
	}

	return quota.NewMemoryStore(), nil
}

// maintenanceJobs lists the periodic cleanup jobs the configuration enables.
func maintenanceJobs(cfg *config.Config, quotaStore quota.Store, idemStore idempotency.Store, ob *outbox.Outbox) []scheduler.Job {
	var jobs []scheduler.Job
	if ms, ok := quotaStore.(*quota.MemoryStore); ok && cfg.RateLimit.IdleEviction > 0 {
		idle := cfg.RateLimit.IdleEviction
		if cfg.Auth.UseDBKeys {
			// Project overrides may refill over a whole day.
			idle = max(idle, quota.MaxPeriod)
		}
		jobs = append(jobs, scheduler.QuotaPruneJob(ms, idle))
	}
	every := cfg.Service.MaintenanceInterval
	if every <= 0 {
		return jobs
	}
	if cfg.Idempotency.TTL > 0 {
		jobs = append(jobs, scheduler.IdempotencySweepJob(idemStore, cfg.Idempotency.TTL, every, time.Now))
	}
	if cfg.Webhooks.Retention > 0 {
		jobs = append(jobs, scheduler.OutboxRetentionJob(ob, cfg.Webhooks.Retention, every, time.Now))
	}
	return jobs
}

// startDispatcher takes the dispatcher lock and starts delivery. When another
// process holds the lock this one serves the API only. The returned func
// stops the dispatcher and releases the lock.
func startDispatcher(ctx context.Context, cfg *config.Config, ob *outbox.Outbox, hub *events.Hub, logger *slog.Logger) (func(), error) {
	if cfg.Webhooks.Secret == "" {
		logger.Warn("webhooks.secret is empty; dispatcher disabled")
		return func() {}, nil
	}

	var pidLock *lock.PIDLock
	if cfg.Service.LockPath != "" {
		l, err := lock.AcquirePIDLock(cfg.Service.LockPath)
		if errors.Is(err, lock.ErrHeld) {
			logger.Warn("dispatcher lock held by another process; serving API only", "path", cfg.Service.LockPath, "error", err)
			return func() {}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("acquire dispatcher lock: %w", err)
		}
		pidLock = l
		logger.Info("acquired dispatcher lock", "path", l.Path(), "pid", os.Getpid())
	}

	d := dispatch.New(dispatch.Config{
		Secret:              cfg.Webhooks.Secret,
		Interval:            cfg.Webhooks.Interval,
		BatchSize:           cfg.Webhooks.BatchSize,
		MaxAttempts:         cfg.Webhooks.MaxAttempts,
		Timeout:             cfg.Webhooks.Timeout,
		DeliveriesPerSecond: cfg.Webhooks.DeliveriesPerSecond,
		LeaseTimeout:        cfg.Webhooks.LeaseTimeout,
	}, ob, hub, log.WithComponent("dispatch"))

	if err := d.Start(ctx); err != nil {
		if pidLock != nil {
			_ = pidLock.Release()
		}
		return nil, fmt.Errorf("start dispatcher: %w", err)
	}

	return func() {
		d.Stop()
		if pidLock != nil {
			if err := pidLock.Release(); err != nil {
				logger.Warn("failed to release dispatcher lock", "error", err)
			}
		}
	}, nil
}
