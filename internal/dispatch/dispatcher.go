package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/a-laz/transactly/internal/events"
	"github.com/a-laz/transactly/internal/metrics"
	"github.com/a-laz/transactly/internal/outbox"
	"github.com/a-laz/transactly/internal/webhook"
)

const (
	DefaultInterval     = 3 * time.Second
	DefaultBatchSize    = 10
	DefaultMaxAttempts  = 6
	DefaultTimeout      = 10 * time.Second
	DefaultLeaseTimeout = 5 * time.Minute

	// maxResponseDrain caps how much of a target's response body is read.
	maxResponseDrain = 64 * 1024
)

type Config struct {
	Secret      string
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Timeout     time.Duration
	// DeliveriesPerSecond paces outbound POSTs. Zero means unlimited.
	DeliveriesPerSecond float64
	// LeaseTimeout is how long a row may sit in delivering before the reaper
	// returns it to pending. Zero disables the reaper.
	LeaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// DeliveryError describes a failed POST. StatusCode is zero when no response
// was received.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "delivery failed"
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Result summarizes one Tick.
type Result struct {
	Claimed      int
	Delivered    int
	Retried      int
	DeadLettered int
	Reaped       int
}

// Dispatcher delivers outbox rows on a ticker.
type Dispatcher struct {
	cfg     Config
	outbox  OutboxService
	client  *http.Client
	limiter *rate.Limiter
	events  *events.Hub
	logger  *slog.Logger
	now     func() time.Time
	jitter  func() time.Duration

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	// halted is cancelled by Stop or by the Start context. Pacing waits end
	// on it; POSTs already under way do not.
	halted context.Context
	halt   context.CancelFunc
}

// New creates a Dispatcher. A nil hub gets a private one.
func New(cfg Config, ob OutboxService, hub *events.Hub, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if hub == nil {
		hub = events.NewHub(128)
	}
	d := &Dispatcher{
		cfg:    cfg,
		outbox: ob,
		client: &http.Client{Timeout: cfg.Timeout},
		events: hub,
		logger: logger.With("component", "dispatch"),
		now:    time.Now,
		jitter: randomJitter,
		stopCh: make(chan struct{}),
	}
	d.halted, d.halt = context.WithCancel(context.Background())
	if cfg.DeliveriesPerSecond > 0 {
		burst := int(cfg.DeliveriesPerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.DeliveriesPerSecond), burst)
	}
	return d
}

// Start reaps stale leases once and begins the tick loop. It returns
// immediately.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatcher already started")
	}
	d.started = true

	d.logger.Info("starting dispatcher",
		"interval", d.cfg.Interval,
		"batch_size", d.cfg.BatchSize,
		"max_attempts", d.cfg.MaxAttempts,
	)
	if d.cfg.LeaseTimeout > 0 {
		if _, err := d.reap(ctx); err != nil {
			d.logger.Warn("startup reap failed", "error", err)
		}
	}

	unwatch := context.AfterFunc(ctx, d.halt)
	d.wg.Add(1)
	go func() {
		defer unwatch()
		d.loop(ctx)
	}()
	return nil
}

// Stop stops scheduling ticks and waits for the in-flight batch.
func (d *Dispatcher) Stop() {
	d.stopped.Do(func() {
		d.logger.Info("stopping dispatcher")
		d.halt()
		close(d.stopCh)
	})
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if d.halted.Err() != nil {
				return
			}
			// Transitions of a started batch are not cut short by ctx; each
			// POST is still bounded by Timeout and paced rows are released
			// once halted.
			if _, err := d.Tick(context.WithoutCancel(ctx)); err != nil {
				d.logger.Error("dispatch tick failed", "error", err)
			}
		case <-d.stopCh:
			return
		case <-ctx.Done():
			d.logger.Info("dispatcher context cancelled")
			return
		}
	}
}

// Tick runs one claim, deliver and update cycle. One row's failure never
// stops the rest of the batch.
func (d *Dispatcher) Tick(ctx context.Context) (Result, error) {
	var res Result

	if d.cfg.LeaseTimeout > 0 {
		n, err := d.reap(ctx)
		if err != nil {
			d.logger.Warn("reap failed", "error", err)
		}
		res.Reaped = n
	}

	rows, err := d.outbox.ClaimDue(ctx, d.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim due: %w", err)
	}
	res.Claimed = len(rows)

	for _, row := range rows {
		d.process(ctx, row, &res)
	}

	if depth, err := d.outbox.Depth(ctx); err == nil {
		metrics.OutboxPending.Set(float64(depth))
	}
	if res.Claimed > 0 {
		d.logger.Debug("dispatch tick",
			"claimed", res.Claimed,
			"delivered", res.Delivered,
			"retried", res.Retried,
			"dead_lettered", res.DeadLettered,
		)
	}
	return res, nil
}

func (d *Dispatcher) reap(ctx context.Context) (int, error) {
	n, err := d.outbox.ReapStale(ctx, d.cfg.LeaseTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.WebhookReapedTotal.Add(float64(n))
		d.events.Publish(events.WebhookReaped, map[string]any{"count": n})
		d.logger.Warn("returned stale deliveries to pending", "count", n, "lease", d.cfg.LeaseTimeout)
	}
	return n, nil
}

func (d *Dispatcher) process(ctx context.Context, row outbox.Row, res *Result) {
	logger := d.logger.With("outbox_id", row.ID, "event_type", row.EventType)

	if d.limiter != nil {
		if err := d.pace(ctx); err != nil {
			// Hand the row back untouched so the next tick can take it.
			if rerr := d.outbox.ScheduleRetry(context.WithoutCancel(ctx), row.ID, row.Attempts, d.now(), "dispatcher stopped"); rerr != nil {
				logger.Warn("failed to release row", "error", rerr)
			}
			return
		}
	}

	start := time.Now()
	derr := d.deliver(ctx, row)
	metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())

	if derr == nil {
		if err := d.outbox.MarkDelivered(ctx, row.ID); err != nil {
			logger.Error("failed to mark delivered", "error", err)
			return
		}
		res.Delivered++
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		d.events.Publish(events.WebhookDelivered, map[string]any{
			"id":        row.ID,
			"eventType": row.EventType,
			"attempts":  row.Attempts + 1,
		})
		logger.Info("webhook delivered", "attempt", row.Attempts+1)
		return
	}

	attempts := row.Attempts + 1
	errMsg := derr.Error()

	if attempts >= d.cfg.MaxAttempts {
		row.Attempts = attempts
		dlqID, err := d.outbox.DeadLetter(ctx, row, errMsg)
		if err != nil {
			logger.Error("failed to dead-letter webhook", "error", err)
			return
		}
		res.DeadLettered++
		metrics.WebhookDeliveriesTotal.WithLabelValues("dead").Inc()
		d.events.Publish(events.WebhookDeadLettered, map[string]any{
			"id":        row.ID,
			"dlqId":     dlqID,
			"eventType": row.EventType,
			"attempts":  attempts,
			"error":     errMsg,
		})
		logger.Error("webhook dead-lettered", "attempts", attempts, "error", errMsg, "dlq_id", dlqID)
		return
	}

	next := d.now().Add(Backoff(attempts) + d.jitter())
	if err := d.outbox.ScheduleRetry(ctx, row.ID, attempts, next, errMsg); err != nil {
		logger.Error("failed to schedule retry", "error", err)
		return
	}
	res.Retried++
	metrics.WebhookDeliveriesTotal.WithLabelValues("retry").Inc()
	d.events.Publish(events.WebhookRetryScheduled, map[string]any{
		"id":            row.ID,
		"eventType":     row.EventType,
		"attempts":      attempts,
		"nextAttemptAt": next.UTC(),
		"error":         errMsg,
	})
	logger.Warn("webhook delivery failed, retry scheduled", "attempts", attempts, "next_attempt_at", next.UTC(), "error", errMsg)
}

// pace waits for a delivery token. The wait ends early when ctx is done or
// the dispatcher is halted.
func (d *Dispatcher) pace(ctx context.Context) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.halted, cancel)
	defer stop()
	return d.limiter.Wait(wctx)
}

func (d *Dispatcher) deliver(ctx context.Context, row outbox.Row) error {
	body := []byte(row.Payload)
	if len(body) == 0 {
		body = []byte("{}")
	}
	sig := webhook.Sign(d.cfg.Secret, body, d.now())

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, row.TargetURL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderID, row.EventID)
	req.Header.Set(webhook.HeaderEvent, row.EventType)
	req.Header.Set(webhook.HeaderTimestamp, sig.Timestamp)
	req.Header.Set(webhook.HeaderAlgorithm, sig.Algorithm)
	req.Header.Set(webhook.HeaderSignature, sig.Value)

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{StatusCode: resp.StatusCode}
	}
	return nil
}
