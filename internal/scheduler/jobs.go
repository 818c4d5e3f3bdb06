package scheduler

import (
	"context"
	"time"
)

// Pruner drops entries idle for longer than a duration.
type Pruner interface {
	Prune(idle time.Duration) int
}

// Sweeper deletes records stored before a cutoff.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

// Purger deletes delivered outbox rows last updated before a cutoff.
type Purger interface {
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int, error)
}

// QuotaPruneJob evicts rate limit buckets idle for longer than idle.
func QuotaPruneJob(p Pruner, idle time.Duration) Job {
	return Job{
		Name:  "quota-prune",
		Every: idle / 2,
		Run: func(context.Context) (int, error) {
			return p.Prune(idle), nil
		},
	}
}

// IdempotencySweepJob deletes replay records older than ttl.
func IdempotencySweepJob(s Sweeper, ttl, every time.Duration, now func() time.Time) Job {
	return Job{
		Name:   "idempotency-sweep",
		Every:  every,
		Jitter: every / 10,
		Run: func(ctx context.Context) (int, error) {
			return s.Sweep(ctx, now().Add(-ttl))
		},
	}
}

// OutboxRetentionJob purges delivered rows older than retention.
func OutboxRetentionJob(p Purger, retention, every time.Duration, now func() time.Time) Job {
	return Job{
		Name:   "outbox-retention",
		Every:  every,
		Jitter: every / 10,
		Run: func(ctx context.Context) (int, error) {
			return p.PurgeDelivered(ctx, now().Add(-retention))
		},
	}
}
