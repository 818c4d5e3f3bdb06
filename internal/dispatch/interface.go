package dispatch

import (
	"context"
	"time"

	"github.com/a-laz/transactly/internal/outbox"
)

//go:generate mockgen -destination=mocks/mock_outbox.go -package=mocks github.com/a-laz/transactly/internal/dispatch OutboxService

// OutboxService is the slice of the outbox the dispatcher drives.
type OutboxService interface {
	ClaimDue(ctx context.Context, limit int) ([]outbox.Row, error)
	MarkDelivered(ctx context.Context, id string) error
	ScheduleRetry(ctx context.Context, id string, attempts int, next time.Time, errMsg string) error
	DeadLetter(ctx context.Context, row outbox.Row, errMsg string) (string, error)
	ReapStale(ctx context.Context, lease time.Duration) (int, error)
	Depth(ctx context.Context) (int, error)
}
