package webhook

import (
	"context"
	"encoding/json"
	"time"
)

// Sink receives deliveries that passed signature verification.
type Sink interface {
	Accept(ctx context.Context, d Delivery) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Delivery) error

// Accept calls f.
func (f SinkFunc) Accept(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Delivery is a verified inbound webhook.
type Delivery struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ReceiverConfig holds signed receiver configuration.
type ReceiverConfig struct {
	Listen string
	Path   string
	Secret string

	// Tolerance is the allowed timestamp skew (default: DefaultTolerance).
	Tolerance time.Duration

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB).
	MaxBodySize int64

	// FailFirst answers the first N verified deliveries with 500 so a
	// dispatcher's retry path can be exercised end to end.
	FailFirst int
}

// AcceptResponse is the JSON response for accepted deliveries.
type AcceptResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize = 1048576 // 1 MB
	DefaultPath        = "/webhook"
)
