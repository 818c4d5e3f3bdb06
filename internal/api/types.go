package api

import (
	"encoding/json"
	"time"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// OKResponse acknowledges an admin action.
type OKResponse struct {
	OK       bool   `json:"ok"`
	OutboxID string `json:"outboxId,omitempty"`
}

// RowsResponse wraps every admin listing.
type RowsResponse[T any] struct {
	Rows []T `json:"rows"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	OutboxPending int    `json:"outbox_pending"`
}

// InvoiceRequest is the body of POST /api/invoices.
type InvoiceRequest struct {
	Amount      int64           `json:"amount" validate:"required,gt=0"`
	Currency    string          `json:"currency" validate:"required,len=3,alpha"`
	Description string          `json:"description,omitempty" validate:"omitempty,max=512"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Invoice is the stand-in resource created by POST /api/invoices.
type Invoice struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"projectId,omitempty"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// CreateKeyResponse carries the one-time plaintext key.
type CreateKeyResponse struct {
	ID     string `json:"id"`
	APIKey string `json:"apiKey"`
	Prefix string `json:"prefix"`
}
