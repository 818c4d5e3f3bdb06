package outbox

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Valid reports whether s is a known row status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDelivering, StatusDelivered, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Terminal reports whether a row in this status is never retried on its own.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusDead
}

// Event is a webhook to enqueue. ID doubles as the outbox row id; a new one is
// generated when empty.
type Event struct {
	ID        string          `json:"id,omitempty" validate:"omitempty,max=128"`
	Type      string          `json:"type" validate:"required,max=128"`
	TargetURL string          `json:"targetUrl" validate:"required,url"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Row is one outbox entry.
type Row struct {
	ID            string          `json:"id"`
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	TargetURL     string          `json:"targetUrl"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	LastError     *string         `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// DeadLetter is the record left behind when a row exhausts its attempts.
type DeadLetter struct {
	ID        string          `json:"id"`
	OutboxID  string          `json:"outboxId"`
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	TargetURL string          `json:"targetUrl"`
	Payload   json.RawMessage `json:"payload"`
	Error     *string         `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Filter narrows List. A zero Status matches every row.
type Filter struct {
	Status Status
	Limit  int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ClampLimit maps a requested page size into [1, MaxListLimit].
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}

var (
	ErrNotFound     = errors.New("not found")
	ErrNotClaimed   = errors.New("outbox row not held by this dispatcher")
	ErrInvalidEvent = errors.New("invalid event")
	ErrDuplicate    = errors.New("event already enqueued")
	// ErrNotRequeueable is returned when a row is in flight or already
	// delivered and cannot be re-armed.
	ErrNotRequeueable = errors.New("outbox row is delivering or delivered")
)
