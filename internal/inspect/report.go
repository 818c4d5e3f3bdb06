// Package inspect renders the delivery history of one outbox row: its
// current state, its payload and every dead letter it has produced.
package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/a-laz/transactly/internal/outbox"
)

// Source is the slice of the outbox a report reads.
type Source interface {
	Get(ctx context.Context, id string) (*outbox.Row, error)
	GetDead(ctx context.Context, id string) (*outbox.DeadLetter, error)
	DeadLettersFor(ctx context.Context, outboxID string) ([]outbox.DeadLetter, error)
}

// Report is the structured JSON representation of a delivery history.
type Report struct {
	OutboxID      string          `json:"outbox_id"`
	EventType     string          `json:"event_type"`
	TargetURL     string          `json:"target_url"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	DeadLetters   []Step          `json:"dead_letters"`
}

// Step is one dead-lettering in the row's history.
type Step struct {
	N        int       `json:"n"`
	DLQID    string    `json:"dlq_id"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// BuildReport renders a terminal-friendly history for id, which may be an
// outbox id or a dead-letter id.
func BuildReport(ctx context.Context, src Source, id string) (string, error) {
	report, err := gatherReportData(ctx, src, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Delivery Report\n")
	fmt.Fprintf(&out, "Outbox ID   : %s\n", report.OutboxID)
	fmt.Fprintf(&out, "Event       : %s\n", report.EventType)
	fmt.Fprintf(&out, "Target      : %s\n", report.TargetURL)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Attempts    : %d\n", report.Attempts)
	fmt.Fprintf(&out, "Next attempt: %s\n", renderTime(report.NextAttemptAt))
	fmt.Fprintf(&out, "Last error  : %s\n", renderUnset(report.LastError, "<none>"))
	fmt.Fprintf(&out, "Created     : %s\n", renderTime(report.CreatedAt))
	fmt.Fprintf(&out, "Updated     : %s\n", renderTime(report.UpdatedAt))
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Payload\n")
	for _, line := range strings.Split(strings.TrimSpace(prettyJSON(report.Payload)), "\n") {
		fmt.Fprintf(&out, "  %s\n", line)
	}
	fmt.Fprintf(&out, "\n")

	if len(report.DeadLetters) == 0 {
		fmt.Fprintf(&out, "Dead letters: <none>\n")
	} else {
		fmt.Fprintf(&out, "Dead letters: %d\n", len(report.DeadLetters))
		for _, step := range report.DeadLetters {
			fmt.Fprintf(&out, "[%d] %s\n", step.N, step.DLQID)
			fmt.Fprintf(&out, "    at       : %s\n", step.At.UTC().Format(time.RFC3339))
			fmt.Fprintf(&out, "    attempts : %d\n", step.Attempts)
			fmt.Fprintf(&out, "    error    : %s\n", renderUnset(step.Error, "<none>"))
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable history.
func BuildJSONReport(ctx context.Context, src Source, id string) (string, error) {
	report, err := gatherReportData(ctx, src, id)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, id string) (*Report, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}

	row, err := src.Get(ctx, id)
	var dead *outbox.DeadLetter
	if errors.Is(err, outbox.ErrNotFound) {
		// Maybe a dead-letter id; report on the row behind it.
		dead, err = src.GetDead(ctx, id)
		if errors.Is(err, outbox.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, outbox.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		row, err = src.Get(ctx, dead.OutboxID)
		if errors.Is(err, outbox.ErrNotFound) {
			row, err = nil, nil
		}
	}
	if err != nil {
		return nil, err
	}

	report := &Report{DeadLetters: []Step{}}
	if row != nil {
		report.OutboxID = row.ID
		report.EventType = row.EventType
		report.TargetURL = row.TargetURL
		report.Status = string(row.Status)
		report.Attempts = row.Attempts
		report.Payload = row.Payload
		if row.Status == outbox.StatusPending {
			report.NextAttemptAt = row.NextAttemptAt
		}
		if row.LastError != nil {
			report.LastError = *row.LastError
		}
		created, updated := row.CreatedAt, row.UpdatedAt
		report.CreatedAt, report.UpdatedAt = &created, &updated
	} else {
		// The row was purged; the dead letter still carries the event.
		report.OutboxID = dead.OutboxID
		report.EventType = dead.EventType
		report.TargetURL = dead.TargetURL
		report.Status = "purged"
		report.Payload = dead.Payload
	}

	history, err := src.DeadLettersFor(ctx, report.OutboxID)
	if err != nil {
		return nil, err
	}
	for i, d := range history {
		step := Step{N: i + 1, DLQID: d.ID, Attempts: d.Attempts, At: d.CreatedAt}
		if d.Error != nil {
			step.Error = *d.Error
		}
		report.DeadLetters = append(report.DeadLetters, step)
	}
	return report, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func renderTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
