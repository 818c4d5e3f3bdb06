package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/a-laz/transactly/internal/events"
)

const maxEventLog = 50

func renderEventStream(eventLog []events.Event, theme Theme, width, rows int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("DELIVERY EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= rows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("DELIVERY EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var style lipgloss.Style
	switch e.Type {
	case events.WebhookDelivered:
		style = theme.StatusDelivered
	case events.WebhookDeadLettered:
		style = theme.StatusDead
	case events.WebhookRetryScheduled:
		style = theme.StatusFailed
	case events.WebhookRequeued, events.WebhookReplayed, events.WebhookReaped:
		style = theme.Highlight
	default:
		style = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-24s", e.Type)), describeEvent(e))
}

func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if id, ok := data["id"].(string); ok {
		parts = append(parts, id)
	}
	if typ, ok := data["eventType"].(string); ok {
		parts = append(parts, typ)
	}
	if n, ok := data["attempts"].(float64); ok {
		parts = append(parts, fmt.Sprintf("attempt %d", int(n)))
	}
	if msg, ok := data["error"].(string); ok && msg != "" {
		parts = append(parts, msg)
	}
	if job, ok := data["job"].(string); ok {
		n, _ := data["removed"].(float64)
		parts = append(parts, fmt.Sprintf("%s removed %d", job, int(n)))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
