package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/a-laz/transactly/internal/outbox"
)

// HealthState tracks server health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	OutboxPending int
	Connected     bool
	LastCheck     time.Time
}

// statusCounts tallies the visible outbox rows by status.
func statusCounts(rows []outbox.Row) map[outbox.Status]int {
	counts := make(map[outbox.Status]int, 5)
	for _, r := range rows {
		counts[r.Status]++
	}
	return counts
}

func renderHeader(health HealthState, rows []outbox.Row, dead int, ticker Ticker, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusDelivered.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(activity.LastEvent()).Round(time.Second))
	}

	title := fmt.Sprintf(" TRANSACTLY OUTBOX %s", theme.Highlight.Render(ticker.Current()))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  pending: %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.OutboxPending,
	)

	counts := statusCounts(rows)
	countsLine := fmt.Sprintf(" %s %d  %s %d  %s %d  %s %d",
		theme.StatusDelivering.Render("delivering"), counts[outbox.StatusDelivering],
		theme.StatusDelivered.Render("delivered"), counts[outbox.StatusDelivered],
		theme.StatusDead.Render("dead"), counts[outbox.StatusDead],
		theme.StatusFailed.Render("dlq"), dead,
	)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, countsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
