// Package watch implements the operator watch view over the webhook outbox.
// It polls the admin API for outbox and dead-letter rows and follows the
// delivery event stream over SSE.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch view.
type Theme struct {
	StatusDelivered  lipgloss.Style
	StatusDelivering lipgloss.Style
	StatusFailed     lipgloss.Style
	StatusPending    lipgloss.Style
	StatusDead       lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Tab       lipgloss.Style
	ActiveTab lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusDelivered:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusDelivering: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusDead:       lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Tab: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Padding(0, 1),
		ActiveTab: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")).
			Underline(true).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// StatusStyle picks the colour for an outbox row status.
func (t Theme) StatusStyle(status string) lipgloss.Style {
	switch status {
	case "delivered":
		return t.StatusDelivered
	case "delivering":
		return t.StatusDelivering
	case "failed":
		return t.StatusFailed
	case "dead":
		return t.StatusDead
	default:
		return t.StatusPending
	}
}
