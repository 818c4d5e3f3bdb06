package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/a-laz/transactly/internal/events"
	"github.com/a-laz/transactly/internal/outbox"
)

const (
	pollInterval  = 5 * time.Second
	retryInterval = 3 * time.Second
	listLimit     = 100
)

type view int

const (
	viewOutbox view = iota
	viewDLQ
)

// Model is the BubbleTea model for the outbox watch view.
type Model struct {
	client *Client

	width  int
	height int

	health   HealthState
	rows     []outbox.Row
	dead     []outbox.DeadLetter
	eventLog []events.Event
	lastID   int64

	ticker   Ticker
	activity Activity

	theme  Theme
	view   view
	table  table.Model
	status string

	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

// New creates a watch model for the server at apiURL.
func New(apiURL, adminKey string) *Model {
	return newModel(NewClient(apiURL, adminKey))
}

func newModel(c *Client) *Model {
	t := table.New(table.WithFocused(true), table.WithHeight(12))
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	m := &Model{
		client:    c,
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		table:     t,
		now:       time.Now,
	}
	m.syncTable()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		fetchOutbox(m.client, listLimit),
		fetchDLQ(m.client, listLimit),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) refresh() tea.Cmd {
	return tea.Batch(fetchOutbox(m.client, listLimit), fetchDLQ(m.client, listLimit))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			if m.view == viewOutbox {
				m.view = viewDLQ
			} else {
				m.view = viewOutbox
			}
			m.syncTable()
			return m, nil
		case "r":
			return m, m.refresh()
		case "enter":
			return m, m.actOnSelection()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		if h := m.height/2 - 4; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(m.now())
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.activity.OnEvent(m.now())
		m.health.Connected = true
		m.lastError = ""
		// Every lifecycle event changes a row; pull fresh listings.
		return m, tea.Batch(receiveNextEvent(m.hubEvents), m.refresh())

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.OutboxPending = msg.OutboxPending
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		c := m.client
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchHealth(c)() })

	case outboxMsg:
		m.rows = msg
		if m.view == viewOutbox {
			m.syncTable()
		}
		return m, nil

	case dlqMsg:
		m.dead = msg
		if m.view == viewDLQ {
			m.syncTable()
		}
		return m, nil

	case actionMsg:
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
			return m, nil
		}
		m.status = fmt.Sprintf("%s %s", msg.What, msg.ID)
		return m, tea.Batch(m.refresh(), fetchHealth(m.client))

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(retryInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// Resume from the last seen id; the pending receiveNextEvent keeps reading the channel.
		return m, subscribeToEvents(m.client, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		c := m.client
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchHealth(c)() })
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// actOnSelection requeues the selected outbox row or replays the selected
// dead letter.
func (m *Model) actOnSelection() tea.Cmd {
	i := m.table.Cursor()
	switch m.view {
	case viewOutbox:
		if i < 0 || i >= len(m.rows) {
			return nil
		}
		r := m.rows[i]
		if r.Status != outbox.StatusDead && r.Status != outbox.StatusFailed {
			m.status = fmt.Sprintf("%s is %s; only failed or dead rows can be requeued", r.ID, r.Status)
			return nil
		}
		return requeue(m.client, r.ID)
	case viewDLQ:
		if i < 0 || i >= len(m.dead) {
			return nil
		}
		return replay(m.client, m.dead[i].ID)
	}
	return nil
}

// syncTable rebuilds the table for the active view.
func (m *Model) syncTable() {
	var cols []table.Column
	var rows []table.Row

	switch m.view {
	case viewOutbox:
		cols = []table.Column{
			{Title: "ID", Width: 28},
			{Title: "Event", Width: 18},
			{Title: "Status", Width: 10},
			{Title: "Tries", Width: 5},
			{Title: "Next", Width: 9},
			{Title: "Last error", Width: 30},
		}
		for _, r := range m.rows {
			next := "-"
			if r.NextAttemptAt != nil && r.Status == outbox.StatusPending {
				next = r.NextAttemptAt.Local().Format("15:04:05")
			}
			lastErr := ""
			if r.LastError != nil {
				lastErr = *r.LastError
			}
			rows = append(rows, table.Row{
				r.ID, r.EventType, string(r.Status), fmt.Sprint(r.Attempts), next, lastErr,
			})
		}
	case viewDLQ:
		cols = []table.Column{
			{Title: "DLQ ID", Width: 32},
			{Title: "Event", Width: 18},
			{Title: "Tries", Width: 5},
			{Title: "Dead at", Width: 9},
			{Title: "Error", Width: 36},
		}
		for _, d := range m.dead {
			msg := ""
			if d.Error != nil {
				msg = *d.Error
			}
			rows = append(rows, table.Row{
				d.ID, d.EventType, fmt.Sprint(d.Attempts), d.CreatedAt.Local().Format("15:04:05"), msg,
			})
		}
	}

	// Columns first: rows wider than the old column set would be misrendered.
	m.table.SetRows(nil)
	m.table.SetColumns(cols)
	m.table.SetRows(rows)
	if c := m.table.Cursor(); c >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	header := renderHeader(m.health, m.rows, len(m.dead), m.ticker, m.activity, m.theme, m.width, m.now())

	outboxTab, dlqTab := m.theme.ActiveTab, m.theme.Tab
	if m.view == viewDLQ {
		outboxTab, dlqTab = m.theme.Tab, m.theme.ActiveTab
	}
	tabs := lipgloss.JoinHorizontal(lipgloss.Top,
		outboxTab.Render(fmt.Sprintf("OUTBOX (%d)", len(m.rows))),
		dlqTab.Render(fmt.Sprintf("DLQ (%d)", len(m.dead))),
	)
	body := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, tabs, m.table.View()),
	)

	eventStream := renderEventStream(m.eventLog, m.theme, m.width, 8)

	parts := []string{header, body, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	} else if m.status != "" {
		parts = append(parts, m.theme.Highlight.Render(" "+m.status))
	}

	enter := "requeue"
	if m.view == viewDLQ {
		enter = "replay"
	}
	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(fmt.Sprintf(" [q] Quit • [tab] Outbox/DLQ • [↑/↓] Select • [enter] %s • [r] Refresh", enter))
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
