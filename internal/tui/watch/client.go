package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/a-laz/transactly/internal/events"
	"github.com/a-laz/transactly/internal/outbox"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	OutboxPending int    `json:"outbox_pending"`
}

type outboxMsg []outbox.Row

type dlqMsg []outbox.DeadLetter

// actionMsg reports the result of a requeue or replay.
type actionMsg struct {
	What string
	ID   string
	Err  error
}

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// Client talks to the admin surface of a running server.
type Client struct {
	BaseURL  string
	AdminKey string
	HTTP     *http.Client
}

// NewClient returns a client with a short request timeout. The SSE stream
// uses its own client without one.
func NewClient(baseURL, adminKey string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		AdminKey: adminKey,
		HTTP:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.AdminKey != "" {
		req.Header.Set("x-admin-key", c.AdminKey)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodPost, path)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Error != "" {
		return fmt.Errorf("%s: HTTP %d: %s", resp.Request.URL.Path, resp.StatusCode, body.Error)
	}
	return fmt.Errorf("%s: HTTP %d", resp.Request.URL.Path, resp.StatusCode)
}

// Health fetches /healthz.
func (c *Client) Health(ctx context.Context) (healthMsg, error) {
	var h healthMsg
	err := c.getJSON(ctx, "/healthz", &h)
	return h, err
}

// Outbox lists outbox rows, newest first.
func (c *Client) Outbox(ctx context.Context, limit int) ([]outbox.Row, error) {
	var resp struct {
		Rows []outbox.Row `json:"rows"`
	}
	err := c.getJSON(ctx, "/api/webhooks/outbox?limit="+strconv.Itoa(limit), &resp)
	return resp.Rows, err
}

// DeadLetters lists dead-letter rows, newest first.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]outbox.DeadLetter, error) {
	var resp struct {
		Rows []outbox.DeadLetter `json:"rows"`
	}
	err := c.getJSON(ctx, "/api/webhooks/dlq?limit="+strconv.Itoa(limit), &resp)
	return resp.Rows, err
}

func (c *Client) Requeue(ctx context.Context, id string) error {
	return c.post(ctx, "/api/webhooks/requeue/"+id)
}

func (c *Client) Replay(ctx context.Context, dlqID string) error {
	return c.post(ctx, "/api/webhooks/replay/"+dlqID)
}

// --- Commands ---

func fetchHealth(c *Client) tea.Cmd {
	return func() tea.Msg {
		h, err := c.Health(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return h
	}
}

func fetchOutbox(c *Client, limit int) tea.Cmd {
	return func() tea.Msg {
		rows, err := c.Outbox(context.Background(), limit)
		if err != nil {
			return errMsg{err}
		}
		return outboxMsg(rows)
	}
}

func fetchDLQ(c *Client, limit int) tea.Cmd {
	return func() tea.Msg {
		rows, err := c.DeadLetters(context.Background(), limit)
		if err != nil {
			return errMsg{err}
		}
		return dlqMsg(rows)
	}
}

func requeue(c *Client, id string) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{What: "requeued", ID: id, Err: c.Requeue(context.Background(), id)}
	}
}

func replay(c *Client, dlqID string) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{What: "replayed", ID: dlqID, Err: c.Replay(context.Background(), dlqID)}
	}
}

// subscribeToEvents follows the SSE stream and feeds events into ch. It
// returns sseDisconnectedMsg when the connection drops.
func subscribeToEvents(c *Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.newRequest(context.Background(), http.MethodGet, "/api/webhooks/events")
		if err != nil {
			return errMsg{err}
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}
		resp, err := (&http.Client{}).Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg{statusError(resp)}
		}
		readSSE(resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

// readSSE parses an event stream until EOF.
func readSSE(r io.Reader, ch chan<- events.Event) {
	scanner := bufio.NewScanner(r)
	var cur events.Event
	var data string

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				cur.Data = json.RawMessage(data)
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				ch <- cur
			}
			cur, data = events.Event{}, ""
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = line[6:]
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}
