// Package alert posts pipeline alerts to a Slack incoming webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sendTimeout = 10 * time.Second

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) color() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "good"
	default:
		return "danger"
	}
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	Enabled      bool
	SlackWebhook string
	// Pipeline is attached to every alert.
	Pipeline string
	// Client defaults to an http.Client with a send timeout.
	Client HTTPClient
}

// Alert describes one pipeline event. Empty fields are left out of the
// message.
type Alert struct {
	Severity Severity
	Title    string
	Session  string
	Engine   string
	Offset   string
	Message  string
	Err      error
}

// Manager sends alerts for one pipeline. A disabled manager, or one without a
// webhook, drops every alert.
type Manager struct {
	webhook  string
	pipeline string
	client   HTTPClient
	now      func() time.Time
}

func NewManager(opts Options) *Manager {
	m := &Manager{pipeline: opts.Pipeline, client: opts.Client, now: time.Now}
	if opts.Enabled {
		m.webhook = opts.SlackWebhook
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: sendTimeout}
	}
	return m
}

// SendSessionFailedAlert reports a capture session that stopped on a fatal
// error. It satisfies cdc.Notifier.
func (m *Manager) SendSessionFailedAlert(session, engine string, err error) error {
	return m.Send(context.Background(), Alert{
		Severity: SeverityCritical,
		Title:    "Capture session failed",
		Session:  session,
		Engine:   engine,
		Err:      err,
	})
}

func (m *Manager) Send(ctx context.Context, a Alert) error {
	if m.webhook == "" {
		return nil
	}

	payload, err := json.Marshal(m.message(a))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhook, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s alert for %s: %w", a.Severity, m.pipeline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (m *Manager) message(a Alert) slackMessage {
	if a.Severity == "" {
		a.Severity = SeverityCritical
	}

	var fields []slackField
	add := func(title, value string, short bool) {
		if value != "" {
			fields = append(fields, slackField{Title: title, Value: value, Short: short})
		}
	}
	add("Pipeline", m.pipeline, true)
	add("Engine", a.Engine, true)
	add("Session", a.Session, true)
	add("Offset", a.Offset, false)
	add("Message", a.Message, false)
	if a.Err != nil {
		add("Error", a.Err.Error(), false)
	}

	return slackMessage{
		Text: fmt.Sprintf("*%s* %s", a.Severity, a.Title),
		Attachments: []slackAttachment{{
			Color:  a.Severity.color(),
			Title:  a.Title,
			Fields: fields,
			Footer: "deltaflow",
			Ts:     m.now().Unix(),
		}},
	}
}
