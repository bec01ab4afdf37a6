package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"text/template"
	"time"
)

// EventPayload is the data passed to sinks. Args holds the event amounts
// already formatted for display.
type EventPayload struct {
	RuleID      string
	Kind        string
	Actor       string
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Timestamp   uint64
	Args        map[string]any
}

// DefaultTemplate renders a one-line alert when a sink has no template.
const DefaultTemplate = "ALERT {{.RuleID}} {{.Kind}} by {{short_addr .Actor}} in block {{.BlockNumber}} ({{short_addr .TxHash}})"

type Sender interface {
	Send(ctx context.Context, payload EventPayload) error
}

// bodyFunc shapes the request body from the rendered text and the event.
type bodyFunc func(text string, p EventPayload) any

type httpSender struct {
	url    string
	method string
	render *template.Template
	body   bodyFunc
	client *http.Client
}

// New builds the sender for a configured sink type.
func New(kind, url, method, tmpl string) (Sender, error) {
	switch strings.ToLower(kind) {
	case "slack":
		return NewSlackSender(url, tmpl)
	case "teams":
		return NewTeamsSender(url, tmpl)
	case "webhook":
		return NewWebhookSender(url, method, tmpl)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", kind)
	}
}

// NewWebhookSender posts the rendered text together with the structured event.
func NewWebhookSender(url, method, tmpl string) (Sender, error) {
	return newHTTPSender(url, method, tmpl, webhookBody)
}

// NewSlackSender posts an incoming-webhook message with the amounts as fields.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return newHTTPSender(url, http.MethodPost, tmpl, slackBody)
}

// NewTeamsSender posts a MessageCard with the amounts as facts.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	return newHTTPSender(url, http.MethodPost, tmpl, teamsBody)
}

func newHTTPSender(url, method, tmpl string, body bodyFunc) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("sink url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:    url,
		method: strings.ToUpper(method),
		render: t,
		body:   body,
		client: &http.Client{Timeout: 8 * time.Second},
	}, nil
}

func (s *httpSender) Send(ctx context.Context, payload EventPayload) error {
	text, err := executeTemplate(s.render, payload)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(s.body(text, payload))
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert for %s: %w", payload.Kind, payload.TxHash, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink http status %d", resp.StatusCode)
	}
	return nil
}

type fact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// facts lists the event arguments in a stable order.
func facts(p EventPayload) []fact {
	keys := make([]string, 0, len(p.Args))
	for k := range p.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]fact, 0, len(keys)+2)
	out = append(out, fact{Name: "actor", Value: p.Actor}, fact{Name: "block", Value: fmt.Sprint(p.BlockNumber)})
	for _, k := range keys {
		out = append(out, fact{Name: k, Value: fmt.Sprint(p.Args[k])})
	}
	return out
}

func webhookBody(text string, p EventPayload) any {
	return map[string]any{
		"text":        text,
		"rule":        p.RuleID,
		"kind":        p.Kind,
		"actor":       p.Actor,
		"txHash":      p.TxHash,
		"logIndex":    p.LogIndex,
		"blockNumber": p.BlockNumber,
		"timestamp":   p.Timestamp,
		"args":        p.Args,
	}
}

func slackBody(text string, p EventPayload) any {
	fields := make([]map[string]any, 0, len(p.Args)+2)
	for _, f := range facts(p) {
		fields = append(fields, map[string]any{"title": f.Name, "value": f.Value, "short": true})
	}
	return map[string]any{
		"text":        text,
		"attachments": []map[string]any{{"fields": fields, "footer": p.TxHash}},
	}
}

func teamsBody(text string, p EventPayload) any {
	return map[string]any{
		"@type":    "MessageCard",
		"@context": "https://schema.org/extensions",
		"summary":  p.RuleID + " " + p.Kind,
		"text":     text,
		"sections": []map[string]any{{"facts": facts(p)}},
	}
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
		"unix_time": func(ts uint64) string {
			return time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}
