package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cortex/internal/httpclient"
	"cortex/internal/logging"
	"cortex/internal/tools"
)

const defaultNotifyTimeout = 10 * time.Second

// NotifyConfig points the notify plugin at a webhook sink, typically a push
// relay like ntfy or a chat bridge.
type NotifyConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Notify posts notifications to a configured webhook and forwards trigger
// events to the same sink.
type Notify struct {
	client *http.Client
	url    string
	token  string
	logger logging.Logger
}

// NewNotify builds the notify plugin. The URL is required.
func NewNotify(cfg NotifyConfig, logger logging.Logger) (*Notify, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("notify plugin requires a webhook url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultNotifyTimeout
	}
	return &Notify{
		client: httpclient.New(cfg.Timeout, logger),
		url:    cfg.URL,
		token:  cfg.Token,
		logger: logging.OrNop(logger),
	}, nil
}

func (n *Notify) Name() string { return "notify" }

func (n *Notify) Tools() []tools.Definition {
	return []tools.Definition{{
		Name:        "send_notification",
		Description: "Push a notification to the user's configured notification channel.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"message": {Type: "string", Description: "Notification body."},
			"title":   {Type: "string", Description: "Short headline."},
			"priority": {
				Type:        "string",
				Description: "Delivery priority, default normal.",
				Enum:        []string{"low", "normal", "urgent"},
			},
		}, "message"),
	}}
}

func (n *Notify) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	if name != "send_notification" {
		return "", fmt.Errorf("notify plugin has no tool %q", name)
	}
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("message is required")
	}
	title, _ := args["title"].(string)
	priority, _ := args["priority"].(string)
	if priority == "" {
		priority = "normal"
	}
	if err := n.post(ctx, map[string]any{
		"title":    title,
		"message":  message,
		"priority": priority,
		"source":   "agent",
		"ts":       time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return "", err
	}
	return "Notification delivered.", nil
}

// OnTrigger fans an inbound webhook event out to the notification sink.
func (n *Notify) OnTrigger(ctx context.Context, event TriggerEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	return n.post(ctx, map[string]any{
		"title":   "Event: " + event.Event,
		"message": string(payload),
		"source":  "trigger",
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (n *Notify) post(ctx context.Context, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if _, err := httpclient.ReadBody(resp, 1<<16); err != nil {
		n.logger.Debug("Notify sink response read failed: %v", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: sink returned status %d", resp.StatusCode)
	}
	return nil
}
