package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// SlackChannel sends notifications to a Slack incoming webhook URL.
type SlackChannel struct {
	cfg    config.SlackNotifyConfig
	client *http.Client
}

// NewSlack creates a SlackChannel from cfg.
func NewSlack(cfg config.SlackNotifyConfig) *SlackChannel {
	return &SlackChannel{cfg: cfg, client: &http.Client{Timeout: 5 * time.Second}}
}

func (s *SlackChannel) Name() string       { return "slack" }
func (s *SlackChannel) IsConfigured() bool { return s.cfg.WebhookURL != "" }

func (s *SlackChannel) Send(ctx context.Context, evt Event) error {
	b, err := json.Marshal(slackPayload(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req) // #nosec G107 -- WebhookURL is a user-configured Slack incoming webhook URL
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func slackPayload(evt Event) map[string]any {
	var title, text, color string
	if evt.Status == "failure" {
		title = fmt.Sprintf("Scan failed: %s", evt.Repository.Name)
		text = evt.Error
		color = "#FF0000"
	} else {
		title = fmt.Sprintf("Scan completed: %s", evt.Repository.Name)
		text = fmt.Sprintf("%d issue(s) in %s", evt.Summary.TotalIssues,
			time.Duration(evt.Summary.DurationMs)*time.Millisecond)
		color = severityColor(topSeverity(evt.Summary.Severities))
	}
	attachment := map[string]any{
		"color":      color,
		"title":      title,
		"title_link": evt.Repository.URL,
		"text":       text,
		"footer":     "ctrlscan-cache",
		"ts":         evt.Timestamp.Unix(),
	}
	return map[string]any{
		"text":        title,
		"attachments": []map[string]any{attachment},
	}
}

func severityColor(sev models.SeverityLevel) string {
	switch sev {
	case models.SeverityCritical:
		return "#FF0000"
	case models.SeverityHigh:
		return "#FF6600"
	case models.SeverityMedium:
		return "#FFAA00"
	case models.SeverityLow:
		return "#0099FF"
	default:
		return "#36A64F"
	}
}
