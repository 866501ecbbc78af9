package notify

import (
	"context"
	"log/slog"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
)

// Dispatcher fans out events to all configured channels.
type Dispatcher struct {
	channels []Channel
	events   map[string]bool // empty = send everything
}

// NewDispatcher creates a Dispatcher from the given config.
// Only channels with IsConfigured() == true are active.
func NewDispatcher(cfg config.NotifyConfig) *Dispatcher {
	return newDispatcher(cfg.Events,
		NewWebhook(cfg.Webhook),
		NewSlack(cfg.Slack),
		NewKafka(cfg.Kafka),
	)
}

func newDispatcher(events []string, channels ...Channel) *Dispatcher {
	d := &Dispatcher{}
	if len(events) > 0 {
		d.events = make(map[string]bool, len(events))
		for _, e := range events {
			d.events[e] = true
		}
	}
	for _, ch := range channels {
		if ch.IsConfigured() {
			d.channels = append(d.channels, ch)
		}
	}
	return d
}

// IsAnyConfigured returns true if at least one channel is ready to send.
func (d *Dispatcher) IsAnyConfigured() bool {
	return len(d.channels) > 0
}

// Channels returns the names of the active channels.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		out = append(out, ch.Name())
	}
	return out
}

// Notify sends evt to all configured channels. Errors are logged but never returned.
func (d *Dispatcher) Notify(ctx context.Context, evt Event) {
	if len(d.events) > 0 && !d.events[evt.Event] {
		return
	}
	for _, ch := range d.channels {
		if err := ch.Send(ctx, evt); err != nil {
			slog.Warn("Notification delivery failed", "channel", ch.Name(), "event", evt.Event, "repo", evt.Repository.URL, "error", err)
		}
	}
}

// Close releases channel resources such as the Kafka producer.
func (d *Dispatcher) Close() error {
	for _, ch := range d.channels {
		if c, ok := ch.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				slog.Warn("Closing notification channel", "channel", ch.Name(), "error", err)
			}
		}
	}
	return nil
}
