// Package notification delivers operator alerts (Telegram, webhooks) for
// events that need a human, such as an order the broker accepted but the
// ledger failed to record.
package notification

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the log. It is the fallback when no
// external channel is configured.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	ev := log.Warn()
	if alert.Level == AlertCritical {
		ev = log.Error()
	} else if alert.Level == AlertInfo {
		ev = log.Info()
	}
	for k, v := range alert.Fields {
		ev = ev.Str(k, v)
	}
	ev.Str("component", "notify").Str("level", string(alert.Level)).Str("title", alert.Title).Msg(alert.Message)
	return nil
}

// Multi sends every alert to all backends and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
