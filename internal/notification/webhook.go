package notification

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WebhookNotifier POSTs alerts as JSON to an operator endpoint. Each alert
// carries a fresh id, also sent as Idempotency-Key, so receivers can drop
// redeliveries.
type WebhookNotifier struct {
	url  string
	post poster
	now  func() time.Time
}

type webhookPayload struct {
	ID      string            `json:"id"`
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	SentAt  time.Time         `json:"sent_at"`
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, post: newPoster("webhook"), now: time.Now}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	p := webhookPayload{
		ID:      uuid.NewString(),
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		Fields:  alert.Fields,
		SentAt:  w.now().UTC(),
	}
	h := http.Header{}
	h.Set("Idempotency-Key", p.ID)
	if _, err := w.post.post(ctx, w.url, h, p); err != nil {
		return err
	}
	log.Debug().Str("component", "notify").Str("alert_id", p.ID).Str("title", alert.Title).Msg("webhook alert sent")
	return nil
}
