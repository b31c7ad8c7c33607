package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// TelegramNotifier sends alerts to a chat through the Telegram Bot API.
type TelegramNotifier struct {
	apiBase  string
	botToken string
	chatID   string
	post     poster
}

func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		apiBase:  "https://api.telegram.org",
		botToken: botToken,
		chatID:   chatID,
		post:     newPoster("telegram"),
	}
}

var levelBadge = map[AlertLevel]string{
	AlertInfo:     "ℹ️",
	AlertWarning:  "⚠️",
	AlertCritical: "🚨",
}

// markdownV2 escapes the characters Telegram reserves in MarkdownV2.
var markdownV2 = strings.NewReplacer(
	`\`, `\\`, "_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// renderTelegram formats an alert as a MarkdownV2 message with fields in
// key order.
func renderTelegram(a Alert) string {
	badge, ok := levelBadge[a.Level]
	if !ok {
		badge = levelBadge[AlertInfo]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n%s", badge, markdownV2.Replace(a.Title), markdownV2.Replace(a.Message))

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: `%s`", markdownV2.Replace(k), markdownV2.Replace(a.Fields[k]))
	}
	return b.String()
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	reply, err := t.post.post(ctx, url, nil, map[string]any{
		"chat_id":    t.chatID,
		"text":       renderTelegram(alert),
		"parse_mode": "MarkdownV2",
	})
	if err != nil {
		return err
	}

	var res struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if json.Unmarshal(reply, &res) == nil && !res.OK {
		return fmt.Errorf("telegram: %s", res.Description)
	}
	log.Debug().Str("component", "notify").Str("title", alert.Title).Msg("telegram alert sent")
	return nil
}
