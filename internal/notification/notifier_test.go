package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failing struct{ calls int }

func (f *failing) Send(context.Context, Alert) error {
	f.calls++
	return errors.New("down")
}

func TestMulti_SendsToAllAndJoinsErrors(t *testing.T) {
	a, b := &failing{}, &failing{}
	err := Multi{a, NewLogNotifier(), b}.Send(context.Background(), Alert{Level: AlertCritical, Title: "x"})
	require.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestWebhook_PostsAlert(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{
		Level: AlertCritical, Title: "ledger write failed", Message: "reconcile",
		Fields: map[string]string{"broker_order_id": "B1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "CRITICAL", got["level"])
	assert.NotEmpty(t, got["id"])
	assert.Equal(t, "B1", got["fields"].(map[string]any)["broker_order_id"])
}

func TestTelegram_EscapesAndFails(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		text, _ = body["text"].(string)
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.apiBase = srv.URL
	require.NoError(t, n.Send(context.Background(), Alert{Level: AlertWarning, Title: "a.b", Message: "x-y"}))
	assert.Contains(t, text, `a\.b`)
	assert.Contains(t, text, `x\-y`)

	srv.Close()
	assert.Error(t, n.Send(context.Background(), Alert{Title: "t"}))
}

func TestTelegram_RejectedByAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.apiBase = srv.URL
	err := n.Send(context.Background(), Alert{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestRenderTelegram_SortsFields(t *testing.T) {
	out := renderTelegram(Alert{Level: AlertCritical, Title: "T", Message: "m",
		Fields: map[string]string{"b": "2", "a": "1"}})
	assert.Less(t, strings.Index(out, "a:"), strings.Index(out, "b:"))
	assert.True(t, strings.HasPrefix(out, "🚨"))
}

func TestWebhook_IdempotencyHeader(t *testing.T) {
	var key string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Title: "x"}))
	assert.Equal(t, got["id"], key)
}

func TestWebhook_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
