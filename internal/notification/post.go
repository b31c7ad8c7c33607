package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const sendTimeout = 10 * time.Second

// poster POSTs JSON bodies for one alert channel.
type poster struct {
	channel string
	client  *http.Client
}

func newPoster(channel string) poster {
	return poster{channel: channel, client: &http.Client{Timeout: sendTimeout}}
}

// post sends body to url and returns the response body for 2xx replies.
func (p poster) post(ctx context.Context, url string, header http.Header, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", p.channel, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%s: request: %w", p.channel, err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: send: %w", p.channel, err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return reply, fmt.Errorf("%s: status %d", p.channel, resp.StatusCode)
	}
	return reply, nil
}
