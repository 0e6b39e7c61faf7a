package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrDispatch marks a notifier delivery failure: network error or a
// non-2xx response.
var ErrDispatch = errors.New("dispatch failed")

// Notifier posts alert messages to the delivery endpoint.
type Notifier struct {
	url    string
	chatID string
}

func NewNotifier(url, chatID string) *Notifier {
	return &Notifier{url: url, chatID: chatID}
}

type sendRequest struct {
	ChatID  string   `json:"chat_id"`
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons"`
}

// Send delivers one payload using the caller's HTTP client, so workers
// reuse their own pooled connections.
func (n *Notifier) Send(ctx context.Context, client *http.Client, p *Payload) error {
	body, err := json.Marshal(sendRequest{
		ChatID:  n.chatID,
		Text:    p.Text(),
		Buttons: p.Buttons(),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrDispatch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: notifier http %d", ErrDispatch, resp.StatusCode)
	}
	return nil
}
