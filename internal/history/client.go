package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/whirlpool-im/whirlpool/internal/chat"
)

// Defaults for skip/paging when the caller passes zero values.
const (
	DefaultSkip   = 0
	DefaultPaging = 30
)

// ErrUnavailable wraps any transport-level failure of a history fetch.
// Callers treat it as "no messages this time" and retry on the next sync.
var ErrUnavailable = errors.New("history: fetch failed")

// Client fetches one page of past messages for a room. Pages are returned
// oldest -> newest so they can be prepended to a store as-is.
type Client interface {
	FetchMessages(ctx context.Context, room string, skip, paging int) ([]*chat.Message, error)
}

// HTTPClient talks to the chat server's history endpoint.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type wirePage []struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Username  string `json:"username"`
	AvatarURL string `json:"userImageUrl"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id"`
	Room      string `json:"room"`
}

func (c *HTTPClient) FetchMessages(ctx context.Context, room string, skip, paging int) ([]*chat.Message, error) {
	if c.Client == nil {
		return nil, errors.New("history: http client is nil")
	}
	if paging <= 0 {
		paging = DefaultPaging
	}
	if skip < 0 {
		skip = DefaultSkip
	}

	endpoint := fmt.Sprintf("%s/chat/getMessages?room=%s&skip=%d&paging=%d",
		c.BaseURL, url.QueryEscape(room), skip, paging)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var page wirePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make([]*chat.Message, 0, len(page))
	for _, w := range page {
		out = append(out, &chat.Message{
			MessageID: w.MessageID,
			SessionID: w.SessionID,
			Text:      w.Text,
			Username:  w.Username,
			AvatarURL: w.AvatarURL,
			Room:      w.Room,
			Timestamp: w.Timestamp,
		})
	}
	return out, nil
}
