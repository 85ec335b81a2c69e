package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"embercast-live/internal/chat"
)

// RateLimitedError reports a rejected send along with the remaining window.
type RateLimitedError struct {
	ResetIn time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("client: rate limited, retry in %s", e.ResetIn.Round(time.Millisecond))
}

// SendResult is the acknowledgment for a committed message.
type SendResult struct {
	MessageID string
	Remaining int
}

// Client speaks the chat HTTP surface: token-authenticated sends, transcript
// pagination, and the live event stream.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient wraps the chat endpoints rooted at baseURL using a channel-scoped
// chat token. A nil httpClient falls back to http.DefaultClient.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

type sendRequest struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

type sendResponse struct {
	Success   bool    `json:"success"`
	MessageID string  `json:"messageId"`
	Remaining int     `json:"remaining"`
	Error     string  `json:"error"`
	ResetIn   float64 `json:"resetIn"`
}

// Send posts a message and returns the server acknowledgment. Rejections map
// back onto the commit pipeline sentinels; rate limiting surfaces as a
// *RateLimitedError carrying the window reset.
func (c *Client) Send(ctx context.Context, message string) (SendResult, error) {
	body, err := json.Marshal(sendRequest{Token: c.token, Message: message})
	if err != nil {
		return SendResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/messages", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	var decoded sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode == http.StatusOK {
		return SendResult{}, fmt.Errorf("client: decode send response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return SendResult{}, &RateLimitedError{ResetIn: time.Duration(decoded.ResetIn * float64(time.Second))}
	}
	if resp.StatusCode != http.StatusOK {
		return SendResult{}, statusError(resp.StatusCode, decoded.Error)
	}
	return SendResult{MessageID: decoded.MessageID, Remaining: decoded.Remaining}, nil
}

type historyMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// History fetches a reverse-chronological transcript page. A non-empty before
// cursor restricts the page to messages strictly older than that id.
func (c *Client) History(ctx context.Context, channelID, before string, limit int) ([]chat.MessageEvent, error) {
	endpoint := fmt.Sprintf("%s/api/chat/channels/%s/messages", c.baseURL, url.PathEscape(channelID))
	query := url.Values{}
	if before != "" {
		query.Set("before", before)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, readErrorBody(resp.Body))
	}

	var page []historyMessage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("client: decode history page: %w", err)
	}
	out := make([]chat.MessageEvent, 0, len(page))
	for _, raw := range page {
		created, err := time.Parse(time.RFC3339Nano, raw.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("client: parse message timestamp: %w", err)
		}
		out = append(out, chat.MessageEvent{
			ID:        raw.ID,
			ChannelID: raw.ChannelID,
			UserID:    raw.UserID,
			Content:   raw.Content,
			CreatedAt: created,
		})
	}
	return out, nil
}

// Stream opens the live event stream and forwards decoded events until the
// connection drops or ctx is cancelled. Keep-alive comments are consumed
// silently. The returned channel closes when the stream ends.
func (c *Client) Stream(ctx context.Context) (<-chan chat.Event, error) {
	endpoint := c.baseURL + "/api/chat/stream?token=" + url.QueryEscape(c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp.StatusCode, readErrorBody(resp.Body))
	}

	events := make(chan chat.Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event chat.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func readErrorBody(r io.Reader) string {
	var decoded errorBody
	if err := json.NewDecoder(r).Decode(&decoded); err != nil {
		return ""
	}
	return decoded.Error
}

// statusError translates the send endpoint's status contract back into the
// sentinels the rest of the codebase matches on.
func statusError(status int, detail string) error {
	var sentinel error
	switch status {
	case http.StatusBadRequest:
		sentinel = chat.ErrValidation
	case http.StatusUnauthorized:
		sentinel = chat.ErrTokenInvalid
	case http.StatusPaymentRequired:
		sentinel = chat.ErrInsufficientCredits
	case http.StatusForbidden:
		sentinel = chat.ErrRestricted
	case http.StatusNotFound:
		sentinel = chat.ErrNotFound
	default:
		return fmt.Errorf("client: unexpected status %d: %s", status, detail)
	}
	if detail == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, detail)
}
