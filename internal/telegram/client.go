// Package telegram is a small Bot API client covering what the relay uses:
// sending alerts, long-polling updates, editing vote keyboards and
// answering callback queries.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unclebandit/alert-relay/internal/model"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	defaultTimeout = 15 * time.Second
	// pollGrace is added to the long-poll timeout for the HTTP round trip.
	pollGrace = 10 * time.Second
)

// AllowedUpdates are the update kinds requested from getUpdates.
var AllowedUpdates = []string{"message", "channel_post", "callback_query"}

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	// RetryAfter is set when Telegram asks the caller to back off.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %s)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Client talks to the Bot API over HTTP.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API host. Tests use an httptest server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage sends an HTML alert with optional link annotations and inline
// keyboard, and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, links []model.LinkAnnotation, kb model.Keyboard) (int64, error) {
	req := map[string]any{
		"chat_id":                  chatID,
		"text":                     ApplyLinks(text, links),
		"parse_mode":               ParseModeHTML,
		"disable_web_page_preview": true,
	}
	if len(kb) > 0 {
		req["reply_markup"] = inlineKeyboardMarkup{InlineKeyboard: kb}
	}

	var msg Message
	if err := c.call(ctx, "sendMessage", req, &msg, defaultTimeout); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// SendText sends a plain reply, used for command responses.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	req := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	return c.call(ctx, "sendMessage", req, nil, defaultTimeout)
}

// EditMessageReplyMarkup replaces the inline keyboard of a sent message.
// Telegram's "message is not modified" answer is not an error here.
func (c *Client) EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, kb model.Keyboard) error {
	req := map[string]any{
		"chat_id":      chatID,
		"message_id":   messageID,
		"reply_markup": inlineKeyboardMarkup{InlineKeyboard: kb},
	}
	err := c.call(ctx, "editMessageReplyMarkup", req, nil, defaultTimeout)
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return nil
	}
	return err
}

// AnswerCallbackQuery acknowledges a button press with a short notice.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	req := map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	}
	return c.call(ctx, "answerCallbackQuery", req, nil, defaultTimeout)
}

// GetUpdates long-polls for updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	req := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": AllowedUpdates,
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", req, &updates, timeout+pollGrace); err != nil {
		return nil, err
	}
	return updates, nil
}

// DeleteWebhook removes any webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": false}, nil, defaultTimeout)
}

// GetMe returns the bot account, used to strip @BotName from commands.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", map[string]any{}, &u, defaultTimeout); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) call(ctx context.Context, method string, payload any, out any, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: marshal: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Strip the URL, it carries the bot token.
		return fmt.Errorf("telegram %s: %w", method, unwrapURLError(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w", method, err)
	}

	var r apiResponse[json.RawMessage]
	if err := json.Unmarshal(raw, &r); err != nil {
		return &APIError{Method: method, Code: resp.StatusCode, Description: "undecodable response: " + err.Error()}
	}
	if !r.OK {
		apiErr := &APIError{Method: method, Code: r.ErrorCode, Description: r.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if r.Parameters != nil && r.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

// unwrapURLError drops the *url.Error wrapper, whose message includes the
// request URL and therefore the token.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
