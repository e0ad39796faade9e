// ABOUTME: Telegram Bot API client: sendMessage, setWebhook, deleteWebhook, getUpdates.
// ABOUTME: Outbound calls are throttled with x/time/rate; production uses a safeurl client.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"golang.org/x/time/rate"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// maxResponseBytes caps how much of a Bot API response is read.
const maxResponseBytes = 4 << 20

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// response is the Bot API envelope.
type response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// Client calls the Bot API for one bot token.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient returns a Client for token against apiURL (DefaultAPIURL when
// empty). perSecond bounds outbound calls; zero or less means unlimited.
func NewClient(apiURL, token string, httpClient *http.Client, perSecond float64) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Client{
		baseURL: strings.TrimRight(apiURL, "/") + "/bot" + token,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// BuildSafeClient returns an SSRF-safe *http.Client for production Bot API
// calls. Redirect following is disabled; the timeout covers a long poll of
// longPoll plus 10 seconds.
func BuildSafeClient(longPoll time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(10*time.Second + longPoll).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// SendMessage posts text to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	err := c.call(ctx, "sendMessage", map[string]any{"chat_id": chatID, "text": text}, nil)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "telegram message sent", "chat_id", chatID)
	return nil
}

// SetWebhook registers url as the update webhook. A non-empty secret is sent
// back by Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	params := map[string]any{"url": url}
	if secret != "" {
		params["secret_token"] = secret
	}
	if err := c.call(ctx, "setWebhook", params, nil); err != nil {
		return err
	}
	slog.InfoContext(ctx, "telegram webhook set", "url", url)
	return nil
}

// DeleteWebhook removes the webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	if err := c.call(ctx, "deleteWebhook", nil, nil); err != nil {
		return err
	}
	slog.InfoContext(ctx, "telegram webhook deleted")
	return nil
}

// GetUpdates returns updates with id >= offset, holding the request open for
// up to timeout when none are pending.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := map[string]any{"offset": offset}
	if secs := int(timeout / time.Second); secs > 0 {
		params["timeout"] = secs
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// call POSTs params as JSON to method and decodes the result into out (if
// non-nil).
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}

	var body io.Reader = http.NoBody
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req) //nolint:gosec // G107: base URL comes from config, never from user input
	if err != nil {
		// The request URL embeds the bot token; report only the cause.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var r response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&r); err != nil {
		return fmt.Errorf("telegram %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !r.OK {
		code := r.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: r.Description}
	}
	if out != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}
