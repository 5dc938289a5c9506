package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"chat-sync/internal/models"
)

// APIError is a non-2xx answer from the chat API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api: status %d", e.Status)
	}
	return fmt.Sprintf("chat api: status %d: %s", e.Status, e.Message)
}

// Config tunes the HTTP client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client talks to the conversation REST surface.
type Client struct {
	base  string
	http  *retryablehttp.Client
	token func() string
}

// New builds a Client. token is called for every request so credential
// changes apply without rebuilding the client.
func New(cfg Config, token func() string) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = zerologAdapter{}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.RetryMax > 0 {
		rc.RetryMax = cfg.RetryMax
	}
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		http:  rc,
		token: token,
	}
}

// ListConversations returns the viewer's conversations, optionally scoped
// to one event.
func (c *Client) ListConversations(ctx context.Context, eventID string) ([]models.Conversation, error) {
	q := url.Values{}
	if eventID != "" {
		q.Set("eventId", eventID)
	}
	var out struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, "rest.list_conversations", http.MethodGet, "/api/chats", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// CreateOrFindConversation resolves the conversation of a participant set.
func (c *Client) CreateOrFindConversation(ctx context.Context, req models.CreateConversationRequest) (models.Conversation, error) {
	var out struct {
		Conversation models.Conversation `json:"conversation"`
	}
	if err := c.do(ctx, "rest.create_conversation", http.MethodPost, "/api/chats", nil, req, &out); err != nil {
		return models.Conversation{}, err
	}
	return out.Conversation, nil
}

// FetchMessages loads one page of history older than before.
func (c *Client) FetchMessages(ctx context.Context, conversationID, before string, limit int) (models.MessagePage, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page models.MessagePage
	path := "/api/chats/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "rest.fetch_messages", http.MethodGet, path, q, nil, &page); err != nil {
		return models.MessagePage{}, err
	}
	return page, nil
}

// MarkRead records that the viewer has read the conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/chats/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, "rest.mark_read", http.MethodPut, path, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	ctx, span := otel.Tracer("chat-sync/restclient").Start(ctx, op)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		payload = bytes.NewReader(raw)
	}

	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var errBody struct {
			Error string `json:"error"`
		}
		if data, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); rerr == nil {
			if json.Unmarshal(data, &errBody) == nil {
				apiErr.Message = errBody.Error
			}
		}
		span.SetStatus(codes.Error, apiErr.Error())
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "decode response")
	}
	return nil
}
