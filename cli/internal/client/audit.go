package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Event mirrors the audit event as served by the admin API.
type Event struct {
	ID              string         `json:"id,omitempty" yaml:"id,omitempty"`
	CorrelationID   string         `json:"correlationId,omitempty" yaml:"correlationId,omitempty"`
	EventType       string         `json:"eventType" yaml:"eventType"`
	Username        string         `json:"username" yaml:"username"`
	EventName       string         `json:"eventName" yaml:"eventName"`
	ApplicationName string         `json:"applicationName" yaml:"applicationName"`
	EventBody       map[string]any `json:"eventBody,omitempty" yaml:"eventBody,omitempty"`
	Timestamp       time.Time      `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

type EventPage struct {
	Events     []Event `json:"events" yaml:"events"`
	Page       int     `json:"page" yaml:"page"`
	Size       int     `json:"size" yaml:"size"`
	Total      int64   `json:"total" yaml:"total"`
	TotalPages int     `json:"totalPages" yaml:"totalPages"`
}

type Notification struct {
	Username  string    `json:"username" yaml:"username"`
	Title     string    `json:"title" yaml:"title"`
	Message   string    `json:"message" yaml:"message"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// EventQuery holds the list/count filters. EventName and Username wrapped
// in "%" match as substrings.
type EventQuery struct {
	EventName string
	Username  string
	Period    string
	Page      int
	Size      int
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	set := func(k, s string) {
		if s != "" {
			v.Set(k, s)
		}
	}
	set("eventName", q.EventName)
	set("username", q.Username)
	set("period", q.Period)
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Size > 0 {
		v.Set("size", strconv.Itoa(q.Size))
	}
	return v
}

// APIError is a non-2xx answer of the admin API.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d)", e.Code, e.Status)
}

// AuditClient talks to the audit admin API.
type AuditClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAuditClient creates a client for baseURL. token may be empty when the
// server runs with auth disabled.
func NewAuditClient(baseURL, token string) *AuditClient {
	return &AuditClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Client exposes the underlying http.Client for specialized calls.
func (c *AuditClient) Client() *http.Client { return c.client }

func (c *AuditClient) ListEvents(ctx context.Context, q EventQuery) (*EventPage, error) {
	var page EventPage
	if err := c.get(ctx, "/audit/events", q.values(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *AuditClient) CountEvents(ctx context.Context, q EventQuery) (int64, error) {
	var resp struct {
		Count int64 `json:"count"`
	}
	if err := c.get(ctx, "/audit/events/count", q.values(), &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *AuditClient) GetEvent(ctx context.Context, id string) (*Event, error) {
	var e Event
	if err := c.get(ctx, "/audit/events/"+url.PathEscape(id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Notifications returns the stored notifications of the last week for
// username, including broadcast ones.
func (c *AuditClient) Notifications(ctx context.Context, username string) ([]Event, error) {
	var events []Event
	if err := c.get(ctx, "/audit/notifications", url.Values{"username": {username}}, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ServiceStats is the decoded /audit/stats document.
type ServiceStats map[string]any

func (c *AuditClient) Stats(ctx context.Context) (ServiceStats, error) {
	var out ServiceStats
	if err := c.get(ctx, "/audit/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendEvent posts e to the HTTP ingress. notify selects /audit/notify.
func (c *AuditClient) SendEvent(ctx context.Context, e Event, notify bool) (json.RawMessage, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	path := "/audit/events"
	if notify {
		path = "/audit/notify"
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out json.RawMessage
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch follows the notification stream until ctx ends or the server closes
// it, calling fn for each notification.
func (c *AuditClient) Watch(ctx context.Context, username string, fn func(Notification)) error {
	var q url.Values
	if username != "" {
		q = url.Values{"username": {username}}
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/audit/notifications/stream", q, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// the stream outlives the request timeout
	stream := &http.Client{Transport: c.client.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	err = readEvents(resp.Body, func(event, data string) error {
		switch event {
		case "notification":
			var n Notification
			if err := json.Unmarshal([]byte(data), &n); err != nil {
				return fmt.Errorf("decode notification: %w", err)
			}
			fn(n)
		case "close":
			return io.EOF
		}
		return nil
	})
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents parses a text/event-stream body. Comment lines are skipped.
func readEvents(r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 || event != "" {
				if event == "" {
					event = "message"
				}
				if err := fn(event, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

func (c *AuditClient) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *AuditClient) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *AuditClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
