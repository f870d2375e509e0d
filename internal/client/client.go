package client

import (
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

	"github.com/sirupsen/logrus"

	"querydesk/api/internal/bus"
	"querydesk/api/internal/query"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultAttempts = 3
	DefaultBackoff  = 500 * time.Millisecond
)

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status  int             `json:"-"`
	Code    string          `json:"code"`
	Message string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
}

var errDecode = errors.New("decode response")

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Temporary() bool { return e.Status >= http.StatusInternalServerError }

type Client struct {
	baseURL  string
	token    string
	device   string
	http     *http.Client
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	logger   logrus.FieldLogger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithDevice(device string) Option { return func(c *Client) { c.device = device } }

func WithLogger(logger logrus.FieldLogger) Option { return func(c *Client) { c.logger = logger } }

// WithRetry overrides the per-attempt timeout, attempt count and first
// backoff delay.
func WithRetry(timeout time.Duration, attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
		c.attempts = attempts
		c.backoff = backoff
	}
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{},
		timeout:  DefaultTimeout,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	return c
}

type CreateRequest struct {
	AppNo        string   `json:"appNo"`
	Queries      []string `json:"queries"`
	SendTo       []string `json:"sendTo"`
	CustomerName string   `json:"customerName,omitempty"`
	Branch       string   `json:"branch,omitempty"`
}

type WriteResponse struct {
	Group    query.QueryGroup `json:"group"`
	ItemID   string           `json:"itemId,omitempty"`
	Rollup   string           `json:"rollup,omitempty"`
	Degraded bool             `json:"degraded"`
}

func (c *Client) CreateQuery(ctx context.Context, req CreateRequest) (WriteResponse, error) {
	var out WriteResponse
	err := c.do(ctx, http.MethodPost, "/api/queries", req, &out)
	return out, err
}

type UpdateRequest struct {
	QueryID           string `json:"queryId"`
	OriginalQueryID   string `json:"originalQueryId,omitempty"`
	IsIndividualQuery bool   `json:"isIndividualQuery"`
	Status            string `json:"status,omitempty"`
	ResolutionReason  string `json:"resolutionReason,omitempty"`
	MarkedForTeam     string `json:"markedForTeam,omitempty"`
	Message           string `json:"message,omitempty"`
}

func (c *Client) UpdateQuery(ctx context.Context, req UpdateRequest) (WriteResponse, error) {
	var out WriteResponse
	err := c.do(ctx, http.MethodPost, "/api/queries/update", req, &out)
	return out, err
}

type ListOptions struct {
	Status   string
	Team     string
	Branches string
	AppNo    string
}

func (c *Client) ListQueries(ctx context.Context, opts ListOptions) ([]query.QueryGroup, error) {
	values := url.Values{}
	setIf(values, "status", opts.Status)
	setIf(values, "team", opts.Team)
	setIf(values, "branches", opts.Branches)
	setIf(values, "appNo", opts.AppNo)
	var out struct {
		Groups []query.QueryGroup `json:"groups"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("/api/queries", values), nil, &out)
	return out.Groups, err
}

type PollResponse struct {
	Events []bus.Event `json:"events"`
	Cursor time.Time   `json:"cursor"`
}

// Poll reads replay events strictly newer than since.
func (c *Client) Poll(ctx context.Context, team string, since time.Time, limit int) (PollResponse, error) {
	values := url.Values{}
	setIf(values, "team", team)
	if !since.IsZero() {
		values.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var out PollResponse
	err := c.do(ctx, http.MethodGet, withQuery("/api/updates", values), nil, &out)
	return out, err
}

// do sends one logical request. Each attempt gets its own timeout; timeouts,
// transport failures and 5xx responses are retried with doubling backoff.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = raw
	}

	delay := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(ctx, err) || attempt == c.attempts {
			break
		}

		c.logger.WithFields(logrus.Fields{
			"method":  method,
			"path":    path,
			"attempt": attempt,
			"sleep":   delay.String(),
			"error":   err.Error(),
		}).Warn("request failed; retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.device != "" {
		req.Header.Set("X-Device-ID", c.device)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	return nil
}

// retryable is false for 4xx, undecodable bodies and cancellation of the
// caller's own context.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, errDecode) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

func setIf(values url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		values.Set(key, value)
	}
}

func withQuery(path string, values url.Values) string {
	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}
