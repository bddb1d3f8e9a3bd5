// Package api is the client side of the backend REST API used when the
// real-time channel is unavailable or the quiz is self-paced.
package api

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

	"quizsync/internal/domain"
)

// Client calls the session server's REST endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-2xx response. It unwraps to ErrDuplicateSubmission for
// 409 and to ErrRejected for other 4xx statuses.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusConflict:
		return domain.ErrDuplicateSubmission
	case e.Status >= 400 && e.Status < 500:
		return domain.ErrRejected
	}
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Questions pulls the participant view of the quiz behind pin.
func (c *Client) Questions(ctx context.Context, pin string) ([]domain.Question, error) {
	var out []domain.Question
	err := c.do(ctx, http.MethodGet, "/api/pins/"+url.PathEscape(pin)+"/questions", nil, &out)
	return out, err
}

// SubmitSurvey posts a batched submission.
func (c *Client) SubmitSurvey(ctx context.Context, pin string, batch domain.BatchSubmission) error {
	return c.do(ctx, http.MethodPost, "/api/pins/"+url.PathEscape(pin)+"/submissions", batch, nil)
}

// Results reads the aggregated results of a session.
func (c *Client) Results(ctx context.Context, sessionID int64) ([]domain.ResultSnapshot, error) {
	var out []domain.ResultSnapshot
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+strconv.FormatInt(sessionID, 10)+"/results", nil, &out)
	return out, err
}

// CreateSession opens a session for quizID.
func (c *Client) CreateSession(ctx context.Context, quizID string) (domain.Session, error) {
	var out domain.Session
	err := c.do(ctx, http.MethodPost, "/api/sessions", map[string]string{"quizId": quizID}, &out)
	return out, err
}

// StartSession lets participants join sessionID.
func (c *Client) StartSession(ctx context.Context, sessionID int64) (domain.Session, error) {
	var out domain.Session
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+strconv.FormatInt(sessionID, 10)+"/start", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &StatusError{Status: resp.StatusCode, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
