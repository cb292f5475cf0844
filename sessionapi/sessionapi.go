/*
Package sessionapi talks to the REST side of the realtime server. A realtime connection needs a
session id, and this is where one comes from.
*/
package sessionapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"commxr.com/rtclient/connection/httpclient"
	"commxr.com/rtclient/logger"
)

const (
	sessionsEndpoint = "api/sessions"
	healthEndpoint   = "api/health"
)

type Session struct {
	Id        string     `json:"id"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type Health struct {
	Status         string `json:"status"`
	ModelReachable bool   `json:"model_reachable"`
}

// APIError is any answer outside of 2xx. Detail is the server's explanation when it gave one.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("session api responded %d", e.StatusCode)
	}
	return fmt.Sprintf("session api responded %d: %s", e.StatusCode, e.Detail)
}

type Client struct {
	logger  *logger.Logger
	baseUrl string
	token   string

	// how long requests are retried for, zero only tries once
	retryFor time.Duration
}

func New(logger *logger.Logger, baseUrl string, token string, retryFor time.Duration) (*Client, error) {
	u, err := url.ParseRequestURI(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid session api url %q: %w", baseUrl, err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("session api url must be http or https, got %q", u.Scheme)
	}

	return &Client{
		logger:   logger,
		baseUrl:  baseUrl,
		token:    token,
		retryFor: retryFor,
	}, nil
}

// Start creates a new session owned by the caller
func (c *Client) Start(ctx context.Context) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, sessionsEndpoint, &session)
	if err == nil {
		c.logger.Infof("Started session %s", session.Id)
	}
	return session, err
}

func (c *Client) Get(ctx context.Context, sessionId string) (Session, error) {
	var session Session
	if sessionId == "" {
		return session, fmt.Errorf("cannot look up a session without an id")
	}
	err := c.do(ctx, http.MethodGet, path.Join(sessionsEndpoint, sessionId), &session)
	return session, err
}

func (c *Client) End(ctx context.Context, sessionId string) (Session, error) {
	var session Session
	if sessionId == "" {
		return session, fmt.Errorf("cannot end a session without an id")
	}
	err := c.do(ctx, http.MethodPost, path.Join(sessionsEndpoint, sessionId, "end"), &session)
	if err == nil {
		c.logger.Infof("Ended session %s", session.Id)
	}
	return session, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	err := c.do(ctx, http.MethodGet, healthEndpoint, &health)
	return health, err
}

func (c *Client) do(ctx context.Context, method string, endpoint string, into interface{}) error {
	headers := http.Header{
		"Accept": {"application/json"},
	}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	options := httpclient.HTTPOptions{
		Endpoint: endpoint,
		Headers:  headers,
	}

	var client *httpclient.HttpClient
	var err error
	if c.retryFor > 0 {
		client, err = httpclient.NewWithBackoff(c.logger, c.baseUrl, options, c.retryFor)
	} else {
		client, err = httpclient.New(c.logger, c.baseUrl, options)
	}
	if err != nil {
		return err
	}

	var response *http.Response
	switch method {
	case http.MethodGet:
		response, err = client.Get(ctx)
	case http.MethodPost:
		response, err = client.Post(ctx)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}

	if response == nil {
		return err
	}
	defer response.Body.Close()

	if err != nil {
		return &APIError{StatusCode: response.StatusCode, Detail: readDetail(response.Body)}
	}

	if err := json.NewDecoder(response.Body).Decode(into); err != nil {
		return fmt.Errorf("malformed %s %s response: %w", method, endpoint, err)
	}
	return nil
}

// The server answers errors with {"detail": ...}; validation failures carry a list instead of
// a string, which is kept as raw JSON
func readDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || len(payload.Detail) == 0 {
		return string(raw)
	}

	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err != nil {
		return string(payload.Detail)
	}
	return detail
}
