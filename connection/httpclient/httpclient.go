package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"commxr.com/rtclient/logger"
	"github.com/cenkalti/backoff"
)

const (
	httpTimeout = time.Second * 30
)

type HTTPOptions struct {
	Endpoint string
	Body     []byte
	Headers  http.Header
	Params   url.Values
}

// StatusError is returned alongside the response when the server answers outside of 2xx. The
// response body is left unread for the caller.
type StatusError struct {
	Method     string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed with status %s", e.Method, e.Status)
}

// HttpClient makes one request and can be executed repeatedly, the body is resent every time
type HttpClient struct {
	logger *logger.Logger

	backoffParams *backoff.ExponentialBackOff

	targetUrl string
	body      []byte
	headers   http.Header
	params    url.Values
}

func New(
	logger *logger.Logger,
	serviceUrl string,
	options HTTPOptions,
) (*HttpClient, error) {

	combo, err := url.ParseRequestURI(serviceUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid service url %q: %w", serviceUrl, err)
	}
	if options.Endpoint != "" {
		combo.Path = path.Join("/", combo.Path, options.Endpoint)
	}

	if options.Headers == nil {
		options.Headers = http.Header{}
	}

	if options.Params == nil {
		options.Params = url.Values{}
	}

	return &HttpClient{
		logger:    logger,
		targetUrl: combo.String(),
		body:      options.Body,
		headers:   options.Headers,
		params:    options.Params,
	}, nil
}

// NewWithBackoff retries transport failures and 5xx answers until maxElapsed has passed. Any
// other answer is returned straight away.
func NewWithBackoff(
	logger *logger.Logger,
	serviceUrl string,
	options HTTPOptions,
	maxElapsed time.Duration,
) (*HttpClient, error) {
	client, err := New(logger, serviceUrl, options)
	if err != nil {
		return nil, err
	}

	// Ref: https://github.com/cenkalti/backoff/blob/a78d3804c2c84f0a3178648138442c9b07665bda/exponential.go#L76
	// DefaultInitialInterval     = 500 * time.Millisecond
	// DefaultRandomizationFactor = 0.5
	// DefaultMultiplier          = 1.5
	// DefaultMaxInterval         = 60 * time.Second
	backoffParams := backoff.NewExponentialBackOff()
	backoffParams.MaxInterval = 10 * time.Second
	backoffParams.MaxElapsedTime = maxElapsed

	client.backoffParams = backoffParams
	return client, nil
}

func (h *HttpClient) Post(ctx context.Context) (*http.Response, error) {
	return h.execute(http.MethodPost, ctx)
}

func (h *HttpClient) Patch(ctx context.Context) (*http.Response, error) {
	return h.execute(http.MethodPatch, ctx)
}

func (h *HttpClient) Get(ctx context.Context) (*http.Response, error) {
	return h.execute(http.MethodGet, ctx)
}

func (h *HttpClient) execute(method string, ctx context.Context) (*http.Response, error) {
	// If there is no backoff, then only execute request once
	if h.backoffParams == nil {
		return h.request(method, ctx)
	}

	// Keep looping through our ticker, waiting for it to tell us when to retry
	ticker := backoff.NewTicker(h.backoffParams)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled before successful http response: %w", ctx.Err())
		case _, ok := <-ticker.C:
			if !ok {
				return nil, fmt.Errorf("failed to get successful http response after %s: %w", h.backoffParams.MaxElapsedTime.Round(time.Second), lastErr)
			}

			response, err := h.request(method, ctx)
			if !retryable(response, err) {
				return response, err
			}

			if response != nil {
				response.Body.Close()
			}
			lastErr = err
			h.logger.Errorf("Retrying %s %s: %s", method, h.targetUrl, err)
		}
	}
}

func retryable(response *http.Response, err error) bool {
	if err == nil {
		return false
	}
	return response == nil || response.StatusCode >= http.StatusInternalServerError
}

func (h *HttpClient) request(method string, ctx context.Context) (*http.Response, error) {
	// Make our Client
	client := http.Client{
		Timeout: httpTimeout,
	}

	var body io.Reader
	if h.body != nil {
		body = bytes.NewReader(h.body)
	}

	// Build our Request
	request, err := http.NewRequestWithContext(ctx, method, h.targetUrl, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	request.Header = h.headers.Clone()

	// Add params to request URL
	request.URL.RawQuery = h.params.Encode()

	// Make our Request
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}

	// Check if request was successful
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return response, &StatusError{Method: method, StatusCode: response.StatusCode, Status: response.Status}
	}

	return response, nil
}
