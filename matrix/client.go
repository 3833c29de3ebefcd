// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/matriisi/matriisi/lib/clock"
	"github.com/matriisi/matriisi/lib/netutil"
	"github.com/matriisi/matriisi/lib/ref"
)

// Default retry tuning. The floor doubles per attempt up to the cap;
// a 429 with a server-specified window overrides the computed delay.
const (
	defaultMaxAttempts    = 4
	defaultBackoffFloor   = time.Second
	defaultBackoffCap     = 60 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// syncPath is exempt from RequestTimeout: the long poll is expected to
// hold the connection open for its full server-side timeout.
const syncPath = "/_matrix/client/v3/sync"

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver
	// (e.g., "https://matrix.example.org").
	HomeserverURL string

	// HTTPClient is used for all requests. If nil, a client with an
	// HTTP/2-enabled transport is constructed, so the long poll and
	// concurrent sends multiplex over one connection.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Clock drives retry back-off waits. If nil, clock.Real() is used.
	// Tests inject clock.Fake() for deterministic back-off timing.
	Clock clock.Clock

	// MaxAttempts bounds how many times a request is tried before the
	// transport gives up. Zero uses the default of 4.
	MaxAttempts int

	// BackoffFloor is the delay before the first retry. Zero uses 1s.
	BackoffFloor time.Duration

	// BackoffCap is the maximum delay between retries. Zero uses 60s.
	BackoffCap time.Duration

	// RequestTimeout bounds each individual attempt of a request. The
	// /sync long poll is exempt. Zero uses 30s; negative disables the
	// bound entirely.
	RequestTimeout time.Duration
}

// Client is an unauthenticated Matrix client.
// It holds the homeserver URL, HTTP transport, and retry policy,
// shared across Sessions.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	logger         *slog.Logger
	clock          clock.Clock
	maxAttempts    int
	backoffFloor   time.Duration
	backoffCap     time.Duration
	requestTimeout time.Duration
}

// NewClient creates a new unauthenticated Matrix client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("matrix: HomeserverURL is required")
	}

	// Validate the URL structure. We store the string form (with trailing
	// slash stripped) and build request URLs by direct concatenation. This
	// avoids double-encoding issues with Go's url.URL.String(), which
	// re-encodes Path even when RawPath is set if it doesn't consider
	// RawPath a valid encoding of Path.
	if _, err := url.Parse(config.HomeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("matrix: configuring HTTP/2 transport: %w", err)
		}
		httpClient = &http.Client{Transport: transport}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoffFloor := config.BackoffFloor
	if backoffFloor <= 0 {
		backoffFloor = defaultBackoffFloor
	}
	backoffCap := config.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}
	requestTimeout := config.RequestTimeout
	switch {
	case requestTimeout == 0:
		requestTimeout = defaultRequestTimeout
	case requestTimeout < 0:
		requestTimeout = 0
	}

	return &Client{
		baseURL:        strings.TrimRight(config.HomeserverURL, "/"),
		httpClient:     httpClient,
		logger:         logger,
		clock:          clk,
		maxAttempts:    maxAttempts,
		backoffFloor:   backoffFloor,
		backoffCap:     backoffCap,
		requestTimeout: requestTimeout,
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a network disruption to
// force subsequent requests to establish fresh TCP connections instead
// of reusing a poisoned pooled connection.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// ServerVersions returns the Matrix protocol versions and unstable features
// supported by the homeserver. This is an unauthenticated endpoint — useful
// for checking whether the homeserver is reachable and what it supports.
func (c *Client) ServerVersions(ctx context.Context) (*ServerVersionsResponse, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/versions", "", nil)
	if err != nil {
		return nil, fmt.Errorf("matrix: server versions failed: %w", err)
	}

	var response ServerVersionsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse versions response: %w", err)
	}
	return &response, nil
}

// Login authenticates with username and password, returning a Session.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	if username == "" {
		return nil, fmt.Errorf("matrix: username is required for login")
	}
	if password == "" {
		return nil, fmt.Errorf("matrix: password is required for login")
	}

	loginRequest := LoginRequest{
		Type:                     "m.login.password",
		User:                     username,
		Password:                 password,
		InitialDeviceDisplayName: "matriisi",
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/login", "", loginRequest)
	if err != nil {
		return nil, fmt.Errorf("matrix: login failed: %w", err)
	}

	var authResponse AuthResponse
	if err := json.Unmarshal(body, &authResponse); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse login response: %w", err)
	}

	c.logger.Info("logged in to matrix",
		"user_id", authResponse.UserID,
		"device_id", authResponse.DeviceID,
	)

	return &Session{
		client:      c,
		accessToken: authResponse.AccessToken,
		userID:      authResponse.UserID,
		deviceID:    authResponse.DeviceID,
	}, nil
}

// SessionFromToken creates a Session from an existing access token.
// This does NOT validate the token — the first API call will fail if
// invalid (use Session.WhoAmI to check). userID must be the
// fully-qualified Matrix user ID (e.g., "@bot:example.org").
func (c *Client) SessionFromToken(userID ref.UserID, accessToken string) *Session {
	return &Session{
		client:      c,
		accessToken: accessToken,
		userID:      userID,
	}
}

// doRequest performs an HTTP request to the homeserver with bounded
// retry and returns the response body.
//
// Retryable failures are network errors, 429 rate limits, and 5xx
// server errors; between attempts the transport waits with exponential
// back-off (floor doubling to cap, jittered), except that a 429 with a
// server-specified window waits exactly that long. Other 4xx responses
// are terminal and returned as *APIError immediately. A token
// rejection (M_UNKNOWN_TOKEN, M_MISSING_TOKEN) is terminal and matches
// ErrReauthRequired.
//
// When the retry budget is exhausted, the final error is wrapped as
// *TransportError, or *RateLimitError if every attempt was answered
// with 429.
//
// accessToken may be empty for unauthenticated endpoints.
// query may be omitted for endpoints without query parameters.
func (c *Client) doRequest(ctx context.Context, method, path string, accessToken string, requestBody any, query ...url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 && query[0] != nil {
		requestURL += "?" + query[0].Encode()
	}

	// Encode once; each attempt gets a fresh reader over the same bytes.
	var encoded []byte
	if requestBody != nil {
		var err error
		encoded, err = json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("matrix: failed to encode request body: %w", err)
		}
	}

	var lastErr error
	rateLimitedOnly := true
	var lastRetryAfter time.Duration
	longPoll := path == syncPath

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt, lastRetryAfter)
			c.logger.Debug("retrying matrix request",
				"method", method,
				"path", path,
				"attempt", attempt+1,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clock.After(delay):
			}
		}

		body, err := c.doRequestOnce(ctx, method, requestURL, accessToken, encoded, longPoll)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusTooManyRequests {
				lastRetryAfter = apiErr.RetryAfter
				continue
			}
			if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
				// Client error: terminal. Token rejections match
				// ErrReauthRequired via APIError.Is.
				return nil, err
			}
			// 5xx: retryable.
			rateLimitedOnly = false
			lastRetryAfter = 0
			continue
		}

		if ctx.Err() != nil {
			return nil, err
		}

		// Network failure (connection refused, reset, timeout): retryable.
		rateLimitedOnly = false
		lastRetryAfter = 0
	}

	if rateLimitedOnly {
		return nil, &RateLimitError{
			Attempts:   c.maxAttempts,
			RetryAfter: lastRetryAfter,
			Err:        lastErr,
		}
	}
	return nil, &TransportError{Attempts: c.maxAttempts, Err: lastErr}
}

// doRequestOnce performs a single HTTP attempt. On 2xx, returns the
// body. On 4xx/5xx, returns a *APIError.
func (c *Client) doRequestOnce(ctx context.Context, method, requestURL, accessToken string, encoded []byte, longPoll bool) ([]byte, error) {
	if c.requestTimeout > 0 && !longPoll {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if encoded != nil {
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to create request: %w", err)
	}

	if encoded != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("matrix: request to %s failed: %w", method, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		responseBody, err := netutil.ReadResponse(response.Body)
		if err != nil {
			return nil, fmt.Errorf("matrix: failed to read response body: %w", err)
		}
		return responseBody, nil
	}

	return nil, decodeErrorResponse(response)
}

// decodeErrorResponse turns a non-2xx response into a *APIError,
// consuming the body. All Matrix error responses use the same JSON
// shape; a non-JSON body (e.g., a reverse proxy error page) produces
// an APIError with an empty code so the status-based retry policy
// still applies.
func decodeErrorResponse(response *http.Response) *APIError {
	body := []byte(netutil.ErrorBody(response.Body))
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == "" && apiErr.Message == "" {
		apiErr = APIError{Message: strings.TrimSpace(string(body))}
	}
	apiErr.StatusCode = response.StatusCode
	apiErr.RetryAfter = retryAfterWindow(response, body)
	return &apiErr
}

// retryAfterWindow extracts the server-requested back-off from a 429
// response: retry_after_ms in the body takes precedence, then the
// Retry-After header (whole seconds). Zero when unspecified.
func retryAfterWindow(response *http.Response, body []byte) time.Duration {
	if response.StatusCode != http.StatusTooManyRequests {
		return 0
	}

	var limited struct {
		RetryAfterMS int64 `json:"retry_after_ms"`
	}
	if err := json.Unmarshal(body, &limited); err == nil && limited.RetryAfterMS > 0 {
		return time.Duration(limited.RetryAfterMS) * time.Millisecond
	}

	if header := response.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// retryDelay computes the wait before retry number attempt (1-based).
// A server-specified 429 window is honored exactly; otherwise
// exponential back-off from the floor, capped, with jitter in the
// upper half to spread reconnection stampedes.
func (c *Client) retryDelay(attempt int, serverWindow time.Duration) time.Duration {
	if serverWindow > 0 {
		return serverWindow
	}

	delay := c.backoffFloor << (attempt - 1)
	if delay > c.backoffCap || delay <= 0 {
		delay = c.backoffCap
	}
	half := delay / 2
	return half + rand.N(half+1)
}
