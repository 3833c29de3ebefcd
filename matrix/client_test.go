// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matriisi/matriisi/lib/clock"
	"github.com/matriisi/matriisi/lib/ref"
	"github.com/matriisi/matriisi/lib/testutil"
)

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:8008"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client == nil {
			t.Fatal("NewClient returned nil")
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		_, err := NewClient(ClientConfig{})
		if err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewClient(ClientConfig{HomeserverURL: "://invalid"})
		if err == nil {
			t.Fatal("expected error for invalid URL")
		}
	})

	t.Run("trailing slash stripped", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:8008/"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.baseURL != "http://localhost:8008" {
			t.Errorf("baseURL = %q, want trailing slash stripped", client.baseURL)
		}
	})
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/login" {
			t.Errorf("unexpected path: %s", request.URL.Path)
			writer.WriteHeader(http.StatusNotFound)
			return
		}

		var body LoginRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode login request: %v", err)
		}
		if body.Type != "m.login.password" {
			t.Errorf("unexpected login type: %s", body.Type)
		}
		if body.User != "alice" || body.Password != "password123" {
			t.Errorf("unexpected credentials: %s / %s", body.User, body.Password)
		}

		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{
			"user_id":      "@alice:test.local",
			"access_token": "syt_alice_token",
			"device_id":    "DEVICE1",
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	session, err := client.Login(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if session.UserID().String() != "@alice:test.local" {
		t.Errorf("user ID = %q, want @alice:test.local", session.UserID())
	}
	if session.AccessToken() != "syt_alice_token" {
		t.Errorf("access token = %q", session.AccessToken())
	}
	if session.DeviceID() != "DEVICE1" {
		t.Errorf("device ID = %q", session.DeviceID())
	}
}

func TestLoginMissingCredentials(t *testing.T) {
	client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:8008"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.Login(context.Background(), "", "pw"); err == nil {
		t.Error("expected error for empty username")
	}
	if _, err := client.Login(context.Background(), "alice", ""); err == nil {
		t.Error("expected error for empty password")
	}
}

// TestRetryHonorsRetryAfter verifies that 429 responses carrying a
// server back-off window pause exactly that long before the next
// attempt, for each consecutive 429.
func TestRetryHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if calls.Add(1) <= 3 {
			writer.Header().Set("Content-Type", "application/json")
			writer.Header().Set("Retry-After", "2")
			writer.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(writer).Encode(map[string]any{
				"errcode":        "M_LIMIT_EXCEEDED",
				"error":          "Too Many Requests",
				"retry_after_ms": 2000,
			})
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{"versions": []string{"v1.11"}})
	}))
	defer server.Close()

	fake := clock.Fake(time.Unix(1700000000, 0))
	client, err := NewClient(ClientConfig{
		HomeserverURL: server.URL,
		Clock:         fake,
		MaxAttempts:   4,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	type result struct {
		versions *ServerVersionsResponse
		err      error
	}
	done := make(chan result, 1)
	go func() {
		versions, err := client.ServerVersions(context.Background())
		done <- result{versions, err}
	}()

	// Three rate-limited attempts, each followed by exactly the
	// server-specified 2s window. Advancing by less than the window
	// must not release the retry.
	for i := 0; i < 3; i++ {
		fake.WaitForTimers(1)
		fake.Advance(1500 * time.Millisecond)
		select {
		case r := <-done:
			t.Fatalf("request completed before back-off window elapsed: %+v", r)
		default:
		}
		fake.Advance(500 * time.Millisecond)
	}

	r := testutil.RequireReceive(t, done, 5*time.Second, "retried request result")
	if r.err != nil {
		t.Fatalf("request failed after retries: %v", r.err)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("server saw %d calls, want 4", got)
	}
	if elapsed := fake.Now().Sub(time.Unix(1700000000, 0)); elapsed < 6*time.Second {
		t.Errorf("elapsed fake time %s, want at least 6s of back-off", elapsed)
	}
}

// TestRetryExhaustedRateLimit verifies a persistent 429 surfaces as
// *RateLimitError rather than *TransportError.
func TestRetryExhaustedRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(writer).Encode(map[string]any{
			"errcode":        "M_LIMIT_EXCEEDED",
			"error":          "slow down",
			"retry_after_ms": 100,
		})
	}))
	defer server.Close()

	fake := clock.Fake(time.Unix(1700000000, 0))
	client, err := NewClient(ClientConfig{
		HomeserverURL: server.URL,
		Clock:         fake,
		MaxAttempts:   3,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := client.ServerVersions(context.Background())
		done <- err
	}()

	for i := 0; i < 2; i++ {
		fake.WaitForTimers(1)
		fake.Advance(100 * time.Millisecond)
	}

	err = testutil.RequireReceive(t, done, 5*time.Second, "exhausted request error")
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("error = %v, want *RateLimitError", err)
	}
	if rateErr.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rateErr.Attempts)
	}
	if rateErr.RetryAfter != 100*time.Millisecond {
		t.Errorf("retry after = %s, want 100ms", rateErr.RetryAfter)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != ErrCodeLimitExceeded {
		t.Errorf("underlying error = %v, want M_LIMIT_EXCEEDED APIError", err)
	}
}

// TestRetryServerErrors verifies 5xx responses are retried with
// back-off and eventually surface as *TransportError.
func TestRetryServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
		writer.WriteHeader(http.StatusBadGateway)
		writer.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	fake := clock.Fake(time.Unix(1700000000, 0))
	client, err := NewClient(ClientConfig{
		HomeserverURL: server.URL,
		Clock:         fake,
		MaxAttempts:   3,
		BackoffFloor:  time.Second,
		BackoffCap:    4 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := client.ServerVersions(context.Background())
		done <- err
	}()

	// Jittered delays never exceed the exponential step, so advancing
	// by the full step releases each retry.
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	fake.WaitForTimers(1)
	fake.Advance(2 * time.Second)

	err = testutil.RequireReceive(t, done, 5*time.Second, "exhausted request error")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if transportErr.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", transportErr.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}

	// The non-JSON 502 body still produced a status-coded APIError.
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("underlying error = %v, want 502 APIError", err)
	}
}

// TestClientErrorsTerminal verifies 4xx responses other than 429 are
// returned immediately without retry.
func TestClientErrorsTerminal(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusForbidden)
		json.NewEncoder(writer).Encode(map[string]any{
			"errcode": "M_FORBIDDEN",
			"error":   "You are not invited to this room.",
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.ServerVersions(context.Background())
	if !IsAPIError(err, ErrCodeForbidden) {
		t.Fatalf("error = %v, want M_FORBIDDEN APIError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1 (no retry on 4xx)", got)
	}
}

// TestReauthRequired verifies token rejection matches ErrReauthRequired.
func TestReauthRequired(t *testing.T) {
	for _, code := range []string{ErrCodeUnknownToken, ErrCodeMissingToken} {
		t.Run(code, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				writer.Header().Set("Content-Type", "application/json")
				writer.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(writer).Encode(map[string]any{
					"errcode": code,
					"error":   "token rejected",
				})
			}))
			defer server.Close()

			client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
			if err != nil {
				t.Fatalf("NewClient failed: %v", err)
			}

			_, err = client.ServerVersions(context.Background())
			if !errors.Is(err, ErrReauthRequired) {
				t.Errorf("error = %v, want match for ErrReauthRequired", err)
			}
		})
	}
}

// TestRetryCancellation verifies a canceled context aborts the
// back-off wait promptly.
func TestRetryCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fake := clock.Fake(time.Unix(1700000000, 0))
	client, err := NewClient(ClientConfig{
		HomeserverURL: server.URL,
		Clock:         fake,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.ServerVersions(ctx)
		done <- err
	}()

	// Cancel while the transport waits out the first back-off.
	fake.WaitForTimers(1)
	cancel()

	err = testutil.RequireReceive(t, done, 5*time.Second, "canceled request error")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestRetryDelayJitterBounds(t *testing.T) {
	client, err := NewClient(ClientConfig{
		HomeserverURL: "http://localhost:8008",
		BackoffFloor:  time.Second,
		BackoffCap:    8 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	tests := []struct {
		attempt int
		window  time.Duration
		min     time.Duration
		max     time.Duration
	}{
		{attempt: 1, min: 500 * time.Millisecond, max: time.Second},
		{attempt: 2, min: time.Second, max: 2 * time.Second},
		{attempt: 4, min: 4 * time.Second, max: 8 * time.Second},
		{attempt: 10, min: 4 * time.Second, max: 8 * time.Second}, // capped
		{attempt: 3, window: 2 * time.Second, min: 2 * time.Second, max: 2 * time.Second},
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			delay := client.retryDelay(tt.attempt, tt.window)
			if delay < tt.min || delay > tt.max {
				t.Fatalf("retryDelay(%d, %s) = %s, want in [%s, %s]",
					tt.attempt, tt.window, delay, tt.min, tt.max)
			}
		}
	}
}

// TestRequestTimeoutBoundsAttempts verifies the per-attempt deadline
// fails a slow ordinary request while leaving the /sync long poll free
// to hold its connection open.
func TestRequestTimeoutBoundsAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writer.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(request.URL.Path, "/sync") {
			io.WriteString(writer, `{"next_batch":"s1"}`)
			return
		}
		io.WriteString(writer, `{"versions":["v1.8"]}`)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		HomeserverURL:  server.URL,
		RequestTimeout: 50 * time.Millisecond,
		MaxAttempts:    1,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.ServerVersions(context.Background()); err == nil {
		t.Error("slow non-sync request succeeded, want a deadline failure")
	}

	session := client.SessionFromToken(ref.MustParseUserID("@bot:test.local"), "syt_test_token")
	response, err := session.Sync(context.Background(), SyncOptions{})
	if err != nil {
		t.Fatalf("long poll hit the per-attempt bound: %v", err)
	}
	if response.NextBatch != "s1" {
		t.Errorf("NextBatch = %q, want s1", response.NextBatch)
	}
}
