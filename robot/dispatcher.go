// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/matriisi/matriisi/lib/clock"
	"github.com/matriisi/matriisi/matrix"
)

// Priority classes for outbound requests. Interactive requests are
// always drained before background ones.
type Priority int

const (
	// PriorityBackground covers housekeeping traffic: read receipts,
	// typing notifications, presence.
	PriorityBackground Priority = iota
	// PriorityInteractive covers traffic a human is waiting on:
	// messages, joins, invites.
	PriorityInteractive
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ErrQueueFull is delivered when a priority queue is at capacity.
var ErrQueueFull = errors.New("robot: dispatcher queue full")

// RequestFunc performs one homeserver request.
type RequestFunc func(ctx context.Context) (any, error)

// RequestResult carries the outcome of a dispatched request.
type RequestResult struct {
	Value any
	Err   error
}

type pendingRequest struct {
	do     RequestFunc
	result chan RequestResult
}

const (
	defaultRequestsPerSecond = 5
	defaultBurst             = 10
	defaultQueueDepth        = 64
)

// DispatcherConfig controls outbound request scheduling.
type DispatcherConfig struct {
	// RequestsPerSecond is the steady-state budget shared by both
	// priority classes. Zero means defaultRequestsPerSecond.
	RequestsPerSecond float64

	// Burst is the token bucket size. Zero means defaultBurst.
	Burst int

	// QueueDepth bounds each priority queue. Zero means
	// defaultQueueDepth.
	QueueDepth int

	Logger *slog.Logger
	Clock  clock.Clock
}

// Dispatcher serializes outbound requests through a shared rate
// limiter. When the homeserver rate-limits a request past the
// transport's own retries, the dispatcher pauses both queues for the
// server's stated window before sending anything else.
type Dispatcher struct {
	limiter     *rate.Limiter
	interactive chan *pendingRequest
	background  chan *pendingRequest
	logger      *slog.Logger
	clock       clock.Clock

	mu          sync.Mutex
	pausedUntil time.Time
}

func NewDispatcher(config DispatcherConfig) *Dispatcher {
	perSecond := config.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = defaultRequestsPerSecond
	}
	burst := config.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	depth := config.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Dispatcher{
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		interactive: make(chan *pendingRequest, depth),
		background:  make(chan *pendingRequest, depth),
		logger:      logger,
		clock:       clk,
	}
}

// Submit enqueues a request and returns a channel that receives
// exactly one result. A full queue or canceled context resolves the
// result immediately without contacting the homeserver.
func (d *Dispatcher) Submit(ctx context.Context, priority Priority, do RequestFunc) <-chan RequestResult {
	request := &pendingRequest{
		do:     do,
		result: make(chan RequestResult, 1),
	}

	queue := d.background
	if priority == PriorityInteractive {
		queue = d.interactive
	}

	select {
	case queue <- request:
	case <-ctx.Done():
		request.result <- RequestResult{Err: ctx.Err()}
	default:
		d.logger.Warn("dispatcher queue full, rejecting request",
			"priority", priority.String(),
		)
		request.result <- RequestResult{Err: ErrQueueFull}
	}
	return request.result
}

// Execute is Submit followed by a wait for the result.
func (d *Dispatcher) Execute(ctx context.Context, priority Priority, do RequestFunc) (any, error) {
	select {
	case result := <-d.Submit(ctx, priority, do):
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drains the queues until ctx is canceled. Run returns nil on
// cancellation; pending requests resolve with the context error.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		request, ok := d.next(ctx)
		if !ok {
			d.drain(ctx)
			return nil
		}

		if err := d.waitPaused(ctx); err != nil {
			request.result <- RequestResult{Err: err}
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			request.result <- RequestResult{Err: err}
			continue
		}

		value, err := request.do(ctx)
		if window := rateLimitWindow(err); window > 0 {
			d.logger.Warn("homeserver rate limit, pausing dispatcher",
				"window", window,
			)
			d.pause(window)
		}
		request.result <- RequestResult{Value: value, Err: err}
	}
}

// next returns the next request, preferring interactive work whenever
// any is queued.
func (d *Dispatcher) next(ctx context.Context) (*pendingRequest, bool) {
	select {
	case request := <-d.interactive:
		return request, true
	default:
	}
	select {
	case request := <-d.interactive:
		return request, true
	case request := <-d.background:
		return request, true
	case <-ctx.Done():
		return nil, false
	}
}

// drain resolves everything still queued after shutdown so no caller
// blocks forever on a result channel.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case request := <-d.interactive:
			request.result <- RequestResult{Err: ctx.Err()}
		case request := <-d.background:
			request.result <- RequestResult{Err: ctx.Err()}
		default:
			return
		}
	}
}

func (d *Dispatcher) pause(window time.Duration) {
	until := d.clock.Now().Add(window)
	d.mu.Lock()
	if until.After(d.pausedUntil) {
		d.pausedUntil = until
	}
	d.mu.Unlock()
}

func (d *Dispatcher) waitPaused(ctx context.Context) error {
	d.mu.Lock()
	remaining := d.pausedUntil.Sub(d.clock.Now())
	d.mu.Unlock()
	if remaining <= 0 {
		return nil
	}
	select {
	case <-d.clock.After(remaining):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rateLimitWindow extracts the server's requested pause from a request
// error, or 0 when the error is not a rate limit.
func rateLimitWindow(err error) time.Duration {
	var rateLimited *matrix.RateLimitError
	if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 {
		return rateLimited.RetryAfter
	}
	var apiErr *matrix.APIError
	if errors.As(err, &apiErr) && apiErr.Code == matrix.ErrCodeLimitExceeded && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	return 0
}
