// Package httpx holds the outbound HTTP plumbing shared by upstream clients.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// StatusError is returned for responses with status >= 400.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Retrier sends requests, retrying transient failures (network errors,
// 429 and 5xx responses) with exponential backoff.
type Retrier struct {
	Client      *http.Client
	MaxAttempts int
	Backoff     time.Duration
	// Limiter, when set, paces every attempt.
	Limiter *rate.Limiter
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error)
}

func NewRetrier(timeout time.Duration, rps float64) *Retrier {
	r := &Retrier{Client: &http.Client{Timeout: timeout}, MaxAttempts: 4, Backoff: 200 * time.Millisecond}
	if rps > 0 {
		r.Limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	return r
}

func (r *Retrier) do(req *http.Request) (*http.Response, error) {
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// Do builds a fresh request per attempt with makeReq and returns the first
// successful response. The caller closes the body.
func (r *Retrier) Do(ctx context.Context, makeReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := r.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := makeReq(ctx)
		if err != nil {
			return nil, fmt.Errorf("make request: %w", err)
		}
		resp, err := r.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !Retryable(err) || attempt == attempts || ctx.Err() != nil {
			return nil, lastErr
		}
		if r.OnRetry != nil {
			r.OnRetry(attempt, err)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
