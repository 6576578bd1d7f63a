package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"ecoroute/internal/httpx"
	"ecoroute/internal/metrics"
)

// Follower keeps one upstream SSE connection open.
type Follower struct {
	URL    string
	Client *http.Client
	// Prepare, when set, decorates each connect request (auth headers).
	Prepare func(*http.Request)

	MinBackoff time.Duration
	MaxBackoff time.Duration
	// A connection that stayed up this long resets the backoff.
	HealthyAfter time.Duration

	Log logrus.FieldLogger
}

func NewFollower(url string, log logrus.FieldLogger) *Follower {
	return &Follower{
		URL:          url,
		Client:       &http.Client{},
		MinBackoff:   500 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
		HealthyAfter: 30 * time.Second,
		Log:          log,
	}
}

// Run connects, hands every frame to fn and reconnects after failures. It
// returns ctx.Err() once ctx is done.
func (f *Follower) Run(ctx context.Context, fn func(Frame)) error {
	backoff := f.MinBackoff
	log := f.Log.WithField("url", f.URL)
	attempt := 0
	for {
		start := time.Now()
		err := f.once(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) >= f.HealthyAfter {
			backoff = f.MinBackoff
			attempt = 0
		}
		attempt++
		metrics.StreamReconnects.Inc()
		log.WithFields(logrus.Fields{"attempt": attempt, "backoff": backoff.String()}).WithError(err).Warn("upstream stream dropped")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > f.MaxBackoff {
			backoff = f.MaxBackoff
		}
	}
}

var errStreamEnded = errors.New("stream ended")

func (f *Follower) once(ctx context.Context, fn func(Frame)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if f.Prepare != nil {
		f.Prepare(req)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &httpx.StatusError{Code: resp.StatusCode, Body: resp.Status}
	}
	if err := Parse(resp.Body, fn); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errStreamEnded
}
