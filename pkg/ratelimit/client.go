package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ErrRateLimited is returned when the portal keeps answering 429 after every
// retry was spent.
var ErrRateLimited = errors.New("rate limit exceeded")

// Doer abstracts *http.Client for tests.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// RetryConfig bounds the 429 retry loop.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second}
}

// Request is a replayable portal request. Keeping the body as bytes lets the
// retry loop rebuild the http.Request on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Target string // collector key for quota tracking
}

// Client sends portal requests through a circuit breaker, honoring observed
// quota before sending and retrying 429 responses with backoff.
type Client struct {
	hc      Doer
	tracker *Tracker
	breaker *gobreaker.CircuitBreaker
	cfg     RetryConfig
}

func NewClient(hc Doer, tracker *Tracker, cfg RetryConfig) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if tracker == nil {
		tracker = NewTracker(DefaultThreshold)
	}
	if cfg.MaxRetries <= 0 {
		cfg = DefaultRetryConfig()
	}
	cbs := gobreaker.Settings{
		Name:     "portal-http",
		Interval: 1 * time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &Client{
		hc:      hc,
		tracker: tracker,
		breaker: gobreaker.NewCircuitBreaker(cbs),
		cfg:     cfg,
	}
}

// Tracker exposes the quota tracker feeding this client.
func (c *Client) Tracker() *Tracker { return c.tracker }

// Do sends req, updating quota state from every response. 429 responses are
// retried up to MaxRetries times; any transport failure propagates
// immediately. The returned response body is the caller's to close.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.BaseDelay,
		MaxInterval:         c.cfg.MaxDelay,
		Multiplier:          2,
		RandomizationFactor: 0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	for attempt := 0; ; attempt++ {
		if wait := c.tracker.WaitTime(req.Target); wait > 0 {
			if wait > c.cfg.MaxDelay {
				wait = c.cfg.MaxDelay
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		resp, err := c.send(ctx, req)
		if err != nil {
			return nil, err
		}
		c.tracker.Observe(req.Target, resp.Header)

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		delay := c.retryDelay(req.Target, resp, bo)
		resp.Body.Close()
		if attempt >= c.cfg.MaxRetries {
			return nil, fmt.Errorf("%w for %s after %d attempts", ErrRateLimited, req.Target, attempt+1)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) send(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.hc.Do(httpReq)
	})
	if err != nil {
		return nil, fmt.Errorf("portal request %s %s: %w", req.Method, req.URL, err)
	}
	return res.(*http.Response), nil
}

// retryDelay picks the hold-off after a 429: Retry-After wins, then the
// observed window reset, then exponential backoff. Always capped at MaxDelay.
func (c *Client) retryDelay(target string, resp *http.Response, bo *backoff.ExponentialBackOff) time.Duration {
	next := bo.NextBackOff()
	if next == backoff.Stop || next > c.cfg.MaxDelay {
		next = c.cfg.MaxDelay
	}
	delay := next

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
		delay = time.Duration(secs) * time.Second
	} else if st, ok := c.tracker.State(target); ok && st.ResetEpoch != nil {
		if until := time.UnixMilli(*st.ResetEpoch).Sub(time.Now()); until > 0 {
			delay = until
		}
	}
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
