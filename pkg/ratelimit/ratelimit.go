// Package ratelimit tracks per-collector API quota from response headers and
// wraps portal HTTP calls with proactive throttling, 429 retries and a
// circuit breaker.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Header names the portal attaches to every response.
const (
	HeaderRemaining = "X-Rate-Limit-Remaining"
	HeaderLimit     = "X-Rate-Limit-Limit"
	HeaderReset     = "X-Rate-Limit-Reset" // epoch seconds
)

// DefaultThreshold is the remaining-request count at which we start waiting
// for the window to reset before sending.
const DefaultThreshold = 2

// State is the last observed quota for one collector. All fields are nil
// until the corresponding header has been seen.
type State struct {
	Remaining  *int
	Limit      *int
	ResetEpoch *int64 // milliseconds
}

// Tracker keeps per-collector rate-limit state. Every response overwrites the
// collector's state wholesale; values are never merged across responses.
type Tracker struct {
	mu        sync.Mutex
	states    map[string]State
	threshold int
	now       func() time.Time
}

func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		states:    make(map[string]State),
		threshold: threshold,
		now:       time.Now,
	}
}

// Observe records the quota headers of a response for target. Runs on every
// response regardless of status.
func (t *Tracker) Observe(target string, h http.Header) {
	st := State{}
	if v, err := strconv.Atoi(h.Get(HeaderRemaining)); err == nil {
		st.Remaining = &v
	}
	if v, err := strconv.Atoi(h.Get(HeaderLimit)); err == nil {
		st.Limit = &v
	}
	if v, err := strconv.ParseInt(h.Get(HeaderReset), 10, 64); err == nil {
		ms := v * 1000
		st.ResetEpoch = &ms
	}
	t.mu.Lock()
	t.states[target] = st
	t.mu.Unlock()
}

// WaitTime returns how long to hold off before the next request to target:
// positive only when the window is nearly exhausted and its reset is still in
// the future.
func (t *Tracker) WaitTime(target string) time.Duration {
	t.mu.Lock()
	st := t.states[target]
	t.mu.Unlock()

	if st.Remaining == nil || *st.Remaining > t.threshold || st.ResetEpoch == nil {
		return 0
	}
	until := time.UnixMilli(*st.ResetEpoch).Sub(t.now())
	if until <= 0 {
		return 0
	}
	return until
}

// State returns the last observed quota for target, if any.
func (t *Tracker) State(target string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[target]
	return st, ok
}
