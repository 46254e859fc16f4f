// Package jobclient drives the portal's asynchronous debug API: submit a
// command to a collector, then poll the returned session until it completes.
package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stevevillardi/lmda-composer-sub000/internal/creds"
	"github.com/stevevillardi/lmda-composer-sub000/internal/lg"
	"github.com/stevevillardi/lmda-composer-sub000/pkg/ratelimit"
)

var (
	// ErrAuthMissing maps a 401: no usable credential reached the portal.
	ErrAuthMissing = errors.New("authentication missing")
	// ErrAuthExpired maps a 403: the session token is no longer valid.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrProtocol covers any unexpected portal response.
	ErrProtocol = errors.New("unexpected portal response")
	// ErrJobFailed carries a collector-side execution failure.
	ErrJobFailed = errors.New("job failed")
	// ErrPollTimeout fires when the attempt budget is exhausted while the job
	// is still pending.
	ErrPollTimeout = errors.New("timed out waiting for job completion")
)

const (
	headerVersion     = "X-Version"
	headerRequestedBy = "X-Requested-By"
	versionValue      = "3"
	requestedByValue  = "lmda-composer"
)

// Target identifies one collector behind one portal.
type Target struct {
	Portal      string
	CollectorID int
}

// String is the per-target key used for quota tracking and result maps.
func (t Target) String() string { return fmt.Sprintf("%s/%d", t.Portal, t.CollectorID) }

// Config bounds the poll loop. Total wait is MaxPollAttempts * PollInterval.
type Config struct {
	MaxPollAttempts int
	PollInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{MaxPollAttempts: 120, PollInterval: 2 * time.Second}
}

// ProgressFunc reports poll progress as (attempt, maxAttempts).
type ProgressFunc func(attempt, max int)

// Client submits debug commands and polls their sessions through the
// rate-limit-aware portal client.
type Client struct {
	http *ratelimit.Client
	cfg  Config
}

func New(rl *ratelimit.Client, cfg Config) *Client {
	if cfg.MaxPollAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Client{http: rl, cfg: cfg}
}

type submitBody struct {
	Cmdline string `json:"cmdline"`
}

type sessionBody struct {
	SessionID    int64   `json:"sessionId"`
	Output       *string `json:"output"`
	ErrorMessage string  `json:"errorMessage"`
}

// Submit posts a command to the collector's debug console and returns the
// session id to poll.
func (c *Client) Submit(ctx context.Context, t Target, cmd string, cred creds.Credential) (int64, error) {
	payload, err := json.Marshal(submitBody{Cmdline: cmd})
	if err != nil {
		return 0, fmt.Errorf("encode command: %w", err)
	}
	url := fmt.Sprintf("%s/debug?collectorId=%d&v=1", baseURL(t.Portal), t.CollectorID)
	resp, err := c.http.Do(ctx, ratelimit.Request{
		Method: http.MethodPost,
		URL:    url,
		Header: authHeaders(cred, true),
		Body:   payload,
		Target: t.String(),
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read submit response: %w", err)
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return 0, fmt.Errorf("submit to collector %d: %w", t.CollectorID, err)
	}

	var sess sessionBody
	if err := json.Unmarshal(body, &sess); err != nil {
		return 0, fmt.Errorf("%w: decode submit response: %v", ErrProtocol, err)
	}
	return sess.SessionID, nil
}

// PollResult is one observation of a job: pending until Done, then Output.
type PollResult struct {
	Done   bool
	Output string
}

// Poll fetches the current state of a debug session. A 202 means the
// collector has not finished; a 200 carries the output (absent field means
// empty output).
func (c *Client) Poll(ctx context.Context, t Target, sessionID int64, cred creds.Credential) (PollResult, error) {
	url := fmt.Sprintf("%s/debug/%d?collectorId=%d&v=1", baseURL(t.Portal), sessionID, t.CollectorID)
	resp, err := c.http.Do(ctx, ratelimit.Request{
		Method: http.MethodGet,
		URL:    url,
		Header: authHeaders(cred, false),
		Target: t.String(),
	})
	if err != nil {
		return PollResult{}, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		return PollResult{}, fmt.Errorf("read poll response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		return PollResult{}, nil
	case http.StatusOK:
		var sess sessionBody
		if err := json.Unmarshal(body, &sess); err != nil {
			return PollResult{}, fmt.Errorf("%w: decode poll response: %v", ErrProtocol, err)
		}
		out := ""
		if sess.Output != nil {
			out = *sess.Output
		}
		return PollResult{Done: true, Output: out}, nil
	case http.StatusUnauthorized:
		return PollResult{}, ErrAuthMissing
	case http.StatusForbidden:
		return PollResult{}, ErrAuthExpired
	default:
		return PollResult{}, fmt.Errorf("%w: %s", ErrJobFailed, errorMessage(resp.StatusCode, body))
	}
}

// ExecuteAndPoll submits cmd and polls until completion, failure,
// cancellation or the attempt budget runs out. Cancellation is checked before
// the submit, before every poll, and wakes the inter-poll sleep early.
func (c *Client) ExecuteAndPoll(ctx context.Context, t Target, cmd string, cred creds.Credential, onProgress ProgressFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	logger := lg.FromContext(ctx).With(lg.String("target", t.String()))

	sessionID, err := c.Submit(ctx, t, cmd, cred)
	if err != nil {
		return "", err
	}
	logger.Debug("debug session submitted", lg.Int64("session", sessionID))

	for attempt := 1; attempt <= c.cfg.MaxPollAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if onProgress != nil {
			onProgress(attempt, c.cfg.MaxPollAttempts)
		}

		res, err := c.Poll(ctx, t, sessionID, cred)
		if err != nil {
			return "", err
		}
		if res.Done {
			logger.Debug("debug session complete", lg.Int("attempts", attempt))
			return res.Output, nil
		}

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", fmt.Errorf("%w: session %d still pending after %d attempts", ErrPollTimeout, sessionID, c.cfg.MaxPollAttempts)
}

func authHeaders(cred creds.Credential, withBody bool) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cred.Token)
	h.Set(headerVersion, versionValue)
	h.Set(headerRequestedBy, requestedByValue)
	if withBody {
		h.Set("Content-Type", "application/json")
	}
	return h
}

func baseURL(portal string) string {
	if strings.HasPrefix(portal, "http://") || strings.HasPrefix(portal, "https://") {
		return strings.TrimSuffix(portal, "/") + "/santaba/rest"
	}
	return "https://" + portal + "/santaba/rest"
}

func statusError(status int, body []byte) error {
	switch status {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusUnauthorized:
		return ErrAuthMissing
	case http.StatusForbidden:
		return ErrAuthExpired
	default:
		return fmt.Errorf("%w: %s", ErrProtocol, errorMessage(status, body))
	}
}

func errorMessage(status int, body []byte) string {
	var parsed struct {
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.ErrorMessage != "" {
		return parsed.ErrorMessage
	}
	return fmt.Sprintf("status %d", status)
}

func readBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 4<<20))
}
