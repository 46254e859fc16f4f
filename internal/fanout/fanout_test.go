package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevevillardi/lmda-composer-sub000/internal/creds"
	"github.com/stevevillardi/lmda-composer-sub000/internal/jobclient"
	"github.com/stevevillardi/lmda-composer-sub000/internal/registry"
	"github.com/stevevillardi/lmda-composer-sub000/pkg/ratelimit"
)

type tokenProvider struct{ token string }

func (p *tokenProvider) GetToken(context.Context, string) (creds.Credential, error) {
	return creds.Credential{Token: p.token, AcquiredAt: time.Now()}, nil
}
func (p *tokenProvider) RefreshToken(context.Context, string) (creds.Credential, error) {
	return creds.Credential{Token: p.token, AcquiredAt: time.Now()}, nil
}
func (p *tokenProvider) Rediscover(context.Context) error { return nil }

func newCoordinator(srv *httptest.Server, provider creds.Provider) *Coordinator {
	rl := ratelimit.NewClient(srv.Client(), nil,
		ratelimit.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	jc := jobclient.New(rl, jobclient.Config{MaxPollAttempts: 50, PollInterval: 5 * time.Millisecond})
	return New(jc, provider, registry.New(), 4)
}

// fanoutServer routes by collectorId: collector 2 fails its submit, the rest
// complete with a per-collector output.
func fanoutServer() *httptest.Server {
	var nextID int64 = 10
	var mu sync.Mutex
	sessions := map[string]string{} // session id -> collector id
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.URL.Query().Get("collectorId")
		if r.Method == http.MethodPost {
			if cid == "2" {
				w.WriteHeader(http.StatusBadGateway)
				json.NewEncoder(w).Encode(map[string]any{"errorMessage": "collector 2 unreachable"})
				return
			}
			id := atomic.AddInt64(&nextID, 1)
			mu.Lock()
			sessions[cid] = "out-" + cid
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"sessionId": id})
			return
		}
		mu.Lock()
		out := sessions[cid]
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"output": out})
	}))
}

func TestExecuteDebugCommandIndependentFailures(t *testing.T) {
	srv := fanoutServer()
	defer srv.Close()

	c := newCoordinator(srv, &tokenProvider{token: "tok"})

	var mu sync.Mutex
	completed := map[int]Result{}
	results := c.ExecuteDebugCommand(context.Background(), Request{
		Portal:       srv.URL,
		CollectorIDs: []int{1, 2, 3},
		Cmd:          "!tlist",
		Named:        map[string]string{"c": "snmp"},
	}, nil, func(cid int, res Result) {
		mu.Lock()
		completed[cid] = res
		mu.Unlock()
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, "out-1", results[1].Output)
	assert.NoError(t, results[3].Err)
	assert.Equal(t, "out-3", results[3].Output)
	assert.ErrorIs(t, results[2].Err, jobclient.ErrProtocol)
	assert.Contains(t, results[2].Err.Error(), "collector 2 unreachable")

	// per-collector completion callbacks fired for everyone
	assert.Len(t, completed, 3)
}

func TestExecuteDebugCommandCredentialFailureUpFront(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := newCoordinator(srv, &tokenProvider{token: ""})
	results := c.ExecuteDebugCommand(context.Background(), Request{
		Portal:       srv.URL,
		CollectorIDs: []int{1, 2, 3},
		Cmd:          "!tlist",
	}, nil, nil)

	require.Len(t, results, 3)
	for cid, res := range results {
		assert.ErrorIs(t, res.Err, creds.ErrNoCredential, "collector %d", cid)
	}
	assert.Zero(t, atomic.LoadInt32(&calls), "no request may be attempted")
}

func TestExecuteDebugCommandSharedCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]any{"sessionId": 1})
			return
		}
		w.WriteHeader(http.StatusAccepted) // all collectors stay pending
	}))
	defer srv.Close()

	rl := ratelimit.NewClient(srv.Client(), nil, ratelimit.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	jc := jobclient.New(rl, jobclient.Config{MaxPollAttempts: 1000, PollInterval: 20 * time.Millisecond})
	c := New(jc, &tokenProvider{token: "tok"}, registry.New(), 4)

	done := make(chan map[int]Result, 1)
	go func() {
		done <- c.ExecuteDebugCommand(context.Background(), Request{
			Portal:       srv.URL,
			CollectorIDs: []int{1, 2, 3},
			Cmd:          "!tlist",
			ExecutionID:  "fan-1",
		}, nil, nil)
	}()
	time.Sleep(100 * time.Millisecond)
	require.True(t, c.Cancel("fan-1"))

	select {
	case results := <-done:
		require.Len(t, results, 3)
		for cid, res := range results {
			assert.ErrorIs(t, res.Err, context.Canceled, "collector %d", cid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fan-out did not stop after cancellation")
	}
}

func TestExecuteDebugCommandProgressPerCollector(t *testing.T) {
	srv := fanoutServer()
	defer srv.Close()

	c := newCoordinator(srv, &tokenProvider{token: "tok"})
	var mu sync.Mutex
	seen := map[int]bool{}
	c.ExecuteDebugCommand(context.Background(), Request{
		Portal:       srv.URL,
		CollectorIDs: []int{1, 3},
		Cmd:          "!tlist",
	}, func(cid, attempt, max int) {
		mu.Lock()
		seen[cid] = true
		mu.Unlock()
		assert.Greater(t, max, 0)
	}, nil)

	assert.True(t, seen[1])
	assert.True(t, seen[3])
}
