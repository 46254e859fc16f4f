package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevevillardi/lmda-composer-sub000/internal/creds"
	"github.com/stevevillardi/lmda-composer-sub000/internal/fanout"
	"github.com/stevevillardi/lmda-composer-sub000/internal/history"
	"github.com/stevevillardi/lmda-composer-sub000/internal/jobclient"
	"github.com/stevevillardi/lmda-composer-sub000/internal/orchestrator"
	"github.com/stevevillardi/lmda-composer-sub000/internal/props"
	"github.com/stevevillardi/lmda-composer-sub000/internal/registry"
	"github.com/stevevillardi/lmda-composer-sub000/pkg/ratelimit"
)

type envCreds struct{ token string }

func (p *envCreds) GetToken(context.Context, string) (creds.Credential, error) {
	return creds.Credential{Token: p.token, AcquiredAt: time.Now()}, nil
}
func (p *envCreds) RefreshToken(context.Context, string) (creds.Credential, error) {
	return creds.Credential{Token: p.token, AcquiredAt: time.Now()}, nil
}
func (p *envCreds) Rediscover(context.Context) error { return nil }

type memSink struct{ published int32 }

func (s *memSink) Publish(context.Context, history.Record) error {
	atomic.AddInt32(&s.published, 1)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *history.FileStore, *memSink) {
	t.Helper()
	rl := ratelimit.NewClient(http.DefaultClient, nil,
		ratelimit.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	jc := jobclient.New(rl, jobclient.Config{MaxPollAttempts: 20, PollInterval: 5 * time.Millisecond})
	reg := registry.New()
	provider := &envCreds{token: "tok"}
	orch := orchestrator.New(jc, props.New(jc), provider, reg)
	coord := fanout.New(jc, provider, reg, 4)
	store := history.NewFileStore(t.TempDir())
	sink := &memSink{}
	return NewHandler(orch, coord, store, sink, nil), store, sink
}

func fakePortal(output string) *httptest.Server {
	var nextID int64 = 10
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			id := atomic.AddInt64(&nextID, 1)
			json.NewEncoder(w).Encode(map[string]any{"sessionId": id})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"output": output})
	}))
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunEndpoint(t *testing.T) {
	portal := fakePortal("hello from collector")
	defer portal.Close()

	h, store, sink := newTestHandler(t)
	routes := h.Routes()

	rec := postJSON(t, routes, "/debug/run", RunRequest{
		Portal:      portal.URL,
		CollectorID: 12,
		Dialect:     "groovy",
		Script:      "println 1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "complete", resp.Status)
	assert.Equal(t, "hello from collector", resp.Output)
	assert.NotEmpty(t, resp.ID)

	recs, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, resp.ID, recs[0].ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sink.published))
}

func TestRunEndpointValidation(t *testing.T) {
	h, _, _ := newTestHandler(t)
	routes := h.Routes()

	for name, body := range map[string]RunRequest{
		"missing portal": {CollectorID: 1, Dialect: "groovy", Script: "x"},
		"bad dialect":    {Portal: "p", CollectorID: 1, Dialect: "bash", Script: "x"},
		"no script":      {Portal: "p", CollectorID: 1, Dialect: "groovy"},
		"zero collector": {Portal: "p", Dialect: "groovy", Script: "x"},
	} {
		t.Run(name, func(t *testing.T) {
			rec := postJSON(t, routes, "/debug/run", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestFanoutEndpoint(t *testing.T) {
	portal := fakePortal("fanout output")
	defer portal.Close()

	h, _, _ := newTestHandler(t)
	rec := postJSON(t, h.Routes(), "/debug/fanout", FanoutRequest{
		Portal:       portal.URL,
		CollectorIDs: []int{1, 2},
		Cmd:          "!tlist",
		Named:        map[string]string{"c": "snmp"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp FanoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "complete", resp.Results["1"].Status)
	assert.Equal(t, "fanout output", resp.Results["2"].Output)
}

func TestCancelEndpointUnknownID(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := postJSON(t, h.Routes(), "/debug/cancel", CancelRequest{ExecutionID: "missing"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp["cancelled"])
}

func TestHistoryEndpoint(t *testing.T) {
	h, store, _ := newTestHandler(t)
	require.NoError(t, store.Save(context.Background(), history.Record{
		ID: "old-run", Kind: history.KindInteractive, Status: "complete", StartedAt: time.Now(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/debug/history?limit=5", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var recs []history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "old-run", recs[0].ID)
}

func TestHealthz(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
