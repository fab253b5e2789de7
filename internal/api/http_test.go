package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aridsondez/claimq/internal/engine"
	"github.com/aridsondez/claimq/internal/metrics"
	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
	"github.com/aridsondez/claimq/internal/queue/store/memory"
	"github.com/aridsondez/claimq/internal/retry"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fastRetry() retry.Policy {
	p := retry.New(3, time.Millisecond, time.Millisecond)
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

type testServer struct {
	t     *testing.T
	ts    *httptest.Server
	clock *queue.ManualClock
}

func newTestServer(t *testing.T, driver store.Driver) *testServer {
	t.Helper()
	if driver == nil {
		driver = memory.New()
	}
	clock := queue.NewManualClock(epoch)
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	eng := engine.New(driver,
		engine.WithClock(clock),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithRetryPolicy(fastRetry()),
	)
	ts := httptest.NewServer(NewRouter(eng, Options{
		Logger:   logger,
		Metrics:  m,
		Gatherer: reg,
		Timeout:  5 * time.Second,
	}))
	t.Cleanup(ts.Close)
	return &testServer{t: t, ts: ts, clock: clock}
}

func (s *testServer) do(method, path string, body any, headers ...string) *http.Response {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			rd = strings.NewReader(raw)
		} else {
			b, err := json.Marshal(body)
			require.NoError(s.t, err)
			rd = bytes.NewReader(b)
		}
	}
	req, err := http.NewRequestWithContext(context.Background(), method, s.ts.URL+path, rd)
	require.NoError(s.t, err)
	req.Header.Set(ProjectHeader, "tenant")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.ts.Client().Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) post(queueName string, bodies ...string) []string {
	s.t.Helper()
	batch := make([]map[string]any, len(bodies))
	for i, b := range bodies {
		batch[i] = map[string]any{"ttl": 300, "body": json.RawMessage(b)}
	}
	resp := s.do(http.MethodPost, "/v1/queues/"+queueName+"/messages", batch)
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)
	return decode[postMessagesResponse](s.t, resp).IDs
}

func TestQueueLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.do(http.MethodPut, "/v1/queues/orders", map[string]any{"owner": "billing"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/v1/queues/orders", resp.Header.Get("Location"))

	resp = s.do(http.MethodPut, "/v1/queues/orders", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(http.MethodGet, "/v1/queues/orders/metadata", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"owner": "billing"}, decode[map[string]any](t, resp))

	resp = s.do(http.MethodPut, "/v1/queues/orders/metadata", map[string]any{"owner": "ops"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(http.MethodGet, "/v1/queues?detailed=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[listQueuesResponse](t, resp)
	require.Len(t, list.Queues, 1)
	assert.Equal(t, "orders", list.Queues[0].Name)
	assert.Equal(t, "ops", list.Queues[0].Metadata["owner"])

	resp = s.do(http.MethodDelete, "/v1/queues/orders", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = s.do(http.MethodGet, "/v1/queues/orders", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.do(http.MethodDelete, "/v1/queues/orders", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestProjectsAreIsolated(t *testing.T) {
	s := newTestServer(t, nil)

	s.do(http.MethodPut, "/v1/queues/shared", nil)

	resp := s.do(http.MethodGet, "/v1/queues/shared", nil, ProjectHeader, "other")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidationErrors(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPut, "/v1/queues/work", nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"bad queue name", http.MethodPut, "/v1/queues/bad%20name", nil},
		{"bad limit", http.MethodGet, "/v1/queues?limit=abc", nil},
		{"malformed json", http.MethodPost, "/v1/queues/work/messages", `[{"ttl":`},
		{"empty batch", http.MethodPost, "/v1/queues/work/messages", `[]`},
		{"zero ttl", http.MethodPost, "/v1/queues/work/messages", `[{"ttl":0,"body":1}]`},
		{"claim ttl", http.MethodPost, "/v1/queues/work/claims", `{"ttl":0}`},
		{"negative grace", http.MethodPost, "/v1/queues/work/claims", `{"ttl":30,"grace":-1}`},
		// 18446744074s wraps to a few seconds once converted to nanoseconds.
		{"ttl overflow", http.MethodPost, "/v1/queues/work/messages", `[{"ttl":18446744074,"body":{"a":1}}]`},
		{"claim ttl overflow", http.MethodPost, "/v1/queues/work/claims", `{"ttl":18446744074}`},
		{"grace overflow", http.MethodPost, "/v1/queues/work/claims", `{"ttl":30,"grace":18446744074}`},
		{"renew ttl overflow", http.MethodPatch, "/v1/queues/work/claims/abc", `{"ttl":18446744074}`},
		{"delete without ids", http.MethodDelete, "/v1/queues/work/messages", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decode[map[string]any](t, resp)["error"])
		})
	}

	resp := s.do(http.MethodGet, "/v1/queues/work/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[map[string]map[string]any](t, resp)
	assert.EqualValues(t, 0, stats["messages"]["total"], "rejected posts store nothing")
}

func TestPostToMissingQueue(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.do(http.MethodPost, "/v1/queues/ghost/messages", `[{"ttl":60,"body":{}}]`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClaimDeleteFlow(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPut, "/v1/queues/jobs", nil)
	ids := s.post("jobs", `{"job": 1}`, `{"job":2}`, `{"job":3}`)
	require.Len(t, ids, 3)

	resp := s.do(http.MethodPost, "/v1/queues/jobs/claims?limit=2", claimRequest{TTL: 30, Grace: 10})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	claim := decode[claimResponse](t, resp)
	require.NotEmpty(t, claim.ID)
	require.Len(t, claim.Messages, 2)
	assert.Equal(t, ids[:2], []string{claim.Messages[0].ID, claim.Messages[1].ID})
	assert.JSONEq(t, `{"job":1}`, string(claim.Messages[0].Body))
	assert.Equal(t, claim.ID, claim.Messages[0].ClaimID)
	assert.Equal(t, "/v1/queues/jobs/claims/"+claim.ID, resp.Header.Get("Location"))

	// A plain delete may not touch a held message.
	resp = s.do(http.MethodDelete, "/v1/queues/jobs/messages/"+ids[0], nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = s.do(http.MethodDelete, "/v1/queues/jobs/messages/"+ids[0]+"?claim_id=wrong", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(http.MethodDelete, "/v1/queues/jobs/messages/"+ids[0]+"?claim_id="+claim.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(http.MethodGet, "/v1/queues/jobs/claims/"+claim.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[claimResponse](t, resp)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, ids[1], got.Messages[0].ID)

	// The second claimer only sees the remaining message.
	resp = s.do(http.MethodPost, "/v1/queues/jobs/claims", claimRequest{TTL: 30})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decode[claimResponse](t, resp)
	require.Len(t, second.Messages, 1)
	assert.Equal(t, ids[2], second.Messages[0].ID)

	resp = s.do(http.MethodPost, "/v1/queues/jobs/claims", claimRequest{TTL: 30})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestClaimRenewRelease(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPut, "/v1/queues/jobs", nil)
	s.post("jobs", `"a"`)

	resp := s.do(http.MethodPost, "/v1/queues/jobs/claims", claimRequest{TTL: 30})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	claim := decode[claimResponse](t, resp)

	s.clock.Advance(20 * time.Second)
	resp = s.do(http.MethodPatch, "/v1/queues/jobs/claims/"+claim.ID, claimRequest{TTL: 30})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Past the original expiry, still held thanks to the renewal.
	s.clock.Advance(20 * time.Second)
	resp = s.do(http.MethodPost, "/v1/queues/jobs/claims", claimRequest{TTL: 30})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(http.MethodDelete, "/v1/queues/jobs/claims/"+claim.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = s.do(http.MethodGet, "/v1/queues/jobs/claims/"+claim.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(http.MethodPost, "/v1/queues/jobs/claims", claimRequest{TTL: 30})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestExpiredMessagesAreInvisible(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPut, "/v1/queues/short", nil)
	resp := s.do(http.MethodPost, "/v1/queues/short/messages", `[{"ttl":60,"body":"x"}]`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[postMessagesResponse](t, resp).IDs[0]

	resp = s.do(http.MethodGet, "/v1/queues/short/messages/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.clock.Advance(60 * time.Second)
	resp = s.do(http.MethodGet, "/v1/queues/short/messages/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.do(http.MethodPost, "/v1/queues/short/claims", claimRequest{TTL: 30})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestListMessagesPaging(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPut, "/v1/queues/feed", nil)
	ids := s.post("feed", `1`, `2`, `3`)

	resp := s.do(http.MethodGet, "/v1/queues/feed/messages?limit=2&echo=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[listMessagesResponse](t, resp)
	require.Len(t, page.Messages, 2)
	require.NotEmpty(t, page.Marker)
	assert.Equal(t, ids[0], page.Messages[0].ID)

	resp = s.do(http.MethodGet, "/v1/queues/feed/messages?limit=2&echo=true&marker="+page.Marker, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decode[listMessagesResponse](t, resp)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, ids[2], page.Messages[0].ID)

	resp = s.do(http.MethodGet, "/v1/queues/feed/messages?ids="+ids[0]+","+ids[2], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[listMessagesResponse](t, resp).Messages, 2)
}

func TestEchoHidesOwnMessages(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPut, "/v1/queues/chat", nil)
	resp := s.do(http.MethodPost, "/v1/queues/chat/messages", `[{"ttl":60,"body":"hi"}]`, ClientIDHeader, "alice")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = s.do(http.MethodGet, "/v1/queues/chat/messages", nil, ClientIDHeader, "alice")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(http.MethodGet, "/v1/queues/chat/messages", nil, ClientIDHeader, "bob")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[listMessagesResponse](t, resp).Messages, 1)
}

func TestBulkDeleteAndStats(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPut, "/v1/queues/bulk", nil)
	ids := s.post("bulk", `1`, `2`, `3`, `4`)

	resp := s.do(http.MethodPost, "/v1/queues/bulk/claims?limit=1", claimRequest{TTL: 30})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	s.clock.Advance(5 * time.Second)
	resp = s.do(http.MethodGet, "/v1/queues/bulk/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[statsResponse](t, resp)
	assert.Equal(t, 3, st.Messages.Free)
	assert.Equal(t, 1, st.Messages.Claimed)
	assert.Equal(t, 4, st.Messages.Total)
	require.NotNil(t, st.Messages.Oldest)
	assert.Equal(t, ids[0], st.Messages.Oldest.ID)
	assert.EqualValues(t, 5, st.Messages.Oldest.Age)

	resp = s.do(http.MethodDelete, "/v1/queues/bulk/messages?ids="+strings.Join(ids[2:], ","), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(http.MethodGet, "/v1/queues/bulk/stats", nil)
	assert.Equal(t, 2, decode[statsResponse](t, resp).Messages.Total)
}

func TestStorageFailureIs503(t *testing.T) {
	s := newTestServer(t, failingDriver{Driver: memory.New()})

	resp := s.do(http.MethodPut, "/v1/queues/down", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	s.do(http.MethodPut, "/v1/queues/observed", nil)
	s.post("observed", `1`)

	resp = s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `claimq_messages_posted_total{queue="observed"} 1`)
	assert.Contains(t, string(body), "claimq_http_requests_total")
}

// failingDriver reports every storage call as transient.
type failingDriver struct {
	store.Driver
}

func (failingDriver) CreateQueue(context.Context, queue.Queue) error {
	return queue.Transient(io.ErrUnexpectedEOF)
}

func (failingDriver) QueueExists(context.Context, string, string) (bool, error) {
	return false, queue.Transient(io.ErrUnexpectedEOF)
}
