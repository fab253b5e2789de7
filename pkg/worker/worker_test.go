package worker

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aridsondez/claimq/internal/api"
	"github.com/aridsondez/claimq/internal/engine"
	"github.com/aridsondez/claimq/internal/queue/store/memory"
	"github.com/aridsondez/claimq/pkg/client"
)

func setup(t *testing.T) (*httptest.Server, *client.Client) {
	t.Helper()
	eng := engine.New(memory.New(), engine.WithLogger(zaptest.NewLogger(t)))
	ts := httptest.NewServer(api.NewRouter(eng, api.Options{Logger: zaptest.NewLogger(t)}))
	t.Cleanup(ts.Close)

	c := client.NewClient(ts.URL)
	require.NoError(t, c.CreateQueue(context.Background(), "jobs", nil))
	return ts, c
}

func post(t *testing.T, c *client.Client, n int) []string {
	t.Helper()
	batch := make([]client.NewMessage, n)
	for i := range batch {
		batch[i] = client.NewMessage{TTL: time.Minute, Body: map[string]int{"n": i}}
	}
	ids, err := c.Post(context.Background(), "jobs", batch...)
	require.NoError(t, err)
	return ids
}

func TestClaimOnceDeletesHandledMessages(t *testing.T) {
	ts, c := setup(t)
	ids := post(t, c, 3)

	w := New(Config{BaseURL: ts.URL, BatchSize: 2, Logger: zaptest.NewLogger(t)})

	var seen []string
	handler := func(ctx context.Context, msg *Message) error {
		assert.Equal(t, "jobs", msg.Queue)
		assert.NotEmpty(t, msg.ClaimID)
		seen = append(seen, msg.ID)
		return nil
	}

	n, err := w.ClaimOnce(context.Background(), "jobs", handler)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = w.ClaimOnce(context.Background(), "jobs", handler)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = w.ClaimOnce(context.Background(), "jobs", handler)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, ids, seen)
	st, err := c.QueueStats(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
}

func TestFailedMessagesStayClaimed(t *testing.T) {
	ts, c := setup(t)
	post(t, c, 2)

	w := New(Config{BaseURL: ts.URL, Logger: zaptest.NewLogger(t)})

	calls := 0
	n, err := w.ClaimOnce(context.Background(), "jobs", func(ctx context.Context, msg *Message) error {
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		panic("handler panic")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err := c.QueueStats(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Claimed)
	assert.Equal(t, 2, st.Total)
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	ts, c := setup(t)
	post(t, c, 5)

	w := New(Config{BaseURL: ts.URL, PollDelay: 10 * time.Millisecond, BatchSize: 2, Logger: zaptest.NewLogger(t)})

	var mu sync.Mutex
	processed := 0
	w.Handle("jobs", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		processed++
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return processed == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunWithoutHandlers(t *testing.T) {
	w := New(Config{BaseURL: "http://127.0.0.1:0"})
	assert.Error(t, w.Run(context.Background()))
}
