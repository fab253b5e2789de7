// Package storetest is the behavioural contract every store.Driver must
// pass. Driver packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
)

// Factory returns a fresh, empty driver. It should register its own
// cleanup with t.
type Factory func(t *testing.T) store.Driver

const project = "project"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the whole contract against drivers built by newDriver.
func Run(t *testing.T, newDriver Factory) {
	t.Run("QueueLifecycle", func(t *testing.T) { testQueueLifecycle(t, newDriver(t)) })
	t.Run("ListQueuesPaging", func(t *testing.T) { testListQueuesPaging(t, newDriver(t)) })
	t.Run("ProjectIsolation", func(t *testing.T) { testProjectIsolation(t, newDriver(t)) })
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newDriver(t)) })
	t.Run("ListMessages", func(t *testing.T) { testListMessages(t, newDriver(t)) })
	t.Run("ClaimDisjoint", func(t *testing.T) { testClaimDisjoint(t, newDriver(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newDriver(t)) })
	t.Run("DeleteClaimRules", func(t *testing.T) { testDeleteClaimRules(t, newDriver(t)) })
	t.Run("ClaimGetRenewRelease", func(t *testing.T) { testClaimGetRenewRelease(t, newDriver(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newDriver(t)) })
	t.Run("ExpiredPurge", func(t *testing.T) { testExpiredPurge(t, newDriver(t)) })
	t.Run("ClaimPurge", func(t *testing.T) { testClaimPurge(t, newDriver(t)) })
	t.Run("DuplicateClaimID", func(t *testing.T) { testDuplicateClaimID(t, newDriver(t)) })
	t.Run("DeleteQueueCascades", func(t *testing.T) { testDeleteQueueCascades(t, newDriver(t)) })
}

func mustCreate(t *testing.T, d store.Driver, name string) {
	t.Helper()
	require.NoError(t, d.CreateQueue(context.Background(), queue.Queue{
		Project: project, Name: name, Metadata: map[string]any{}, CreatedAt: epoch,
	}))
}

func post(t *testing.T, d store.Driver, name string, n int, ttl time.Duration, now time.Time) []string {
	t.Helper()
	msgs := make([]queue.NewMessage, n)
	for i := range msgs {
		msgs[i] = queue.NewMessage{Body: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), TTL: ttl}
	}
	ids, err := d.InsertMessages(context.Background(), store.InsertMessagesRequest{
		Project: project, Queue: name, ClientID: "poster", Messages: msgs, Now: now,
	})
	require.NoError(t, err)
	require.Len(t, ids, n)
	return ids
}

func newClaim(name string, ttl, grace time.Duration, now time.Time) queue.Claim {
	return queue.Claim{
		ID:        uuid.NewString(),
		Project:   project,
		Queue:     name,
		TTL:       ttl,
		Grace:     grace,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func claim(t *testing.T, d store.Driver, name string, ttl, grace time.Duration, limit int, now time.Time) (queue.Claim, []string) {
	t.Helper()
	c := newClaim(name, ttl, grace, now)
	msgs, err := d.MarkClaim(context.Background(), store.MarkClaimRequest{Claim: c, Limit: limit, Now: now})
	require.NoError(t, err)
	return c, ids(msgs)
}

func ids(msgs []queue.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func testQueueLifecycle(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "test")

	ok, err := d.QueueExists(ctx, project, "test")
	require.NoError(t, err)
	assert.True(t, ok)

	err = d.CreateQueue(ctx, queue.Queue{Project: project, Name: "test", CreatedAt: epoch})
	assert.ErrorIs(t, err, queue.ErrQueueExists)

	q, err := d.GetQueue(ctx, project, "test")
	require.NoError(t, err)
	assert.Equal(t, "test", q.Name)
	assert.Empty(t, q.Metadata)

	require.NoError(t, d.SetQueueMetadata(ctx, project, "test", map[string]any{"meta": "test_meta"}))
	q, err = d.GetQueue(ctx, project, "test")
	require.NoError(t, err)
	assert.Equal(t, "test_meta", q.Metadata["meta"])

	require.NoError(t, d.DeleteQueue(ctx, project, "test"))
	ok, err = d.QueueExists(ctx, project, "test")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.GetQueue(ctx, project, "test")
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)
	assert.ErrorIs(t, d.SetQueueMetadata(ctx, project, "test", map[string]any{}), queue.ErrQueueNotFound)

	assert.NoError(t, d.DeleteQueue(ctx, project, "test"), "deleting an absent queue is idempotent")
}

func testListQueuesPaging(t *testing.T, d store.Driver) {
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		mustCreate(t, d, fmt.Sprintf("q%02d", i))
	}

	page, err := d.ListQueues(ctx, store.ListQueuesRequest{Project: project, Limit: 10, Detailed: true})
	require.NoError(t, err)
	require.Len(t, page.Queues, 10)
	assert.Equal(t, "q00", page.Queues[0].Name)
	for _, q := range page.Queues {
		assert.NotNil(t, q.Metadata)
	}

	page, err = d.ListQueues(ctx, store.ListQueuesRequest{Project: project, Limit: 10, Marker: page.Marker})
	require.NoError(t, err)
	require.Len(t, page.Queues, 5)
	assert.Equal(t, "q10", page.Queues[0].Name)
	for _, q := range page.Queues {
		assert.Nil(t, q.Metadata)
	}

	page, err = d.ListQueues(ctx, store.ListQueuesRequest{Project: project, Limit: 10, Marker: page.Marker})
	require.NoError(t, err)
	assert.Empty(t, page.Queues)

	page, err = d.ListQueues(ctx, store.ListQueuesRequest{Project: project, Limit: 10, Marker: "%%%"})
	require.NoError(t, err)
	assert.Empty(t, page.Queues)
}

func testProjectIsolation(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "shared")
	require.NoError(t, d.CreateQueue(ctx, queue.Queue{Project: "other", Name: "shared", CreatedAt: epoch}))

	post(t, d, "shared", 2, time.Minute, epoch)

	resp, err := d.ListMessages(ctx, store.ListMessagesRequest{
		Project: "other", Queue: "shared", Limit: 10, IncludeClaimed: true, Echo: true, Now: epoch,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Messages)

	page, err := d.ListQueues(ctx, store.ListQueuesRequest{Project: "other", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Queues, 1)
}

func testInsertAndGet(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "jobs")

	got := post(t, d, "jobs", 3, time.Minute, epoch)
	assert.Len(t, got, 3)

	m, err := d.GetMessage(ctx, project, "jobs", got[1], epoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, got[1], m.ID)
	assert.JSONEq(t, `{"n":1}`, string(m.Body))
	assert.Equal(t, time.Minute, m.TTL)
	assert.True(t, m.ExpiresAt.Equal(epoch.Add(time.Minute)))
	assert.Equal(t, "poster", m.ClientID)

	_, err = d.GetMessage(ctx, project, "jobs", got[1], epoch.Add(time.Minute))
	assert.ErrorIs(t, err, queue.ErrMessageNotFound, "expired messages are invisible")

	_, err = d.GetMessage(ctx, project, "jobs", "xyz", epoch)
	assert.ErrorIs(t, err, queue.ErrMessageNotFound)

	many, err := d.GetMessages(ctx, project, "jobs", []string{got[0], "bogus", got[2]}, epoch)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{got[0], got[2]}, ids(many))

	_, err = d.InsertMessages(ctx, store.InsertMessagesRequest{
		Project: project, Queue: "missing", Messages: []queue.NewMessage{{Body: json.RawMessage(`1`), TTL: time.Minute}}, Now: epoch,
	})
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)
}

func testListMessages(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "jobs")
	all := post(t, d, "jobs", 15, time.Minute, epoch)
	short := post(t, d, "jobs", 1, time.Second, epoch)

	list := func(req store.ListMessagesRequest) store.ListMessagesResponse {
		t.Helper()
		req.Project, req.Queue = project, "jobs"
		if req.Now.IsZero() {
			req.Now = epoch.Add(2 * time.Second)
		}
		resp, err := d.ListMessages(ctx, req)
		require.NoError(t, err)
		return resp
	}

	page := list(store.ListMessagesRequest{Limit: 10, Echo: true, ClientID: "poster"})
	assert.Equal(t, all[:10], ids(page.Messages))
	page = list(store.ListMessagesRequest{Limit: 10, Echo: true, ClientID: "poster", Marker: page.Marker})
	assert.Equal(t, all[10:], ids(page.Messages), "expired message is filtered at read time")

	withShort := list(store.ListMessagesRequest{Limit: 20, Echo: true, Now: epoch})
	assert.Contains(t, ids(withShort.Messages), short[0])

	assert.Empty(t, list(store.ListMessagesRequest{Limit: 20, ClientID: "poster"}).Messages, "echo=false hides own messages")
	assert.Len(t, list(store.ListMessagesRequest{Limit: 20, ClientID: "someone-else"}).Messages, 15)

	now := epoch.Add(2 * time.Second)
	_, claimed := claim(t, d, "jobs", 30*time.Second, 0, 5, now)
	require.Len(t, claimed, 5)
	assert.Len(t, list(store.ListMessagesRequest{Limit: 20, Echo: true}).Messages, 10)
	assert.Len(t, list(store.ListMessagesRequest{Limit: 20, Echo: true, IncludeClaimed: true}).Messages, 15)

	assert.Empty(t, list(store.ListMessagesRequest{Limit: 20, Echo: true, Marker: "xyz"}).Messages)
}

func testClaimDisjoint(t *testing.T, d store.Driver) {
	mustCreate(t, d, "jobs")
	posted := post(t, d, "jobs", 3, time.Minute, epoch)

	_, first := claim(t, d, "jobs", 30*time.Second, 10*time.Second, 2, epoch)
	assert.Equal(t, posted[:2], first)

	_, second := claim(t, d, "jobs", 30*time.Second, 10*time.Second, 2, epoch)
	assert.Equal(t, posted[2:], second)

	c, none := claim(t, d, "jobs", 30*time.Second, 10*time.Second, 2, epoch)
	assert.Empty(t, none)
	_, err := d.GetClaim(context.Background(), project, "jobs", c.ID, epoch)
	assert.ErrorIs(t, err, queue.ErrClaimNotFound, "empty claims are not persisted")

	_, again := claim(t, d, "jobs", 5*time.Second, 0, 3, epoch.Add(30*time.Second))
	assert.Equal(t, posted, again, "expired claims release their messages to new claimants")
}

func testConcurrentClaims(t *testing.T, d store.Driver) {
	mustCreate(t, d, "jobs")
	post(t, d, "jobs", 40, time.Minute, epoch)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				c := newClaim("jobs", time.Minute, 0, epoch)
				msgs, err := d.MarkClaim(context.Background(), store.MarkClaimRequest{Claim: c, Limit: 3, Now: epoch})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s claimed %d times", id, n)
	}
}

func testDeleteClaimRules(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "jobs")
	posted := post(t, d, "jobs", 4, time.Hour, epoch)

	del := func(id, claimID string, now time.Time) error {
		return d.DeleteMessage(ctx, store.DeleteMessageRequest{Project: project, Queue: "jobs", ID: id, ClaimID: claimID, Now: now})
	}

	c1, held := claim(t, d, "jobs", 30*time.Second, 20*time.Second, 2, epoch)
	require.Equal(t, posted[:2], held)

	assert.ErrorIs(t, del(held[0], "wrong", epoch), queue.ErrClaimMismatch)
	assert.ErrorIs(t, del(held[0], "", epoch), queue.ErrClaimMismatch)
	assert.ErrorIs(t, del(posted[2], c1.ID, epoch), queue.ErrClaimMismatch, "claim id on an unheld message")

	require.NoError(t, del(held[0], c1.ID, epoch))
	_, err := d.GetMessage(ctx, project, "jobs", held[0], epoch)
	assert.ErrorIs(t, err, queue.ErrMessageNotFound)
	assert.NoError(t, del(held[0], c1.ID, epoch), "repeated delete is idempotent")

	require.NoError(t, del(posted[3], "", epoch))

	// Claim expired but grace still open: the original holder may finish.
	inGrace := epoch.Add(40 * time.Second)
	assert.ErrorIs(t, del(held[1], "", inGrace), queue.ErrClaimMismatch)
	// A new claimant takes it over, after which the old claim id is stale.
	c2, taken := claim(t, d, "jobs", 30*time.Second, 0, 5, inGrace)
	assert.Equal(t, []string{held[1], posted[2]}, taken)
	assert.ErrorIs(t, del(held[1], c1.ID, inGrace), queue.ErrClaimMismatch)
	require.NoError(t, del(held[1], c2.ID, inGrace))

	// Grace elapsed without reclaim: plain delete works again.
	c3, _ := claim(t, d, "jobs", 10*time.Second, 5*time.Second, 1, epoch.Add(2*time.Minute))
	afterGrace := epoch.Add(2*time.Minute + 15*time.Second)
	assert.ErrorIs(t, del(posted[2], c3.ID, afterGrace), queue.ErrClaimMismatch)
	require.NoError(t, del(posted[2], "", afterGrace))
}

func testClaimGetRenewRelease(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "jobs")
	post(t, d, "jobs", 20, time.Hour, epoch)

	c, held := claim(t, d, "jobs", 70*time.Second, 30*time.Second, 15, epoch)
	require.Len(t, held, 15)

	got, err := d.GetClaim(ctx, project, "jobs", c.ID, epoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, 70*time.Second, got.TTL)
	assert.Equal(t, 30*time.Second, got.Grace)
	assert.Equal(t, held, ids(got.Messages))

	renewAt := epoch.Add(60 * time.Second)
	require.NoError(t, d.RenewClaim(ctx, store.RenewClaimRequest{Project: project, Queue: "jobs", ID: c.ID, TTL: 100 * time.Second, Now: renewAt}))
	got, err = d.GetClaim(ctx, project, "jobs", c.ID, renewAt)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Second, got.TTL)
	assert.True(t, got.ExpiresAt.Equal(renewAt.Add(100*time.Second)))
	for _, m := range got.Messages {
		assert.True(t, m.ClaimExpiresAt.Equal(renewAt.Add(100*time.Second)))
		assert.True(t, m.ExpiresAt.Equal(epoch.Add(time.Hour)), "message ttl is never extended")
	}

	// Past the old expiry the renewed claim still holds everything.
	_, none := claim(t, d, "jobs", time.Minute, 0, 20, epoch.Add(90*time.Second))
	assert.Len(t, none, 5)

	require.NoError(t, d.ReleaseClaim(ctx, project, "jobs", c.ID))
	_, err = d.GetClaim(ctx, project, "jobs", c.ID, renewAt)
	assert.ErrorIs(t, err, queue.ErrClaimNotFound)
	assert.NoError(t, d.ReleaseClaim(ctx, project, "jobs", c.ID), "release is idempotent")

	releasedAt := epoch.Add(100 * time.Second)
	_, back := claim(t, d, "jobs", time.Minute, 0, 20, releasedAt)
	assert.Len(t, back, 15, "released messages return to the pool immediately")

	err = d.RenewClaim(ctx, store.RenewClaimRequest{Project: project, Queue: "jobs", ID: "illformed", TTL: time.Minute, Now: renewAt})
	assert.ErrorIs(t, err, queue.ErrClaimNotFound)

	short, _ := claim(t, d, "jobs", 0, 0, 1, renewAt)
	_, err = d.GetClaim(ctx, project, "jobs", short.ID, renewAt)
	assert.ErrorIs(t, err, queue.ErrClaimNotFound)
}

func testStats(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "jobs")

	st, err := d.QueueStats(ctx, project, "jobs", epoch)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
	assert.Nil(t, st.Oldest)
	assert.Nil(t, st.Newest)

	first := post(t, d, "jobs", 6, time.Hour, epoch)
	last := post(t, d, "jobs", 6, time.Hour, epoch.Add(time.Second))
	post(t, d, "jobs", 2, time.Second, epoch)
	claim(t, d, "jobs", time.Minute, 0, 4, epoch.Add(2*time.Second))

	st, err = d.QueueStats(ctx, project, "jobs", epoch.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 8, st.Free)
	assert.Equal(t, 4, st.Claimed)
	assert.Equal(t, 12, st.Total)
	require.NotNil(t, st.Oldest)
	require.NotNil(t, st.Newest)
	assert.Equal(t, first[0], st.Oldest.ID)
	assert.Equal(t, last[5], st.Newest.ID)
	assert.Equal(t, 3*time.Second, st.Oldest.Age)
	assert.True(t, st.Oldest.CreatedAt.Before(st.Newest.CreatedAt))
}

func testExpiredPurge(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "a")
	mustCreate(t, d, "b")
	post(t, d, "a", 5, time.Second, epoch)
	post(t, d, "a", 2, time.Hour, epoch)
	post(t, d, "b", 3, time.Second, epoch)
	c, _ := claim(t, d, "a", time.Second, time.Second, 1, epoch)

	later := epoch.Add(10 * time.Second)
	counts, err := d.CountExpired(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, []queue.ExpiredCount{
		{Project: project, Queue: "a", Count: 5},
		{Project: project, Queue: "b", Count: 3},
	}, counts)

	n, err := d.PurgeExpired(ctx, project, "a", later)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = d.GetClaim(ctx, project, "a", c.ID, later)
	assert.ErrorIs(t, err, queue.ErrClaimNotFound)

	counts, err = d.CountExpired(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, []queue.ExpiredCount{{Project: project, Queue: "b", Count: 3}}, counts)

	st, err := d.QueueStats(ctx, project, "a", later)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
}

func testClaimPurge(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "a")
	mustCreate(t, d, "b")
	post(t, d, "a", 2, time.Hour, epoch)
	post(t, d, "b", 1, time.Hour, epoch)
	lapsed, _ := claim(t, d, "a", time.Second, time.Second, 1, epoch)
	noGrace, _ := claim(t, d, "b", time.Second, 0, 1, epoch)
	live, _ := claim(t, d, "a", time.Hour, 0, 1, epoch)

	later := epoch.Add(5 * time.Second)
	n, err := d.PurgeClaims(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Looked up at claim time, so only a removed record can be missing.
	_, err = d.GetClaim(ctx, project, "a", lapsed.ID, epoch)
	assert.ErrorIs(t, err, queue.ErrClaimNotFound)
	_, err = d.GetClaim(ctx, project, "b", noGrace.ID, epoch)
	assert.ErrorIs(t, err, queue.ErrClaimNotFound)
	_, err = d.GetClaim(ctx, project, "a", live.ID, later)
	assert.NoError(t, err)

	n, err = d.PurgeClaims(ctx, later)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDuplicateClaimID(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "jobs")
	posted := post(t, d, "jobs", 3, time.Hour, epoch)
	c, got := claim(t, d, "jobs", time.Minute, 0, 1, epoch)
	assert.Equal(t, posted[:1], got)

	_, err := d.MarkClaim(ctx, store.MarkClaimRequest{Claim: c, Limit: 5, Now: epoch})
	assert.ErrorIs(t, err, queue.ErrClaimExists)

	held, err := d.GetClaim(ctx, project, "jobs", c.ID, epoch)
	require.NoError(t, err)
	assert.Equal(t, posted[:1], ids(held.Messages))

	_, rest := claim(t, d, "jobs", time.Minute, 0, 5, epoch)
	assert.Equal(t, posted[1:], rest)
}

func testDeleteQueueCascades(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "jobs")
	posted := post(t, d, "jobs", 3, time.Hour, epoch)
	c, _ := claim(t, d, "jobs", time.Minute, 0, 2, epoch)

	require.NoError(t, d.DeleteQueue(ctx, project, "jobs"))
	mustCreate(t, d, "jobs")

	_, err := d.GetMessage(ctx, project, "jobs", posted[0], epoch)
	assert.ErrorIs(t, err, queue.ErrMessageNotFound)
	_, err = d.GetClaim(ctx, project, "jobs", c.ID, epoch)
	assert.ErrorIs(t, err, queue.ErrClaimNotFound)

	st, err := d.QueueStats(ctx, project, "jobs", epoch)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
}
