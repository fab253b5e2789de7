package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aridsondez/claimq/internal/metrics"
	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
	"github.com/aridsondez/claimq/internal/queue/store/memory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, d store.Driver, name string, n int, ttl time.Duration, at time.Time) {
	t.Helper()
	ctx := context.Background()
	if ok, _ := d.QueueExists(ctx, "p", name); !ok {
		require.NoError(t, d.CreateQueue(ctx, queue.Queue{Project: "p", Name: name, CreatedAt: at}))
	}
	batch := make([]queue.NewMessage, n)
	for i := range batch {
		batch[i] = queue.NewMessage{Body: json.RawMessage(`{}`), TTL: ttl}
	}
	_, err := d.InsertMessages(ctx, store.InsertMessagesRequest{Project: "p", Queue: name, Messages: batch, Now: at})
	require.NoError(t, err)
}

func TestThresholdGatesPurge(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	clock := queue.NewManualClock(epoch)
	s := New(d, time.Minute, 1000, WithClock(clock), WithLogger(zaptest.NewLogger(t)))

	seed(t, d, "jobs", 500, 10*time.Second, epoch)
	clock.Advance(time.Minute)

	purged, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged, "500 expired is below the threshold")

	counts, err := d.CountExpired(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 500, counts[0].Count)

	seed(t, d, "jobs", 501, 10*time.Second, clock.Now())
	clock.Advance(time.Minute)

	purged, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1001, purged)

	counts, err = d.CountExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestPurgeLeavesLiveMessagesAndOtherQueues(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	clock := queue.NewManualClock(epoch)
	s := New(d, time.Minute, 3, WithClock(clock))

	seed(t, d, "busy", 3, time.Second, epoch)
	seed(t, d, "busy", 2, time.Hour, epoch)
	seed(t, d, "quiet", 2, time.Second, epoch)
	clock.Advance(time.Second)

	purged, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, purged)

	st, err := d.QueueStats(ctx, "p", "busy", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)

	counts, err := d.CountExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []queue.ExpiredCount{{Project: "p", Queue: "quiet", Count: 2}}, counts)
}

func TestClaimRecordsPurgedBelowThreshold(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	clock := queue.NewManualClock(epoch)
	s := New(d, time.Minute, 1000, WithClock(clock), WithLogger(zaptest.NewLogger(t)))

	seed(t, d, "jobs", 100, time.Hour, epoch)
	claimIDs := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		c := queue.Claim{
			ID: fmt.Sprintf("c-%03d", i), Project: "p", Queue: "jobs",
			TTL: time.Minute, Grace: time.Minute, CreatedAt: epoch, ExpiresAt: epoch.Add(time.Minute),
		}
		msgs, err := d.MarkClaim(ctx, store.MarkClaimRequest{Claim: c, Limit: 1, Now: epoch})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.NoError(t, d.DeleteMessage(ctx, store.DeleteMessageRequest{
			Project: "p", Queue: "jobs", ID: msgs[0].ID, ClaimID: c.ID, Now: epoch,
		}))
		claimIDs = append(claimIDs, c.ID)
	}

	clock.Advance(24 * time.Hour)
	purged, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged, "no messages were left to expire")

	// Every claim record went with the pass; nothing is left for the next one.
	n, err := d.PurgeClaims(ctx, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	for _, id := range claimIDs {
		_, err := d.GetClaim(ctx, "p", "jobs", id, epoch)
		assert.ErrorIs(t, err, queue.ErrClaimNotFound, id)
	}
}

type brokenStore struct {
	store.Driver
	countErr error
	purgeErr error
}

func (b *brokenStore) CountExpired(ctx context.Context, now time.Time) ([]queue.ExpiredCount, error) {
	if b.countErr != nil {
		return nil, b.countErr
	}
	return b.Driver.CountExpired(ctx, now)
}

func (b *brokenStore) PurgeExpired(ctx context.Context, project, name string, now time.Time) (int, error) {
	if b.purgeErr != nil && name == "bad" {
		return 0, b.purgeErr
	}
	return b.Driver.PurgeExpired(ctx, project, name, now)
}

func TestFailuresAreReportedPerPass(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	clock := queue.NewManualClock(epoch)
	m := metrics.New(prometheus.NewRegistry())

	seed(t, inner, "bad", 2, time.Second, epoch)
	seed(t, inner, "good", 2, time.Second, epoch)
	clock.Advance(time.Second)

	broken := &brokenStore{Driver: inner, purgeErr: queue.Transient(errors.New("disk full"))}
	s := New(broken, time.Minute, 1, WithClock(clock), WithMetrics(m))

	purged, err := s.RunOnce(ctx)
	assert.ErrorIs(t, err, queue.ErrStorageTransient)
	assert.Equal(t, 2, purged, "the healthy queue is still purged")

	broken.countErr = errors.New("connection refused")
	_, err = s.RunOnce(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GCErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GCPurged))
}

func TestStartRunsOnIntervalUntilStopped(t *testing.T) {
	d := memory.New()
	clock := queue.NewManualClock(epoch)
	seed(t, d, "jobs", 5, time.Second, epoch)
	clock.Advance(time.Second)

	s := New(d, 5*time.Millisecond, 1, WithClock(clock), WithPurgeRate(100))
	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		counts, err := d.CountExpired(context.Background(), clock.Now())
		return err == nil && len(counts) == 0
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	s := New(memory.New(), time.Hour, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
