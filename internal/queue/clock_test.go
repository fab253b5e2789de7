package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiredIsExclusiveAtDeadline(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, Expired(deadline.Add(-time.Nanosecond), deadline))
	assert.True(t, Expired(deadline, deadline))
	assert.True(t, Expired(deadline.Add(time.Second), deadline))
}

func TestRemainingAndAgeNeverNegative(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, Remaining(now, now.Add(30*time.Second)))
	assert.Zero(t, Remaining(now, now.Add(-time.Second)))
	assert.Equal(t, 5*time.Second, Age(now, now.Add(-5*time.Second)))
	assert.Zero(t, Age(now, now.Add(time.Second)))
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	c := NewManualClock(start)
	assert.Equal(t, time.UTC, c.Now().Location())
	assert.True(t, c.Now().Equal(start))

	c.Advance(90 * time.Second)
	assert.True(t, c.Now().Equal(start.Add(90*time.Second)))

	c.Set(start)
	assert.True(t, c.Now().Equal(start))
}

func TestMessageClaimStates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := Message{ExpiresAt: now.Add(time.Hour)}
	assert.True(t, m.Claimable(now))
	assert.False(t, m.Held(now))

	m.ClaimID = "c1"
	m.ClaimExpiresAt = now.Add(30 * time.Second)
	m.ClaimGraceUntil = now.Add(60 * time.Second)

	assert.True(t, m.Claimed(now))
	assert.False(t, m.Claimable(now))

	later := now.Add(45 * time.Second)
	assert.False(t, m.Claimed(later))
	assert.True(t, m.Held(later), "inside grace")
	assert.True(t, m.Claimable(later))

	assert.False(t, m.Held(now.Add(60*time.Second)))
	assert.False(t, m.Claimable(now.Add(time.Hour)), "expired messages are never claimable")
}

func TestClaimGraceUntil(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Claim{ID: "c", CreatedAt: now, ExpiresAt: now.Add(30 * time.Second), Grace: 10 * time.Second}

	assert.True(t, c.GraceUntil().Equal(now.Add(40*time.Second)))
	assert.True(t, c.Live(now.Add(29*time.Second)))
	assert.False(t, c.Live(now.Add(30*time.Second)))
	assert.Equal(t, 5*time.Second, c.Age(now.Add(5*time.Second)))
	assert.False(t, c.Empty())
	assert.True(t, Claim{}.Empty())
}
