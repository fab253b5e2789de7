package queue

import (
	"encoding/json"
	"time"
)

// Queue is a named, project-scoped container of messages.
type Queue struct {
	Project   string
	Name      string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Message is the durable queue row mapped to Go.
type Message struct {
	ID        string
	Project   string
	Queue     string
	Body      json.RawMessage
	TTL       time.Duration
	CreatedAt time.Time
	ExpiresAt time.Time
	ClientID  string

	// Claim state. ClaimID is empty when the message has never been
	// claimed or the claim was released.
	ClaimID         string
	ClaimExpiresAt  time.Time
	ClaimGraceUntil time.Time
}

// Expired reports whether the message TTL has elapsed at now.
func (m Message) Expired(now time.Time) bool {
	return Expired(now, m.ExpiresAt)
}

// Claimed reports whether a live claim holds the message at now.
func (m Message) Claimed(now time.Time) bool {
	return m.ClaimID != "" && !Expired(now, m.ClaimExpiresAt)
}

// Held reports whether the message is still reserved for its claimant,
// either by a live claim or inside that claim's grace window.
func (m Message) Held(now time.Time) bool {
	return m.ClaimID != "" && !Expired(now, m.ClaimGraceUntil)
}

// Claimable reports whether a new claim may take the message at now.
func (m Message) Claimable(now time.Time) bool {
	return !m.Expired(now) && !m.Claimed(now)
}

// Age is the time since the message was posted.
func (m Message) Age(now time.Time) time.Duration {
	return Age(now, m.CreatedAt)
}

// NewMessage is one entry of a post batch.
type NewMessage struct {
	Body json.RawMessage
	TTL  time.Duration
}

// Claim is a time-bounded lease over a subset of a queue's messages.
type Claim struct {
	ID        string
	Project   string
	Queue     string
	TTL       time.Duration
	Grace     time.Duration
	CreatedAt time.Time
	ExpiresAt time.Time
	Messages  []Message
}

// Empty reports whether the claim request found nothing to hold.
func (c Claim) Empty() bool {
	return c.ID == "" && len(c.Messages) == 0
}

// GraceUntil is the instant the original claimant loses its rights.
func (c Claim) GraceUntil() time.Time {
	return c.ExpiresAt.Add(c.Grace)
}

// Live reports whether the claim still holds its messages exclusively.
func (c Claim) Live(now time.Time) bool {
	return !Expired(now, c.ExpiresAt)
}

func (c Claim) Age(now time.Time) time.Duration {
	return Age(now, c.CreatedAt)
}

// MessageStat describes the oldest or newest message of a queue.
type MessageStat struct {
	ID        string
	CreatedAt time.Time
	Age       time.Duration
}

// Stats summarizes the unexpired messages of a queue.
type Stats struct {
	Free    int
	Claimed int
	Total   int
	Oldest  *MessageStat
	Newest  *MessageStat
}

// ExpiredCount is the expired-but-not-purged backlog of one queue.
type ExpiredCount struct {
	Project string
	Queue   string
	Count   int
}
