package store

import (
	"context"
	"time"

	"github.com/aridsondez/claimq/internal/queue"
)

// Driver is the backend-agnostic persistence contract the engine uses.
// Every method may fail with an error wrapping queue.ErrStorageTransient,
// which callers treat as retryable.
//
// Drivers must guarantee:
//   - MarkClaim selects and marks each message atomically, so two
//     concurrent claims never both take the same message.
//   - InsertMessages never leaves a message behind without its queue:
//     racing a DeleteQueue it either fails with queue.ErrQueueNotFound or
//     the inserted rows are removed by the cascade.
//   - DeleteMessage checks the claim condition and deletes in one step.
//
// Read paths of SQL drivers may treat an absent queue as an empty one; the
// engine checks existence where the distinction matters.
type Driver interface {
	CreateQueue(ctx context.Context, q queue.Queue) error
	DeleteQueue(ctx context.Context, project, name string) error
	QueueExists(ctx context.Context, project, name string) (bool, error)
	GetQueue(ctx context.Context, project, name string) (queue.Queue, error)
	SetQueueMetadata(ctx context.Context, project, name string, metadata map[string]any) error
	ListQueues(ctx context.Context, req ListQueuesRequest) (ListQueuesResponse, error)
	QueueStats(ctx context.Context, project, name string, now time.Time) (queue.Stats, error)

	InsertMessages(ctx context.Context, req InsertMessagesRequest) ([]string, error)
	ListMessages(ctx context.Context, req ListMessagesRequest) (ListMessagesResponse, error)
	GetMessage(ctx context.Context, project, queueName, id string, now time.Time) (queue.Message, error)
	GetMessages(ctx context.Context, project, queueName string, ids []string, now time.Time) ([]queue.Message, error)
	DeleteMessage(ctx context.Context, req DeleteMessageRequest) error

	MarkClaim(ctx context.Context, req MarkClaimRequest) ([]queue.Message, error)
	GetClaim(ctx context.Context, project, queueName, id string, now time.Time) (queue.Claim, error)
	RenewClaim(ctx context.Context, req RenewClaimRequest) error
	ReleaseClaim(ctx context.Context, project, queueName, id string) error

	CountExpired(ctx context.Context, now time.Time) ([]queue.ExpiredCount, error)
	PurgeExpired(ctx context.Context, project, queueName string, now time.Time) (int, error)
	// PurgeClaims drops claim records of every queue whose grace window has
	// closed, independent of any message backlog.
	PurgeClaims(ctx context.Context, now time.Time) (int, error)

	Close() error
}

type ListQueuesRequest struct {
	Project  string
	Marker   string
	Limit    int
	Detailed bool
}

type ListQueuesResponse struct {
	Queues []queue.Queue
	// Marker resumes after the last returned queue; empty when the page
	// was empty.
	Marker string
}

type InsertMessagesRequest struct {
	Project  string
	Queue    string
	ClientID string
	Messages []queue.NewMessage
	Now      time.Time
}

type ListMessagesRequest struct {
	Project        string
	Queue          string
	Marker         string
	Limit          int
	IncludeClaimed bool
	// Echo=false hides messages posted by ClientID.
	Echo     bool
	ClientID string
	Now      time.Time
}

type ListMessagesResponse struct {
	Messages []queue.Message
	Marker   string
}

// DeleteMessageRequest deletes one message. With an empty ClaimID the
// message must not be held; otherwise ClaimID must be its holder and the
// holder's grace window must still be open.
type DeleteMessageRequest struct {
	Project string
	Queue   string
	ID      string
	ClaimID string
	Now     time.Time
}

// MarkClaimRequest carries a fully computed claim. Drivers persist the
// claim record only when at least one message was marked.
type MarkClaimRequest struct {
	Claim queue.Claim
	Limit int
	Now   time.Time
}

type RenewClaimRequest struct {
	Project string
	Queue   string
	ID      string
	TTL     time.Duration
	Now     time.Time
}

// CanDelete is the shared claim rule for DeleteMessage.
func CanDelete(m queue.Message, claimID string, now time.Time) bool {
	if claimID == "" {
		return !m.Held(now)
	}
	return m.ClaimID == claimID && m.Held(now)
}
