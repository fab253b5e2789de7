package engine

import (
	"context"
	"sync"

	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
)

// faultyDriver wraps a real driver and injects failures into writes.
type faultyDriver struct {
	store.Driver

	mu sync.Mutex
	// insertFailures transient errors are returned before inserts succeed;
	// a negative value fails forever.
	insertFailures int
	insertCalls    int
	// tamperClaim rewrites the messages a successful MarkClaim returns.
	tamperClaim func([]queue.Message) []queue.Message
	// lostClaimAcks successful MarkClaim calls report a timeout anyway.
	lostClaimAcks int
	markCalls     int
}

func (f *faultyDriver) InsertMessages(ctx context.Context, req store.InsertMessagesRequest) ([]string, error) {
	f.mu.Lock()
	f.insertCalls++
	fail := f.insertFailures != 0
	if f.insertFailures > 0 {
		f.insertFailures--
	}
	f.mu.Unlock()

	if fail {
		return nil, queue.ErrStorageTimeout
	}
	return f.Driver.InsertMessages(ctx, req)
}

func (f *faultyDriver) MarkClaim(ctx context.Context, req store.MarkClaimRequest) ([]queue.Message, error) {
	msgs, err := f.Driver.MarkClaim(ctx, req)
	f.mu.Lock()
	f.markCalls++
	lost := err == nil && f.lostClaimAcks > 0
	if lost {
		f.lostClaimAcks--
	}
	f.mu.Unlock()
	if lost {
		return nil, queue.ErrStorageTimeout
	}
	if err != nil || f.tamperClaim == nil {
		return msgs, err
	}
	return f.tamperClaim(msgs), nil
}
