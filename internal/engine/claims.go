package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
)

// ClaimEngine leases messages to consumers.
type ClaimEngine struct {
	e *Engine
}

type ClaimRequest struct {
	Project string
	Queue   string
	TTL     time.Duration
	Grace   time.Duration
	// Limit caps the number of messages; 0 picks the default page size.
	Limit int
}

// Claim leases up to req.Limit claimable messages in posting order. When
// nothing is claimable it returns an empty claim (no id, no messages) and
// persists nothing.
func (c *ClaimEngine) Claim(ctx context.Context, req ClaimRequest) (queue.Claim, error) {
	lim := c.e.limits
	if req.TTL <= 0 || req.TTL > lim.ClaimTTLMax {
		return queue.Claim{}, fmt.Errorf("%w: %s not in (0, %s]", queue.ErrInvalidTTL, req.TTL, lim.ClaimTTLMax)
	}
	if req.Grace < 0 || req.Grace > lim.ClaimGraceMax {
		return queue.Claim{}, fmt.Errorf("%w: %s not in [0, %s]", queue.ErrInvalidGrace, req.Grace, lim.ClaimGraceMax)
	}
	limit, err := pageLimit(req.Limit, lim.DefaultMessagePaging, lim.MessagePagingUplimit)
	if err != nil {
		return queue.Claim{}, err
	}
	if err := c.e.requireQueue(ctx, req.Project, req.Queue); err != nil {
		return queue.Claim{}, err
	}

	now := c.e.clock.Now()
	claim := queue.Claim{
		ID:        c.e.newID(),
		Project:   req.Project,
		Queue:     req.Queue,
		TTL:       req.TTL,
		Grace:     req.Grace,
		CreatedAt: now,
		ExpiresAt: queue.ExpiresAt(now, req.TTL),
	}

	var msgs []queue.Message
	attempts := 0
	err = c.e.write(ctx, func(ctx context.Context) error {
		attempts++
		var err error
		msgs, err = c.e.driver.MarkClaim(ctx, store.MarkClaimRequest{Claim: claim, Limit: limit, Now: now})
		if attempts > 1 && errors.Is(err, queue.ErrClaimExists) {
			// An earlier attempt committed but its reply was lost.
			c.e.logger.Warn("claim committed on an earlier attempt, reading it back",
				zap.String("queue", req.Queue), zap.String("claim_id", claim.ID))
			held, err := c.e.driver.GetClaim(ctx, claim.Project, claim.Queue, claim.ID, now)
			if err != nil {
				return err
			}
			msgs = held.Messages
			return nil
		}
		return err
	})
	if err != nil {
		return queue.Claim{}, err
	}

	c.e.metrics.Claimed(req.Queue, len(msgs))
	if len(msgs) == 0 {
		return queue.Claim{Project: req.Project, Queue: req.Queue}, nil
	}
	if err := c.verify(claim, msgs, limit, now); err != nil {
		return queue.Claim{}, err
	}

	claim.Messages = msgs
	return claim, nil
}

// verify checks what the driver handed back. A message that is not marked
// with this claim, or shows up twice, means the driver broke its atomicity
// contract and two live claims may now share a message.
func (c *ClaimEngine) verify(claim queue.Claim, msgs []queue.Message, limit int, now time.Time) error {
	var problem string
	seen := make(map[string]struct{}, len(msgs))
	switch {
	case len(msgs) > limit:
		problem = fmt.Sprintf("driver returned %d messages for limit %d", len(msgs), limit)
	default:
		for _, m := range msgs {
			if _, dup := seen[m.ID]; dup {
				problem = "message " + m.ID + " returned twice"
				break
			}
			seen[m.ID] = struct{}{}
			if m.ClaimID != claim.ID || !m.Claimed(now) {
				problem = "message " + m.ID + " is held by claim " + m.ClaimID
				break
			}
		}
	}
	if problem == "" {
		return nil
	}

	c.e.metrics.InvariantViolation()
	c.e.logger.Error("double claim detected",
		zap.String("project", claim.Project),
		zap.String("queue", claim.Queue),
		zap.String("claim_id", claim.ID),
		zap.String("problem", problem))
	return fmt.Errorf("%w: %s", queue.ErrInvariantViolation, problem)
}

// Get returns the claim with the messages it still holds. Claims stay
// visible through their grace window.
func (c *ClaimEngine) Get(ctx context.Context, project, queueName, id string) (queue.Claim, error) {
	if err := c.e.requireQueue(ctx, project, queueName); err != nil {
		return queue.Claim{}, err
	}
	return c.e.driver.GetClaim(ctx, project, queueName, id, c.e.clock.Now())
}

// Renew restarts the claim's TTL from now. Message expiry is unchanged.
func (c *ClaimEngine) Renew(ctx context.Context, project, queueName, id string, ttl time.Duration) error {
	if ttl <= 0 || ttl > c.e.limits.ClaimTTLMax {
		return fmt.Errorf("%w: %s not in (0, %s]", queue.ErrInvalidTTL, ttl, c.e.limits.ClaimTTLMax)
	}
	if err := c.e.requireQueue(ctx, project, queueName); err != nil {
		return err
	}
	return c.e.write(ctx, func(ctx context.Context) error {
		return c.e.driver.RenewClaim(ctx, store.RenewClaimRequest{
			Project: project,
			Queue:   queueName,
			ID:      id,
			TTL:     ttl,
			Now:     c.e.clock.Now(),
		})
	})
}

// Release returns every held message to the pool at once. Releasing an
// unknown claim succeeds.
func (c *ClaimEngine) Release(ctx context.Context, project, queueName, id string) error {
	if err := c.e.requireQueue(ctx, project, queueName); err != nil {
		return err
	}
	return c.e.write(ctx, func(ctx context.Context) error {
		return c.e.driver.ReleaseClaim(ctx, project, queueName, id)
	})
}
