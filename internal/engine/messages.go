package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
)

// MessageStore posts, lists, reads and deletes messages.
type MessageStore struct {
	e *Engine
}

type PostRequest struct {
	Project  string
	Queue    string
	ClientID string
	Messages []queue.NewMessage
}

type ListMessagesOptions struct {
	Project        string
	Queue          string
	Marker         string
	Limit          int
	IncludeClaimed bool
	// Echo=false hides messages posted under ClientID.
	Echo     bool
	ClientID string
}

type MessagePage struct {
	Messages []queue.Message
	Marker   string
}

// Post validates and stores a batch, returning the new ids in input order.
// Bodies are stored in their compact JSON form.
func (s *MessageStore) Post(ctx context.Context, req PostRequest) ([]string, error) {
	if err := validateQueueRef(req.Project, req.Queue); err != nil {
		return nil, err
	}
	lim := s.e.limits
	switch n := len(req.Messages); {
	case n == 0:
		return nil, queue.ErrEmptyBatch
	case n > lim.MessagePagingUplimit:
		return nil, fmt.Errorf("%w: %d messages, limit %d", queue.ErrInvalidLimit, n, lim.MessagePagingUplimit)
	}

	batch := make([]queue.NewMessage, len(req.Messages))
	for i, m := range req.Messages {
		if m.TTL <= 0 || m.TTL > lim.MessageTTLMax {
			return nil, fmt.Errorf("%w: message %d: %s not in (0, %s]", queue.ErrInvalidTTL, i, m.TTL, lim.MessageTTLMax)
		}
		body, err := compactBody(m.Body, lim.MessageSizeUplimit)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		batch[i] = queue.NewMessage{Body: body, TTL: m.TTL}
	}

	var ids []string
	err := s.e.write(ctx, func(ctx context.Context) error {
		var err error
		ids, err = s.e.driver.InsertMessages(ctx, store.InsertMessagesRequest{
			Project:  req.Project,
			Queue:    req.Queue,
			ClientID: req.ClientID,
			Messages: batch,
			Now:      s.e.clock.Now(),
		})
		return err
	})
	if err != nil {
		if errors.Is(err, queue.ErrStorageWriteFailed) {
			s.e.logger.Error("post failed",
				zap.String("project", req.Project),
				zap.String("queue", req.Queue),
				zap.Int("messages", len(batch)),
				zap.Error(err))
		}
		return nil, err
	}

	s.e.metrics.Posted(req.Queue, len(ids))
	return ids, nil
}

// List returns one page of unexpired messages in posting order.
func (s *MessageStore) List(ctx context.Context, opts ListMessagesOptions) (MessagePage, error) {
	limit, err := pageLimit(opts.Limit, s.e.limits.DefaultMessagePaging, s.e.limits.MessagePagingUplimit)
	if err != nil {
		return MessagePage{}, err
	}
	if err := s.e.requireQueue(ctx, opts.Project, opts.Queue); err != nil {
		return MessagePage{}, err
	}

	resp, err := s.e.driver.ListMessages(ctx, store.ListMessagesRequest{
		Project:        opts.Project,
		Queue:          opts.Queue,
		Marker:         opts.Marker,
		Limit:          limit,
		IncludeClaimed: opts.IncludeClaimed,
		Echo:           opts.Echo,
		ClientID:       opts.ClientID,
		Now:            s.e.clock.Now(),
	})
	if err != nil {
		return MessagePage{}, err
	}
	return MessagePage{Messages: resp.Messages, Marker: resp.Marker}, nil
}

// All walks the queue page by page, fetching lazily.
func (s *MessageStore) All(ctx context.Context, opts ListMessagesOptions) iter.Seq2[queue.Message, error] {
	return func(yield func(queue.Message, error) bool) {
		opts.Limit = s.e.limits.MessagePagingUplimit
		for {
			page, err := s.List(ctx, opts)
			if err != nil {
				yield(queue.Message{}, err)
				return
			}
			for _, m := range page.Messages {
				if !yield(m, nil) {
					return
				}
			}
			if len(page.Messages) < opts.Limit {
				return
			}
			opts.Marker = page.Marker
		}
	}
}

// Get fails with queue.ErrMessageNotFound for absent, expired or
// ill-formed ids.
func (s *MessageStore) Get(ctx context.Context, project, queueName, id string) (queue.Message, error) {
	if err := s.e.requireQueue(ctx, project, queueName); err != nil {
		return queue.Message{}, err
	}
	return s.e.driver.GetMessage(ctx, project, queueName, id, s.e.clock.Now())
}

// GetMany returns the live messages among ids; missing ones are skipped.
func (s *MessageStore) GetMany(ctx context.Context, project, queueName string, ids []string) ([]queue.Message, error) {
	if len(ids) > s.e.limits.MessagePagingUplimit {
		return nil, fmt.Errorf("%w: %d ids, limit %d", queue.ErrInvalidLimit, len(ids), s.e.limits.MessagePagingUplimit)
	}
	if err := s.e.requireQueue(ctx, project, queueName); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.e.driver.GetMessages(ctx, project, queueName, ids, s.e.clock.Now())
}

// Delete removes one message. A held message needs its holder's claimID;
// an unheld one must be deleted without a claim id. Absent messages are
// treated as already deleted.
func (s *MessageStore) Delete(ctx context.Context, project, queueName, id, claimID string) error {
	if err := s.e.requireQueue(ctx, project, queueName); err != nil {
		return err
	}
	err := s.e.write(ctx, func(ctx context.Context) error {
		return s.e.driver.DeleteMessage(ctx, store.DeleteMessageRequest{
			Project: project,
			Queue:   queueName,
			ID:      id,
			ClaimID: claimID,
			Now:     s.e.clock.Now(),
		})
	})
	if err != nil {
		return err
	}
	s.e.metrics.Deleted(queueName, 1)
	return nil
}

// DeleteMany deletes unclaimed messages by id. Every id is attempted; the
// failures are joined.
func (s *MessageStore) DeleteMany(ctx context.Context, project, queueName string, ids []string) error {
	if len(ids) > s.e.limits.MessagePagingUplimit {
		return fmt.Errorf("%w: %d ids, limit %d", queue.ErrInvalidLimit, len(ids), s.e.limits.MessagePagingUplimit)
	}
	if err := s.e.requireQueue(ctx, project, queueName); err != nil {
		return err
	}

	var errs []error
	deleted := 0
	for _, id := range ids {
		err := s.e.write(ctx, func(ctx context.Context) error {
			return s.e.driver.DeleteMessage(ctx, store.DeleteMessageRequest{
				Project: project,
				Queue:   queueName,
				ID:      id,
				Now:     s.e.clock.Now(),
			})
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", id, err))
			continue
		}
		deleted++
	}
	s.e.metrics.Deleted(queueName, deleted)
	return errors.Join(errs...)
}
