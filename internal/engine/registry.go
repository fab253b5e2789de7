package engine

import (
	"context"
	"iter"

	"go.uber.org/zap"

	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
)

// Registry tracks queue existence, metadata and listing.
type Registry struct {
	e *Engine
}

type ListQueuesOptions struct {
	Project  string
	Marker   string
	Limit    int
	Detailed bool
}

type QueuePage struct {
	Queues []queue.Queue
	Marker string
}

// Create persists a new queue. A taken name fails with queue.ErrQueueExists.
func (r *Registry) Create(ctx context.Context, project, name string, metadata map[string]any) (queue.Queue, error) {
	if err := validateQueueRef(project, name); err != nil {
		return queue.Queue{}, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if err := checkMetadata(metadata, r.e.limits.MetadataSizeUplimit); err != nil {
		return queue.Queue{}, err
	}

	q := queue.Queue{
		Project:   project,
		Name:      name,
		Metadata:  metadata,
		CreatedAt: r.e.clock.Now(),
	}
	err := r.e.write(ctx, func(ctx context.Context) error {
		return r.e.driver.CreateQueue(ctx, q)
	})
	if err != nil {
		return queue.Queue{}, err
	}

	r.e.logger.Info("queue created", zap.String("project", project), zap.String("queue", name))
	return q, nil
}

// Delete removes the queue with all its messages and claims. Deleting an
// absent queue succeeds.
func (r *Registry) Delete(ctx context.Context, project, name string) error {
	if err := validateQueueRef(project, name); err != nil {
		return err
	}
	err := r.e.write(ctx, func(ctx context.Context) error {
		return r.e.driver.DeleteQueue(ctx, project, name)
	})
	if err != nil {
		return err
	}
	r.e.logger.Info("queue deleted", zap.String("project", project), zap.String("queue", name))
	return nil
}

func (r *Registry) Exists(ctx context.Context, project, name string) (bool, error) {
	if err := validateQueueRef(project, name); err != nil {
		return false, err
	}
	return r.e.driver.QueueExists(ctx, project, name)
}

func (r *Registry) Get(ctx context.Context, project, name string) (queue.Queue, error) {
	if err := validateQueueRef(project, name); err != nil {
		return queue.Queue{}, err
	}
	return r.e.driver.GetQueue(ctx, project, name)
}

func (r *Registry) GetMetadata(ctx context.Context, project, name string) (map[string]any, error) {
	q, err := r.Get(ctx, project, name)
	if err != nil {
		return nil, err
	}
	return q.Metadata, nil
}

// SetMetadata replaces the queue metadata wholesale.
func (r *Registry) SetMetadata(ctx context.Context, project, name string, metadata map[string]any) error {
	if err := validateQueueRef(project, name); err != nil {
		return err
	}
	if metadata == nil {
		return queue.ErrInvalidMetadata
	}
	if err := checkMetadata(metadata, r.e.limits.MetadataSizeUplimit); err != nil {
		return err
	}
	return r.e.write(ctx, func(ctx context.Context) error {
		return r.e.driver.SetQueueMetadata(ctx, project, name, metadata)
	})
}

// List returns one page of queues ordered by name. Pass the returned
// marker back to resume after the last queue of the page.
func (r *Registry) List(ctx context.Context, opts ListQueuesOptions) (QueuePage, error) {
	if err := validateProject(opts.Project); err != nil {
		return QueuePage{}, err
	}
	limit, err := pageLimit(opts.Limit, r.e.limits.DefaultQueuePaging, r.e.limits.QueuePagingUplimit)
	if err != nil {
		return QueuePage{}, err
	}

	resp, err := r.e.driver.ListQueues(ctx, store.ListQueuesRequest{
		Project:  opts.Project,
		Marker:   opts.Marker,
		Limit:    limit,
		Detailed: opts.Detailed,
	})
	if err != nil {
		return QueuePage{}, err
	}
	return QueuePage{Queues: resp.Queues, Marker: resp.Marker}, nil
}

// All walks every queue of a project page by page. The sequence is lazy:
// each page is fetched when the previous one has been consumed.
func (r *Registry) All(ctx context.Context, project string, detailed bool) iter.Seq2[queue.Queue, error] {
	return func(yield func(queue.Queue, error) bool) {
		opts := ListQueuesOptions{Project: project, Detailed: detailed, Limit: r.e.limits.QueuePagingUplimit}
		for {
			page, err := r.List(ctx, opts)
			if err != nil {
				yield(queue.Queue{}, err)
				return
			}
			for _, q := range page.Queues {
				if !yield(q, nil) {
					return
				}
			}
			if len(page.Queues) < opts.Limit {
				return
			}
			opts.Marker = page.Marker
		}
	}
}

// Stats counts the unexpired messages of a queue.
func (r *Registry) Stats(ctx context.Context, project, name string) (queue.Stats, error) {
	if err := r.e.requireQueue(ctx, project, name); err != nil {
		return queue.Stats{}, err
	}
	return r.e.driver.QueueStats(ctx, project, name, r.e.clock.Now())
}
