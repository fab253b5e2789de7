package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aridsondez/claimq/pkg/client"
)

// HandlerFunc processes a message and returns an error if processing failed.
// Returning nil deletes the message under its claim.
// Returning an error leaves it held until the claim expires, after which
// another worker may claim it.
type HandlerFunc func(ctx context.Context, msg *Message) error

// Message is a claimed message handed to a handler.
type Message struct {
	client.Message
	Queue string
}

// Worker claims messages from queues and dispatches them to handlers.
type Worker struct {
	client    *client.Client
	logger    *zap.Logger
	handlers  map[string]HandlerFunc
	pollDelay time.Duration
	batchSize int
	claimTTL  time.Duration
	grace     time.Duration
}

// Config for creating a new worker
type Config struct {
	BaseURL   string        // claimq server URL
	Project   string        // Optional project scope
	PollDelay time.Duration // Time between claim attempts when idle (default: 1s)
	BatchSize int           // Max messages per claim (default: 10)
	ClaimTTL  time.Duration // Claim lifetime (default: 30s)
	Grace     time.Duration // Extra time the claimant may still delete after expiry (default: 10s)
	Logger    *zap.Logger
}

// New creates a new Worker with the given configuration
func New(cfg Config) *Worker {
	if cfg.PollDelay == 0 {
		cfg.PollDelay = 1 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.Grace == 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Worker{
		client:    client.NewClient(cfg.BaseURL, client.WithProject(cfg.Project)),
		logger:    cfg.Logger,
		handlers:  make(map[string]HandlerFunc),
		pollDelay: cfg.PollDelay,
		batchSize: cfg.BatchSize,
		claimTTL:  cfg.ClaimTTL,
		grace:     cfg.Grace,
	}
}

// Handle registers a handler function for a specific queue
func (w *Worker) Handle(queue string, handler HandlerFunc) {
	w.handlers[queue] = handler
	w.logger.Info("registered handler", zap.String("queue", queue))
}

// Run starts one claim loop per queue and blocks until ctx is cancelled
// and every loop has returned.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	w.logger.Info("worker starting", zap.Int("queues", len(w.handlers)))

	var wg sync.WaitGroup
	for queue, handler := range w.handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.pollQueue(ctx, queue, handler)
		}()
	}

	<-ctx.Done()
	w.logger.Info("worker shutting down")
	wg.Wait()
	return nil
}

// pollQueue claims batches until ctx is done. A full batch is followed
// immediately by another claim; an empty or failed one waits pollDelay.
func (w *Worker) pollQueue(ctx context.Context, queue string, handler HandlerFunc) {
	log := w.logger.With(zap.String("queue", queue))
	log.Info("started polling")

	for {
		n, err := w.ClaimOnce(ctx, queue, handler)
		if err != nil && ctx.Err() == nil {
			log.Warn("claim failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			log.Info("stopped polling")
			return
		case <-time.After(w.pollDelay):
		}
	}
}

// ClaimOnce claims one batch from queue, runs handler on each message and
// returns how many messages were claimed.
func (w *Worker) ClaimOnce(ctx context.Context, queue string, handler HandlerFunc) (int, error) {
	claim, err := w.client.Claim(ctx, queue, client.ClaimOptions{
		TTL:   w.claimTTL,
		Grace: w.grace,
		Limit: w.batchSize,
	})
	if err != nil {
		return 0, err
	}
	if claim.ID == "" {
		return 0, nil
	}

	w.logger.Debug("claimed messages",
		zap.String("queue", queue),
		zap.String("claim_id", claim.ID),
		zap.Int("count", len(claim.Messages)))

	// Handlers share the claim's lifetime.
	claimCtx, cancel := context.WithTimeout(ctx, w.claimTTL)
	defer cancel()

	for i := range claim.Messages {
		msg := &Message{Message: claim.Messages[i], Queue: queue}
		w.processMessage(claimCtx, claim.ID, msg, handler)
	}
	return len(claim.Messages), nil
}

// processMessage handles a single message with error recovery
func (w *Worker) processMessage(ctx context.Context, claimID string, msg *Message, handler HandlerFunc) {
	log := w.logger.With(
		zap.String("queue", msg.Queue),
		zap.String("message_id", msg.ID),
		zap.String("claim_id", claimID))

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return handler(ctx, msg)
	}()
	if err != nil {
		// Not deleted: another worker can claim it once this claim expires.
		log.Warn("handler failed", zap.Error(err))
		return
	}

	// Detached from the claim deadline so a slow handler can still delete
	// inside the grace window.
	if err := w.client.DeleteMessage(context.WithoutCancel(ctx), msg.Queue, msg.ID, claimID); err != nil {
		log.Error("delete failed", zap.Error(err))
		return
	}
	log.Debug("processed message")
}
