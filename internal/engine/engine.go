// Package engine is the claim-based message lifecycle core. It validates
// requests against the configured limits, routes writes through the retry
// policy and delegates persistence to a store.Driver.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aridsondez/claimq/internal/config"
	"github.com/aridsondez/claimq/internal/metrics"
	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
	"github.com/aridsondez/claimq/internal/retry"
)

// Engine is the process-scoped context shared by the registry, the message
// store and the claim engine. Build one at startup and pass it around.
type Engine struct {
	driver  store.Driver
	clock   queue.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	retry   retry.Policy
	limits  config.Limits
	newID   func() string

	queues   *Registry
	messages *MessageStore
	claims   *ClaimEngine
}

type Option func(*Engine)

func WithClock(c queue.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

func WithLimits(l config.Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithIDGenerator replaces the claim id source (uuid v4 by default).
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New builds an Engine over driver. Unset options fall back to the system
// clock, a no-op logger, the default limits and the default retry policy.
func New(driver store.Driver, opts ...Option) *Engine {
	def := config.Default()
	e := &Engine{
		driver: driver,
		clock:  queue.SystemClock{},
		logger: zap.NewNop(),
		retry:  retry.New(def.MaxAttempts, def.MaxRetrySleep, def.MaxRetryJitter),
		limits: def.Limits,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.retry.Logger == nil {
		e.retry.Logger = e.logger
	}
	onRetry, onExhausted := e.metrics.RetryHooks()
	if e.retry.OnRetry == nil {
		e.retry.OnRetry = onRetry
	}
	if e.retry.OnExhausted == nil {
		e.retry.OnExhausted = onExhausted
	}

	e.queues = &Registry{e: e}
	e.messages = &MessageStore{e: e}
	e.claims = &ClaimEngine{e: e}
	return e
}

func (e *Engine) Queues() *Registry       { return e.queues }
func (e *Engine) Messages() *MessageStore { return e.messages }
func (e *Engine) Claims() *ClaimEngine    { return e.claims }

func (e *Engine) Limits() config.Limits { return e.limits }

// Now reads the engine clock.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Ping checks that the storage backend answers.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.driver.QueueExists(ctx, "", "healthz")
	return err
}

func (e *Engine) Close() error {
	return e.driver.Close()
}

// write runs a storage mutation under the retry policy.
func (e *Engine) write(ctx context.Context, op func(ctx context.Context) error) error {
	return e.retry.Do(ctx, op)
}

// requireQueue fails with queue.ErrQueueNotFound when the queue is absent.
func (e *Engine) requireQueue(ctx context.Context, project, name string) error {
	if err := validateQueueRef(project, name); err != nil {
		return err
	}
	ok, err := e.driver.QueueExists(ctx, project, name)
	if err != nil {
		return err
	}
	if !ok {
		return queue.ErrQueueNotFound
	}
	return nil
}

// pageLimit resolves a requested page size: 0 picks def, anything outside
// 1..max is rejected.
func pageLimit(requested, def, max int) (int, error) {
	switch {
	case requested == 0:
		return def, nil
	case requested < 0 || requested > max:
		return 0, queue.ErrInvalidLimit
	default:
		return requested, nil
	}
}
