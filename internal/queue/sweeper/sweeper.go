package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aridsondez/claimq/internal/metrics"
	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
)

// Sweeper is the garbage collector. Every interval it counts the expired
// messages of each queue and physically purges the queues whose backlog
// reached the threshold. Smaller backlogs stay hidden by read-time
// filtering until they grow.
type Sweeper struct {
	store     store.Driver
	interval  time.Duration
	threshold int
	clock     queue.Clock
	limiter   *rate.Limiter
	logger    *zap.Logger
	metrics   *metrics.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
}

type Option func(*Sweeper)

func WithClock(c queue.Clock) Option {
	return func(s *Sweeper) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithPurgeRate caps queue purges per second within one pass; 0 or less
// purges as fast as the backend allows.
func WithPurgeRate(perSecond float64) Option {
	return func(s *Sweeper) {
		if perSecond <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

func New(store store.Driver, interval time.Duration, threshold int, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		interval:  interval,
		threshold: threshold,
		clock:     queue.SystemClock{},
		limiter:   rate.NewLimiter(rate.Inf, 1),
		logger:    zap.NewNop(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs passes until ctx is cancelled or Stop is called. Pass
// failures are logged and retried on the next tick.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("gc started",
		zap.Duration("interval", s.interval),
		zap.Int("threshold", s.threshold))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("gc stopped (context cancelled)")
			return

		case <-s.stopCh:
			s.logger.Info("gc stopped (stop signal)")
			return

		case <-ticker.C:
			purged, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Warn("gc pass failed", zap.Int("purged", purged), zap.Error(err))
			} else if purged > 0 {
				s.logger.Info("gc pass finished", zap.Int("purged", purged))
			}
			// If purged == 0, silently continue (nothing over threshold)
		}
	}
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce performs a single pass and returns how many messages it
// removed. A failure on one queue does not stop the others; all failures
// are joined into the returned error.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	now := s.clock.Now()

	purged := 0
	var errs []error
	defer func() {
		s.metrics.GCPass(time.Since(start), purged, len(errs) > 0)
	}()

	backlog, err := s.store.CountExpired(ctx, now)
	if err != nil {
		errs = append(errs, err)
		return 0, fmt.Errorf("count expired: %w", err)
	}

	for _, b := range backlog {
		if b.Count < s.threshold {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}

		n, err := s.store.PurgeExpired(ctx, b.Project, b.Queue, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s/%s: %w", b.Project, b.Queue, err))
			continue
		}
		purged += n
		s.logger.Debug("queue purged",
			zap.String("project", b.Project),
			zap.String("queue", b.Queue),
			zap.Int("purged", n))
	}

	// Claim records carry no backlog of their own, so they are dropped on
	// every pass regardless of the threshold.
	if ctx.Err() == nil {
		n, err := s.store.PurgeClaims(ctx, now)
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			s.logger.Debug("claims purged", zap.Int("claims", n))
		}
	}
	return purged, errors.Join(errs...)
}
