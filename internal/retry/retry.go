// Package retry runs storage writes under a bounded linear backoff with
// jitter.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/aridsondez/claimq/internal/queue"
)

// Policy computes the sleep before attempt k (1-based, counting retries):
//
//	min(MaxSleep, BaseIncrement*k) + uniform[0, MaxJitter)
//
// Jitter keeps concurrent writers that failed together from retrying in
// lockstep.
type Policy struct {
	MaxAttempts   int
	BaseIncrement time.Duration
	MaxSleep      time.Duration
	MaxJitter     time.Duration

	// Rand returns a float in [0,1). Defaults to math/rand/v2.
	Rand func() float64
	// Sleep suspends for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *zap.Logger
	// OnRetry is invoked before each sleep; metrics hook.
	OnRetry func(attempt int, err error)
	// OnExhausted is invoked when Do gives up on a transient error.
	OnExhausted func()
}

// New builds a policy whose increment spreads MaxSleep across MaxAttempts,
// so the sleep ramps up linearly and only saturates on the last attempt.
func New(maxAttempts int, maxSleep, maxJitter time.Duration) Policy {
	p := Policy{
		MaxAttempts: maxAttempts,
		MaxSleep:    maxSleep,
		MaxJitter:   maxJitter,
	}
	if maxAttempts > 0 {
		p.BaseIncrement = maxSleep / time.Duration(maxAttempts)
	}
	if p.BaseIncrement <= 0 {
		p.BaseIncrement = time.Millisecond
	}
	return p
}

// Backoff is the deterministic part of the sleep before attempt k.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.BaseIncrement * time.Duration(attempt)
	if d > p.MaxSleep || d < 0 {
		d = p.MaxSleep
	}
	return d
}

// Delay is Backoff plus a fresh jitter sample.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Backoff(attempt)
	if p.MaxJitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(r() * float64(p.MaxJitter))
	}
	return d
}

// Do runs op until it succeeds, fails with a non-transient error, or
// MaxAttempts is exhausted. Exhaustion returns the last error wrapped in
// queue.ErrStorageWriteFailed.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, last)
			}
			d := p.Delay(attempt)
			if p.Logger != nil {
				p.Logger.Debug("retrying storage write",
					zap.Int("attempt", attempt),
					zap.Duration("sleep", d),
					zap.Error(last))
			}
			if err := sleep(ctx, d); err != nil {
				p.exhausted()
				return fmt.Errorf("%w: %w", queue.ErrStorageWriteFailed, last)
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !queue.IsTransient(err) {
			return err
		}
		last = err
	}

	if p.Logger != nil {
		p.Logger.Warn("storage write attempts exhausted",
			zap.Int("attempts", attempts), zap.Error(last))
	}
	p.exhausted()
	return fmt.Errorf("%w after %d attempts: %w", queue.ErrStorageWriteFailed, attempts, last)
}

func (p Policy) exhausted() {
	if p.OnExhausted != nil {
		p.OnExhausted()
	}
}

// Sleep waits for d without holding the goroutine past ctx cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
