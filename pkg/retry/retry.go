// Package retry bounds read-after-write waits on the
// ledger: a freshly created object may not be readable
// for a short while after its transaction commits.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/chain"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 4 * time.Second
)

// Options controls a retry loop. Zero fields take the
// defaults above.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error warrants another
	// attempt. Defaults to chain.ErrObjectNotFound.
	Retryable func(error) bool
	// Delay returns the wait after the given 1-based
	// failed attempt. Defaults to Linear.
	Delay func(attempt int, base time.Duration) time.Duration
	// Sleep waits for d or until ctx is done. Tests
	// replace it to avoid real waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Linear waits attempt * base.
func Linear(attempt int, base time.Duration) time.Duration {
	return time.Duration(attempt) * base
}

// Exponential waits base * 2^(attempt-1).
func Exponential(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		attempt = 32
	}
	return base << (attempt - 1)
}

func notFound(err error) bool {
	return errors.Is(err, chain.ErrObjectNotFound)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Retryable == nil {
		o.Retryable = notFound
	}
	if o.Delay == nil {
		o.Delay = Linear
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	return o
}

// Do calls fn until it succeeds, returns a non-retryable
// error, or MaxAttempts calls have failed. Delays never
// decrease and never exceed MaxDelay. Exhaustion returns
// sealerr.ErrIndexingTimeout wrapping the last error.
func Do[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	opts = opts.withDefaults()

	var (
		zero    T
		lastErr error
		prev    time.Duration
	)
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !opts.Retryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt == opts.MaxAttempts {
			break
		}

		d := opts.Delay(attempt, opts.BaseDelay)
		if d > opts.MaxDelay {
			d = opts.MaxDelay
		}
		if d < prev {
			d = prev
		}
		prev = d
		if err := opts.Sleep(ctx, d); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", sealerr.ErrIndexingTimeout, opts.MaxAttempts, lastErr)
}

// AwaitObject polls until id is readable.
func AwaitObject(ctx context.Context, ledger chain.Ledger, id identifier.ObjectID, opts Options) (chain.Object, error) {
	return Do(ctx, func(ctx context.Context) (chain.Object, error) {
		return ledger.Read(ctx, id)
	}, opts)
}

// AwaitOwned polls the owned objects of owner until one
// satisfies match.
func AwaitOwned(
	ctx context.Context,
	ledger chain.Ledger,
	owner identifier.Address,
	t chain.ObjectType,
	match func(chain.Object) bool,
	opts Options,
) (chain.Object, error) {
	return Do(ctx, func(ctx context.Context) (chain.Object, error) {
		objs, err := ledger.OwnedObjects(ctx, owner, t)
		if err != nil {
			return chain.Object{}, err
		}
		for _, o := range objs {
			if match(o) {
				return o, nil
			}
		}
		return chain.Object{}, fmt.Errorf("owned %s of %s: %w", t, owner, chain.ErrObjectNotFound)
	}, opts)
}
