package saga

import (
	"context"
	"time"

	"github.com/timour/txbus/retry"
)

// RetryingRepository applies a retry.Strategy uniformly to every operation
// of a wrapped Repository, so transient backend failures (a dropped
// connection, a momentary timeout) don't surface as permanent handler
// faults. VersionConflict is never retried here — that decision belongs to
// the saga runtime, which reloads and replays.
type RetryingRepository struct {
	inner    Repository
	strategy retry.Strategy
}

// NewRetryingRepository wraps inner, retrying failed operations (other than
// VersionConflict) according to strategy.
func NewRetryingRepository(inner Repository, strategy retry.Strategy) *RetryingRepository {
	return &RetryingRepository{inner: inner, strategy: strategy}
}

func (r *RetryingRepository) run(ctx context.Context, op func() error) error {
	attempt := 0
	for {
		err := op()
		if err == nil {
			return nil
		}
		if _, isConflict := err.(*VersionConflict); isConflict {
			return err
		}
		attempt++
		delay, ok := r.strategy.Next(attempt)
		if !ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *RetryingRepository) FindByCorrelationID(ctx context.Context, id string) (*Instance, error) {
	var inst *Instance
	err := r.run(ctx, func() error {
		var err error
		inst, err = r.inner.FindByCorrelationID(ctx, id)
		return err
	})
	return inst, err
}

func (r *RetryingRepository) Save(ctx context.Context, instance *Instance) error {
	return r.run(ctx, func() error { return r.inner.Save(ctx, instance) })
}

func (r *RetryingRepository) Delete(ctx context.Context, id string) error {
	return r.run(ctx, func() error { return r.inner.Delete(ctx, id) })
}

func (r *RetryingRepository) Archive(ctx context.Context, id string) error {
	return r.run(ctx, func() error { return r.inner.Archive(ctx, id) })
}

func (r *RetryingRepository) FindByState(ctx context.Context, stateName string) ([]*Instance, error) {
	var out []*Instance
	err := r.run(ctx, func() error {
		var err error
		out, err = r.inner.FindByState(ctx, stateName)
		return err
	})
	return out, err
}

func (r *RetryingRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.run(ctx, func() error {
		var err error
		n, err = r.inner.Count(ctx)
		return err
	})
	return n, err
}

var _ Repository = (*RetryingRepository)(nil)
