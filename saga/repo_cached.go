package saga

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedRepository wraps another Repository with a Redis cache-aside layer
// for FindByCorrelationID: reads try the cache first and fall back to the
// underlying store on a miss, repopulating the cache; Save writes through to
// the underlying store and then repopulates the cache with the saved
// version directly, since Save already holds it. Delete and Archive instead
// invalidate the entry, since there is no longer a live version to cache; a
// Save rejected with VersionConflict also invalidates it, so the next read
// reloads the newer version from the underlying store.
type CachedRepository struct {
	inner Repository
	redis *redis.Client
	ttl   time.Duration
	log   *slog.Logger
}

// NewCachedRepository wraps inner with a Redis cache whose entries expire
// after ttl.
func NewCachedRepository(inner Repository, client *redis.Client, ttl time.Duration, log *slog.Logger) *CachedRepository {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedRepository{inner: inner, redis: client, ttl: ttl, log: log}
}

func (r *CachedRepository) cacheKey(id string) string { return "saga:instance:" + id }

func (r *CachedRepository) FindByCorrelationID(ctx context.Context, id string) (*Instance, error) {
	key := r.cacheKey(id)
	if data, err := r.redis.Get(ctx, key).Bytes(); err == nil {
		var inst Instance
		if err := json.Unmarshal(data, &inst); err == nil {
			return &inst, nil
		}
	} else if err != redis.Nil {
		r.log.Warn("saga cache read failed, querying store", slog.Any("error", err))
	}

	inst, err := r.inner.FindByCorrelationID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.populate(ctx, inst)
	return inst, nil
}

func (r *CachedRepository) Save(ctx context.Context, instance *Instance) error {
	if err := r.inner.Save(ctx, instance); err != nil {
		var conflict *VersionConflict
		if errors.As(err, &conflict) {
			r.invalidate(ctx, instance.CorrelationID)
		}
		return err
	}
	r.populate(ctx, instance)
	return nil
}

func (r *CachedRepository) populate(ctx context.Context, instance *Instance) {
	body, err := json.Marshal(instance)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, r.cacheKey(instance.CorrelationID), body, r.ttl).Err(); err != nil {
		r.log.Warn("saga cache populate failed", slog.String("correlationId", instance.CorrelationID), slog.Any("error", err))
	}
}

func (r *CachedRepository) invalidate(ctx context.Context, id string) {
	if err := r.redis.Del(ctx, r.cacheKey(id)).Err(); err != nil {
		r.log.Warn("saga cache invalidate failed", slog.String("correlationId", id), slog.Any("error", err))
	}
}

func (r *CachedRepository) Delete(ctx context.Context, id string) error {
	if err := r.inner.Delete(ctx, id); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *CachedRepository) Archive(ctx context.Context, id string) error {
	if err := r.inner.Archive(ctx, id); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *CachedRepository) FindByState(ctx context.Context, stateName string) ([]*Instance, error) {
	return r.inner.FindByState(ctx, stateName)
}

func (r *CachedRepository) Count(ctx context.Context) (int64, error) {
	return r.inner.Count(ctx)
}

var _ Repository = (*CachedRepository)(nil)
