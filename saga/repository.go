package saga

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a repository lookup finds no active instance.
var ErrNotFound = errors.New("saga: instance not found")

// VersionConflict is returned by Repository.Save when the stored Version no
// longer matches the version the caller last read; the handler should fail
// so retry/redelivery reloads and replays against the newer state.
type VersionConflict struct {
	CorrelationID string
	Expected      int64
}

func (e *VersionConflict) Error() string {
	return "saga: version conflict on " + e.CorrelationID
}

// Repository is the persistence port the runtime depends on. Implementations
// must exclude archived instances from FindByCorrelationID.
type Repository interface {
	FindByCorrelationID(ctx context.Context, id string) (*Instance, error)
	Save(ctx context.Context, instance *Instance) error
	Delete(ctx context.Context, id string) error
	Archive(ctx context.Context, id string) error
	FindByState(ctx context.Context, stateName string) ([]*Instance, error)
	Count(ctx context.Context) (int64, error)
}
