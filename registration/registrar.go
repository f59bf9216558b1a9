package registration

import (
	"context"
	"log/slog"
	"time"

	"github.com/timour/txbus/discovery"
)

// HealthRegistrar registers a running bus instance into an operational
// registry (Consul in production, an in-memory stand-in in tests) and keeps
// it alive with periodic HealthCheck calls until Close.
type HealthRegistrar struct {
	registry    discovery.Registry
	instanceID  string
	serviceName string
	log         *slog.Logger

	stop chan struct{}
}

// NewHealthRegistrar wraps registry with a TTL renewal loop for instance on
// serviceName, reachable at hostPort.
func NewHealthRegistrar(registry discovery.Registry, serviceName, hostPort string, log *slog.Logger) *HealthRegistrar {
	if log == nil {
		log = slog.Default()
	}
	return &HealthRegistrar{
		registry:    registry,
		instanceID:  discovery.GenerateInstanceID(serviceName),
		serviceName: serviceName,
		log:         log,
		stop:        make(chan struct{}),
	}
}

// Start registers the instance and begins renewing its health check every
// interval until Close is called.
func (r *HealthRegistrar) Start(ctx context.Context, hostPort string, interval time.Duration) error {
	if err := r.registry.Register(ctx, r.instanceID, r.serviceName, hostPort); err != nil {
		return err
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go r.renewLoop(interval)
	return nil
}

func (r *HealthRegistrar) renewLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.registry.HealthCheck(r.instanceID, r.serviceName); err != nil {
				r.log.Warn("health check renewal failed", slog.String("instance", r.instanceID), slog.Any("error", err))
			}
		}
	}
}

// Close deregisters the instance and stops the renewal loop.
func (r *HealthRegistrar) Close(ctx context.Context) error {
	close(r.stop)
	return r.registry.Deregister(ctx, r.instanceID, r.serviceName)
}
