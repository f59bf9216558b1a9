// Package discovery registers a running bus instance (one per cluster
// connection) so operators can see which processes are consuming a given
// endpoint — it sits alongside message delivery, not on its path.
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Registry is the operational service registry a bus instance registers
// itself into on startup and deregisters from on shutdown.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID builds a unique registry id for a bus instance, e.g.
// "orders-saga-8172635420".
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%d", serviceName, rand.New(rand.NewSource(time.Now().UnixNano())).Int())
}
