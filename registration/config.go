// Package registration provides the fluent configuration surface a process
// uses to describe its consumers, saga state machines and receive endpoints,
// and to declare that topology against a connected broker.Transport at
// startup.
package registration

import "github.com/timour/txbus/retry"

// EndpointOptions configures how a single receive endpoint behaves: how many
// unacked deliveries it will hold concurrently and which retry strategies
// apply at each level of the consumer pipeline.
type EndpointOptions struct {
	PrefetchCount int
	// UseIdempotency is recorded with the endpoint but not read by
	// consumer.Pipeline, which dedups only when its Idempotency store is set.
	UseIdempotency bool

	// Retry is the in-memory retry strategy (level 1). Nil disables it.
	Retry retry.Strategy
	// Redelivery is the delayed-requeue strategy (level 2). Nil disables it.
	Redelivery retry.Strategy

	PurgeOnStartup bool
}

func (o EndpointOptions) withDefaults() EndpointOptions {
	if o.PrefetchCount <= 0 {
		o.PrefetchCount = 16
	}
	return o
}

// Redeliverable reports whether this endpoint needs a delayed exchange
// declared for it.
func (o EndpointOptions) Redeliverable() bool {
	return o.Redelivery != nil
}
