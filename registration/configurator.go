package registration

import (
	"context"
	"fmt"
	"reflect"

	"github.com/timour/txbus/broker"
)

// ConsumerBinding is one registered consumer: the queue it reads from, every
// message type name it is bound to, and the options governing its pipeline.
type ConsumerBinding struct {
	Queue        string
	MessageTypes []string
	Options      EndpointOptions
}

// Plan is the fully assembled topology a Configurator produces: every
// consumer and saga endpoint a process wants declared against the broker.
type Plan struct {
	Consumers []ConsumerBinding
}

// Configurator accumulates endpoint registrations with a fluent API, then
// declares the resulting Plan against a connected broker.Transport.
type Configurator struct {
	plan Plan
}

// New returns an empty Configurator.
func New() *Configurator {
	return &Configurator{}
}

// typeName derives the message type name bound to Go type T by its bare
// struct name, e.g. orders.OrderSubmitted -> "OrderSubmitted".
func typeName[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}

// AddConsumer registers a receive endpoint on queue bound to message type T,
// the Go-generic analogue of a ConsumerDefinition<T> registration.
func AddConsumer[T any](c *Configurator, queue string, opts EndpointOptions) *Configurator {
	c.plan.Consumers = append(c.plan.Consumers, ConsumerBinding{
		Queue:        queue,
		MessageTypes: []string{typeName[T]()},
		Options:      opts.withDefaults(),
	})
	return c
}

// AddEndpoint registers a receive endpoint bound to an explicit list of
// message type names, for consumers that handle more than one type or whose
// type isn't a Go struct known at the call site (e.g. saga event endpoints).
func (c *Configurator) AddEndpoint(queue string, messageTypes []string, opts EndpointOptions) *Configurator {
	c.plan.Consumers = append(c.plan.Consumers, ConsumerBinding{
		Queue:        queue,
		MessageTypes: messageTypes,
		Options:      opts.withDefaults(),
	})
	return c
}

// Plan returns the accumulated topology.
func (c *Configurator) Plan() Plan {
	return c.plan
}

// Declared is a live endpoint handed back after Apply, paired with the
// options it was declared with.
type Declared struct {
	Binding  ConsumerBinding
	Endpoint *broker.Endpoint
}

// Apply declares every accumulated endpoint against transport, in
// registration order, and returns the resulting live endpoints.
func (c *Configurator) Apply(ctx context.Context, transport *broker.Transport) ([]Declared, error) {
	declared := make([]Declared, 0, len(c.plan.Consumers))
	for _, b := range c.plan.Consumers {
		ep, err := transport.DeclareEndpoint(b.Queue, b.MessageTypes, broker.EndpointOptions{
			PrefetchCount:  b.Options.PrefetchCount,
			Redeliverable:  b.Options.Redeliverable(),
			PurgeOnStartup: b.Options.PurgeOnStartup,
		})
		if err != nil {
			return nil, fmt.Errorf("registration: declare %s: %w", b.Queue, err)
		}
		declared = append(declared, Declared{Binding: b, Endpoint: ep})
	}
	return declared, nil
}
