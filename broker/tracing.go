package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// headerCarrier adapts amqp.Table to propagation.TextMapCarrier so a trace
// started around Publish continues across the wire into the consumer that
// receives the delivery, since AMQP has no built-in trace propagation.
type headerCarrier struct {
	table amqp.Table
}

func (c *headerCarrier) Get(key string) string {
	if v, ok := c.table[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	c.table[key] = value
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.table))
	for k := range c.table {
		keys = append(keys, k)
	}
	return keys
}

// injectTrace writes the current span context from ctx into an amqp.Table
// suitable for amqp.Publishing.Headers.
func injectTrace(ctx context.Context, headers amqp.Table) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{table: headers})
	return headers
}

// extractTrace recovers a span context previously injected by injectTrace.
func extractTrace(ctx context.Context, headers amqp.Table) context.Context {
	if headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{table: headers})
}
