// Package consumer implements the receive-side pipeline that decodes,
// validates, dispatches, retries and finally redelivers or deadletters every
// message pulled off a declared broker.Endpoint.
package consumer

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/timour/txbus/broker"
	"github.com/timour/txbus/common/metrics"
	"github.com/timour/txbus/envelope"
	"github.com/timour/txbus/registration"
)

// Context is handed to a handler for a single delivery.
type Context struct {
	context.Context
	Envelope      *envelope.Envelope
	ReplyTo       string
	CorrelationID string
}

// Binding pairs a message type with a fresh-value constructor (so the
// pipeline can unmarshal and validate a concrete struct) and the handler
// invoked once decoding and validation succeed. Handle may return a reply
// value, published back when the delivery carried a ReplyTo.
type Binding struct {
	New    func() any
	Handle func(cctx *Context, payload any) (reply any, err error)
}

// BrokerClient is the narrow slice of broker.Transport the pipeline needs:
// reply, delayed redelivery, and deadlettering. *broker.Transport satisfies
// it directly; tests substitute a fake.
type BrokerClient interface {
	Reply(ctx context.Context, replyTo, correlationID string, payload any) error
	Redeliver(ctx context.Context, queue string, env *envelope.Envelope, delay time.Duration) error
	DeadLetter(ctx context.Context, queue string, record broker.DeadLetterRecord) error
}

// Pipeline runs the consumer pipeline for a single declared endpoint.
type Pipeline struct {
	Queue       string
	Endpoint    *broker.Endpoint
	Transport   BrokerClient
	Options     registration.EndpointOptions
	Validator   *Validator
	Idempotency IdempotencyStore
	Metrics     *metrics.PipelineMetrics
	Log         *slog.Logger

	handlers map[string]Binding
}

// NewPipeline returns a Pipeline ready to accept Register calls.
func NewPipeline(queue string, ep *broker.Endpoint, transport BrokerClient, opts registration.EndpointOptions) *Pipeline {
	return &Pipeline{
		Queue:     queue,
		Endpoint:  ep,
		Transport: transport,
		Options:   opts,
		Log:       slog.Default(),
		handlers:  map[string]Binding{},
	}
}

// Register binds a message type name to a Binding. messageType is the bare
// type name carried as the last segment of the envelope's messageType field.
func (p *Pipeline) Register(messageType string, b Binding) {
	p.handlers[messageType] = b
}

// Run consumes deliveries until the endpoint's channel is closed.
func (p *Pipeline) Run(ctx context.Context) {
	for d := range p.Endpoint.Deliveries {
		p.handleDelivery(ctx, d)
	}
}

func (p *Pipeline) handleDelivery(parent context.Context, d amqp.Delivery) {
	env, err := envelope.Decode(d.Body)
	if err != nil {
		p.Log.Error("malformed envelope, deadlettering", slog.String("queue", p.Queue), slog.Any("error", err))
		p.deadletter(parent, d, nil, err, 0)
		_ = d.Ack(false)
		return
	}

	ctx := broker.Extract(parent, d.Headers)
	typeName := envelope.TypeName(env.MessageType)
	binding, ok := p.handlers[typeName]
	if !ok {
		p.Log.Error("no handler registered for message type", slog.String("queue", p.Queue), slog.String("type", typeName))
		p.deadletter(ctx, d, env, errUnhandledType(typeName), 0)
		_ = d.Ack(false)
		return
	}

	if p.Idempotency != nil {
		seen, err := p.Idempotency.SeenBefore(ctx, env.MessageID)
		if err != nil {
			p.Log.Warn("idempotency check failed, processing anyway", slog.Any("error", err))
		} else if seen {
			p.recordOutcome("duplicate")
			_ = d.Ack(false)
			return
		}
	}

	payload := binding.New()
	if err := env.Unmarshal(payload); err != nil {
		p.recordValidationFault()
		p.deadletter(ctx, d, env, err, 0)
		_ = d.Ack(false)
		return
	}
	if p.Validator != nil {
		if err := p.Validator.Struct(payload); err != nil {
			p.recordValidationFault()
			p.deadletter(ctx, d, env, err, 0)
			_ = d.Ack(false)
			return
		}
	}

	cctx := &Context{Context: ctx, Envelope: env, ReplyTo: d.ReplyTo, CorrelationID: d.CorrelationId}
	start := time.Now()
	reply, handleErr, retries := p.invokeWithRetry(cctx, binding, payload)
	duration := time.Since(start)

	if handleErr == nil {
		if p.Metrics != nil {
			p.Metrics.RecordHandler(p.Queue, "ack", duration)
		}
		if d.ReplyTo != "" {
			var body any = reply
			if body == nil {
				body = true
			}
			if err := p.Transport.Reply(ctx, d.ReplyTo, d.CorrelationId, body); err != nil {
				p.Log.Warn("reply publish failed", slog.Any("error", err))
			}
		}
		_ = d.Ack(false)
		return
	}

	p.redeliverOrDeadletter(ctx, d, env, handleErr, retries, duration)
}

func (p *Pipeline) invokeWithRetry(cctx *Context, binding Binding, payload any) (any, error, int) {
	attempt := 0
	for {
		reply, err := binding.Handle(cctx, payload)
		if err == nil {
			return reply, nil, attempt
		}
		if p.Options.Retry == nil {
			return nil, err, attempt
		}
		attempt++
		delay, ok := p.Options.Retry.Next(attempt)
		if !ok {
			// attempt was rejected, never run: report only the
			// retries that actually executed.
			return nil, err, attempt - 1
		}
		if p.Metrics != nil {
			p.Metrics.Retries.WithLabelValues(p.Queue).Inc()
		}
		time.Sleep(delay)
	}
}

func (p *Pipeline) redeliverOrDeadletter(ctx context.Context, d amqp.Delivery, env *envelope.Envelope, cause error, retries int, duration time.Duration) {
	if p.Options.Redelivery != nil {
		delay, ok := p.Options.Redelivery.Next(env.Headers.Redelivery + 1)
		if ok {
			if err := p.Transport.Redeliver(ctx, p.Queue, env, delay); err == nil {
				if p.Metrics != nil {
					p.Metrics.RecordHandler(p.Queue, "redelivered", duration)
					p.Metrics.Redeliveries.WithLabelValues(p.Queue).Inc()
				}
				_ = d.Ack(false)
				return
			} else if err != broker.ErrRedeliveryUnavailable {
				p.Log.Error("redelivery publish failed, deadlettering instead", slog.Any("error", err))
			}
		}
	}
	if p.Metrics != nil {
		p.Metrics.RecordHandler(p.Queue, "deadlettered", duration)
	}
	p.deadletter(ctx, d, env, cause, retries)
	_ = d.Ack(false)
}

func (p *Pipeline) deadletter(ctx context.Context, d amqp.Delivery, env *envelope.Envelope, cause error, retries int) {
	record := broker.DeadLetterRecord{
		Queue:      p.Queue,
		Payload:    d.Body,
		RetryCount: retries,
	}
	if env != nil {
		record.RedeliveryCount = env.Headers.Redelivery
	}
	if cause != nil {
		record.Exception = cause.Error()
	}
	if err := p.Transport.DeadLetter(ctx, p.Queue, record); err != nil {
		p.Log.Error("failed to publish deadletter record", slog.String("queue", p.Queue), slog.Any("error", err))
	}
	if p.Metrics != nil {
		p.Metrics.Deadlettered.WithLabelValues(p.Queue).Inc()
	}
}

func (p *Pipeline) recordOutcome(outcome string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.MessagesConsumed.WithLabelValues(p.Queue, outcome).Inc()
}

func (p *Pipeline) recordValidationFault() {
	p.recordOutcome("validation_fault")
	if p.Metrics != nil {
		p.Metrics.ValidationFaults.WithLabelValues(p.Queue).Inc()
	}
}

type unhandledTypeError struct{ typeName string }

func (e *unhandledTypeError) Error() string { return "consumer: no handler for message type " + e.typeName }

func errUnhandledType(typeName string) error { return &unhandledTypeError{typeName: typeName} }
