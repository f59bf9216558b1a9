package consumer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/timour/txbus/broker"
	"github.com/timour/txbus/consumer"
	"github.com/timour/txbus/envelope"
	"github.com/timour/txbus/registration"
	"github.com/timour/txbus/retry"
)

type fakeAcker struct {
	acked  chan struct{}
	nacked int
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	close(f.acked)
	return nil
}
func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error { f.nacked++; return nil }
func (f *fakeAcker) Reject(tag uint64, requeue bool) error         { f.nacked++; return nil }

type fakeBrokerClient struct {
	deadlettered []broker.DeadLetterRecord
	redelivered  []time.Duration
}

func (f *fakeBrokerClient) Reply(ctx context.Context, replyTo, correlationID string, payload any) error {
	return nil
}

func (f *fakeBrokerClient) Redeliver(ctx context.Context, queue string, env *envelope.Envelope, delay time.Duration) error {
	f.redelivered = append(f.redelivered, delay)
	return broker.ErrRedeliveryUnavailable
}

func (f *fakeBrokerClient) DeadLetter(ctx context.Context, queue string, record broker.DeadLetterRecord) error {
	f.deadlettered = append(f.deadlettered, record)
	return nil
}

type orderSubmitted struct {
	OrderID string `json:"orderId"`
}

func deliveryFor(t *testing.T, messageType string, payload any) amqp.Delivery {
	t.Helper()
	env, err := envelope.New("test", messageType, payload, envelope.TypePublish)
	require.NoError(t, err)
	body, err := env.Marshal()
	require.NoError(t, err)
	return amqp.Delivery{Body: body, Acknowledger: &fakeAcker{acked: make(chan struct{})}}
}

// TestRetryExhaustion reproduces the documented retry-exhaustion scenario:
// a handler that always fails with Immediate(3) configured must be invoked
// exactly 4 times (1 initial + 3 retries) before landing on the error queue
// with a retry count of 3.
func TestRetryExhaustion(t *testing.T) {
	client := &fakeBrokerClient{}
	ep := &broker.Endpoint{Queue: "orders-saga"}
	deliveries := make(chan amqp.Delivery, 1)
	ep.Deliveries = deliveries

	p := consumer.NewPipeline("orders-saga", ep, client, registration.EndpointOptions{
		Retry: retry.Immediate{N: 3},
	})

	invocations := 0
	p.Register("orderSubmitted", consumer.Binding{
		New: func() any { return &orderSubmitted{} },
		Handle: func(cctx *consumer.Context, payload any) (any, error) {
			invocations++
			return nil, errors.New("boom")
		},
	})

	d := deliveryFor(t, "orderSubmitted", orderSubmitted{OrderID: "o-1"})
	acker := d.Acknowledger.(*fakeAcker)
	deliveries <- d
	close(deliveries)

	p.Run(context.Background())

	require.Equal(t, 4, invocations)
	require.Len(t, client.deadlettered, 1)
	require.Equal(t, 3, client.deadlettered[0].RetryCount)
	select {
	case <-acker.acked:
	default:
		t.Fatal("expected delivery to be acked after deadlettering")
	}
}

// TestSuccessAcksWithoutRetry verifies a handler that succeeds on the first
// attempt is never retried and the delivery is acked.
func TestSuccessAcksWithoutRetry(t *testing.T) {
	client := &fakeBrokerClient{}
	ep := &broker.Endpoint{}
	deliveries := make(chan amqp.Delivery, 1)
	ep.Deliveries = deliveries

	p := consumer.NewPipeline("orders-saga", ep, client, registration.EndpointOptions{})

	invocations := 0
	p.Register("orderSubmitted", consumer.Binding{
		New: func() any { return &orderSubmitted{} },
		Handle: func(cctx *consumer.Context, payload any) (any, error) {
			invocations++
			return true, nil
		},
	})

	d := deliveryFor(t, "orderSubmitted", orderSubmitted{OrderID: "o-2"})
	acker := d.Acknowledger.(*fakeAcker)
	deliveries <- d
	close(deliveries)

	p.Run(context.Background())

	require.Equal(t, 1, invocations)
	require.Empty(t, client.deadlettered)
	select {
	case <-acker.acked:
	default:
		t.Fatal("expected delivery to be acked on success")
	}
}
