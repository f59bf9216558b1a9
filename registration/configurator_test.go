package registration_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timour/txbus/registration"
)

type OrderSubmitted struct {
	OrderID string
}

func TestAddConsumerDerivesTypeName(t *testing.T) {
	c := registration.New()
	registration.AddConsumer[OrderSubmitted](c, "orders-saga", registration.EndpointOptions{})

	plan := c.Plan()
	require.Len(t, plan.Consumers, 1)
	require.Equal(t, "orders-saga", plan.Consumers[0].Queue)
	require.Equal(t, []string{"OrderSubmitted"}, plan.Consumers[0].MessageTypes)
	require.Equal(t, 16, plan.Consumers[0].Options.PrefetchCount)
}

func TestAddEndpointMultipleTypes(t *testing.T) {
	c := registration.New()
	c.AddEndpoint("audit", []string{"OrderSubmitted", "OrderCancelled"}, registration.EndpointOptions{PrefetchCount: 4})

	plan := c.Plan()
	require.Len(t, plan.Consumers, 1)
	require.ElementsMatch(t, []string{"OrderSubmitted", "OrderCancelled"}, plan.Consumers[0].MessageTypes)
	require.Equal(t, 4, plan.Consumers[0].Options.PrefetchCount)
}

func TestEndpointOptionsRedeliverable(t *testing.T) {
	require.False(t, registration.EndpointOptions{}.Redeliverable())
}
