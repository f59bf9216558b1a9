package broker_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timour/txbus/broker"
)

func TestNaming(t *testing.T) {
	n := broker.Naming{Cluster: "dev"}
	require.Equal(t, "dev:OrderSubmitted", n.Exchange("OrderSubmitted"))
	require.Equal(t, "dev:orders-saga", n.Queue("orders-saga"))
	require.Equal(t, "dev:delayed.exchange.orders-saga", n.DelayedExchange("orders-saga"))
	require.Equal(t, "dev:orders-saga_error", n.ErrorQueue("orders-saga"))
}

func TestNamingNoCluster(t *testing.T) {
	n := broker.Naming{}
	require.Equal(t, "OrderSubmitted", n.Exchange("OrderSubmitted"))
}
