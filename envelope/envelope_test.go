package envelope_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timour/txbus/envelope"
)

type orderSubmitted struct {
	OrderID string    `json:"orderId"`
	Total   int64     `json:"total"`
	Email   string    `json:"email"`
	Placed  time.Time `json:"placed"`
}

func TestRoundTrip(t *testing.T) {
	payload := orderSubmitted{
		OrderID: "A",
		Total:   10000,
		Email:   "buyer@example.com",
		Placed:  time.Now().UTC().Truncate(time.Second),
	}

	env, err := envelope.New("dev", "OrderSubmitted", payload, envelope.TypePublish)
	require.NoError(t, err)
	require.Equal(t, "message:dev:OrderSubmitted", env.MessageType)

	wire, err := env.Marshal()
	require.NoError(t, err)

	decoded, err := envelope.Decode(wire)
	require.NoError(t, err)
	require.Equal(t, env.MessageID, decoded.MessageID)
	require.Equal(t, env.MessageType, decoded.MessageType)

	var got orderSubmitted
	require.NoError(t, decoded.Unmarshal(&got))
	require.Equal(t, payload, got)
}

func TestTypeName(t *testing.T) {
	require.Equal(t, "OrderSubmitted", envelope.TypeName("message:dev:OrderSubmitted"))
	require.Equal(t, "Flat", envelope.TypeName("Flat"))
}

func TestNewMessageIDIsTimeOrdered(t *testing.T) {
	a := envelope.NewMessageID()
	time.Sleep(time.Millisecond)
	b := envelope.NewMessageID()
	require.NotEqual(t, a, b)
	require.Less(t, a, b)
}
