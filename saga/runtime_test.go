package saga_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timour/txbus/envelope"
	"github.com/timour/txbus/saga"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

type paymentFailed struct {
	OrderID string `json:"orderId"`
}

type orderState struct {
	OrderID string `json:"orderId"`
}

type capturingPublisher struct {
	mu        sync.Mutex
	envelopes []*envelope.Envelope
}

func (p *capturingPublisher) PublishEnvelope(_ context.Context, _ string, env *envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
	return nil
}

func orderDefinition(compensated *[]string) *saga.Definition {
	def := saga.NewDefinition("Order")

	placed := def.When("OrderPlaced",
		func() any { return &orderPlaced{} },
		func(event any) string { return event.(*orderPlaced).OrderID },
	).Then(func(ctx *saga.ExecContext) error {
		var evt orderPlaced
		if err := ctx.BindMessage(&evt); err != nil {
			return err
		}
		return ctx.SetState(&orderState{OrderID: evt.OrderID})
	}).Compensate(func(ctx *saga.ExecContext) error {
		*compensated = append(*compensated, "OrderPlaced")
		return nil
	}).TransitionTo("AwaitingPayment")
	def.Initially(placed)

	failed := def.When("PaymentFailed",
		func() any { return &paymentFailed{} },
		func(event any) string { return event.(*paymentFailed).OrderID },
	).TransitionTo(saga.FailedStateName)
	def.During("AwaitingPayment", failed)

	return def
}

func encode(t *testing.T, v any) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}

func TestExecuteCreatesInstanceAndRegistersCompensation(t *testing.T) {
	var compensated []string
	def := orderDefinition(&compensated)
	repo := saga.NewMemoryRepository()
	pub := &capturingPublisher{}
	machine := &saga.Machine{Def: def, Repo: repo, Publisher: pub, Cluster: "test"}

	err := machine.Execute(context.Background(), "message:test:OrderPlaced", nil, encode(t, orderPlaced{OrderID: "order-1"}))
	require.NoError(t, err)

	inst, err := repo.FindByCorrelationID(context.Background(), "order-1")
	require.NoError(t, err)
	require.Equal(t, "AwaitingPayment", inst.CurrentState)
	require.Equal(t, int64(1), inst.Version)
	require.Len(t, inst.Compensations, 1)
	require.Equal(t, "OrderPlaced", inst.Compensations[0].EventName)
}

func TestExecuteRejectsUnacceptedTransition(t *testing.T) {
	var compensated []string
	def := orderDefinition(&compensated)
	repo := saga.NewMemoryRepository()
	pub := &capturingPublisher{}
	machine := &saga.Machine{Def: def, Repo: repo, Publisher: pub, Cluster: "test"}

	err := machine.Execute(context.Background(), "message:test:PaymentFailed", nil, encode(t, paymentFailed{OrderID: "order-404"}))
	require.Error(t, err)
	var faultErr *saga.FaultError
	require.ErrorAs(t, err, &faultErr)
}

func TestFailedTransitionTriggersCompensation(t *testing.T) {
	var compensated []string
	def := orderDefinition(&compensated)
	repo := saga.NewMemoryRepository()
	pub := &capturingPublisher{}
	machine := &saga.Machine{Def: def, Repo: repo, Publisher: pub, Cluster: "test"}

	ctx := context.Background()
	require.NoError(t, machine.Execute(ctx, "message:test:OrderPlaced", nil, encode(t, orderPlaced{OrderID: "order-2"})))
	require.NoError(t, machine.Execute(ctx, "message:test:PaymentFailed", nil, encode(t, paymentFailed{OrderID: "order-2"})))

	require.Equal(t, []string{"OrderPlaced"}, compensated)

	inst, err := repo.FindByCorrelationID(ctx, "order-2")
	require.NoError(t, err)
	require.Empty(t, inst.Compensations)
	require.True(t, inst.Compensating)
	require.Equal(t, saga.FailedStateName, inst.CurrentState)
}

func TestSaveVersionConflictSurfacesDirectly(t *testing.T) {
	repo := saga.NewMemoryRepository()
	inst, err := saga.New("order-3", orderState{OrderID: "order-3"})
	require.NoError(t, err)
	require.NoError(t, repo.Save(context.Background(), inst))

	stale, err := saga.New("order-3", orderState{OrderID: "order-3"})
	require.NoError(t, err)
	stale.Version = 0

	err = repo.Save(context.Background(), stale)
	require.Error(t, err)
	var conflict *saga.VersionConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "order-3", conflict.CorrelationID)
}

func TestExecutePrefersRepositoryOverStaleHeader(t *testing.T) {
	var compensated []string
	def := orderDefinition(&compensated)
	repo := saga.NewMemoryRepository()
	pub := &capturingPublisher{}
	machine := &saga.Machine{Def: def, Repo: repo, Publisher: pub, Cluster: "test"}
	ctx := context.Background()

	stored, err := saga.New("order-5", orderState{OrderID: "order-5"})
	require.NoError(t, err)
	stored.CurrentState = "AwaitingPayment"
	require.NoError(t, repo.Save(ctx, stored))

	stale, err := saga.New("order-5", orderState{OrderID: "order-5"})
	require.NoError(t, err)
	stale.CurrentState = "SomeStaleState"
	stale.Version = 0
	staleHeader := encode(t, stale)

	err = machine.Execute(ctx, "message:test:PaymentFailed", staleHeader, encode(t, paymentFailed{OrderID: "order-5"}))
	require.NoError(t, err)

	inst, err := repo.FindByCorrelationID(ctx, "order-5")
	require.NoError(t, err)
	require.Equal(t, saga.FailedStateName, inst.CurrentState)
}

func TestExecuteSeedsFromHeaderWhenNoStoredInstance(t *testing.T) {
	var compensated []string
	def := orderDefinition(&compensated)
	repo := saga.NewMemoryRepository()
	pub := &capturingPublisher{}
	machine := &saga.Machine{Def: def, Repo: repo, Publisher: pub, Cluster: "test"}
	ctx := context.Background()

	seed, err := saga.New("order-6", orderState{OrderID: "order-6"})
	require.NoError(t, err)
	seed.CurrentState = "AwaitingPayment"
	seedHeader := encode(t, seed)

	err = machine.Execute(ctx, "message:test:PaymentFailed", seedHeader, encode(t, paymentFailed{OrderID: "order-6"}))
	require.NoError(t, err)

	inst, err := repo.FindByCorrelationID(ctx, "order-6")
	require.NoError(t, err)
	require.Equal(t, saga.FailedStateName, inst.CurrentState)
}

func TestMemoryRepositoryClonesOnReadAndWrite(t *testing.T) {
	repo := saga.NewMemoryRepository()
	inst, err := saga.New("order-4", orderState{OrderID: "order-4"})
	require.NoError(t, err)
	require.NoError(t, repo.Save(context.Background(), inst))

	found, err := repo.FindByCorrelationID(context.Background(), "order-4")
	require.NoError(t, err)
	found.CurrentState = "mutated"

	reread, err := repo.FindByCorrelationID(context.Background(), "order-4")
	require.NoError(t, err)
	require.NotEqual(t, "mutated", reread.CurrentState)
}
