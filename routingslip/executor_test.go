package routingslip_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timour/txbus/routingslip"
)

type processPayment struct{ compensated *[]string }

func (a *processPayment) Execute(ctx *routingslip.ExecuteContext) routingslip.Result {
	return routingslip.Completed(map[string]any{"refundId": "refund-1"})
}

func (a *processPayment) Compensate(ctx *routingslip.CompensateContext) error {
	*a.compensated = append(*a.compensated, "ProcessPayment")
	return nil
}

type reserveInventory struct{ compensated *[]string }

func (a *reserveInventory) Execute(ctx *routingslip.ExecuteContext) routingslip.Result {
	return routingslip.Completed(map[string]any{"reservationId": "reservation-1"})
}

func (a *reserveInventory) Compensate(ctx *routingslip.CompensateContext) error {
	*a.compensated = append(*a.compensated, "ReserveInventory")
	return nil
}

type qualityCheck struct{ shouldFail bool }

func (a *qualityCheck) Execute(ctx *routingslip.ExecuteContext) routingslip.Result {
	if a.shouldFail {
		return routingslip.Faulted(errors.New("quality check failed"))
	}
	return routingslip.Completed(nil)
}

func newExecutor(compensated *[]string, qualityShouldFail bool) *routingslip.Executor {
	ex := routingslip.NewExecutor()
	ex.AddActivity("ProcessPayment", func() routingslip.Activity { return &processPayment{compensated: compensated} })
	ex.AddActivity("ReserveInventory", func() routingslip.Activity { return &reserveInventory{compensated: compensated} })
	ex.AddActivity("QualityCheck", func() routingslip.Activity { return &qualityCheck{shouldFail: qualityShouldFail} })
	return ex
}

func itinerary() []routingslip.ItineraryStep {
	return []routingslip.ItineraryStep{
		{ActivityName: "ProcessPayment"},
		{ActivityName: "ReserveInventory"},
		{ActivityName: "QualityCheck"},
	}
}

func TestRoutingSlipCompensatesInReverseOnFault(t *testing.T) {
	var compensated []string
	ex := newExecutor(&compensated, true)
	slip := routingslip.NewSlip("track-1", "order-1", itinerary())

	err := ex.Run(t.Context(), slip)
	require.Error(t, err)

	require.Len(t, slip.ActivityLogs, 2)
	require.Equal(t, "ProcessPayment", slip.ActivityLogs[0].ActivityName)
	require.Equal(t, "ReserveInventory", slip.ActivityLogs[1].ActivityName)

	require.Len(t, slip.ActivityExceptions, 1)
	require.Equal(t, "QualityCheck", slip.ActivityExceptions[0].ActivityName)

	require.Equal(t, []string{"ReserveInventory", "ProcessPayment"}, compensated)
	require.Len(t, slip.CompensateLogs, 2)
	require.Equal(t, "ReserveInventory", slip.CompensateLogs[0].ActivityName)
	require.Equal(t, "ProcessPayment", slip.CompensateLogs[1].ActivityName)
	require.True(t, slip.Compensating)
}

func TestRoutingSlipCompletesWithoutCompensation(t *testing.T) {
	var compensated []string
	ex := newExecutor(&compensated, false)
	slip := routingslip.NewSlip("track-2", "order-2", itinerary())

	err := ex.Run(t.Context(), slip)
	require.NoError(t, err)
	require.Equal(t, len(slip.Itinerary), len(slip.ActivityLogs))
	require.Empty(t, slip.CompensateLogs)
	require.Empty(t, compensated)
}

func TestRoutingSlipUnknownActivityFaults(t *testing.T) {
	ex := routingslip.NewExecutor()
	slip := routingslip.NewSlip("track-3", "order-3", []routingslip.ItineraryStep{{ActivityName: "Missing"}})

	err := ex.Run(t.Context(), slip)
	require.Error(t, err)
	require.Len(t, slip.ActivityExceptions, 1)
}
