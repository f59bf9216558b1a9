package routingslip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/timour/txbus/common/metrics"
)

// unknownActivityError is returned when an itinerary step names an activity
// with no registered factory.
type unknownActivityError struct{ name string }

func (e *unknownActivityError) Error() string {
	return "routingslip: no activity registered for " + e.name
}

// Executor runs a routing slip's itinerary in-process: one goroutine, one
// step at a time, compensating in reverse on fault.
type Executor struct {
	Registry    map[string]Factory
	Subscribers []any
	Metrics     *metrics.RoutingSlipMetrics
	Log         *slog.Logger
}

// NewExecutor returns an Executor with an empty activity registry.
func NewExecutor() *Executor {
	return &Executor{Registry: map[string]Factory{}}
}

// AddActivity registers a factory under name, the explicit-registration
// analogue of a reflective activity decorator.
func (e *Executor) AddActivity(name string, factory Factory) *Executor {
	e.Registry[name] = factory
	return e
}

func (e *Executor) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// Run executes slip's itinerary from its current Index forward until it
// completes, faults (triggering compensation), or an activity terminates it.
func (e *Executor) Run(ctx context.Context, slip *Slip) error {
	for !slip.Done() {
		step := slip.Itinerary[slip.Index]
		factory, ok := e.Registry[step.ActivityName]
		if !ok {
			err := &unknownActivityError{name: step.ActivityName}
			return e.fault(ctx, slip, step, err)
		}
		activity := factory()

		execCtx := &ExecuteContext{
			TrackingNumber: slip.TrackingNumber,
			CorrelationID:  slip.CorrelationID,
			Args:           step.Args,
			Variables:      cloneVariables(slip.Variables),
		}

		start := time.Now()
		result := activity.Execute(execCtx)
		duration := time.Since(start)
		if e.Metrics != nil {
			e.Metrics.RecordActivity(step.ActivityName, duration)
		}

		switch result.Kind {
		case ResultComplete:
			if result.Variables != nil {
				for k, v := range result.Variables {
					slip.Variables[k] = v
				}
			}
			slip.ActivityLogs = append(slip.ActivityLogs, ActivityLog{
				ActivityName:    step.ActivityName,
				Timestamp:       time.Now().UTC(),
				Duration:        duration,
				CompensationLog: result.CompensationLog,
			})
			notifyActivityCompleted(ctx, e.Subscribers, slip, slip.ActivityLogs[len(slip.ActivityLogs)-1])
			slip.Index++

		case ResultFault:
			return e.fault(ctx, slip, step, result.Err)

		case ResultTerminate:
			notifyTerminated(ctx, e.Subscribers, slip)
			return nil

		default:
			return e.fault(ctx, slip, step, fmt.Errorf("routingslip: unknown result kind %d", result.Kind))
		}
	}

	if e.Metrics != nil {
		e.Metrics.SlipsCompleted.Inc()
	}
	notifyCompleted(ctx, e.Subscribers, slip)
	return nil
}

func (e *Executor) fault(ctx context.Context, slip *Slip, step ItineraryStep, cause error) error {
	slip.ActivityExceptions = append(slip.ActivityExceptions, ActivityException{
		ActivityName: step.ActivityName,
		Timestamp:    time.Now().UTC(),
		Error:        cause.Error(),
	})
	if e.Metrics != nil {
		e.Metrics.ActivitiesFaulted.Inc()
	}
	notifyActivityFaulted(ctx, e.Subscribers, slip, slip.ActivityExceptions[len(slip.ActivityExceptions)-1])

	e.compensate(ctx, slip)

	if e.Metrics != nil {
		e.Metrics.SlipsFaulted.Inc()
	}
	notifyFaulted(ctx, e.Subscribers, slip, cause)
	return cause
}

// compensate iterates ActivityLogs in reverse, invoking Compensate on every
// completed step whose activity implements Compensable. It continues past
// individual compensation failures and reports them collectively.
func (e *Executor) compensate(ctx context.Context, slip *Slip) {
	slip.Compensating = true
	var failures []error

	for i := len(slip.ActivityLogs) - 1; i >= 0; i-- {
		log := slip.ActivityLogs[i]
		factory, ok := e.Registry[log.ActivityName]
		if !ok {
			continue
		}
		activity := factory()
		compensable, ok := activity.(Compensable)
		if !ok {
			continue
		}

		cctx := &CompensateContext{
			TrackingNumber:  slip.TrackingNumber,
			CorrelationID:   slip.CorrelationID,
			CompensationLog: log.CompensationLog,
			Variables:       cloneVariables(slip.Variables),
		}
		if err := compensable.Compensate(cctx); err != nil {
			e.log().Error("routing slip compensation step failed",
				slog.String("activity", log.ActivityName), slog.Any("error", err))
			failures = append(failures, fmt.Errorf("%s: %w", log.ActivityName, err))
			continue
		}

		entry := CompensateLog{ActivityName: log.ActivityName, Timestamp: time.Now().UTC()}
		slip.CompensateLogs = append(slip.CompensateLogs, entry)
		notifyActivityCompensated(ctx, e.Subscribers, slip, entry)
	}

	if len(failures) > 0 {
		if e.Metrics != nil {
			e.Metrics.CompensationsFailed.Inc()
		}
		notifyCompensationFailed(ctx, e.Subscribers, slip, failures)
	}
}
