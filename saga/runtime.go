package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/timour/txbus/envelope"
	"github.com/timour/txbus/internal/txlog"
)

// Publisher is the narrow slice of broker.Transport the runtime needs to
// send outbound messages carrying the post-save instance in their saga
// header. *broker.Transport satisfies it directly.
type Publisher interface {
	PublishEnvelope(ctx context.Context, messageType string, env *envelope.Envelope) error
}

// FaultError distinguishes a permanent logic fault (unknown event, rejected
// transition) from a transient failure. consumer.Pipeline does not tell it
// apart from other handler errors: it is retried and redelivered like any
// failure before being deadlettered.
type FaultError struct {
	Reason string
}

func (e *FaultError) Error() string { return "saga: " + e.Reason }

// CompensationFailedError reports that one or more compensation steps
// themselves failed; execution continues past each and collects them here.
type CompensationFailedError struct {
	Failures []error
}

func (e *CompensationFailedError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("saga: %d compensation step(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

// Machine executes events against instances of one state machine
// Definition, via a Repository for persistence and a Publisher for outbound
// messages.
type Machine struct {
	Def         *Definition
	Repo        Repository
	Publisher   Publisher
	Cluster     string
	AutoArchive bool
	OnFinalized func(ctx context.Context, instance *Instance)
	Metrics     SagaMetricsRecorder
	Log         *slog.Logger
}

// SagaMetricsRecorder is the narrow metrics surface Machine records against;
// common/metrics.SagaMetrics satisfies it.
type SagaMetricsRecorder interface {
	RecordTransition(saga, state string)
	RecordVersionConflict()
	RecordFinalized()
	RecordCompensation()
}

func (m *Machine) log() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}

// Execute runs the single-event execution loop: identify, resolve, load or
// create the instance, guard the transition, mutate, register compensation,
// persist, publish, and finalize.
func (m *Machine) Execute(ctx context.Context, messageType string, headersSaga json.RawMessage, payload json.RawMessage) error {
	eventName := envelope.TypeName(messageType)
	binder, ok := m.Def.Binder(eventName)
	if !ok {
		return &FaultError{Reason: "no binder registered for event " + eventName}
	}
	eventDef, _ := m.Def.Event(eventName)

	instance, isNew, err := m.resolveInstance(ctx, binder, eventDef, headersSaga, payload)
	if err != nil {
		return err
	}

	if !isNew && !binder.Accepts(instance.CurrentState) {
		return &FaultError{Reason: fmt.Sprintf("saga cancelled: event %s not accepted in state %s", eventName, instance.CurrentState)}
	}

	execCtx := &ExecContext{Instance: instance, EventName: eventName, Message: payload}

	if binder.Then != nil {
		if err := binder.Then(execCtx); err != nil {
			return err
		}
	}
	if binder.TransitionTo != "" {
		instance.CurrentState = binder.TransitionTo
	}

	if binder.Compensate != nil && !instance.Compensating {
		instance.Compensations = append(instance.Compensations, CompensationActivity{
			EventName:        eventName,
			StateName:        instance.CurrentState,
			CompensationData: payload,
			Timestamp:        time.Now().UTC(),
		})
	}

	if err := m.Repo.Save(ctx, instance); err != nil {
		var conflict *VersionConflict
		if errors.As(err, &conflict) && m.Metrics != nil {
			m.Metrics.RecordVersionConflict()
		}
		return err
	}
	if m.Metrics != nil {
		m.Metrics.RecordTransition(m.Def.Name, instance.CurrentState)
	}

	if execCtx.outbound.set {
		if err := m.publish(ctx, instance, execCtx.outbound.messageType, execCtx.outbound.value); err != nil {
			txlog.WithCorrelationID(m.log(), instance.CorrelationID).Error("saga outbound publish failed",
				slog.String("messageType", execCtx.outbound.messageType), slog.Any("error", err))
		}
	}

	if binder.TransitionTo == FailedStateName && len(instance.Compensations) > 0 && !instance.Compensating {
		if err := m.runCompensation(ctx, instance); err != nil {
			txlog.WithCorrelationID(m.log(), instance.CorrelationID).Error("saga compensation failed", slog.Any("error", err))
		}
	}

	if binder.Finalize {
		return m.finalize(ctx, instance)
	}
	return nil
}

func (m *Machine) resolveInstance(ctx context.Context, binder *Binder, eventDef EventDef, headersSaga, payload json.RawMessage) (*Instance, bool, error) {
	if len(headersSaga) > 0 {
		var header Instance
		if err := json.Unmarshal(headersSaga, &header); err == nil {
			stored, err := m.Repo.FindByCorrelationID(ctx, header.CorrelationID)
			switch {
			case err == nil:
				// The repository is authoritative: a concurrent hop may have
				// already saved a newer version than the one this message's
				// header was stamped with.
				return stored, false, nil
			case errors.Is(err, ErrNotFound):
				// No stored row yet: the header is the only state available,
				// seed from it directly.
				return &header, false, nil
			default:
				return nil, false, err
			}
		}
	}

	var correlationID string
	if eventDef.Correlate != nil && eventDef.NewEvent != nil {
		event := eventDef.NewEvent()
		if err := json.Unmarshal(payload, event); err != nil {
			return nil, false, fmt.Errorf("saga: decode event %s: %w", eventDef.Name, err)
		}
		correlationID = eventDef.Correlate(event)
	}
	if correlationID == "" {
		return nil, false, &FaultError{Reason: "unable to determine correlation id for event " + eventDef.Name}
	}

	instance, err := m.Repo.FindByCorrelationID(ctx, correlationID)
	if err == nil {
		return instance, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if !binder.Predecessors[InitialState] {
		return nil, false, &FaultError{Reason: "no existing instance for " + correlationID + " and event is not accepted initially"}
	}
	fresh, err := New(correlationID, json.RawMessage("{}"))
	if err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}

func (m *Machine) publish(ctx context.Context, instance *Instance, messageType string, value any) error {
	env, err := envelope.New(m.Cluster, messageType, value, envelope.TypePublish)
	if err != nil {
		return err
	}
	sagaHeader, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	env.Headers.Saga = sagaHeader
	return m.Publisher.PublishEnvelope(ctx, messageType, env)
}

// Compensate loads the instance for correlationID and runs its
// compensation list, oldest-registered last.
func (m *Machine) Compensate(ctx context.Context, correlationID string) error {
	instance, err := m.Repo.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		return err
	}
	return m.runCompensation(ctx, instance)
}

func (m *Machine) runCompensation(ctx context.Context, instance *Instance) error {
	instance.Compensating = true
	var failures []error

	for i := len(instance.Compensations) - 1; i >= 0; i-- {
		entry := instance.Compensations[i]
		binder, ok := m.Def.Binder(entry.EventName)
		if !ok || binder.Compensate == nil {
			continue
		}
		cctx := &ExecContext{Instance: instance, EventName: entry.EventName, Message: entry.CompensationData}
		if err := binder.Compensate(cctx); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", entry.EventName, err))
			continue
		}
		if m.Metrics != nil {
			m.Metrics.RecordCompensation()
		}
		if cctx.outbound.set && m.Publisher != nil {
			if err := m.publish(ctx, instance, cctx.outbound.messageType, cctx.outbound.value); err != nil {
				txlog.WithCorrelationID(m.log(), instance.CorrelationID).Error("saga compensation outbound publish failed",
					slog.String("messageType", cctx.outbound.messageType), slog.Any("error", err))
			}
		}
	}

	instance.Compensations = nil
	if err := m.Repo.Save(ctx, instance); err != nil {
		return err
	}
	if len(failures) > 0 {
		return &CompensationFailedError{Failures: failures}
	}
	return nil
}

func (m *Machine) finalize(ctx context.Context, instance *Instance) error {
	instance.CurrentState = "Finalize"
	if err := m.Repo.Save(ctx, instance); err != nil {
		return err
	}
	if m.OnFinalized != nil {
		m.OnFinalized(ctx, instance)
	}
	if m.Metrics != nil {
		m.Metrics.RecordFinalized()
	}
	if m.AutoArchive {
		return m.Repo.Archive(ctx, instance.CorrelationID)
	}
	return m.Repo.Delete(ctx, instance.CorrelationID)
}
