// Package saga implements the correlated state machine runtime: instances
// persisted with optimistic concurrency, a fluent definition builder, and
// the single-event execution loop that advances an instance and publishes
// outbound messages.
package saga

import (
	"encoding/json"
	"time"
)

// FailedStateName is the reserved state name that, when assigned by
// TransitionTo, also runs the saga's registered compensation without a
// separate explicit call.
const FailedStateName = "Failed"

// InitialState is the state a freshly constructed instance starts in before
// any binder's TransitionTo has run.
const InitialState = "Initially"

// CompensationActivity records one step whose compensation must be replayed
// if the saga later fails.
type CompensationActivity struct {
	EventName        string          `json:"eventName"`
	StateName        string          `json:"stateName"`
	CompensationData json.RawMessage `json:"compensationData"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Instance is the persisted state of one saga: the correlation id, its
// current state name, the optimistic-concurrency version, and any
// compensation activities accumulated so far. Data holds the user-defined
// state fields as raw JSON so the runtime can stay generic over concrete
// state types; State implementations decode it into their own struct.
type Instance struct {
	CorrelationID   string                  `json:"correlationId"`
	CurrentState    string                  `json:"currentState"`
	Version         int64                   `json:"version"`
	Data            json.RawMessage         `json:"data"`
	Compensations   []CompensationActivity  `json:"compensationActivities,omitempty"`
	Compensating    bool                    `json:"compensating"`
	CreatedAt       time.Time               `json:"createdAt"`
	UpdatedAt       time.Time               `json:"updatedAt"`
	ArchivedAt      *time.Time              `json:"archivedAt,omitempty"`
}

// New returns a fresh instance in InitialState for correlationID, with its
// state payload pre-encoded.
func New(correlationID string, state any) (*Instance, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Instance{
		CorrelationID: correlationID,
		CurrentState:  InitialState,
		Version:       0,
		Data:          body,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// DecodeState unmarshals the instance's Data into dst, a pointer to a
// concrete state struct.
func (i *Instance) DecodeState(dst any) error {
	if len(i.Data) == 0 {
		return nil
	}
	return json.Unmarshal(i.Data, dst)
}

// EncodeState replaces the instance's Data with the JSON encoding of state,
// and bumps UpdatedAt.
func (i *Instance) EncodeState(state any) error {
	body, err := json.Marshal(state)
	if err != nil {
		return err
	}
	i.Data = body
	i.UpdatedAt = time.Now().UTC()
	return nil
}

// IsArchived reports whether the instance has been soft-deleted.
func (i *Instance) IsArchived() bool {
	return i.ArchivedAt != nil
}

// Clone deep-copies the instance, used by the in-memory repository so
// callers can't mutate stored state through a returned pointer.
func (i *Instance) Clone() *Instance {
	clone := *i
	clone.Data = append(json.RawMessage(nil), i.Data...)
	clone.Compensations = append([]CompensationActivity(nil), i.Compensations...)
	return &clone
}
