// Package envelope defines the wire frame every message carries across the
// broker: a typed header (message id, addresses, message type, timestamps)
// wrapping an arbitrary JSON payload, plus the saga-state header used to
// avoid a repository read on intermediate hops (see saga.Machine).
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes fire-and-forget publish from request/reply publishAsync.
type Type string

const (
	TypePublish      Type = "publish"
	TypePublishAsync Type = "publishAsync"
)

// Headers carries out-of-band data alongside the payload. Saga is the full
// saga instance as it existed immediately after the step that produced this
// message persisted its save (raw JSON — the saga package owns decoding it
// into a concrete instance type). Redelivery and DelayMS mirror the
// x-redelivery and x-delay AMQP headers attached during delayed redelivery.
type Headers struct {
	Saga       json.RawMessage `json:"saga,omitempty"`
	Redelivery int             `json:"x-redelivery,omitempty"`
	DelayMS    int64           `json:"x-delay,omitempty"`
}

// Envelope is the JSON frame every message carries across the broker.
type Envelope struct {
	MessageID          string          `json:"messageId"`
	Type               Type            `json:"type"`
	SourceAddress      string          `json:"sourceAddress,omitempty"`
	DestinationAddress string          `json:"destinationAddress,omitempty"`
	MessageType        string          `json:"messageType"`
	Message             json.RawMessage `json:"message"`
	SentTime           time.Time       `json:"sentTime"`
	ExpirationTime      *time.Time      `json:"expirationTime,omitempty"`
	Headers            Headers         `json:"headers"`
}

// NewMessageID returns a time-ordered unique id, using a UUIDv7 (RFC 9562)
// so ids sort by creation time.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/entropy source is broken;
		// fall back to a random v4 rather than propagate that upward.
		return uuid.NewString()
	}
	return id.String()
}

// MessageType builds the colon-delimited "message:<cluster>:<TypeName>"
// identifier stored on an envelope for diagnostics and filtering.
func MessageType(cluster, typeName string) string {
	return "message:" + cluster + ":" + typeName
}

// TypeName extracts the last colon-delimited segment of a messageType
// string, which is the logical name used for dispatch.
func TypeName(messageType string) string {
	last := messageType
	for i := len(messageType) - 1; i >= 0; i-- {
		if messageType[i] == ':' {
			last = messageType[i+1:]
			break
		}
	}
	return last
}

// New builds an envelope wrapping payload, marshaling it to JSON.
func New(cluster, typeName string, payload any, mt Type) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		MessageID:   NewMessageID(),
		Type:        mt,
		MessageType: MessageType(cluster, typeName),
		Message:     body,
		SentTime:    time.Now().UTC(),
	}, nil
}

// Unmarshal decodes the envelope's Message field into v.
func (e *Envelope) Unmarshal(v any) error {
	return json.Unmarshal(e.Message, v)
}

// Marshal serializes the envelope to the UTF-8 JSON wire format.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses the UTF-8 JSON wire format into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
