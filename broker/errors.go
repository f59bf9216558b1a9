package broker

import "errors"

// ErrReplyTimeout is returned by Transport.PublishAsync when no reply with a
// matching correlation id arrives within the configured timeout.
var ErrReplyTimeout = errors.New("broker: reply timeout")

// ErrNotConnected is returned by the publish, reply, redelivery and
// deadletter operations when attempted before Transport.Connect has
// established a connection.
var ErrNotConnected = errors.New("broker: not connected")

// ErrUnknownMessageType reports a message type with no known exchange.
// Transport.Publish does not return it: a type with no override is published
// to the namespaced exchange named after the type itself.
var ErrUnknownMessageType = errors.New("broker: unknown message type")

// ErrRedeliveryUnavailable is returned by Transport.Redeliver when the
// delayed-message plugin was not detected during Connect; callers should
// fall back to immediate deadlettering.
var ErrRedeliveryUnavailable = errors.New("broker: delayed redelivery unavailable")
