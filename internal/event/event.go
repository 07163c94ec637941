// Package event defines the notifications the sync core pushes to the
// embedding application: connectivity changes, message state changes,
// and metadata job results.
package event

import "github.com/rs/zerolog"

// Kind discriminates Event payloads.
type Kind int

const (
	// KindConnected fires once per successful connection establishment.
	KindConnected Kind = iota

	// KindMessageMoved fires after a message was relocated server-side.
	KindMessageMoved

	// KindMessageDeleted fires after a message was deleted server-side.
	KindMessageDeleted

	// KindMessageDelivered fires after an outbound message was accepted
	// by the relay.
	KindMessageDelivered

	// KindMessageFailed fires when an outbound message is abandoned at
	// the retry ceiling.
	KindMessageFailed

	// KindNetworkError fires on connection failures. First is set only
	// for the first failure since the last successful connection, so the
	// application can alert once instead of on every retry.
	KindNetworkError

	// KindMetadataSetDone reports completion of a metadata write,
	// correlated by Correlation.
	KindMetadataSetDone

	// KindMetadataValue reports the result of a metadata read, correlated
	// by Correlation. Value is nil when the server has no value.
	KindMetadataValue

	// KindMetadataError reports a failed metadata job, correlated by
	// Correlation. Text carries the error. Metadata jobs fail exactly
	// once; the requester owns any retry.
	KindMetadataError
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindMessageMoved:
		return "message-moved"
	case KindMessageDeleted:
		return "message-deleted"
	case KindMessageDelivered:
		return "message-delivered"
	case KindMessageFailed:
		return "message-failed"
	case KindNetworkError:
		return "network-error"
	case KindMetadataSetDone:
		return "metadata-set-done"
	case KindMetadataValue:
		return "metadata-value"
	case KindMetadataError:
		return "metadata-error"
	}
	return "unknown"
}

// Event is a single notification.
type Event struct {
	Kind Kind

	// MessageID is the local message the event concerns, when applicable.
	MessageID int64

	// Text carries error text for KindNetworkError and KindMessageFailed.
	Text string

	// First marks the first network error since the last good connection.
	First bool

	// Correlation ties metadata results back to the request that queued
	// them.
	Correlation string

	// Value is the metadata read result; nil means no value on the server.
	Value *string
}

// Emitter receives events. Implementations must not block; the sync
// loops call Emit inline.
type Emitter interface {
	Emit(ev Event)
}

// LogEmitter writes every event to a structured log. It is the default
// sink when the embedding application does not install its own.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter returns an Emitter logging through logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: logger.With().Str("component", "event").Logger()}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(ev Event) {
	entry := e.log.Info().Str("kind", ev.Kind.String())
	if ev.MessageID != 0 {
		entry = entry.Int64("message_id", ev.MessageID)
	}
	if ev.Text != "" {
		entry = entry.Str("text", ev.Text)
	}
	if ev.Kind == KindNetworkError {
		entry = entry.Bool("first", ev.First)
	}
	if ev.Correlation != "" {
		entry = entry.Str("correlation", ev.Correlation)
	}
	entry.Msg("event")
}
