package domain

import (
	"context"
	"fmt"
	"time"
)

// EventKind classifies an inbound delivery from the messaging provider.
// The set is closed: every consumer switches exhaustively over these values,
// so adding a kind is a compile-time extension point.
type EventKind string

const (
	KindMessageReceived  EventKind = "message-received"
	KindMessageSentAck   EventKind = "message-sent-ack"
	KindMessageFailed    EventKind = "message-failed"
	KindConnectionStatus EventKind = "connection-status"
)

// ParseEventKind maps a provider kind string to an EventKind.
// Unknown strings are a shape-validation error, rejected at the boundary.
func ParseEventKind(s string) (EventKind, error) {
	switch EventKind(s) {
	case KindMessageReceived, KindMessageSentAck, KindMessageFailed, KindConnectionStatus:
		return EventKind(s), nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

// InboundEvent is one decoded delivery from the messaging provider. It is
// immutable once built by a transport adapter and consumed exactly once by
// the pipeline (duplicates are filtered by the idempotency guard).
type InboundEvent struct {
	// ExternalEventID is the provider-assigned delivery identifier used for
	// dedup. Empty for kinds that carry none (connection-status).
	ExternalEventID string
	Kind            EventKind
	OccurredAt      time.Time

	// Fields for message-received.
	ConversationKey string
	SenderID        string
	Text            string

	// ExternalMessageID is the provider message identifier. For
	// message-received it identifies the new message; for the ack kinds it
	// references a previously sent outbound message.
	ExternalMessageID string

	// StatusHint carries the delivery status for message-sent-ack /
	// message-failed, or the connection state for connection-status.
	StatusHint string
}

// Validate checks basic event shape. Failures here are the only class of
// error the pipeline surfaces back to the transport boundary.
func (ev InboundEvent) Validate() error {
	if _, err := ParseEventKind(string(ev.Kind)); err != nil {
		return err
	}
	switch ev.Kind {
	case KindMessageReceived:
		if ev.ConversationKey == "" {
			return fmt.Errorf("message-received event without conversation key")
		}
	case KindMessageSentAck, KindMessageFailed:
		if ev.ExternalMessageID == "" {
			return fmt.Errorf("%s event without external message id", ev.Kind)
		}
	case KindConnectionStatus:
		// No required fields beyond the kind.
	}
	return nil
}

// Ack is the status token the pipeline returns to the transport boundary.
// Business-logic failures map to AckFailedRecorded, never to an error.
type Ack string

const (
	AckDeduplicated   Ack = "deduplicated"
	AckStored         Ack = "stored"
	AckProcessed      Ack = "processed"
	AckFailedRecorded Ack = "failed-recorded"
)

// EventSink accepts decoded inbound events. Implemented by the pipeline;
// transport adapters depend on this narrow contract only.
type EventSink interface {
	Handle(ctx context.Context, ev InboundEvent) (Ack, error)
}
