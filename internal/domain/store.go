package domain

import (
	"context"
	"time"
)

// EventStore is the append-only record of conversation messages. Rows are
// atomic individually; the pipeline never requires multi-row transactions.
type EventStore interface {
	AppendInbound(ctx context.Context, msg ConversationMessage) error
	AppendOutbound(ctx context.Context, msg ConversationMessage) error

	// UpdateStatus updates the stored message matched by externalMessageID.
	// Returns false when no such message exists (caller logs, never errors).
	UpdateStatus(ctx context.Context, externalMessageID string, status DeliveryStatus) (bool, error)

	// RecentMessages returns the last count messages for the conversation,
	// oldest first, ready for prompt construction.
	RecentMessages(ctx context.Context, conversationKey string, count int) ([]ConversationMessage, error)

	// SearchText performs a simple substring lookup over message bodies
	// within one conversation, newest first.
	SearchText(ctx context.Context, conversationKey, query string, limit int) ([]ConversationMessage, error)
}

// DedupStore persists processed event identifiers for the idempotency guard.
type DedupStore interface {
	// MarkEventProcessed atomically records the identifier. It reports true
	// exactly once per identifier across all concurrent callers.
	MarkEventProcessed(ctx context.Context, externalEventID string) (fresh bool, err error)

	// ForgetEvent removes a recorded identifier. Used to roll back a mark
	// whose event could not be made durable, so redelivery is not swallowed.
	ForgetEvent(ctx context.Context, externalEventID string) error

	// PruneProcessedEvents evicts identifiers older than the horizon.
	// Provider redelivery windows are bounded, so old entries are dead weight.
	PruneProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error)
}
