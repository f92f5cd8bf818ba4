package domain

import "time"

// Direction records which way a conversation message travelled.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionSystem   Direction = "system"
)

// ContentKind distinguishes text from media and system notices. Media bodies
// hold a metadata reference only, never the payload itself.
type ContentKind string

const (
	ContentText   ContentKind = "text"
	ContentMedia  ContentKind = "media"
	ContentSystem ContentKind = "system"
)

// DeliveryStatus tracks the provider-reported lifecycle of a message.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// ParseDeliveryStatus maps a provider status string onto the closed set.
// Unknown strings report ok=false and the caller ignores the update.
func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	switch DeliveryStatus(s) {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return DeliveryStatus(s), true
	default:
		return "", false
	}
}

// ConversationMessage is a single stored message in a conversation.
// Inbound rows are written synchronously on receipt, outbound rows
// synchronously on send attempt, regardless of later processing outcomes.
type ConversationMessage struct {
	ID                int64
	ConversationKey   string
	Direction         Direction
	ContentKind       ContentKind
	Body              string
	ExternalMessageID string // unique when non-empty
	Status            DeliveryStatus
	CreatedAt         time.Time
}
