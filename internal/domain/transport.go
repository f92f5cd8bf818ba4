package domain

import (
	"context"
	"fmt"
	"strings"
)

// OutboundTransport delivers a generated reply to the messaging provider.
// A transient failure is a plain error; callers wrap sends in the retry
// executor and record the outcome either way.
type OutboundTransport interface {
	Name() string
	Send(ctx context.Context, conversationKey, text string) (externalMessageID string, err error)
}

// Channel is a messaging-platform adapter: it decodes provider deliveries
// into InboundEvents for the sink and implements the outbound side for its
// own conversations. Start blocks until ctx is cancelled.
type Channel interface {
	OutboundTransport
	Start(ctx context.Context, sink EventSink) error
}

// BuildConversationKey builds the stable identifier for one user+channel
// pair: "{channel}:{chatID}".
func BuildConversationKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// SplitConversationKey parses a conversation key back into channel and chat
// identifier. The chat identifier may itself contain colons.
func SplitConversationKey(key string) (channel, chatID string, err error) {
	channel, chatID, ok := strings.Cut(key, ":")
	if !ok || channel == "" || chatID == "" {
		return "", "", fmt.Errorf("malformed conversation key %q", key)
	}
	return channel, chatID, nil
}
