package command

import (
	"context"
	"fmt"
	"strings"

	"relaybot/internal/domain"
)

// ConversationReader is the slice of the event store handlers need.
type ConversationReader interface {
	RecentMessages(ctx context.Context, conversationKey string, count int) ([]domain.ConversationMessage, error)
	SearchText(ctx context.Context, conversationKey, query string, limit int) ([]domain.ConversationMessage, error)
}

const searchLimit = 10

// HandleSearch answers a #search invocation directly from the store. It
// always returns a user-facing reply; lookup failures surface as an error so
// the pipeline can record them.
func HandleSearch(ctx context.Context, reader ConversationReader, conversationKey string, inv Invocation) (string, error) {
	if inv.Arg == "" {
		return "Usage: #search <text to look for>", nil
	}

	hits, err := reader.SearchText(ctx, conversationKey, inv.Arg, searchLimit)
	if err != nil {
		return "", fmt.Errorf("search conversation: %w", err)
	}
	if len(hits) == 0 {
		return fmt.Sprintf("No messages found matching '%s'", inv.Arg), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d message(s) matching '%s':\n", len(hits), inv.Arg)
	for _, m := range hits {
		role := "them"
		if m.Direction == domain.DirectionOutbound {
			role = "bot"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), role, m.Body)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
