package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"relaybot/internal/command"
	"relaybot/internal/domain"
)

const (
	toolSummarize    = "summarize-conversation"
	toolExtractTasks = "extract-tasks"
	toolSearch       = "search-conversation"

	toolHistoryLimit = 50
	toolSearchLimit  = 10
)

// Toolset exposes the closed set of conversation tools to the model. All
// three read from the event store; none mutate state, so tool execution is
// safe to retry alongside the surrounding model calls.
type Toolset struct {
	reader command.ConversationReader
	logger *slog.Logger
}

func NewToolset(reader command.ConversationReader, logger *slog.Logger) *Toolset {
	return &Toolset{reader: reader, logger: logger}
}

// Definitions returns the tool schemas advertised to the provider.
func (t *Toolset) Definitions() []domain.ToolDefinition {
	return []domain.ToolDefinition{
		{
			Name:        toolSummarize,
			Description: "Read the recent messages of the current conversation so you can summarize them.",
			Parameters: toolParameters(map[string]param{
				"count": {Type: "integer", Description: "How many recent messages to read (default 50)."},
			}, nil),
		},
		{
			Name:        toolExtractTasks,
			Description: "Read the recent messages of the current conversation so you can list open tasks and action items.",
			Parameters: toolParameters(map[string]param{
				"count": {Type: "integer", Description: "How many recent messages to read (default 50)."},
			}, nil),
		},
		{
			Name:        toolSearch,
			Description: "Search the current conversation's messages for a text fragment.",
			Parameters: toolParameters(map[string]param{
				"query": {Type: "string", Description: "Text to look for."},
			}, []string{"query"}),
		},
	}
}

// Execute runs one tool call scoped to a conversation. Unknown tool names and
// bad arguments come back as structured result text rather than errors, so
// the model can see what went wrong and the loop keeps its shape.
func (t *Toolset) Execute(ctx context.Context, conversationKey string, tc domain.ToolCall) string {
	t.logger.Info("executing tool", "tool", tc.Name, "conversation", conversationKey)

	switch tc.Name {
	case toolSummarize, toolExtractTasks:
		count := argsInt(tc.Arguments, "count", toolHistoryLimit)
		msgs, err := t.reader.RecentMessages(ctx, conversationKey, count)
		if err != nil {
			return fmt.Sprintf("Error reading conversation: %s", err.Error())
		}
		if len(msgs) == 0 {
			return "The conversation has no messages yet."
		}
		return renderTranscript(msgs)
	case toolSearch:
		query := argsString(tc.Arguments, "query")
		if query == "" {
			return "Error: the 'query' argument is required."
		}
		msgs, err := t.reader.SearchText(ctx, conversationKey, query, toolSearchLimit)
		if err != nil {
			return fmt.Sprintf("Error searching conversation: %s", err.Error())
		}
		if len(msgs) == 0 {
			return fmt.Sprintf("No messages match %q.", query)
		}
		return renderTranscript(msgs)
	}

	return fmt.Sprintf("Unknown function: %s (available: %s, %s, %s)",
		tc.Name, toolSummarize, toolExtractTasks, toolSearch)
}

// renderTranscript formats stored messages as plain lines the model can read.
func renderTranscript(msgs []domain.ConversationMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		role := "user"
		switch m.Direction {
		case domain.DirectionOutbound:
			role = "assistant"
		case domain.DirectionSystem:
			role = "system"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), role, m.Body)
	}
	return strings.TrimRight(b.String(), "\n")
}

type param struct {
	Type        string
	Description string
}

// toolParameters builds a JSON Schema "parameters" object for a tool.
func toolParameters(properties map[string]param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		props[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func argsString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func argsInt(args map[string]any, key string, fallback int) int {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return int(n)
		}
	}
	return fallback
}
