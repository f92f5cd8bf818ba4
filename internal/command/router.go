// Package command classifies inbound message text into structured commands
// and implements the handlers that answer them from conversation history.
package command

import "strings"

// Kind is the closed set of recognized commands. Consumers switch
// exhaustively; a new command is a compile-time extension point.
type Kind string

const (
	KindSummarize    Kind = "summarize"
	KindExtractTasks Kind = "extract-tasks"
	KindSearch       Kind = "search"
)

// ToolEligible reports whether the command is answered through the agent
// orchestrator's tool round-trip instead of a direct handler. Summarize and
// extract-tasks need the model's judgement; search is a plain lookup.
func (k Kind) ToolEligible() bool {
	switch k {
	case KindSummarize, KindExtractTasks:
		return true
	case KindSearch:
		return false
	}
	return false
}

// Invocation is the transient value produced by Classify and consumed within
// one pipeline pass. It is never persisted.
type Invocation struct {
	Kind Kind
	Arg  string // whitespace-trimmed remainder; may be empty
}

// prefixes maps each accepted leading token (lowercase) to its command.
// Each command has a short alias in the same family.
var prefixes = map[string]Kind{
	"#summarize":     KindSummarize,
	"#summary":       KindSummarize,
	"#extract-tasks": KindExtractTasks,
	"#tasks":         KindExtractTasks,
	"#search":        KindSearch,
	"#find":          KindSearch,
}

// Classify maps message text to a command invocation or, when no prefix
// matches, reports ok=false meaning free-form. It is pure and total: every
// input maps to exactly one of the two outcomes. Matching is case-insensitive
// on the first whitespace-delimited token.
func Classify(text string) (Invocation, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed[0] != '#' {
		return Invocation{}, false
	}

	token := trimmed
	rest := ""
	if idx := strings.IndexAny(trimmed, " \t\n"); idx > 0 {
		token = trimmed[:idx]
		rest = trimmed[idx+1:]
	}

	kind, ok := prefixes[strings.ToLower(token)]
	if !ok {
		return Invocation{}, false
	}

	return Invocation{Kind: kind, Arg: strings.TrimSpace(rest)}, true
}

// Directive renders the canned orchestrator instruction for a tool-eligible
// command. The model does the summarizing/extracting; this core only points
// it at the right tool.
func (inv Invocation) Directive() string {
	switch inv.Kind {
	case KindSummarize:
		if inv.Arg != "" {
			return "Summarize the recent conversation history, focusing on: " + inv.Arg +
				". Read it with the summarize-conversation tool first."
		}
		return "Summarize the recent conversation history. Read it with the summarize-conversation tool first."
	case KindExtractTasks:
		if inv.Arg != "" {
			return "List the open tasks and action items from the recent conversation related to: " + inv.Arg +
				". Read it with the extract-tasks tool first."
		}
		return "List the open tasks and action items from the recent conversation. Read it with the extract-tasks tool first."
	case KindSearch:
		return ""
	}
	return ""
}
