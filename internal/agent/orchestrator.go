// Package agent implements the model orchestrator: it turns a stored
// conversation plus one inbound message into a single reply, with at most two
// model calls and one tool round trip in between.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/command"
	"relaybot/internal/domain"
	"relaybot/internal/retry"
)

const (
	defaultHistoryWindow = 20
	defaultMaxTokens     = 4096
	defaultTemperature   = 0.7
	defaultRatePerMinute = 30.0
	defaultRateBurst     = 5

	// FallbackReply is sent when the provider is unreachable even after
	// retries. The conversation must always get an answer.
	FallbackReply = "Sorry, I couldn't process that message right now. Please try again in a moment."
)

// LatencyObserver receives model call durations. Satisfied by the metrics
// package; nil disables observation.
type LatencyObserver interface {
	ObserveModelLatency(d time.Duration)
}

// Orchestrator drives the bounded two-call model exchange.
type Orchestrator struct {
	provider domain.Provider
	reader   command.ConversationReader
	tools    *Toolset
	profile  Profile
	policy   retry.Policy
	limiter  *rate.Limiter
	observer LatencyObserver
	logger   *slog.Logger

	historyWindow int
	maxTokens     int
	temperature   float64
}

// Config holds the orchestrator's dependencies and tuning parameters.
type Config struct {
	Provider      domain.Provider
	Reader        command.ConversationReader
	Tools         *Toolset
	Profile       Profile
	Policy        retry.Policy
	Observer      LatencyObserver
	Logger        *slog.Logger
	HistoryWindow int
	MaxTokens     int
	Temperature   float64
	RatePerMinute float64
	RateBurst     int
}

func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	return &Orchestrator{
		provider:      cfg.Provider,
		reader:        cfg.Reader,
		tools:         cfg.Tools,
		profile:       cfg.Profile,
		policy:        cfg.Policy,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60.0), cfg.RateBurst),
		observer:      cfg.Observer,
		logger:        cfg.Logger,
		historyWindow: cfg.HistoryWindow,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
	}
}

// Reply produces the outbound text for one inbound message. directive, when
// non-empty, replaces the raw text as the user turn (command invocations
// arrive pre-translated). Reply never fails: on unrecoverable provider errors
// it logs and returns the fallback text, so the conversation is never left
// hanging.
func (o *Orchestrator) Reply(ctx context.Context, conversationKey, userText, directive string) string {
	messages := o.buildMessages(ctx, conversationKey, userText, directive)

	// First call advertises the tools.
	resp, err := o.chat(ctx, domain.ChatRequest{
		Messages:    messages,
		Tools:       o.tools.Definitions(),
		Model:       o.profile.Model,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	})
	if err != nil {
		o.logger.Error("model call failed", "conversation", conversationKey, "error", err)
		return FallbackReply
	}

	if !resp.HasToolCalls() {
		return o.finalText(resp.Content)
	}

	// One tool round trip: execute the requested calls in order, then make
	// the follow-up call without tools so the exchange cannot grow.
	messages = append(messages, domain.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	for _, tc := range resp.ToolCalls {
		result := o.tools.Execute(ctx, conversationKey, tc)
		messages = append(messages, domain.Message{
			Role:       "tool",
			Content:    result,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
		})
	}

	resp, err = o.chat(ctx, domain.ChatRequest{
		Messages:    messages,
		Model:       o.profile.Model,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	})
	if err != nil {
		o.logger.Error("follow-up model call failed", "conversation", conversationKey, "error", err)
		return FallbackReply
	}
	return o.finalText(resp.Content)
}

// chat wraps one provider call with the rate limiter and the retry policy.
func (o *Orchestrator) chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	start := time.Now()
	resp, err := retry.Do(ctx, o.policy, func(ctx context.Context) (*domain.ChatResponse, error) {
		return o.provider.Chat(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	if o.observer != nil {
		o.observer.ObserveModelLatency(time.Since(start))
	}
	o.logger.Debug("model call completed",
		"provider", o.provider.Name(),
		"latency_ms", resp.LatencyMs,
		"tool_calls", len(resp.ToolCalls),
	)
	return resp, nil
}

func (o *Orchestrator) finalText(content string) string {
	if content == "" {
		return FallbackReply
	}
	return content
}

// buildMessages assembles system prompt, the recent history window, and the
// current user turn. History failures degrade to an empty window.
func (o *Orchestrator) buildMessages(ctx context.Context, conversationKey, userText, directive string) []domain.Message {
	messages := []domain.Message{{Role: "system", Content: o.profile.System()}}

	history, err := o.reader.RecentMessages(ctx, conversationKey, o.historyWindow)
	if err != nil {
		o.logger.Warn("failed to load history, continuing without it",
			"conversation", conversationKey, "error", err)
		history = nil
	}
	// The inbound message is persisted before orchestration runs, so it is
	// the last history entry; skip it to avoid sending the turn twice.
	if n := len(history); n > 0 && history[n-1].Direction == domain.DirectionInbound && history[n-1].Body == userText {
		history = history[:n-1]
	}
	for _, m := range history {
		role := "user"
		if m.Direction == domain.DirectionOutbound {
			role = "assistant"
		}
		messages = append(messages, domain.Message{Role: role, Content: m.Body})
	}

	turn := userText
	if directive != "" {
		turn = directive
	}
	return append(messages, domain.Message{Role: "user", Content: turn})
}
