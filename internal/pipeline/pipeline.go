// Package pipeline receives normalized channel events and drives them through
// dedup, persistence, command routing, orchestration, and dispatch. Events of
// the same conversation are processed strictly in arrival order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/command"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
)

const defaultEventDeadline = 60 * time.Second

// Replyer produces the outbound text for an inbound turn.
type Replyer interface {
	Reply(ctx context.Context, conversationKey, userText, directive string) string
}

// Sender delivers a reply and records the outcome.
type Sender interface {
	Dispatch(ctx context.Context, conversationKey, text string) dispatch.Result
}

// Metrics is the pipeline's view of the metrics collector. A nil value
// disables instrumentation.
type Metrics interface {
	EventReceived(kind string)
	EventDeduplicated()
	ReplySent()
	ReplyFailed()
	ConnectionStatus(conversationKey string, up bool)
}

// Pipeline implements domain.EventSink.
type Pipeline struct {
	store    domain.EventStore
	guard    *Guard
	queue    *KeyedQueue
	replyer  Replyer
	sender   Sender
	metrics  Metrics
	logger   *slog.Logger
	deadline time.Duration

	// locks serializes admit-store-enqueue per conversation key. The keyed
	// queue preserves enqueue order, so admission order must become enqueue
	// order under the same critical section.
	locks sync.Map // conversationKey -> *sync.Mutex

	// base is the process lifetime context. Reply work runs after the
	// webhook request returns, so it cannot borrow the request context.
	base context.Context
}

// Config holds the pipeline's dependencies.
type Config struct {
	Store    domain.EventStore
	Guard    *Guard
	Queue    *KeyedQueue
	Replyer  Replyer
	Sender   Sender
	Metrics  Metrics
	Logger   *slog.Logger
	Deadline time.Duration
	Base     context.Context
}

func New(cfg Config) *Pipeline {
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultEventDeadline
	}
	if cfg.Base == nil {
		cfg.Base = context.Background()
	}
	return &Pipeline{
		store:    cfg.Store,
		guard:    cfg.Guard,
		queue:    cfg.Queue,
		replyer:  cfg.Replyer,
		sender:   cfg.Sender,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		deadline: cfg.Deadline,
		base:     cfg.Base,
	}
}

// Handle runs the synchronous part of event processing: validate, dedup,
// persist, update, then hand reply generation to the per-conversation queue.
// The returned ack describes what happened to the event.
func (p *Pipeline) Handle(ctx context.Context, ev domain.InboundEvent) (domain.Ack, error) {
	if err := ev.Validate(); err != nil {
		return "", fmt.Errorf("invalid event: %w", err)
	}
	if p.metrics != nil {
		p.metrics.EventReceived(string(ev.Kind))
	}

	switch ev.Kind {
	case domain.KindMessageReceived:
		return p.handleMessageReceived(ctx, ev)
	case domain.KindMessageSentAck:
		return p.handleStatusUpdate(ctx, ev, domain.StatusDelivered, domain.AckProcessed)
	case domain.KindMessageFailed:
		return p.handleStatusUpdate(ctx, ev, domain.StatusFailed, domain.AckFailedRecorded)
	case domain.KindConnectionStatus:
		up := ev.StatusHint != "down"
		if p.metrics != nil {
			p.metrics.ConnectionStatus(ev.ConversationKey, up)
		}
		p.logger.Info("connection status",
			"conversation", ev.ConversationKey, "status", ev.StatusHint)
		return domain.AckProcessed, nil
	}
	return "", fmt.Errorf("invalid event: unhandled kind %q", ev.Kind)
}

func (p *Pipeline) keyLock(key string) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (p *Pipeline) handleMessageReceived(ctx context.Context, ev domain.InboundEvent) (domain.Ack, error) {
	// Admit, store, and enqueue under one per-key critical section: two
	// concurrent deliveries admitted e1-then-e2 could otherwise enqueue
	// e2-then-e1, and replies would leave in inverted order.
	lock := p.keyLock(ev.ConversationKey)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := p.guard.Admit(ctx, ev.ExternalEventID)
	if err != nil {
		return "", err
	}
	if !fresh {
		if p.metrics != nil {
			p.metrics.EventDeduplicated()
		}
		return domain.AckDeduplicated, nil
	}

	msg := domain.ConversationMessage{
		ConversationKey:   ev.ConversationKey,
		ContentKind:       domain.ContentText,
		Body:              ev.Text,
		ExternalMessageID: ev.ExternalMessageID,
		Status:            domain.StatusDelivered,
		CreatedAt:         ev.OccurredAt,
	}
	if err := p.store.AppendInbound(ctx, msg); err != nil {
		// The dedup mark must not outlive the failed write: releasing it
		// lets the provider's redelivery carry the content back in. Log
		// every field so the event can be reconstructed either way, and
		// acknowledge; business failures never fail the transport boundary.
		p.guard.Forget(ctx, ev.ExternalEventID)
		p.logger.Error("inbound message not stored, awaiting redelivery",
			"error", err,
			"external_event_id", ev.ExternalEventID,
			"external_message_id", ev.ExternalMessageID,
			"conversation", ev.ConversationKey,
			"sender", ev.SenderID,
			"occurred_at", ev.OccurredAt,
			"text", ev.Text,
		)
		return domain.AckFailedRecorded, nil
	}

	p.queue.Enqueue(ev.ConversationKey, func() {
		taskCtx, cancel := context.WithTimeout(p.base, p.deadline)
		defer cancel()
		p.respond(taskCtx, ev)
	})
	return domain.AckStored, nil
}

// respond generates and delivers the reply for one stored inbound message.
// It runs on the conversation's queue goroutine under the event deadline.
func (p *Pipeline) respond(ctx context.Context, ev domain.InboundEvent) {
	var text string

	if inv, ok := command.Classify(ev.Text); ok && !inv.Kind.ToolEligible() {
		reply, err := command.HandleSearch(ctx, p.store, ev.ConversationKey, inv)
		if err != nil {
			p.logger.Error("command handler failed",
				"conversation", ev.ConversationKey, "command", inv.Kind, "error", err)
			reply = "Sorry, the search failed. Please try again."
		}
		text = reply
	} else if ok {
		text = p.replyer.Reply(ctx, ev.ConversationKey, ev.Text, inv.Directive())
	} else {
		text = p.replyer.Reply(ctx, ev.ConversationKey, ev.Text, "")
	}

	res := p.sender.Dispatch(ctx, ev.ConversationKey, text)
	if p.metrics != nil {
		if res.Status == domain.StatusSent {
			p.metrics.ReplySent()
		} else {
			p.metrics.ReplyFailed()
		}
	}
}

// handleStatusUpdate applies a delivery status to the referenced outbound
// message. Status events go through the dedup guard like message events do;
// providers redeliver them, and a redelivered failure ack must not count
// twice. A status for an unknown message id is logged and acknowledged;
// providers send acks for messages we may have never stored.
func (p *Pipeline) handleStatusUpdate(ctx context.Context, ev domain.InboundEvent, fallback domain.DeliveryStatus, ack domain.Ack) (domain.Ack, error) {
	fresh, err := p.guard.Admit(ctx, ev.ExternalEventID)
	if err != nil {
		return "", err
	}
	if !fresh {
		if p.metrics != nil {
			p.metrics.EventDeduplicated()
		}
		return domain.AckDeduplicated, nil
	}

	status := fallback
	if parsed, ok := domain.ParseDeliveryStatus(ev.StatusHint); ok {
		status = parsed
	}

	matched, err := p.store.UpdateStatus(ctx, ev.ExternalMessageID, status)
	if err != nil {
		// Same rollback as the inbound path: keep the mark only for
		// applied updates, log enough to reconstruct, and acknowledge.
		p.guard.Forget(ctx, ev.ExternalEventID)
		p.logger.Error("delivery status not applied",
			"error", err,
			"external_event_id", ev.ExternalEventID,
			"external_message_id", ev.ExternalMessageID,
			"status", status,
		)
		return ack, nil
	}
	if !matched {
		p.logger.Warn("status update for unknown message",
			"external_message_id", ev.ExternalMessageID, "status", status)
		return ack, nil
	}
	if status == domain.StatusFailed && p.metrics != nil {
		p.metrics.ReplyFailed()
	}
	p.logger.Debug("delivery status updated",
		"external_message_id", ev.ExternalMessageID, "status", status)
	return ack, nil
}
