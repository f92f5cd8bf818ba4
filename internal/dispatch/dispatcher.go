// Package dispatch delivers orchestrator replies through channel transports
// and records every delivery outcome in the event store. A reply is never
// dropped silently: failures land as failed outbound rows.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/domain"
	"relaybot/internal/retry"
)

// Result reports one delivery attempt sequence.
type Result struct {
	DispatchID        string
	ExternalMessageID string
	Status            domain.DeliveryStatus
	Err               error
}

// OutboundRecorder is the slice of the event store the dispatcher writes to.
type OutboundRecorder interface {
	AppendOutbound(ctx context.Context, m domain.ConversationMessage) error
}

// Dispatcher routes outbound text to the transport owning the conversation's
// channel.
type Dispatcher struct {
	mu         sync.RWMutex
	transports map[string]domain.OutboundTransport

	store  OutboundRecorder
	policy retry.Policy
	logger *slog.Logger
}

func NewDispatcher(store OutboundRecorder, policy retry.Policy, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		transports: make(map[string]domain.OutboundTransport),
		store:      store,
		policy:     policy,
		logger:     logger,
	}
}

// RegisterTransport wires a channel transport under its Name().
func (d *Dispatcher) RegisterTransport(t domain.OutboundTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports[t.Name()] = t
	d.logger.Debug("registered transport", "channel", t.Name())
}

func (d *Dispatcher) transport(channel string) (domain.OutboundTransport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.transports[channel]
	return t, ok
}

// Dispatch sends text to the conversation's channel, retrying transient
// failures, and appends the outbound row either way. The returned Result
// mirrors what was recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationKey, text string) Result {
	dispatchID := uuid.NewString()
	res := Result{DispatchID: dispatchID}

	channel, _, err := domain.SplitConversationKey(conversationKey)
	if err != nil {
		res.Status = domain.StatusFailed
		res.Err = err
	} else if transport, found := d.transport(channel); !found {
		res.Status = domain.StatusFailed
		res.Err = fmt.Errorf("no transport registered for channel %q", channel)
	} else {
		externalID, err := retry.Do(ctx, d.policy, func(ctx context.Context) (string, error) {
			return transport.Send(ctx, conversationKey, text)
		})
		if err != nil {
			res.Status = domain.StatusFailed
			res.Err = fmt.Errorf("send via %s: %w", channel, err)
		} else {
			res.Status = domain.StatusSent
			res.ExternalMessageID = externalID
		}
	}

	if res.Err != nil {
		d.logger.Error("dispatch failed",
			"dispatch_id", dispatchID,
			"conversation", conversationKey,
			"error", res.Err,
		)
	} else {
		d.logger.Info("dispatched reply",
			"dispatch_id", dispatchID,
			"conversation", conversationKey,
			"external_id", res.ExternalMessageID,
		)
	}

	msg := domain.ConversationMessage{
		ConversationKey:   conversationKey,
		ContentKind:       domain.ContentText,
		Body:              text,
		ExternalMessageID: res.ExternalMessageID,
		Status:            res.Status,
		CreatedAt:         time.Now().UTC(),
	}
	// The event deadline may have expired during the send (the fallback
	// reply is dispatched exactly then); the bookkeeping row must still
	// land or the failure becomes invisible.
	if err := d.store.AppendOutbound(context.WithoutCancel(ctx), msg); err != nil {
		// The send already happened; surface the bookkeeping failure but
		// keep the delivery status accurate.
		d.logger.Error("failed to record outbound message",
			"dispatch_id", dispatchID,
			"conversation", conversationKey,
			"error", err,
		)
		if res.Err == nil {
			res.Err = fmt.Errorf("record outbound: %w", err)
		}
	}
	return res
}
