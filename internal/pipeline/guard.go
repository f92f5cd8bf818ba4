package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relaybot/internal/domain"
)

// Guard is the idempotency gate in front of the pipeline. Providers redeliver
// webhooks; the guard makes sure each external event id is admitted once.
type Guard struct {
	dedup  domain.DedupStore
	logger *slog.Logger
}

func NewGuard(dedup domain.DedupStore, logger *slog.Logger) *Guard {
	return &Guard{dedup: dedup, logger: logger}
}

// Admit marks the event id as seen and reports whether it was fresh. Events
// without an id cannot be deduplicated and are always admitted.
func (g *Guard) Admit(ctx context.Context, externalEventID string) (bool, error) {
	if externalEventID == "" {
		g.logger.Warn("event without external id, admitting without dedup")
		return true, nil
	}
	fresh, err := g.dedup.MarkEventProcessed(ctx, externalEventID)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	if !fresh {
		g.logger.Info("duplicate event dropped", "external_event_id", externalEventID)
	}
	return fresh, nil
}

// Forget releases a previously admitted id so a transport redelivery is
// processed fresh. Called when work admitted under the id could not be made
// durable; a mark that outlives its failed write would swallow the redelivery.
func (g *Guard) Forget(ctx context.Context, externalEventID string) {
	if externalEventID == "" {
		return
	}
	// The caller's context may already be expired; the rollback must still land.
	if err := g.dedup.ForgetEvent(context.WithoutCancel(ctx), externalEventID); err != nil {
		g.logger.Error("failed to release dedup mark",
			"external_event_id", externalEventID, "error", err)
	}
}

// RunPruner periodically evicts dedup entries older than retention. It blocks
// until ctx is cancelled.
func (g *Guard) RunPruner(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.dedup.PruneProcessedEvents(ctx, time.Now().Add(-retention))
			if err != nil {
				g.logger.Error("dedup prune failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Info("pruned dedup entries", "count", n)
			}
		}
	}
}
