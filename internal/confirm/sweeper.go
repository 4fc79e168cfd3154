package confirm

import (
	"context"
	"log/slog"
	"time"

	"github.com/aide-sh/aide/internal/store"
	"github.com/aide-sh/aide/internal/streaming"
)

// DefaultSweepInterval is how often overdue pending flows are expired.
const DefaultSweepInterval = time.Minute

// Sweeper periodically transitions overdue pending confirmations to
// expired and publishes an expiry notification for each. Expiry is also
// applied lazily on access; the sweep covers flows nobody reads.
type Sweeper struct {
	store    store.Store
	hub      streaming.EventHub
	logger   *slog.Logger
	interval time.Duration
}

// NewSweeper creates a Sweeper. hub may be nil.
func NewSweeper(s store.Store, hub streaming.EventHub, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    s,
		hub:      hub,
		logger:   logger,
		interval: interval,
	}
}

// Run sweeps until the context is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	ids, err := sw.store.ExpireConfirmations(ctx, time.Now().UTC())
	if err != nil {
		sw.logger.WarnContext(ctx, "confirmation sweep failed",
			slog.String("error", err.Error()))
		return
	}
	if len(ids) == 0 {
		return
	}

	sw.logger.InfoContext(ctx, "expired confirmations",
		slog.Int("count", len(ids)))

	if sw.hub == nil {
		return
	}
	for _, id := range ids {
		flow, err := sw.store.GetConfirmation(ctx, id)
		if err != nil {
			continue
		}
		_ = sw.hub.Publish(ctx, streaming.StreamEvent{
			SessionID:  flow.SessionID,
			WorkflowID: flow.WorkflowID,
			EventType:  "confirmation.expired",
			Payload: map[string]any{
				"confirmation_id": id,
			},
		})
	}
}
