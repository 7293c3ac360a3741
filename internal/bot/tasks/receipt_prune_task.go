package tasks

import (
	"context"
	"fmt"
	"time"
)

const defaultReceiptTTL = 24 * time.Hour

// newReceiptPruneTask deletes webhook receipts older than the configured TTL.
// Redeliveries after the TTL are processed again.
func newReceiptPruneTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "webhook_receipt_prune")
	ttl := deps.Config.Webhook.ReceiptTTL
	if ttl <= 0 {
		ttl = defaultReceiptTTL
	}

	return func(ctx context.Context) error {
		cutoff := deps.Clock.Now().Add(-ttl)
		n, err := deps.Store.PruneReceipts(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("receipt prune failed: %w", err)
		}
		log.DebugContext(ctx, "Webhook receipts pruned", "deleted", n, "cutoff", cutoff)
		return nil
	}
}
