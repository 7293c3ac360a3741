package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgard/replybot/internal/rules"
)

// newQuotaResetTask zeroes the daily counters of rules whose usage belongs to
// an earlier day in their own timezone. Claims already treat a stale day as
// zero uses, so the task only keeps the stored counters readable.
func newQuotaResetTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "quota_reset")
	def := defaultLocation(deps.Config)

	return func(ctx context.Context) error {
		list, err := deps.Store.ListRules(ctx)
		if err != nil {
			return fmt.Errorf("quota reset failed: %w", err)
		}

		now := deps.Clock.Now()
		var errs []error
		reset := 0
		for _, r := range list {
			if r.MaxUsesPerDay == 0 && r.CurrentUsesToday == 0 {
				continue
			}
			day := rules.LocalDay(now, r.Location(def))
			if r.UsageDate == day {
				continue
			}
			if err := deps.Store.ResetUsage(ctx, r.ID, day); err != nil {
				log.WarnContext(ctx, "Failed to reset rule usage", "rule_id", r.ID, "error", err)
				errs = append(errs, err)
				continue
			}
			reset++
		}

		log.InfoContext(ctx, "Quota reset completed", "rules", len(list), "reset", reset)
		if len(errs) > 0 {
			return fmt.Errorf("quota reset failed for %d rules: %w", len(errs), errors.Join(errs...))
		}
		return nil
	}
}
