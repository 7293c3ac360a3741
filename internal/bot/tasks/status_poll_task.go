package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgard/replybot/internal/gateway"
	"github.com/edgard/replybot/internal/instance"
)

// newStatusPollTask asks the gateway for the state of every instance and feeds
// the answer to the tracker. Instances in the error state are skipped because
// only re-registration moves them.
func newStatusPollTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "instance_status_poll")

	return func(ctx context.Context) error {
		var errs []error
		polled := 0
		for _, inst := range deps.Instances.List() {
			if inst.State == instance.StateError {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			polled++

			creds := gateway.Credentials{InstanceID: inst.ID, BaseURL: inst.GatewayBaseURL, AuthToken: inst.AuthToken}
			raw, err := deps.Gateway.GetStateInstance(ctx, creds)
			if err != nil {
				if gateway.Classify(err) == gateway.KindUnauthorized {
					log.WarnContext(ctx, "Gateway rejected instance credentials during poll", "instance_id", inst.ID, "error", err)
					if _, markErr := deps.Instances.MarkError(ctx, inst.ID, err.Error()); markErr != nil {
						errs = append(errs, markErr)
					}
					continue
				}
				log.WarnContext(ctx, "Failed to poll instance state", "instance_id", inst.ID, "error", err)
				errs = append(errs, err)
				continue
			}

			change, err := deps.Instances.ApplyGatewayStatus(ctx, inst.ID, raw)
			if err != nil {
				log.WarnContext(ctx, "Gateway reported an unusable state", "instance_id", inst.ID, "raw_status", raw, "error", err)
				errs = append(errs, err)
				continue
			}
			if change.Changed() {
				log.InfoContext(ctx, "Instance state updated by poll",
					"instance_id", inst.ID, "from", change.From, "to", change.To, "raw_status", raw)
			}
		}

		log.DebugContext(ctx, "Instance status poll completed", "polled", polled, "failed", len(errs))
		if len(errs) > 0 {
			return fmt.Errorf("status poll failed for %d instances: %w", len(errs), errors.Join(errs...))
		}
		return nil
	}
}
