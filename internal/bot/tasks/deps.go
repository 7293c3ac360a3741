// Package tasks implements the scheduled maintenance tasks of replybot: daily
// quota reset, instance status polling, webhook receipt pruning and SQLite
// maintenance.
package tasks

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/replybot/internal/config"
	"github.com/edgard/replybot/internal/database"
	"github.com/edgard/replybot/internal/gateway"
	"github.com/edgard/replybot/internal/instance"
)

// InstanceStatus is the tracker surface used by the status poll.
type InstanceStatus interface {
	List() []instance.MessagingInstance
	ApplyGatewayStatus(ctx context.Context, id, rawStatus string) (instance.StateChange, error)
	MarkError(ctx context.Context, id, reason string) (instance.StateChange, error)
}

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger    *slog.Logger
	Store     database.Store
	Instances InstanceStatus
	Gateway   gateway.StatusReader
	Clock     clockwork.Clock
	Config    *config.Config
}
