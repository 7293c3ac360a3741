// Package notify delivers operator alerts for failures that need a human:
// rejected instance credentials and undeliverable replies.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/edgard/replybot/internal/errors"
	"github.com/edgard/replybot/internal/logger"
)

// Notifier receives alertable errors.
type Notifier interface {
	Notify(ctx context.Context, err error)
}

// Alert is the operator-facing view of an error.
type Alert struct {
	Code       string
	InstanceID string
	JobID      string
	Message    string
}

// Key identifies alerts that repeat the same condition.
func (a Alert) Key() string {
	return a.Code + "/" + a.InstanceID
}

func (a Alert) String() string {
	s := fmt.Sprintf("[%s] instance %s: %s", a.Code, a.InstanceID, a.Message)
	if a.JobID != "" {
		s += " (job " + a.JobID + ")"
	}
	return s
}

// AlertFor converts err into an Alert. Only authorization and delivery failures
// are alertable.
func AlertFor(err error) (Alert, bool) {
	var authErr *apperrors.AuthorizationError
	if errors.As(err, &authErr) {
		return Alert{Code: apperrors.CodeAuthorization, InstanceID: authErr.InstanceID, Message: err.Error()}, true
	}
	var deliveryErr *apperrors.DeliveryFailedError
	if errors.As(err, &deliveryErr) {
		return Alert{
			Code:       apperrors.CodeDeliveryFailed,
			InstanceID: deliveryErr.InstanceID,
			JobID:      deliveryErr.JobID,
			Message:    err.Error(),
		}, true
	}
	return Alert{}, false
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = logger.Discard()
	}
	return &LogNotifier{logger: log.With("component", "notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, err error) {
	alert, ok := AlertFor(err)
	if !ok {
		return
	}
	n.logger.ErrorContext(ctx, "Operator alert",
		"code", alert.Code, "instance_id", alert.InstanceID, "job_id", alert.JobID, "error", err)
}

// Multi fans an alert out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, err error) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, err)
		}
	}
}
