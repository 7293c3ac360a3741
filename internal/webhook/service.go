// Package webhook ingests gateway webhook events. Incoming messages are matched
// against the rule set and answered through the dispatcher; state events update
// the instance tracker.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/edgard/replybot/internal/dispatch"
	apperrors "github.com/edgard/replybot/internal/errors"
	"github.com/edgard/replybot/internal/gateway"
	"github.com/edgard/replybot/internal/gemini"
	"github.com/edgard/replybot/internal/instance"
	"github.com/edgard/replybot/internal/logger"
	"github.com/edgard/replybot/internal/metrics"
	"github.com/edgard/replybot/internal/rules"
)

var errNotJSON = apperrors.NewValidationError("webhook body is not JSON", nil)

// FallbackRuleID tags jobs produced by the fallback responder.
const FallbackRuleID = "fallback"

// Outcome describes what happened to one event.
type Outcome string

const (
	OutcomeMatched        Outcome = "matched"
	OutcomeNoMatch        Outcome = "no_match"
	OutcomeFallback       Outcome = "fallback"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeUnauthorized   Outcome = "unauthorized"
	OutcomeUnknown        Outcome = "unknown_instance"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeStateApplied   Outcome = "state_applied"
	OutcomeStatusRecorded Outcome = "status_recorded"
	OutcomeFailed         Outcome = "failed"
)

// Ack is returned for every event that was JSON. Err carries the reason an
// event was discarded, for logging; it never changes the acknowledgement.
type Ack struct {
	Type    string
	Outcome Outcome
	Err     error
}

// Instances is the part of the tracker the service uses.
type Instances interface {
	GetAuthorizedInstance(id string) (instance.MessagingInstance, error)
	ApplyGatewayStatus(ctx context.Context, id, rawStatus string) (instance.StateChange, error)
}

// Matcher selects the rule answering a message.
type Matcher interface {
	Evaluate(ctx context.Context, msg rules.InboundMessage, now time.Time) (rules.MatchedRule, bool, error)
}

// Enqueuer accepts outbound jobs.
type Enqueuer interface {
	Enqueue(job dispatch.OutboundJob)
}

// ReceiptLog records processed message ids. MarkReceived reports false when
// the message was already recorded.
type ReceiptLog interface {
	MarkReceived(ctx context.Context, instanceID, messageID string, at time.Time) (bool, error)
}

// Service handles webhook events. Events are independent: a failure or panic
// while handling one is contained to it.
type Service struct {
	instances   Instances
	matcher     Matcher
	dispatcher  Enqueuer
	receipts    ReceiptLog
	fallback    gemini.Client
	fallbackSem *semaphore.Weighted
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	logger      *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithReceiptLog enables duplicate message detection.
func WithReceiptLog(r ReceiptLog) Option {
	return func(s *Service) { s.receipts = r }
}

// WithFallback answers unmatched messages with client, running at most
// maxConcurrent generations at a time. Messages arriving while all slots are
// busy get no fallback reply.
func WithFallback(client gemini.Client, maxConcurrent int64) Option {
	return func(s *Service) {
		if client == nil {
			return
		}
		if maxConcurrent < 1 {
			maxConcurrent = 1
		}
		s.fallback = client
		s.fallbackSem = semaphore.NewWeighted(maxConcurrent)
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a webhook service.
func NewService(log *slog.Logger, instances Instances, matcher Matcher, dispatcher Enqueuer, opts ...Option) *Service {
	if log == nil {
		log = logger.Discard()
	}
	s := &Service{
		instances:  instances,
		matcher:    matcher,
		dispatcher: dispatcher,
		clock:      clockwork.NewRealClock(),
		logger:     log.With("component", "webhook"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Receive handles one raw webhook body. instanceHint is the instance id taken
// from the request path, if any. The only error returned is a ValidationError
// for a body that is not JSON; every other event is acknowledged.
func (s *Service) Receive(ctx context.Context, instanceHint string, raw []byte) (Ack, error) {
	ev, err := ParseEvent(raw, instanceHint)
	if errors.Is(err, errNotJSON) {
		s.metrics.RecordWebhook("unknown", "rejected")
		s.logger.WarnContext(ctx, "Rejecting non-JSON webhook body", "bytes", len(raw))
		return Ack{}, err
	}
	if err != nil {
		ack := Ack{Type: ev.Type, Outcome: OutcomeInvalid, Err: err}
		s.record(ctx, ev, ack)
		return ack, nil
	}

	ack := s.handle(ctx, ev)
	s.record(ctx, ev, ack)
	return ack, nil
}

// Wait blocks until in-flight fallback generations finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) handle(ctx context.Context, ev Event) (ack Ack) {
	ack.Type = ev.Type
	defer func() {
		if r := recover(); r != nil {
			ack.Outcome = OutcomeFailed
			ack.Err = fmt.Errorf("panic handling webhook event: %v", r)
		}
	}()

	switch ev.Type {
	case TypeIncomingMessage:
		ack.Outcome, ack.Err = s.handleIncoming(ctx, ev)
	case TypeInstanceStateChanged:
		ack.Outcome, ack.Err = s.handleStateChanged(ctx, ev)
	case TypeOutgoingMessageStatus:
		s.logger.InfoContext(ctx, "Outgoing message status",
			"instance_id", ev.InstanceID, "message_id", ev.MessageID, "status", ev.Status)
		ack.Outcome = OutcomeStatusRecorded
	default:
		ack.Outcome = OutcomeIgnored
	}
	return ack
}

func (s *Service) handleIncoming(ctx context.Context, ev Event) (Outcome, error) {
	if _, err := s.instances.GetAuthorizedInstance(ev.InstanceID); err != nil {
		if apperrors.IsUnknownInstance(err) {
			return OutcomeUnknown, err
		}
		return OutcomeUnauthorized, err
	}
	if ev.Group() {
		return OutcomeIgnored, nil
	}

	now := s.clock.Now()
	if ev.MessageID != "" && s.receipts != nil {
		fresh, err := s.receipts.MarkReceived(ctx, ev.InstanceID, ev.MessageID, now)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("failed to record webhook receipt: %w", err)
		}
		if !fresh {
			return OutcomeDuplicate, nil
		}
	}

	msg := rules.InboundMessage{
		InstanceID:  ev.InstanceID,
		MessageID:   ev.MessageID,
		SenderID:    ev.SenderID,
		SenderName:  ev.SenderName,
		Body:        ev.Body,
		Timestamp:   ev.Timestamp,
		MessageType: ev.MessageType,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	recipient := gateway.ChatID(ev.ChatID)

	matched, ok, err := s.matcher.Evaluate(ctx, msg, now)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to evaluate rules: %w", err)
	}
	if !ok {
		s.metrics.RecordMatch("")
		if s.startFallback(ctx, msg, recipient) {
			return OutcomeFallback, nil
		}
		return OutcomeNoMatch, nil
	}

	s.metrics.RecordMatch(matched.Rule.ID)
	s.dispatcher.Enqueue(dispatch.OutboundJob{
		InstanceID:   ev.InstanceID,
		RecipientID:  recipient,
		RenderedBody: matched.RenderedBody,
		RuleID:       matched.Rule.ID,
		ScheduledAt:  now.Add(matched.Delay),
	})
	s.logger.InfoContext(ctx, "Rule matched",
		"instance_id", ev.InstanceID, "message_id", ev.MessageID, "rule_id", matched.Rule.ID, "delay", matched.Delay)
	return OutcomeMatched, nil
}

func (s *Service) handleStateChanged(ctx context.Context, ev Event) (Outcome, error) {
	change, err := s.instances.ApplyGatewayStatus(ctx, ev.InstanceID, ev.StateInstance)
	switch {
	case apperrors.IsUnknownInstance(err):
		return OutcomeUnknown, err
	case apperrors.IsValidation(err):
		return OutcomeInvalid, err
	case err != nil:
		return OutcomeFailed, err
	}
	if change.Changed() {
		s.logger.InfoContext(ctx, "Instance state changed from webhook",
			"instance_id", ev.InstanceID, "from", change.From, "to", change.To)
	}
	return OutcomeStateApplied, nil
}

// startFallback generates a reply in the background. It reports whether a
// generation was started.
func (s *Service) startFallback(ctx context.Context, msg rules.InboundMessage, recipient string) bool {
	if s.fallback == nil || strings.TrimSpace(msg.Body) == "" {
		return false
	}
	if !s.fallbackSem.TryAcquire(1) {
		s.metrics.RecordFallback("saturated")
		s.logger.WarnContext(ctx, "Fallback responder saturated, skipping", "instance_id", msg.InstanceID, "message_id", msg.MessageID)
		return false
	}

	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.fallbackSem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				s.metrics.RecordFallback("error")
				s.logger.ErrorContext(bg, "Panic in fallback responder", "panic", r, "instance_id", msg.InstanceID)
			}
		}()

		reply, err := s.fallback.GenerateReply(bg, msg)
		if err != nil {
			s.metrics.RecordFallback("error")
			s.logger.WarnContext(bg, "Fallback responder failed", "error", err, "instance_id", msg.InstanceID, "message_id", msg.MessageID)
			return
		}
		s.metrics.RecordFallback("sent")
		s.dispatcher.Enqueue(dispatch.OutboundJob{
			InstanceID:   msg.InstanceID,
			RecipientID:  recipient,
			RenderedBody: reply,
			RuleID:       FallbackRuleID,
		})
	}()
	return true
}

func (s *Service) record(ctx context.Context, ev Event, ack Ack) {
	eventType := ev.Type
	if eventType == "" {
		eventType = "unknown"
	}
	s.metrics.RecordWebhook(eventType, string(ack.Outcome))

	attrs := []any{"type", eventType, "instance_id", ev.InstanceID, "message_id", ev.MessageID, "outcome", ack.Outcome}
	switch ack.Outcome {
	case OutcomeFailed:
		s.logger.ErrorContext(ctx, "Webhook event failed", append(attrs, "error", ack.Err)...)
	case OutcomeInvalid, OutcomeUnknown:
		s.logger.WarnContext(ctx, "Webhook event discarded", append(attrs, "error", ack.Err)...)
	default:
		s.logger.DebugContext(ctx, "Webhook event handled", append(attrs, "error", ack.Err)...)
	}
}
