// Package dispatch serializes outbound gateway calls per instance. Each instance
// has one lane: a FIFO queue drained by a single goroutine that spaces calls by
// the lane's current minimum interval and backs off when the gateway throttles.
package dispatch

import (
	"log/slog"
	"time"
)

// OutboundJob is one reply waiting to be sent.
type OutboundJob struct {
	ID           string
	InstanceID   string
	RecipientID  string
	RenderedBody string
	RuleID       string
	ScheduledAt  time.Time
	Attempt      int
}

// LogValue omits the message body.
func (j OutboundJob) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", j.ID),
		slog.String("instance_id", j.InstanceID),
		slog.String("recipient_id", j.RecipientID),
		slog.String("rule_id", j.RuleID),
		slog.Int("attempt", j.Attempt),
	)
}

// RateLimitState is the pacing state of one lane.
type RateLimitState struct {
	LastSentAt               time.Time
	MinInterval              time.Duration
	ConsecutiveThrottleCount int
}

// nextIssueAt is the earliest time the next call may be issued.
func (s RateLimitState) nextIssueAt() time.Time {
	if s.LastSentAt.IsZero() {
		return time.Time{}
	}
	return s.LastSentAt.Add(s.MinInterval)
}

// Config holds the pacing and retry policy.
type Config struct {
	// MinInterval is the floor of the per-instance interval and its initial value.
	MinInterval time.Duration
	// MaxInterval caps the interval growth on throttling.
	MaxInterval time.Duration
	// MaxAttempts bounds the calls made for a job failing with transient errors.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number to delay a retry.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}
