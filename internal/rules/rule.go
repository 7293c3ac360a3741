// Package rules implements auto-reply rule matching: filtering by conditions and
// daily quota, trigger matching, priority selection and response rendering.
package rules

import (
	"context"
	"encoding/json"
	"time"
)

// DayLayout formats the calendar date a usage counter belongs to.
const DayLayout = "2006-01-02"

// Variables toggles the substitutions applied to a rule's response.
type Variables struct {
	UseSenderName     bool `json:"useSenderName"     yaml:"use_sender_name"`
	UseCurrentTime    bool `json:"useCurrentTime"    yaml:"use_current_time"`
	UseRandomResponse bool `json:"useRandomResponse" yaml:"use_random_response"`
}

// AutoReplyRule is an operator-defined auto-reply.
type AutoReplyRule struct {
	ID                 string
	Trigger            string
	Response           string
	AlternateResponses []string
	Enabled            bool
	CaseSensitive      bool
	ExactMatch         bool
	Priority           int
	Category           string
	DelaySeconds       int
	MaxUsesPerDay      int
	CurrentUsesToday   int
	// UsageDate is the local calendar date CurrentUsesToday counts for.
	UsageDate  string
	LastUsedAt time.Time
	Conditions json.RawMessage
	Variables  Variables
	// Timezone is an IANA zone name; empty means the engine default.
	Timezone string
}

// UsesOn returns the number of firings counted for day. A counter recorded for
// an earlier day has been reset by the day boundary.
func (r AutoReplyRule) UsesOn(day string) int {
	if r.UsageDate != day {
		return 0
	}
	return r.CurrentUsesToday
}

// QuotaExhausted reports whether the rule has no firings left on day.
func (r AutoReplyRule) QuotaExhausted(day string) bool {
	return r.MaxUsesPerDay > 0 && r.UsesOn(day) >= r.MaxUsesPerDay
}

// Location resolves the rule's timezone, falling back to def.
func (r AutoReplyRule) Location(def *time.Location) *time.Location {
	if r.Timezone != "" {
		if loc, err := time.LoadLocation(r.Timezone); err == nil {
			return loc
		}
	}
	if def == nil {
		return time.UTC
	}
	return def
}

// LocalDay returns the calendar date of now in loc.
func LocalDay(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(DayLayout)
}

// InboundMessage is a normalized inbound chat message. It is consumed once by the pipeline.
type InboundMessage struct {
	InstanceID  string
	MessageID   string
	SenderID    string
	SenderName  string
	Body        string
	Timestamp   time.Time
	MessageType string
}

// MatchedRule is the outcome of a successful match.
type MatchedRule struct {
	Rule         AutoReplyRule
	RenderedBody string
	Delay        time.Duration
}

// Store holds the rule set. Rule administration happens elsewhere; the pipeline
// only reads rules and writes back usage.
type Store interface {
	ListRules(ctx context.Context) ([]AutoReplyRule, error)

	// ClaimUse atomically records one firing of the rule for day (the rule's local
	// calendar date). It returns false, without side effects, when the daily quota
	// for day is already used up.
	ClaimUse(ctx context.Context, ruleID, day string, now time.Time) (bool, error)

	// ResetUsage zeroes the counter of a rule whose usage belongs to a day other than day.
	ResetUsage(ctx context.Context, ruleID, day string) error

	UpsertRule(ctx context.Context, rule AutoReplyRule) error
}
