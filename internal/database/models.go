package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgard/replybot/internal/instance"
	"github.com/edgard/replybot/internal/rules"
)

// ruleRow is an auto_reply_rules row.
type ruleRow struct {
	ID                 string       `db:"id"`
	Trigger            string       `db:"trigger_text"`
	Response           string       `db:"response"`
	AlternateResponses string       `db:"alternate_responses"`
	Enabled            bool         `db:"enabled"`
	CaseSensitive      bool         `db:"case_sensitive"`
	ExactMatch         bool         `db:"exact_match"`
	Priority           int          `db:"priority"`
	Category           string       `db:"category"`
	DelaySeconds       int          `db:"delay_seconds"`
	MaxUsesPerDay      int          `db:"max_uses_per_day"`
	CurrentUsesToday   int          `db:"current_uses_today"`
	UsageDate          string       `db:"usage_date"`
	LastUsedAt         sql.NullTime `db:"last_used_at"`
	Conditions         string       `db:"conditions"`
	UseSenderName      bool         `db:"use_sender_name"`
	UseCurrentTime     bool         `db:"use_current_time"`
	UseRandomResponse  bool         `db:"use_random_response"`
	Timezone           string       `db:"timezone"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

const ruleColumns = `id, trigger_text, response, alternate_responses, enabled, case_sensitive, exact_match,
	priority, category, delay_seconds, max_uses_per_day, current_uses_today, usage_date, last_used_at,
	conditions, use_sender_name, use_current_time, use_random_response, timezone, created_at, updated_at`

func newRuleRow(r rules.AutoReplyRule, now time.Time) (ruleRow, error) {
	alternates := r.AlternateResponses
	if alternates == nil {
		alternates = []string{}
	}
	encoded, err := json.Marshal(alternates)
	if err != nil {
		return ruleRow{}, fmt.Errorf("failed to encode alternate responses: %w", err)
	}
	row := ruleRow{
		ID:                 r.ID,
		Trigger:            r.Trigger,
		Response:           r.Response,
		AlternateResponses: string(encoded),
		Enabled:            r.Enabled,
		CaseSensitive:      r.CaseSensitive,
		ExactMatch:         r.ExactMatch,
		Priority:           r.Priority,
		Category:           r.Category,
		DelaySeconds:       r.DelaySeconds,
		MaxUsesPerDay:      r.MaxUsesPerDay,
		CurrentUsesToday:   r.CurrentUsesToday,
		UsageDate:          r.UsageDate,
		Conditions:         string(r.Conditions),
		UseSenderName:      r.Variables.UseSenderName,
		UseCurrentTime:     r.Variables.UseCurrentTime,
		UseRandomResponse:  r.Variables.UseRandomResponse,
		Timezone:           r.Timezone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if !r.LastUsedAt.IsZero() {
		row.LastUsedAt = sql.NullTime{Time: r.LastUsedAt.UTC(), Valid: true}
	}
	return row, nil
}

func (r ruleRow) toRule() (rules.AutoReplyRule, error) {
	var alternates []string
	if r.AlternateResponses != "" {
		if err := json.Unmarshal([]byte(r.AlternateResponses), &alternates); err != nil {
			return rules.AutoReplyRule{}, fmt.Errorf("rule %s has invalid alternate responses: %w", r.ID, err)
		}
	}
	rule := rules.AutoReplyRule{
		ID:                 r.ID,
		Trigger:            r.Trigger,
		Response:           r.Response,
		AlternateResponses: alternates,
		Enabled:            r.Enabled,
		CaseSensitive:      r.CaseSensitive,
		ExactMatch:         r.ExactMatch,
		Priority:           r.Priority,
		Category:           r.Category,
		DelaySeconds:       r.DelaySeconds,
		MaxUsesPerDay:      r.MaxUsesPerDay,
		CurrentUsesToday:   r.CurrentUsesToday,
		UsageDate:          r.UsageDate,
		Variables: rules.Variables{
			UseSenderName:     r.UseSenderName,
			UseCurrentTime:    r.UseCurrentTime,
			UseRandomResponse: r.UseRandomResponse,
		},
		Timezone: r.Timezone,
	}
	if r.Conditions != "" {
		rule.Conditions = json.RawMessage(r.Conditions)
	}
	if r.LastUsedAt.Valid {
		rule.LastUsedAt = r.LastUsedAt.Time
	}
	return rule, nil
}

// instanceRow is a messaging_instances row. The auth token is stored as given;
// protecting the database file is an operator concern.
type instanceRow struct {
	ID                string    `db:"id"`
	PhoneNumber       string    `db:"phone_number"`
	AuthToken         string    `db:"auth_token"`
	GatewayBaseURL    string    `db:"gateway_base_url"`
	State             string    `db:"state"`
	LastStateChangeAt time.Time `db:"last_state_change_at"`
	LastError         string    `db:"last_error"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func newInstanceRow(inst instance.MessagingInstance, now time.Time) instanceRow {
	changed := inst.LastStateChangeAt
	if changed.IsZero() {
		changed = now
	}
	return instanceRow{
		ID:                inst.ID,
		PhoneNumber:       inst.PhoneNumber,
		AuthToken:         inst.AuthToken,
		GatewayBaseURL:    inst.GatewayBaseURL,
		State:             string(inst.State),
		LastStateChangeAt: changed.UTC(),
		LastError:         inst.LastError,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (r instanceRow) toInstance() instance.MessagingInstance {
	return instance.MessagingInstance{
		ID:                r.ID,
		PhoneNumber:       r.PhoneNumber,
		AuthToken:         r.AuthToken,
		GatewayBaseURL:    r.GatewayBaseURL,
		State:             instance.State(r.State),
		LastStateChangeAt: r.LastStateChangeAt,
		LastError:         r.LastError,
	}
}
