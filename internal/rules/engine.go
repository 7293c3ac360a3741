package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/edgard/replybot/internal/errors"
	"github.com/edgard/replybot/internal/logger"
)

// Engine selects at most one rule to fire for an inbound message.
type Engine struct {
	store      Store
	conditions *ConditionRegistry
	defaultLoc *time.Location
	logger     *slog.Logger

	mu       sync.Mutex
	compiled map[string]compiledCondition // by rule id
}

// compiledCondition is a parsed conditions blob. source identifies the blob and
// zone it was parsed from so an edited rule is recompiled in place.
type compiledCondition struct {
	source string
	cond   Condition
	err    error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithConditionRegistry replaces the built-in condition registry.
func WithConditionRegistry(r *ConditionRegistry) EngineOption {
	return func(e *Engine) { e.conditions = r }
}

// WithDefaultLocation sets the timezone used by rules that do not name one.
func WithDefaultLocation(loc *time.Location) EngineOption {
	return func(e *Engine) {
		if loc != nil {
			e.defaultLoc = loc
		}
	}
}

// NewEngine creates an engine claiming uses through store.
func NewEngine(log *slog.Logger, store Store, opts ...EngineOption) *Engine {
	if log == nil {
		log = logger.Discard()
	}
	e := &Engine{
		store:      store,
		conditions: NewConditionRegistry(),
		defaultLoc: time.UTC,
		logger:     log.With("component", "rule_engine"),
		compiled:   make(map[string]compiledCondition),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultLocation returns the timezone applied to rules without one.
func (e *Engine) DefaultLocation() *time.Location {
	return e.defaultLoc
}

// Evaluate matches msg against the rules currently held by the store.
func (e *Engine) Evaluate(ctx context.Context, msg InboundMessage, now time.Time) (MatchedRule, bool, error) {
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return MatchedRule{}, false, fmt.Errorf("failed to list rules: %w", err)
	}
	return e.Match(ctx, msg, rules, now)
}

type candidate struct {
	rule AutoReplyRule
	loc  *time.Location
	day  string
}

// Match filters rules by enablement, conditions and quota, applies the trigger
// test and claims one use of the best candidate. When a claim loses a race
// against the quota the next candidate is tried. No match has no side effects.
func (e *Engine) Match(ctx context.Context, msg InboundMessage, rules []AutoReplyRule, now time.Time) (MatchedRule, bool, error) {
	candidates := make([]candidate, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		loc := r.Location(e.defaultLoc)
		if !e.conditionsHold(ctx, r, loc, msg, now) {
			continue
		}
		day := LocalDay(now, loc)
		if r.QuotaExhausted(day) {
			e.logger.DebugContext(ctx, "Rule skipped",
				"rule_id", r.ID, "reason", apperrors.NewQuotaExceededError(r.ID, r.MaxUsesPerDay))
			continue
		}
		if !TriggerMatches(r, msg.Body) {
			continue
		}
		candidates = append(candidates, candidate{rule: r, loc: loc, day: day})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].rule, candidates[j].rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	for _, c := range candidates {
		claimed, err := e.store.ClaimUse(ctx, c.rule.ID, c.day, now)
		if err != nil {
			return MatchedRule{}, false, fmt.Errorf("failed to claim use of rule %s: %w", c.rule.ID, err)
		}
		if !claimed {
			e.logger.DebugContext(ctx, "Rule quota claimed concurrently, trying next candidate", "rule_id", c.rule.ID)
			continue
		}

		fired := c.rule
		fired.CurrentUsesToday = c.rule.UsesOn(c.day) + 1
		fired.UsageDate = c.day
		fired.LastUsedAt = now

		return MatchedRule{
			Rule:         fired,
			RenderedBody: Render(fired, msg, now, c.loc),
			Delay:        time.Duration(max(fired.DelaySeconds, 0)) * time.Second,
		}, true, nil
	}
	return MatchedRule{}, false, nil
}

// TriggerMatches applies the trigger test of rule to body.
func TriggerMatches(rule AutoReplyRule, body string) bool {
	trigger := rule.Trigger
	if trigger == "" {
		return false
	}
	if !rule.CaseSensitive {
		trigger = strings.ToLower(trigger)
		body = strings.ToLower(body)
	}
	if rule.ExactMatch {
		return body == trigger
	}
	return strings.Contains(body, trigger)
}

func (e *Engine) conditionsHold(ctx context.Context, r AutoReplyRule, loc *time.Location, msg InboundMessage, now time.Time) bool {
	if len(r.Conditions) == 0 {
		return true
	}
	cc := e.compile(ctx, r, loc)
	if cc.err != nil {
		return false
	}
	return cc.cond.Evaluate(msg, now)
}

// compile returns the parsed conditions of r, reparsing when the rule's
// conditions or zone differ from the cached entry.
func (e *Engine) compile(ctx context.Context, r AutoReplyRule, loc *time.Location) compiledCondition {
	source := loc.String() + "\x00" + string(r.Conditions)

	e.mu.Lock()
	defer e.mu.Unlock()
	if cc, ok := e.compiled[r.ID]; ok && cc.source == source {
		return cc
	}
	cond, err := e.conditions.Parse(r.Conditions, loc)
	if err != nil {
		e.logger.WarnContext(ctx, "Rule has invalid conditions and is ineligible", "rule_id", r.ID, "error", err)
	}
	cc := compiledCondition{source: source, cond: cond, err: err}
	e.compiled[r.ID] = cc
	return cc
}

// cachedConditions reports how many rules have compiled conditions.
func (e *Engine) cachedConditions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.compiled)
}
