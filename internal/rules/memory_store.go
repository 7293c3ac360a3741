package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/edgard/replybot/internal/errors"
)

// MemoryStore is an in-process Store. Each rule has its own lock so claims on
// different rules never contend.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*memoryRule
}

type memoryRule struct {
	mu   sync.Mutex
	rule AutoReplyRule
}

// NewMemoryStore creates a store holding rules.
func NewMemoryStore(rules ...AutoReplyRule) *MemoryStore {
	s := &MemoryStore{rules: make(map[string]*memoryRule, len(rules))}
	for _, r := range rules {
		s.rules[r.ID] = &memoryRule{rule: cloneRule(r)}
	}
	return s
}

// ListRules returns copies of all rules ordered by id.
func (s *MemoryStore) ListRules(_ context.Context) ([]AutoReplyRule, error) {
	s.mu.RLock()
	entries := make([]*memoryRule, 0, len(s.rules))
	for _, e := range s.rules {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]AutoReplyRule, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, cloneRule(e.rule))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRule returns a copy of one rule.
func (s *MemoryStore) GetRule(_ context.Context, id string) (AutoReplyRule, error) {
	e, err := s.lookup(id)
	if err != nil {
		return AutoReplyRule{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneRule(e.rule), nil
}

// ClaimUse implements Store.
func (s *MemoryStore) ClaimUse(_ context.Context, ruleID, day string, now time.Time) (bool, error) {
	e, err := s.lookup(ruleID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rule.QuotaExhausted(day) {
		return false, nil
	}
	e.rule.CurrentUsesToday = e.rule.UsesOn(day) + 1
	e.rule.UsageDate = day
	e.rule.LastUsedAt = now
	return true, nil
}

// ResetUsage implements Store.
func (s *MemoryStore) ResetUsage(_ context.Context, ruleID, day string) error {
	e, err := s.lookup(ruleID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rule.UsageDate != day {
		e.rule.CurrentUsesToday = 0
		e.rule.UsageDate = day
	}
	return nil
}

// UpsertRule inserts a rule or replaces its definition. Usage counters of an
// existing rule are kept.
func (s *MemoryStore) UpsertRule(_ context.Context, rule AutoReplyRule) error {
	if rule.ID == "" {
		return apperrors.NewValidationError("rule id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rules[rule.ID]
	if !ok {
		s.rules[rule.ID] = &memoryRule{rule: cloneRule(rule)}
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rule.CurrentUsesToday = e.rule.CurrentUsesToday
	rule.UsageDate = e.rule.UsageDate
	rule.LastUsedAt = e.rule.LastUsedAt
	e.rule = cloneRule(rule)
	return nil
}

func (s *MemoryStore) lookup(id string) (*memoryRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rules[id]
	if !ok {
		return nil, apperrors.NewValidationError("unknown rule "+id, nil)
	}
	return e, nil
}

func cloneRule(r AutoReplyRule) AutoReplyRule {
	if r.AlternateResponses != nil {
		r.AlternateResponses = append([]string(nil), r.AlternateResponses...)
	}
	if r.Conditions != nil {
		r.Conditions = append([]byte(nil), r.Conditions...)
	}
	return r
}
