package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Condition is a predicate over an inbound message and the evaluation time.
type Condition interface {
	Evaluate(msg InboundMessage, now time.Time) bool
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(msg InboundMessage, now time.Time) bool

func (f ConditionFunc) Evaluate(msg InboundMessage, now time.Time) bool { return f(msg, now) }

// ConditionFactory builds a Condition from the JSON value stored under its key.
// loc is the rule's timezone.
type ConditionFactory func(raw json.RawMessage, loc *time.Location) (Condition, error)

// ConditionRegistry maps condition keys to factories. A rule's conditions blob is a
// JSON object; every key must be registered and every condition must hold.
type ConditionRegistry struct {
	mu        sync.RWMutex
	factories map[string]ConditionFactory
}

// NewConditionRegistry returns a registry with the built-in conditions:
// senderAllowList, senderBlockList, timeWindow, weekdays and messageTypes.
func NewConditionRegistry() *ConditionRegistry {
	r := &ConditionRegistry{factories: make(map[string]ConditionFactory)}
	r.Register("senderAllowList", senderListFactory(true))
	r.Register("senderBlockList", senderListFactory(false))
	r.Register("timeWindow", timeWindowFactory)
	r.Register("weekdays", weekdaysFactory)
	r.Register("messageTypes", messageTypesFactory)
	return r
}

// Register adds or replaces the factory for key.
func (r *ConditionRegistry) Register(key string, f ConditionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

// Parse compiles a conditions blob. An empty blob, "null" or "{}" always holds.
func (r *ConditionRegistry) Parse(raw json.RawMessage, loc *time.Location) (Condition, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ConditionFunc(func(InboundMessage, time.Time) bool { return true }), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("conditions must be a JSON object: %w", err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Condition, 0, len(keys))
	for _, k := range keys {
		f, ok := r.factories[k]
		if !ok {
			return nil, fmt.Errorf("unknown condition %q", k)
		}
		c, err := f(fields[k], loc)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", k, err)
		}
		all = append(all, c)
	}

	return ConditionFunc(func(msg InboundMessage, now time.Time) bool {
		for _, c := range all {
			if !c.Evaluate(msg, now) {
				return false
			}
		}
		return true
	}), nil
}

// NormalizeSender reduces a chat id such as "+255 712 345678@c.us" to its digits.
func NormalizeSender(id string) string {
	if at := strings.IndexByte(id, '@'); at >= 0 {
		id = id[:at]
	}
	var b strings.Builder
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return strings.ToLower(strings.TrimSpace(id))
	}
	return b.String()
}

func senderListFactory(allow bool) ConditionFactory {
	return func(raw json.RawMessage, _ *time.Location) (Condition, error) {
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("expected a list of sender ids: %w", err)
		}
		set := make(map[string]struct{}, len(list))
		for _, s := range list {
			set[NormalizeSender(s)] = struct{}{}
		}
		return ConditionFunc(func(msg InboundMessage, _ time.Time) bool {
			_, listed := set[NormalizeSender(msg.SenderID)]
			return listed == allow
		}), nil
	}
}

type timeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// timeWindowFactory accepts {"start":"08:00","end":"18:00"}. The start is inclusive and
// the end exclusive; a window whose end precedes its start wraps past midnight.
func timeWindowFactory(raw json.RawMessage, loc *time.Location) (Condition, error) {
	var w timeWindow
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return nil, err
	}
	end, err := parseClock(w.End)
	if err != nil {
		return nil, err
	}
	return ConditionFunc(func(_ InboundMessage, now time.Time) bool {
		local := now.In(loc)
		minute := local.Hour()*60 + local.Minute()
		if start <= end {
			return minute >= start && minute < end
		}
		return minute >= start || minute < end
	}), nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func weekdaysFactory(raw json.RawMessage, loc *time.Location) (Condition, error) {
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("expected a list of weekday names: %w", err)
	}
	days := make(map[time.Weekday]bool, len(names))
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		days[d] = true
	}
	return ConditionFunc(func(_ InboundMessage, now time.Time) bool {
		return days[now.In(loc).Weekday()]
	}), nil
}

func messageTypesFactory(raw json.RawMessage, _ *time.Location) (Condition, error) {
	var types []string
	if err := json.Unmarshal(raw, &types); err != nil {
		return nil, fmt.Errorf("expected a list of message types: %w", err)
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[strings.ToLower(t)] = true
	}
	return ConditionFunc(func(msg InboundMessage, _ time.Time) bool {
		return set[strings.ToLower(msg.MessageType)]
	}), nil
}
