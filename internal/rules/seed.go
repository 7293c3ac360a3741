package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/edgard/replybot/internal/errors"
)

// seedFile is the on-disk layout of a rules seed file.
type seedFile struct {
	Rules []seedRule `yaml:"rules"`
}

type seedRule struct {
	ID                 string         `yaml:"id"`
	Trigger            string         `yaml:"trigger"`
	Response           string         `yaml:"response"`
	AlternateResponses []string       `yaml:"alternate_responses"`
	Enabled            *bool          `yaml:"enabled"`
	CaseSensitive      bool           `yaml:"case_sensitive"`
	ExactMatch         bool           `yaml:"exact_match"`
	Priority           int            `yaml:"priority"`
	Category           string         `yaml:"category"`
	DelaySeconds       int            `yaml:"delay_seconds"`
	MaxUsesPerDay      int            `yaml:"max_uses_per_day"`
	Conditions         map[string]any `yaml:"conditions"`
	Variables          Variables      `yaml:"variables"`
	Timezone           string         `yaml:"timezone"`
}

// ParseSeed decodes a YAML rules document. Rules are enabled unless they say otherwise.
func ParseSeed(data []byte) ([]AutoReplyRule, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, apperrors.NewValidationError("invalid rules seed", err)
	}

	seen := make(map[string]bool, len(f.Rules))
	out := make([]AutoReplyRule, 0, len(f.Rules))
	for i, sr := range f.Rules {
		if sr.ID == "" || sr.Trigger == "" || sr.Response == "" {
			return nil, apperrors.NewValidationError(fmt.Sprintf("rule #%d needs id, trigger and response", i+1), nil)
		}
		if seen[sr.ID] {
			return nil, apperrors.NewValidationError(fmt.Sprintf("duplicate rule id %q", sr.ID), nil)
		}
		seen[sr.ID] = true

		if sr.Timezone != "" {
			if _, err := time.LoadLocation(sr.Timezone); err != nil {
				return nil, apperrors.NewValidationError(fmt.Sprintf("rule %q has invalid timezone", sr.ID), err)
			}
		}

		var conditions json.RawMessage
		if len(sr.Conditions) > 0 {
			b, err := json.Marshal(sr.Conditions)
			if err != nil {
				return nil, apperrors.NewValidationError(fmt.Sprintf("rule %q has invalid conditions", sr.ID), err)
			}
			conditions = b
		}

		enabled := true
		if sr.Enabled != nil {
			enabled = *sr.Enabled
		}

		out = append(out, AutoReplyRule{
			ID:                 sr.ID,
			Trigger:            sr.Trigger,
			Response:           sr.Response,
			AlternateResponses: sr.AlternateResponses,
			Enabled:            enabled,
			CaseSensitive:      sr.CaseSensitive,
			ExactMatch:         sr.ExactMatch,
			Priority:           sr.Priority,
			Category:           sr.Category,
			DelaySeconds:       sr.DelaySeconds,
			MaxUsesPerDay:      sr.MaxUsesPerDay,
			Conditions:         conditions,
			Variables:          sr.Variables,
			Timezone:           sr.Timezone,
		})
	}
	return out, nil
}

// SeedFromFile upserts every rule of the YAML file at path into store.
func SeedFromFile(ctx context.Context, store Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read rules seed: %w", err)
	}
	parsed, err := ParseSeed(data)
	if err != nil {
		return 0, err
	}
	for _, r := range parsed {
		if err := store.UpsertRule(ctx, r); err != nil {
			return 0, fmt.Errorf("failed to seed rule %s: %w", r.ID, err)
		}
	}
	return len(parsed), nil
}
