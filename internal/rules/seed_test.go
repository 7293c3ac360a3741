package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/edgard/replybot/internal/errors"
)

const seedYAML = `
rules:
  - id: greeting
    trigger: Hi
    response: Mambo vipi
    priority: 1
  - id: hours
    trigger: hours
    response: "Tupo wazi {current_time}"
    priority: 5
    enabled: false
    max_uses_per_day: 20
    timezone: Africa/Dar_es_Salaam
    variables:
      use_current_time: true
    conditions:
      weekdays: [mon, tue, wed, thu, fri]
      timeWindow:
        start: "08:00"
        end: "18:00"
`

func TestParseSeed(t *testing.T) {
	parsed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	assert.Equal(t, "greeting", parsed[0].ID)
	assert.True(t, parsed[0].Enabled, "rules default to enabled")
	assert.Nil(t, parsed[0].Conditions)

	hours := parsed[1]
	assert.False(t, hours.Enabled)
	assert.Equal(t, 20, hours.MaxUsesPerDay)
	assert.True(t, hours.Variables.UseCurrentTime)
	assert.JSONEq(t, `{"weekdays":["mon","tue","wed","thu","fri"],"timeWindow":{"start":"08:00","end":"18:00"}}`, string(hours.Conditions))

	_, err = NewConditionRegistry().Parse(hours.Conditions, hours.Location(nil))
	assert.NoError(t, err, "seeded conditions must compile")
}

func TestParseSeedRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not yaml", doc: "rules: [:"},
		{name: "missing response", doc: "rules:\n  - id: a\n    trigger: hi\n"},
		{name: "duplicate id", doc: "rules:\n  - {id: a, trigger: hi, response: x}\n  - {id: a, trigger: yo, response: y}\n"},
		{name: "bad timezone", doc: "rules:\n  - {id: a, trigger: hi, response: x, timezone: Mars/Olympus}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeed([]byte(tt.doc))
			assert.True(t, apperrors.IsValidation(err), "got %v", err)
		})
	}
}

func TestSeedFromFileKeepsUsage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	ctx := context.Background()
	existing := hiRule()
	existing.ID = "greeting"
	existing.Response = "old"
	existing.CurrentUsesToday = 4
	existing.UsageDate = "2025-03-03"
	store := NewMemoryStore(existing)

	n, err := SeedFromFile(ctx, store, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.GetRule(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "Mambo vipi", got.Response)
	assert.Equal(t, 4, got.CurrentUsesToday)

	_, err = SeedFromFile(ctx, store, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMemoryStoreResetUsage(t *testing.T) {
	ctx := context.Background()
	r := hiRule()
	r.CurrentUsesToday = 7
	r.UsageDate = "2025-03-02"
	store := NewMemoryStore(r)

	require.NoError(t, store.ResetUsage(ctx, "hi", "2025-03-03"))
	got, _ := store.GetRule(ctx, "hi")
	assert.Zero(t, got.CurrentUsesToday)
	assert.Equal(t, "2025-03-03", got.UsageDate)

	_, err := store.ClaimUse(ctx, "hi", "2025-03-03", testNow)
	require.NoError(t, err)
	require.NoError(t, store.ResetUsage(ctx, "hi", "2025-03-03"))
	got, _ = store.GetRule(ctx, "hi")
	assert.Equal(t, 1, got.CurrentUsesToday, "reset for the current day is a no-op")
}
