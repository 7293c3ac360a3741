package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/edgard/replybot/internal/errors"
	"github.com/edgard/replybot/internal/instance"
	"github.com/edgard/replybot/internal/rules"
)

var testNow = time.Date(2025, 3, 3, 10, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) (Store, *clockwork.FakeClock) {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "replybot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { CloseDB(db) })
	clock := clockwork.NewFakeClockAt(testNow)
	return NewStore(db, nil, clock), clock
}

func sampleRule() rules.AutoReplyRule {
	return rules.AutoReplyRule{
		ID:                 "greeting",
		Trigger:            "hi",
		Response:           "Hello {sender_name}",
		AlternateResponses: []string{"Hey {sender_name}", "Karibu"},
		Enabled:            true,
		ExactMatch:         false,
		Priority:           3,
		Category:           "greetings",
		DelaySeconds:       5,
		MaxUsesPerDay:      2,
		Conditions:         json.RawMessage(`{"weekdays":["mon","tue"]}`),
		Variables:          rules.Variables{UseSenderName: true, UseRandomResponse: true},
		Timezone:           "Africa/Dar_es_Salaam",
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replybot.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	CloseDB(db)

	db, err = NewDB("file:" + path + "?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	defer CloseDB(db)
	require.NoError(t, db.Ping())
}

func TestRuleRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertRule(ctx, sampleRule()))

	got, err := store.GetRule(ctx, "greeting")
	require.NoError(t, err)
	want := sampleRule()
	assert.Equal(t, want.Trigger, got.Trigger)
	assert.Equal(t, want.AlternateResponses, got.AlternateResponses)
	assert.Equal(t, want.Variables, got.Variables)
	assert.Equal(t, want.Timezone, got.Timezone)
	assert.Equal(t, want.MaxUsesPerDay, got.MaxUsesPerDay)
	assert.JSONEq(t, string(want.Conditions), string(got.Conditions))
	assert.True(t, got.LastUsedAt.IsZero())

	list, err := store.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestGetUnknownRule(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.GetRule(context.Background(), "missing")
	assert.True(t, apperrors.IsValidation(err))
}

func TestUpsertKeepsUsageCounters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertRule(ctx, sampleRule()))

	ok, err := store.ClaimUse(ctx, "greeting", "2025-03-03", testNow)
	require.NoError(t, err)
	require.True(t, ok)

	edited := sampleRule()
	edited.Response = "Habari {sender_name}"
	require.NoError(t, store.UpsertRule(ctx, edited))

	got, err := store.GetRule(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "Habari {sender_name}", got.Response)
	assert.Equal(t, 1, got.CurrentUsesToday)
	assert.Equal(t, "2025-03-03", got.UsageDate)
	assert.True(t, testNow.Equal(got.LastUsedAt))
}

func TestClaimUseEnforcesQuotaPerDay(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertRule(ctx, sampleRule()))

	for i := 0; i < 2; i++ {
		ok, err := store.ClaimUse(ctx, "greeting", "2025-03-03", testNow)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := store.ClaimUse(ctx, "greeting", "2025-03-03", testNow)
	require.NoError(t, err)
	assert.False(t, ok, "third claim exceeds quota of 2")

	ok, err = store.ClaimUse(ctx, "greeting", "2025-03-04", testNow.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "a new day starts a new counter")

	got, err := store.GetRule(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentUsesToday)
	assert.Equal(t, "2025-03-04", got.UsageDate)

	_, err = store.ClaimUse(ctx, "missing", "2025-03-04", testNow)
	assert.True(t, apperrors.IsValidation(err))
}

func TestConcurrentClaimsNeverExceedQuota(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	rule := sampleRule()
	rule.MaxUsesPerDay = 10
	require.NoError(t, store.UpsertRule(ctx, rule))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimUse(ctx, "greeting", "2025-03-03", testNow)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), wins.Load())
	got, err := store.GetRule(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, 10, got.CurrentUsesToday)
}

func TestResetUsage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertRule(ctx, sampleRule()))
	_, err := store.ClaimUse(ctx, "greeting", "2025-03-03", testNow)
	require.NoError(t, err)

	require.NoError(t, store.ResetUsage(ctx, "greeting", "2025-03-03"))
	got, err := store.GetRule(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentUsesToday, "same day is left alone")

	require.NoError(t, store.ResetUsage(ctx, "greeting", "2025-03-04"))
	got, err = store.GetRule(ctx, "greeting")
	require.NoError(t, err)
	assert.Zero(t, got.CurrentUsesToday)
	assert.Equal(t, "2025-03-04", got.UsageDate)

	assert.True(t, apperrors.IsValidation(store.ResetUsage(ctx, "missing", "2025-03-04")))
}

func TestStoreBacksEngine(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertRule(ctx, rules.AutoReplyRule{ID: "hi", Trigger: "Hi", Response: "Mambo vipi", Enabled: true, Priority: 1}))

	engine := rules.NewEngine(nil, store)
	m, ok, err := engine.Evaluate(ctx, rules.InboundMessage{InstanceID: "1101", SenderID: "1@c.us", Body: "Hi there!"}, testNow)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Mambo vipi", m.RenderedBody)
}

func TestInstanceRepository(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	tracker := instance.NewTracker(nil, instance.WithRepository(store), instance.WithClock(clockwork.NewFakeClockAt(testNow)))
	_, err := tracker.Register(ctx, instance.MessagingInstance{ID: "1101", PhoneNumber: "255700000000", AuthToken: "secret"})
	require.NoError(t, err)
	_, err = tracker.ApplyGatewayStatus(ctx, "1101", "authorized")
	require.NoError(t, err)
	_, err = tracker.Register(ctx, instance.MessagingInstance{ID: "2202", AuthToken: "other"})
	require.NoError(t, err)

	list, err := store.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1101", list[0].ID)
	assert.Equal(t, instance.StateAuthorized, list[0].State)
	assert.Equal(t, "secret", list[0].AuthToken)

	reloaded := instance.NewTracker(nil, instance.WithRepository(store))
	require.NoError(t, reloaded.Load(ctx))
	inst, err := reloaded.Get("1101")
	require.NoError(t, err)
	assert.Equal(t, instance.StateAuthorized, inst.State)

	require.NoError(t, tracker.Deregister(ctx, "2202"))
	list, err = store.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWebhookReceipts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	fresh, err := store.MarkReceived(ctx, "1101", "msg-1", testNow)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = store.MarkReceived(ctx, "1101", "msg-1", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, fresh, "redelivery")

	fresh, err = store.MarkReceived(ctx, "2202", "msg-1", testNow)
	require.NoError(t, err)
	assert.True(t, fresh, "ids are scoped per instance")

	_, err = store.MarkReceived(ctx, "1101", "msg-2", testNow.Add(48*time.Hour))
	require.NoError(t, err)

	n, err := store.PruneReceipts(ctx, testNow.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	fresh, err = store.MarkReceived(ctx, "1101", "msg-1", testNow.Add(49*time.Hour))
	require.NoError(t, err)
	assert.True(t, fresh, "pruned receipts may be recorded again")
}

func TestRunSQLMaintenance(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.RunSQLMaintenance(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.RunSQLMaintenance(ctx), context.Canceled)
}

func TestExtractDBNameFromPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"replybot.db", "replybot.db"},
		{"file:replybot.db?_pragma=busy_timeout(5000)", "replybot.db"},
		{"file:/var/lib/reply%20bot.db", "/var/lib/reply bot.db"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractDBNameFromPath(tt.in))
	}
}
