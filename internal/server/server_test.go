package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/replybot/internal/config"
	apperrors "github.com/edgard/replybot/internal/errors"
	"github.com/edgard/replybot/internal/instance"
	"github.com/edgard/replybot/internal/metrics"
	"github.com/edgard/replybot/internal/webhook"
)

type fakeReceiver struct {
	hint string
	body string
	err  error
}

func (f *fakeReceiver) Receive(_ context.Context, instanceHint string, raw []byte) (webhook.Ack, error) {
	f.hint = instanceHint
	f.body = string(raw)
	if f.err != nil {
		return webhook.Ack{}, f.err
	}
	return webhook.Ack{Type: webhook.TypeIncomingMessage, Outcome: webhook.OutcomeMatched}, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fixture struct {
	handler  http.Handler
	receiver *fakeReceiver
	tracker  *instance.Tracker
}

func newFixture(t *testing.T, webhookToken string, health Pinger) *fixture {
	t.Helper()
	f := &fixture{
		receiver: &fakeReceiver{},
		tracker: instance.NewTracker(nil,
			instance.WithClock(clockwork.NewFakeClockAt(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))),
			instance.WithDefaultBaseURL("https://api.green-api.com")),
	}
	srv := New(nil,
		config.HTTPConfig{Addr: ":0", AdminToken: "admin-secret"},
		config.WebhookConfig{Token: webhookToken, MaxBodyBytes: 2048},
		Deps{Webhook: f.receiver, Instances: f.tracker, Health: health, Metrics: metrics.New()},
	)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestWebhookAcknowledges(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/webhook", "", `{"instanceId":"1101","type":"incomingMessage"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "matched", decode(t, rec)["outcome"])
	assert.Empty(t, f.receiver.hint)

	rec = f.do(t, http.MethodPost, "/webhook/1101", "", `{"type":"incomingMessage"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1101", f.receiver.hint)
}

func TestWebhookRejectsNonJSON(t *testing.T) {
	f := newFixture(t, "", nil)
	f.receiver.err = apperrors.NewValidationError("webhook body is not JSON", nil)

	rec := f.do(t, http.MethodPost, "/webhook", "", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeValidation, decode(t, rec)["code"])
}

func TestWebhookBodyLimit(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/webhook", "", `{"body":"`+strings.Repeat("a", 4096)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWebhookToken(t *testing.T) {
	f := newFixture(t, "hook-secret", nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/webhook", "", `{}`).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/webhook", "wrong", `{}`).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/webhook", "hook-secret", `{}`).Code)
}

func TestInstanceAdminLifecycle(t *testing.T) {
	f := newFixture(t, "", nil)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/instances", "admin-secret",
		`{"id":"1101","phoneNumber":"255700000000","authToken":"tok"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	assert.Equal(t, "disconnected", created["state"])
	assert.Equal(t, "https://api.green-api.com/waInstance1101", created["gatewayBaseUrl"])
	assert.NotContains(t, created, "authToken", "token must never be returned")

	rec = f.do(t, http.MethodPost, "/instances", "admin-secret", `{"id":"1101","authToken":"tok"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "duplicate registration")

	rec = f.do(t, http.MethodGet, "/instances", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 1)

	_, err := f.tracker.MarkError(ctx, "1101", "credentials rejected")
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/instances/1101", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "error", decode(t, rec)["state"])

	rec = f.do(t, http.MethodPost, "/instances/1101/reregister", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disconnected", decode(t, rec)["state"])

	rec = f.do(t, http.MethodDelete, "/instances/1101", "admin-secret", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/instances/1101", "admin-secret", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeUnknownInstance, decode(t, rec)["code"])
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing token", body: `{"id":"1101"}`},
		{name: "unknown field", body: `{"id":"1101","authToken":"t","extra":1}`},
		{name: "bad url", body: `{"id":"1101","authToken":"t","gatewayBaseUrl":"not a url"}`},
		{name: "bad phone", body: `{"id":"1101","authToken":"t","phoneNumber":"call me"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "", nil)
			rec := f.do(t, http.MethodPost, "/instances", "admin-secret", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t, "", nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/instances", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/instances", "nope", "").Code)

	disabled := New(nil, config.HTTPConfig{Addr: ":0"}, config.WebhookConfig{}, Deps{Instances: f.tracker}).Handler()
	rec := httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/instances", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, "", fakePinger{})
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	unhealthy := newFixture(t, "", fakePinger{err: errors.New("disk I/O error")})
	assert.Equal(t, http.StatusServiceUnavailable, unhealthy.do(t, http.MethodGet, "/healthz", "", "").Code)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv := New(nil, config.HTTPConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, config.WebhookConfig{}, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
