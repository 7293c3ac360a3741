package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/edgard/replybot/internal/errors"
	"github.com/edgard/replybot/internal/gateway"
	"github.com/edgard/replybot/internal/instance"
	"github.com/edgard/replybot/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentCall struct {
	creds gateway.Credentials
	to    string
	body  string
	at    time.Time
	rate  RateLimitState
}

type fakeSender struct {
	clock clockwork.Clock

	mu      sync.Mutex
	calls   []sentCall
	respond func(n int) error
	block   chan struct{}
	observe func() RateLimitState
}

func (s *fakeSender) SendMessage(_ context.Context, creds gateway.Credentials, chatID, message string) (gateway.SendResult, error) {
	c := sentCall{creds: creds, to: chatID, body: message, at: s.clock.Now()}
	if s.observe != nil {
		c.rate = s.observe()
	}

	s.mu.Lock()
	s.calls = append(s.calls, c)
	n := len(s.calls)
	respond, block := s.respond, s.block
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if respond != nil {
		if err := respond(n); err != nil {
			return gateway.SendResult{}, err
		}
	}
	return gateway.SendResult{MessageID: fmt.Sprintf("msg-%d", n)}, nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSender) snapshot() []sentCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentCall(nil), s.calls...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	errs []error
}

func (n *recordingNotifier) Notify(_ context.Context, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *recordingNotifier) all() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.errs...)
}

func statusErr(code int) error {
	return &gateway.StatusError{StatusCode: code}
}

type harness struct {
	d        *Dispatcher
	sender   *fakeSender
	tracker  *instance.Tracker
	notifier *recordingNotifier
	clock    *clockwork.FakeClock
	metrics  *metrics.Metrics
	cfg      Config
}

func newHarness(t *testing.T, cfg Config, authorize bool) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))
	tracker := instance.NewTracker(nil, instance.WithClock(clock), instance.WithDefaultBaseURL("https://api.green-api.com"))
	_, err := tracker.Register(context.Background(), instance.MessagingInstance{ID: "1", AuthToken: "tok"})
	require.NoError(t, err)
	if authorize {
		_, err = tracker.ApplyGatewayStatus(context.Background(), "1", "authorized")
		require.NoError(t, err)
	}

	h := &harness{
		sender:   &fakeSender{clock: clock},
		tracker:  tracker,
		notifier: &recordingNotifier{},
		clock:    clock,
		metrics:  metrics.New(),
		cfg:      cfg,
	}
	h.d = New(nil, cfg, h.sender, tracker, WithClock(clock), WithNotifier(h.notifier), WithMetrics(h.metrics))
	tracker.Subscribe(h.d.HandleStateChange)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func (h *harness) enqueue(n int) {
	for i := 0; i < n; i++ {
		h.d.Enqueue(OutboundJob{InstanceID: "1", RecipientID: "255712345678@c.us", RenderedBody: fmt.Sprintf("reply %d", i)})
	}
}

// advanceToNextCall waits for the lane to block on its pacing timer, then moves the clock by step.
func (h *harness) advanceToNextCall(t *testing.T, step time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1), "lane never waited on its timer")
	h.clock.Advance(step)
}

func (h *harness) waitCalls(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sender.count() >= n }, 2*time.Second, time.Millisecond,
		"expected %d calls, got %d", n, h.sender.count())
}

var testConfig = Config{
	MinInterval:  100 * time.Millisecond,
	MaxInterval:  time.Second,
	MaxAttempts:  3,
	RetryBackoff: 50 * time.Millisecond,
}

func TestCallsAreSpacedByMinInterval(t *testing.T) {
	h := newHarness(t, testConfig, true)
	h.enqueue(100)
	h.start(t)

	h.waitCalls(t, 1)
	for i := 2; i <= 100; i++ {
		h.advanceToNextCall(t, testConfig.MinInterval/2)
		assert.Equal(t, i-1, h.sender.count(), "call issued before min interval elapsed")
		h.advanceToNextCall(t, testConfig.MinInterval/2)
		h.waitCalls(t, i)
	}

	calls := h.sender.snapshot()
	require.Len(t, calls, 100)
	for i := 1; i < len(calls); i++ {
		gap := calls[i].at.Sub(calls[i-1].at)
		assert.GreaterOrEqual(t, gap, testConfig.MinInterval, "calls %d and %d", i-1, i)
	}
	for i, c := range calls {
		assert.Equal(t, fmt.Sprintf("reply %d", i), c.body, "lane must preserve enqueue order")
		assert.Equal(t, "https://api.green-api.com/waInstance1", c.creds.BaseURL)
		assert.Equal(t, "tok", c.creds.AuthToken)
	}
	assert.Equal(t, 100.0, testutil.ToFloat64(h.metrics.DispatchOutcomes.WithLabelValues("1", "sent")))
}

func TestThrottlingGrowsIntervalUpToCeiling(t *testing.T) {
	cfg := Config{MinInterval: 10 * time.Millisecond, MaxInterval: 60 * time.Millisecond, MaxAttempts: 3}
	h := newHarness(t, cfg, true)
	h.sender.respond = func(n int) error {
		if n <= 3 {
			return statusErr(http.StatusTooManyRequests)
		}
		return nil
	}
	h.sender.observe = func() RateLimitState {
		s, _ := h.d.RateState("1")
		return s
	}

	h.enqueue(1)
	h.start(t)

	h.waitCalls(t, 1)
	for i := 2; i <= 4; i++ {
		h.advanceToNextCall(t, cfg.MaxInterval)
		h.waitCalls(t, i)
	}

	calls := h.sender.snapshot()
	require.Len(t, calls, 4)
	prev := cfg.MinInterval
	for i := 1; i <= 3; i++ {
		got := calls[i].rate
		assert.Equal(t, i, got.ConsecutiveThrottleCount)
		assert.Greater(t, got.MinInterval, prev, "interval must grow after throttle %d", i)
		assert.LessOrEqual(t, got.MinInterval, cfg.MaxInterval)
		prev = got.MinInterval
	}
	assert.Equal(t, cfg.MaxInterval, calls[3].rate.MinInterval)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].at.Sub(calls[i-1].at), calls[i].rate.MinInterval)
	}

	require.Eventually(t, func() bool {
		s, _ := h.d.RateState("1")
		return s.ConsecutiveThrottleCount == 0
	}, 2*time.Second, time.Millisecond, "success must reset the throttle count")
	s, _ := h.d.RateState("1")
	assert.Equal(t, 30*time.Millisecond, s.MinInterval, "success halves the interval")
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.DispatchOutcomes.WithLabelValues("1", "throttled")))
}

func TestSuccessHalvesIntervalDownToFloor(t *testing.T) {
	l := newLane("1", RateLimitState{MinInterval: 80 * time.Millisecond, ConsecutiveThrottleCount: 2})
	assert.Equal(t, 40*time.Millisecond, l.recordSuccess(25*time.Millisecond).MinInterval)
	assert.Equal(t, 25*time.Millisecond, l.recordSuccess(25*time.Millisecond).MinInterval)
	assert.Equal(t, 0, l.rateState().ConsecutiveThrottleCount)

	assert.Equal(t, 50*time.Millisecond, l.recordThrottle(60*time.Millisecond).MinInterval)
	assert.Equal(t, 60*time.Millisecond, l.recordThrottle(60*time.Millisecond).MinInterval)
}

func TestUnauthorizedStopsLaneAndDropsQueuedJobs(t *testing.T) {
	h := newHarness(t, testConfig, true)
	h.sender.respond = func(int) error { return statusErr(http.StatusUnauthorized) }

	h.enqueue(2)
	h.start(t)

	require.Eventually(t, func() bool { return len(h.notifier.all()) == 1 }, 2*time.Second, time.Millisecond)
	assert.True(t, apperrors.IsAuthorization(h.notifier.all()[0]))

	inst, err := h.tracker.Get("1")
	require.NoError(t, err)
	assert.Equal(t, instance.StateError, inst.State)

	h.clock.Advance(10 * testConfig.MinInterval)
	assert.Equal(t, 1, h.sender.count(), "queued job must be dropped without a call")
	assert.Zero(t, h.d.QueueLen("1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DispatchOutcomes.WithLabelValues("1", "dropped")))
}

func TestJobForUnauthorizedInstanceIsDropped(t *testing.T) {
	h := newHarness(t, testConfig, false)
	h.start(t)
	h.enqueue(1)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.DispatchOutcomes.WithLabelValues("1", "dropped")) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, h.sender.count())
	assert.Empty(t, h.notifier.all())
}

func TestTransientErrorsRetryThenFail(t *testing.T) {
	h := newHarness(t, testConfig, true)
	h.sender.respond = func(int) error { return statusErr(http.StatusBadGateway) }

	h.enqueue(1)
	h.start(t)

	h.waitCalls(t, 1)
	for i := 2; i <= testConfig.MaxAttempts; i++ {
		h.advanceToNextCall(t, testConfig.MinInterval+time.Duration(i)*testConfig.RetryBackoff)
		h.waitCalls(t, i)
	}

	require.Eventually(t, func() bool { return len(h.notifier.all()) == 1 }, 2*time.Second, time.Millisecond)
	var failure *apperrors.DeliveryFailedError
	require.True(t, errors.As(h.notifier.all()[0], &failure))
	assert.Equal(t, testConfig.MaxAttempts, failure.Attempts)
	assert.Equal(t, "1", failure.InstanceID)
	assert.Equal(t, testConfig.MaxAttempts, h.sender.count())

	calls := h.sender.snapshot()
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), testConfig.RetryBackoff)
	assert.GreaterOrEqual(t, calls[2].at.Sub(calls[1].at), 2*testConfig.RetryBackoff)
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, testConfig, true)
	h.sender.respond = func(n int) error {
		if n == 1 {
			return statusErr(http.StatusBadRequest)
		}
		return nil
	}

	h.enqueue(2)
	h.start(t)

	h.waitCalls(t, 1)
	h.advanceToNextCall(t, testConfig.MinInterval)
	h.waitCalls(t, 2)

	errs := h.notifier.all()
	require.Len(t, errs, 1)
	assert.True(t, apperrors.IsDeliveryFailed(errs[0]))
	assert.Equal(t, "reply 1", h.sender.snapshot()[1].body, "lane continues with the next job")
}

func TestDelayedHeadHoldsLane(t *testing.T) {
	h := newHarness(t, testConfig, true)
	now := h.clock.Now()
	h.d.Enqueue(OutboundJob{InstanceID: "1", RecipientID: "a", RenderedBody: "delayed", ScheduledAt: now.Add(5 * time.Second)})
	h.d.Enqueue(OutboundJob{InstanceID: "1", RecipientID: "b", RenderedBody: "immediate"})
	h.start(t)

	h.advanceToNextCall(t, 5*time.Second)
	h.waitCalls(t, 1)
	h.advanceToNextCall(t, testConfig.MinInterval)
	h.waitCalls(t, 2)

	calls := h.sender.snapshot()
	assert.Equal(t, "delayed", calls[0].body)
	assert.Equal(t, "immediate", calls[1].body)
	assert.Equal(t, now.Add(5*time.Second), calls[0].at)
}

func TestThrottleHonorsRetryAfter(t *testing.T) {
	h := newHarness(t, testConfig, true)
	h.sender.respond = func(n int) error {
		if n == 1 {
			return &gateway.StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 5 * time.Second}
		}
		return nil
	}
	h.enqueue(1)
	h.start(t)

	h.waitCalls(t, 1)
	h.advanceToNextCall(t, time.Second)
	h.advanceToNextCall(t, 4*time.Second-time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, h.sender.count(), "retry must wait for the requested Retry-After")

	h.clock.Advance(time.Millisecond)
	h.waitCalls(t, 2)
	calls := h.sender.snapshot()
	assert.Equal(t, 5*time.Second, calls[1].at.Sub(calls[0].at))
}

func TestWaitingLaneDoesNotBlockOtherInstances(t *testing.T) {
	h := newHarness(t, testConfig, true)
	ctx := context.Background()
	_, err := h.tracker.Register(ctx, instance.MessagingInstance{ID: "2", AuthToken: "tok-2"})
	require.NoError(t, err)
	_, err = h.tracker.ApplyGatewayStatus(ctx, "2", "authorized")
	require.NoError(t, err)

	now := h.clock.Now()
	h.d.Enqueue(OutboundJob{InstanceID: "1", RecipientID: "a", RenderedBody: "first on 1"})
	h.d.Enqueue(OutboundJob{InstanceID: "1", RecipientID: "a", RenderedBody: "paced on 1"})
	h.d.Enqueue(OutboundJob{InstanceID: "1", RecipientID: "a", RenderedBody: "delayed on 1", ScheduledAt: now.Add(time.Hour)})
	h.d.Enqueue(OutboundJob{InstanceID: "2", RecipientID: "b", RenderedBody: "first on 2"})
	h.d.Enqueue(OutboundJob{InstanceID: "2", RecipientID: "b", RenderedBody: "delayed on 2", ScheduledAt: now.Add(time.Hour)})
	h.start(t)

	// Lane 1 waits on its pacing timer and lane 2 on its delayed job; neither holds up the other's first send.
	h.waitCalls(t, 2)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(waitCtx, 2))

	bodies := map[string]string{}
	for _, c := range h.sender.snapshot() {
		bodies[c.creds.InstanceID] = c.body
		assert.True(t, now.Equal(c.at), "sent without the clock advancing")
	}
	assert.Equal(t, map[string]string{"1": "first on 1", "2": "first on 2"}, bodies)

	h.clock.Advance(testConfig.MinInterval)
	h.waitCalls(t, 3)
	assert.Equal(t, "paced on 1", h.sender.snapshot()[2].body)
}

func TestDeregistrationDropsQueue(t *testing.T) {
	h := newHarness(t, testConfig, true)
	h.enqueue(3)
	assert.Equal(t, 3, h.d.QueueLen("1"))

	require.NoError(t, h.tracker.Deregister(context.Background(), "1"))
	assert.Zero(t, h.d.QueueLen("1"))

	h.start(t)
	h.clock.Advance(time.Second)
	assert.Zero(t, h.sender.count())
}

func TestInFlightResultDiscardedAfterLaneStop(t *testing.T) {
	h := newHarness(t, testConfig, true)
	release := make(chan struct{})
	h.sender.block = release
	h.sender.respond = func(int) error { return statusErr(http.StatusTooManyRequests) }

	h.enqueue(2)
	h.start(t)
	h.waitCalls(t, 1)

	assert.Equal(t, 1, h.d.StopLane("1", "test"))
	close(release)

	require.Eventually(t, func() bool {
		return testutil.CollectAndCount(h.metrics.DispatchLatency) == 1
	}, 2*time.Second, time.Millisecond, "in-flight call must complete")
	time.Sleep(10 * time.Millisecond)

	assert.Zero(t, testutil.ToFloat64(h.metrics.DispatchOutcomes.WithLabelValues("1", "throttled")))
	s, ok := h.d.RateState("1")
	require.True(t, ok)
	assert.Zero(t, s.ConsecutiveThrottleCount, "throttle from a stopped lane must not be applied")
	assert.Equal(t, testConfig.MinInterval, s.MinInterval)
	assert.Zero(t, h.d.QueueLen("1"))
}

func TestRunTwiceAndEnqueueAfterStop(t *testing.T) {
	h := newHarness(t, testConfig, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.d.mu.Lock()
		defer h.d.mu.Unlock()
		return h.d.runCtx != nil
	}, 2*time.Second, time.Millisecond)
	assert.Error(t, h.d.Run(context.Background()), "second Run must fail")

	cancel()
	require.NoError(t, <-done)

	h.enqueue(1)
	assert.Zero(t, h.d.QueueLen("1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DispatchOutcomes.WithLabelValues("1", "dropped")))
}

func TestConfigDefaults(t *testing.T) {
	c := Config{MinInterval: 5 * time.Second, MaxInterval: time.Second}.withDefaults()
	assert.Equal(t, 5*time.Second, c.MaxInterval)
	assert.Equal(t, 3, c.MaxAttempts)

	c = Config{}.withDefaults()
	assert.Equal(t, time.Second, c.MinInterval)
}
