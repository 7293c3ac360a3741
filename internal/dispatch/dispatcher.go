package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	apperrors "github.com/edgard/replybot/internal/errors"
	"github.com/edgard/replybot/internal/gateway"
	"github.com/edgard/replybot/internal/instance"
	"github.com/edgard/replybot/internal/logger"
	"github.com/edgard/replybot/internal/metrics"
)

// Instances is the view of the instance tracker the dispatcher needs.
type Instances interface {
	GetAuthorizedInstance(id string) (instance.MessagingInstance, error)
	MarkError(ctx context.Context, id, reason string) (instance.StateChange, error)
}

// Notifier receives failures an operator should know about.
type Notifier interface {
	Notify(ctx context.Context, err error)
}

// Dispatcher owns the per-instance lanes.
type Dispatcher struct {
	cfg       Config
	sender    gateway.Sender
	instances Instances
	notifier  Notifier
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	rates   map[string]RateLimitState // pacing carried over from stopped lanes
	runCtx  context.Context
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNotifier sets the notifier for authorization and delivery failures.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithClock overrides the clock used for pacing.
func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithMetrics enables lane and outcome metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher. Lanes start once Run is called.
func New(log *slog.Logger, cfg Config, sender gateway.Sender, instances Instances, opts ...Option) *Dispatcher {
	if log == nil {
		log = logger.Discard()
	}
	d := &Dispatcher{
		cfg:       cfg.withDefaults(),
		sender:    sender,
		instances: instances,
		clock:     clockwork.NewRealClock(),
		logger:    log.With("component", "dispatcher"),
		lanes:     make(map[string]*lane),
		rates:     make(map[string]RateLimitState),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue appends job to its instance lane. It never blocks on the gateway.
// Jobs without an id get one; jobs without a schedule are due immediately.
func (d *Dispatcher) Enqueue(job OutboundJob) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = d.clock.Now()
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.logger.Warn("Dispatcher stopped, dropping job", "job", job)
		d.metrics.RecordDispatch(job.InstanceID, "dropped")
		return
	}
	l, ok := d.lanes[job.InstanceID]
	if !ok {
		l = d.newLaneLocked(job.InstanceID)
	}
	d.mu.Unlock()

	depth := l.push(job)
	if depth == 0 {
		d.logger.Warn("Lane stopped concurrently, dropping job", "job", job)
		d.metrics.RecordDispatch(job.InstanceID, "dropped")
		return
	}
	d.metrics.SetLane(job.InstanceID, depth, l.rateState().MinInterval)
	d.logger.Debug("Job enqueued", "job", job, "depth", depth)
}

// Run starts the lanes and blocks until ctx is done. Lane goroutines are
// stopped and awaited before Run returns; queued jobs are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.runCtx != nil {
		d.mu.Unlock()
		return errors.New("dispatcher already running")
	}
	d.runCtx = ctx
	for _, l := range d.lanes {
		d.startLocked(l)
	}
	d.mu.Unlock()

	d.logger.Info("Dispatcher started")
	<-ctx.Done()

	d.mu.Lock()
	d.stopped = true
	for id, l := range d.lanes {
		l.stop()
		delete(d.lanes, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
	return nil
}

// StopLane stops the lane of an instance and drops its queued jobs. A call in
// flight completes but its result is discarded. It is safe to call from the
// lane goroutine itself.
func (d *Dispatcher) StopLane(instanceID, reason string) int {
	d.mu.Lock()
	l, ok := d.lanes[instanceID]
	if ok {
		delete(d.lanes, instanceID)
		d.rates[instanceID] = l.rateState()
	}
	d.mu.Unlock()
	if !ok {
		return 0
	}

	dropped := l.stop()
	for range dropped {
		d.metrics.RecordDispatch(instanceID, "dropped")
	}
	d.metrics.DeleteLane(instanceID)
	d.logger.Info("Lane stopped", "instance_id", instanceID, "reason", reason, "dropped_jobs", len(dropped))
	return len(dropped)
}

// HandleStateChange stops the lane of an instance that moved to the error
// state or was deregistered. It is meant to be subscribed to the instance tracker.
func (d *Dispatcher) HandleStateChange(change instance.StateChange) {
	switch {
	case change.Removed:
		d.StopLane(change.InstanceID, "instance deregistered")
	case change.Changed() && change.To == instance.StateError:
		d.StopLane(change.InstanceID, "instance entered error state")
	}
}

// RateState returns a snapshot of the pacing state of an instance.
func (d *Dispatcher) RateState(instanceID string) (RateLimitState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[instanceID]; ok {
		return l.rateState(), true
	}
	s, ok := d.rates[instanceID]
	return s, ok
}

// QueueLen returns the number of jobs waiting in the lane of an instance.
func (d *Dispatcher) QueueLen(instanceID string) int {
	d.mu.Lock()
	l, ok := d.lanes[instanceID]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return l.len()
}

// newLaneLocked must be called with d.mu held.
func (d *Dispatcher) newLaneLocked(instanceID string) *lane {
	state, ok := d.rates[instanceID]
	if !ok {
		state = RateLimitState{MinInterval: d.cfg.MinInterval}
	}
	delete(d.rates, instanceID)

	l := newLane(instanceID, state)
	d.lanes[instanceID] = l
	if d.runCtx != nil {
		d.startLocked(l)
	}
	return l
}

// startLocked must be called with d.mu held.
func (d *Dispatcher) startLocked(l *lane) {
	ctx, cancel := context.WithCancel(d.runCtx)
	l.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runLoop(ctx, l)
	}()
}

// runLoop drains one lane. The head job holds the lane until it is due, so jobs
// leave the lane in enqueue order apart from throttled jobs moved to the tail.
func (d *Dispatcher) runLoop(ctx context.Context, l *lane) {
	log := d.logger.With("instance_id", l.instanceID)
	log.Debug("Lane started")
	defer log.Debug("Lane exited")

	for {
		job, ok := l.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
				continue
			}
		}

		readyAt := job.ScheduledAt
		if next := l.rateState().nextIssueAt(); next.After(readyAt) {
			readyAt = next
		}
		if wait := readyAt.Sub(d.clock.Now()); wait > 0 {
			timer := d.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
			continue
		}

		job, ok = l.pop()
		if !ok {
			continue
		}
		d.process(ctx, l, job)
		if ctx.Err() == nil {
			d.metrics.SetLane(l.instanceID, l.len(), l.rateState().MinInterval)
		}
	}
}

// process issues one call for job and applies the outcome to the lane.
func (d *Dispatcher) process(ctx context.Context, l *lane, job OutboundJob) {
	inst, err := d.instances.GetAuthorizedInstance(job.InstanceID)
	if err != nil {
		d.logger.WarnContext(ctx, "Dropping job, instance cannot dispatch", "job", job, "error", err)
		d.metrics.RecordDispatch(job.InstanceID, "dropped")
		return
	}

	issuedAt := d.clock.Now()
	l.markSent(issuedAt)

	creds := gateway.Credentials{InstanceID: inst.ID, BaseURL: inst.GatewayBaseURL, AuthToken: inst.AuthToken}
	res, err := d.sender.SendMessage(context.WithoutCancel(ctx), creds, job.RecipientID, job.RenderedBody)
	d.metrics.ObserveSend(job.InstanceID, d.clock.Since(issuedAt))

	if ctx.Err() != nil {
		d.logger.Debug("Discarding result of call completed after lane stop", "job", job, "error", err)
		return
	}

	switch gateway.Classify(err) {
	case gateway.KindNone:
		state := l.recordSuccess(d.cfg.MinInterval)
		d.metrics.RecordDispatch(job.InstanceID, "sent")
		d.logger.InfoContext(ctx, "Reply sent", "job", job, "id_message", res.MessageID, "min_interval", state.MinInterval)

	case gateway.KindThrottled:
		state := l.recordThrottle(d.cfg.MaxInterval)
		wait := max(state.MinInterval, gateway.RetryAfter(err))
		job.ScheduledAt = d.clock.Now().Add(wait)
		depth := l.push(job)
		d.metrics.RecordDispatch(job.InstanceID, "throttled")
		d.logger.WarnContext(ctx, "Gateway throttled instance, job moved to lane tail",
			"job", job,
			"min_interval", state.MinInterval,
			"consecutive_throttles", state.ConsecutiveThrottleCount,
			"depth", depth,
			"retry_at", job.ScheduledAt,
			"error", apperrors.NewThrottledError(job.InstanceID, wait, err))

	case gateway.KindUnauthorized:
		authErr := apperrors.NewAuthorizationError(job.InstanceID, "gateway rejected instance credentials", err)
		d.metrics.RecordDispatch(job.InstanceID, "unauthorized")
		d.logger.ErrorContext(ctx, "Gateway rejected credentials", "job", job, "error", err)
		if _, markErr := d.instances.MarkError(ctx, job.InstanceID, err.Error()); markErr != nil {
			d.logger.ErrorContext(ctx, "Failed to mark instance as errored", "instance_id", job.InstanceID, "error", markErr)
		}
		d.StopLane(job.InstanceID, "credentials rejected")
		d.notify(ctx, authErr)

	case gateway.KindTransient:
		job.Attempt++
		if job.Attempt >= d.cfg.MaxAttempts {
			d.fail(ctx, job, job.Attempt, err)
			return
		}
		job.ScheduledAt = d.clock.Now().Add(d.cfg.RetryBackoff * time.Duration(job.Attempt))
		l.pushFront(job)
		d.metrics.RecordDispatch(job.InstanceID, "retried")
		d.logger.WarnContext(ctx, "Send failed, retrying", "job", job, "retry_at", job.ScheduledAt, "error", err)

	default:
		d.fail(ctx, job, job.Attempt+1, err)
	}
}

func (d *Dispatcher) fail(ctx context.Context, job OutboundJob, attempts int, cause error) {
	failure := apperrors.NewDeliveryFailedError(job.InstanceID, job.ID, attempts, cause)
	d.metrics.RecordDispatch(job.InstanceID, "failed")
	d.logger.ErrorContext(ctx, "Delivery failed", "job", job, "error", failure)
	d.notify(ctx, failure)
}

func (d *Dispatcher) notify(ctx context.Context, err error) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(context.WithoutCancel(ctx), err)
}
