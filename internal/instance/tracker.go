package instance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/edgard/replybot/internal/errors"
	"github.com/edgard/replybot/internal/logger"
)

// Repository persists instances. The tracker keeps the authoritative copy in
// memory and writes through on every mutation.
type Repository interface {
	SaveInstance(ctx context.Context, inst MessagingInstance) error
	DeleteInstance(ctx context.Context, id string) error
	ListInstances(ctx context.Context) ([]MessagingInstance, error)
}

// Listener receives every state change. Listeners run while the instance is
// locked, so they must not call back into the Tracker.
type Listener func(StateChange)

// Tracker owns the lifecycle of registered instances. Mutations are linearizable
// per instance; different instances are updated in parallel.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry

	listenersMu sync.RWMutex
	listeners   []Listener

	repo           Repository
	clock          clockwork.Clock
	logger         *slog.Logger
	defaultBaseURL string
}

type entry struct {
	mu   sync.Mutex
	inst MessagingInstance
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRepository enables write-through persistence.
func WithRepository(repo Repository) Option {
	return func(t *Tracker) { t.repo = repo }
}

// WithClock overrides the clock used for transition timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithDefaultBaseURL sets the gateway host used when an instance is registered
// without its own base URL. The instance URL becomes {base}/waInstance{id}.
func WithDefaultBaseURL(baseURL string) Option {
	return func(t *Tracker) { t.defaultBaseURL = strings.TrimRight(baseURL, "/") }
}

// NewTracker creates an empty tracker.
func NewTracker(log *slog.Logger, opts ...Option) *Tracker {
	if log == nil {
		log = logger.Discard()
	}
	t := &Tracker{
		entries: make(map[string]*entry),
		clock:   clockwork.NewRealClock(),
		logger:  log.With("component", "instance_tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load replaces the tracked set with the instances stored in the repository.
func (t *Tracker) Load(ctx context.Context) error {
	if t.repo == nil {
		return nil
	}
	stored, err := t.repo.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*entry, len(stored))
	for _, inst := range stored {
		if !inst.State.Valid() {
			inst.State = StateDisconnected
		}
		t.entries[inst.ID] = &entry{inst: inst}
	}
	t.logger.InfoContext(ctx, "Loaded instances", "count", len(stored))
	return nil
}

// Subscribe registers a listener for state changes.
func (t *Tracker) Subscribe(l Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Register adds a new instance in the disconnected state and returns its id.
// Registering an id that is currently in the error state re-registers it with
// the new credentials and moves it back to disconnected.
func (t *Tracker) Register(ctx context.Context, inst MessagingInstance) (string, error) {
	inst.ID = strings.TrimSpace(inst.ID)
	if inst.ID == "" {
		return "", apperrors.NewValidationError("instance id is required", nil)
	}
	if inst.AuthToken == "" {
		return "", apperrors.NewValidationError("instance auth token is required", nil)
	}
	if inst.GatewayBaseURL == "" {
		inst.GatewayBaseURL = t.defaultBaseURL + "/waInstance" + inst.ID
	}
	inst.GatewayBaseURL = strings.TrimRight(inst.GatewayBaseURL, "/")

	t.mu.Lock()
	e, exists := t.entries[inst.ID]
	if !exists {
		inst.State = StateDisconnected
		inst.LastStateChangeAt = t.clock.Now()
		inst.LastError = ""
		if err := t.save(ctx, inst); err != nil {
			t.mu.Unlock()
			return "", err
		}
		t.entries[inst.ID] = &entry{inst: inst}
		t.mu.Unlock()
		t.logger.InfoContext(ctx, "Instance registered", "instance", inst)
		return inst.ID, nil
	}
	t.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst.State != StateError {
		return "", apperrors.NewValidationError(fmt.Sprintf("instance %q is already registered", inst.ID), nil)
	}
	e.inst.PhoneNumber = inst.PhoneNumber
	e.inst.AuthToken = inst.AuthToken
	e.inst.GatewayBaseURL = inst.GatewayBaseURL
	t.transitionLocked(ctx, e, StateDisconnected, "", "re-registered")
	return inst.ID, nil
}

// UpdateCredentials replaces the credentials of a registered instance without
// touching its state.
func (t *Tracker) UpdateCredentials(ctx context.Context, inst MessagingInstance) error {
	e, err := t.lookup(inst.ID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if inst.AuthToken != "" {
		e.inst.AuthToken = inst.AuthToken
	}
	if inst.PhoneNumber != "" {
		e.inst.PhoneNumber = inst.PhoneNumber
	}
	if inst.GatewayBaseURL != "" {
		e.inst.GatewayBaseURL = strings.TrimRight(inst.GatewayBaseURL, "/")
	}
	return t.save(ctx, e.inst)
}

// ApplyGatewayStatus applies an upstream status signal (webhook state change or
// status poll). An instance in the error state only leaves it through re-registration,
// so status signals received meanwhile are reported without a transition.
func (t *Tracker) ApplyGatewayStatus(ctx context.Context, id, rawStatus string) (StateChange, error) {
	e, err := t.lookup(id)
	if err != nil {
		return StateChange{}, err
	}
	target, ok := MapGatewayStatus(rawStatus)
	if !ok {
		return StateChange{}, apperrors.NewValidationError(fmt.Sprintf("unknown gateway status %q", rawStatus), nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inst.State == StateError && target != StateError {
		t.logger.WarnContext(ctx, "Ignoring gateway status for instance in error state, re-registration required",
			"instance_id", id, "raw_status", rawStatus)
		return StateChange{InstanceID: id, From: StateError, To: StateError, RawStatus: rawStatus, At: t.clock.Now()}, nil
	}

	reason := ""
	if target == StateError {
		reason = "gateway reported " + rawStatus
	}
	return t.transitionLocked(ctx, e, target, rawStatus, reason), nil
}

// MarkError moves an instance to the error state after the gateway rejected its credentials.
func (t *Tracker) MarkError(ctx context.Context, id, reason string) (StateChange, error) {
	e, err := t.lookup(id)
	if err != nil {
		return StateChange{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.transitionLocked(ctx, e, StateError, "", reason), nil
}

// Reregister moves an instance from error back to disconnected, keeping its credentials.
func (t *Tracker) Reregister(ctx context.Context, id string) (StateChange, error) {
	e, err := t.lookup(id)
	if err != nil {
		return StateChange{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst.State != StateError {
		return StateChange{InstanceID: id, From: e.inst.State, To: e.inst.State, At: t.clock.Now()}, nil
	}
	return t.transitionLocked(ctx, e, StateDisconnected, "", "re-registered"), nil
}

// Deregister removes an instance.
func (t *Tracker) Deregister(ctx context.Context, id string) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return apperrors.NewUnknownInstanceError(id)
	}
	delete(t.entries, id)
	t.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if t.repo != nil {
		if err := t.repo.DeleteInstance(ctx, id); err != nil {
			t.logger.ErrorContext(ctx, "Failed to delete instance from repository", "instance_id", id, "error", err)
		}
	}

	change := StateChange{InstanceID: id, From: e.inst.State, To: e.inst.State, Removed: true, Reason: "deregistered", At: t.clock.Now()}
	t.logger.InfoContext(ctx, "Instance deregistered", "instance_id", id)
	t.notify(change)
	return nil
}

// GetAuthorizedInstance returns the instance if it may dispatch.
func (t *Tracker) GetAuthorizedInstance(id string) (MessagingInstance, error) {
	inst, err := t.Get(id)
	if err != nil {
		return MessagingInstance{}, err
	}
	if inst.State != StateAuthorized {
		return MessagingInstance{}, apperrors.NewAuthorizationError(id,
			fmt.Sprintf("instance %q is %s, not authorized", id, inst.State), nil)
	}
	return inst, nil
}

// Get returns a copy of the instance.
func (t *Tracker) Get(id string) (MessagingInstance, error) {
	e, err := t.lookup(id)
	if err != nil {
		return MessagingInstance{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst, nil
}

// List returns copies of all instances ordered by id.
func (t *Tracker) List() []MessagingInstance {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]MessagingInstance, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.inst)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) lookup(id string) (*entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, apperrors.NewUnknownInstanceError(id)
	}
	return e, nil
}

// transitionLocked must be called with e.mu held.
func (t *Tracker) transitionLocked(ctx context.Context, e *entry, to State, rawStatus, reason string) StateChange {
	from := e.inst.State
	change := StateChange{InstanceID: e.inst.ID, From: from, To: to, RawStatus: rawStatus, Reason: reason, At: t.clock.Now()}
	if from == to {
		return change
	}

	e.inst.State = to
	e.inst.LastStateChangeAt = change.At
	if to == StateError {
		e.inst.LastError = reason
	} else {
		e.inst.LastError = ""
	}

	if err := t.save(ctx, e.inst); err != nil {
		t.logger.ErrorContext(ctx, "Failed to persist instance state", "instance_id", e.inst.ID, "error", err)
	}

	t.logger.InfoContext(ctx, "Instance state changed",
		"instance_id", e.inst.ID, "from", from, "to", to, "raw_status", rawStatus, "reason", reason)
	t.notify(change)
	return change
}

func (t *Tracker) save(ctx context.Context, inst MessagingInstance) error {
	if t.repo == nil {
		return nil
	}
	if err := t.repo.SaveInstance(ctx, inst); err != nil {
		return apperrors.NewDatabaseError("failed to save instance", err)
	}
	return nil
}

func (t *Tracker) notify(change StateChange) {
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()
	for _, l := range t.listeners {
		l(change)
	}
}
