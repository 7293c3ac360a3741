// Package instance owns the connection lifecycle of messaging instances: their
// credentials and their authorization state. Dispatch is only permitted for
// instances in the authorized state.
package instance

import (
	"log/slog"
	"strings"
	"time"
)

// State is the internal connection state of an instance.
type State string

const (
	StateDisconnected          State = "disconnected"
	StateAwaitingAuthorization State = "awaiting_authorization"
	StateAuthorized            State = "authorized"
	StateError                 State = "error"
)

// States lists every state in lifecycle order.
var States = []State{StateDisconnected, StateAwaitingAuthorization, StateAuthorized, StateError}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StateDisconnected, StateAwaitingAuthorization, StateAuthorized, StateError:
		return true
	}
	return false
}

// MessagingInstance is one connected messaging endpoint (one phone number).
type MessagingInstance struct {
	ID                string
	PhoneNumber       string
	AuthToken         string
	GatewayBaseURL    string
	State             State
	LastStateChangeAt time.Time
	LastError         string
}

// LogValue keeps the auth token out of logs.
func (m MessagingInstance) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", m.ID),
		slog.String("phone_number", m.PhoneNumber),
		slog.String("gateway_base_url", m.GatewayBaseURL),
		slog.String("state", string(m.State)),
	)
}

// StateChange describes the outcome of a status signal. From equals To when the
// signal did not move the instance. Removed is set when the instance was deregistered.
type StateChange struct {
	InstanceID string
	From       State
	To         State
	RawStatus  string
	Reason     string
	At         time.Time
	Removed    bool
}

// Changed reports whether the signal moved the instance to a different state.
func (c StateChange) Changed() bool {
	return c.Removed || c.From != c.To
}

// gatewayStatuses maps the upstream stateInstance vocabulary, lowercased, to internal states.
var gatewayStatuses = map[string]State{
	"authorized":             StateAuthorized,
	"notauthorized":          StateAwaitingAuthorization,
	"qr":                     StateAwaitingAuthorization,
	"gotqrcode":              StateAwaitingAuthorization,
	"awaiting_authorization": StateAwaitingAuthorization,
	"starting":               StateDisconnected,
	"sleepmode":              StateDisconnected,
	"disconnected":           StateDisconnected,
	"blocked":                StateError,
	"yellowcard":             StateError,
}

// MapGatewayStatus maps an upstream status string to an internal state.
func MapGatewayStatus(raw string) (State, bool) {
	state, ok := gatewayStatuses[strings.ToLower(strings.TrimSpace(raw))]
	return state, ok
}
